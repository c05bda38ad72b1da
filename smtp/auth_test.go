package smtp

import (
	"regexp"
	"strings"
	"testing"
)

func TestSelectMechanism(t *testing.T) {
	tests := []struct {
		advertised []string
		allowed    []string
		want       string
	}{
		// Server order wins among supported mechanisms.
		{[]string{"LOGIN", "PLAIN"}, nil, "LOGIN"},
		{[]string{"PLAIN", "LOGIN"}, nil, "PLAIN"},
		// Unsupported mechanisms are skipped.
		{[]string{"GSSAPI", "CRAM-MD5"}, nil, "CRAM-MD5"},
		{[]string{"GSSAPI", "NTLM"}, nil, ""},
		// The allow-list filters the server's order.
		{[]string{"PLAIN", "CRAM-MD5"}, []string{"CRAM-MD5"}, "CRAM-MD5"},
		{[]string{"PLAIN", "CRAM-MD5"}, []string{"DIGEST-MD5"}, ""},
		{[]string{"DIGEST-MD5", "PLAIN"}, []string{"PLAIN", "DIGEST-MD5"}, "DIGEST-MD5"},
		// Case-insensitive matching.
		{[]string{"plain"}, []string{"Plain"}, "PLAIN"},
		{nil, nil, ""},
	}

	for _, tt := range tests {
		if got := selectMechanism(tt.advertised, tt.allowed); got != tt.want {
			t.Errorf("selectMechanism(%v, %v) = %q, want %q", tt.advertised, tt.allowed, got, tt.want)
		}
	}
}

func TestParseDigestChallenge(t *testing.T) {
	directives, err := parseDigestChallenge(
		`realm="elwood.innosoft.com",nonce="OA6MG9tEQGm2hh",qop="auth",algorithm=md5-sess,charset=utf-8`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	want := map[string]string{
		"realm":     "elwood.innosoft.com",
		"nonce":     "OA6MG9tEQGm2hh",
		"qop":       "auth",
		"algorithm": "md5-sess",
		"charset":   "utf-8",
	}
	for k, v := range want {
		if directives[k] != v {
			t.Errorf("directive %v = %q, want %q", k, directives[k], v)
		}
	}
}

func TestParseDigestChallengeMalformed(t *testing.T) {
	for _, challenge := range []string{
		`nonce="unterminated`,
		`=nokey`,
		`junk`,
	} {
		if _, err := parseDigestChallenge(challenge); err == nil {
			t.Errorf("challenge %q should not parse", challenge)
		}
	}
}

func TestDigestMD5Response(t *testing.T) {
	a := &digestMD5Client{username: "chris", password: "secret", host: "elwood.innosoft.com"}
	mech, ir, err := a.Start()
	if err != nil || mech != MechDigestMD5 || ir != nil {
		t.Fatalf("Start() = %v, %v, %v", mech, ir, err)
	}

	resp, err := a.Next([]byte(`realm="elwood.innosoft.com",nonce="OA6MG9tEQGm2hh",qop="auth",algorithm=md5-sess,charset=utf-8`))
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	fields := string(resp)
	for _, want := range []string{
		`username="chris"`,
		`realm="elwood.innosoft.com"`,
		`nonce="OA6MG9tEQGm2hh"`,
		`nc=00000001`,
		`qop=auth`,
		`digest-uri="smtp/elwood.innosoft.com"`,
	} {
		if !strings.Contains(fields, want) {
			t.Errorf("response %q missing %q", fields, want)
		}
	}
	if m := regexp.MustCompile(`response=([0-9a-f]{32})`).FindStringSubmatch(fields); m == nil {
		t.Errorf("response digest missing or malformed in %q", fields)
	}

	// Second round must accept only a rspauth directive, answered with an
	// empty response.
	if _, err := a.Next([]byte(`norspauth=x`)); err == nil {
		t.Error("missing rspauth must abort")
	}
	b := &digestMD5Client{username: "chris", password: "secret", host: "h", step: 1}
	empty, err := b.Next([]byte(`rspauth=ea40f60335c427b5527b84dbabcdfffd`))
	if err != nil || len(empty) != 0 || empty == nil {
		t.Errorf("rspauth round = %q, %v; want empty response", empty, err)
	}
}

func TestDigestMD5RejectsWeakChallenge(t *testing.T) {
	a := &digestMD5Client{username: "u", password: "p", host: "h"}
	if _, err := a.Next([]byte(`realm="r",nonce="n",qop="auth-conf"`)); err == nil {
		t.Error("qop without auth must be rejected")
	}
	b := &digestMD5Client{username: "u", password: "p", host: "h"}
	if _, err := b.Next([]byte(`realm="r"`)); err == nil {
		t.Error("missing nonce must be rejected")
	}
	c := &digestMD5Client{username: "u", password: "p", host: "h"}
	if _, err := c.Next([]byte(`nonce="n",algorithm=md5`)); err == nil {
		t.Error("non md5-sess algorithm must be rejected")
	}
}

func TestCramMD5SingleChallenge(t *testing.T) {
	a := &cramMD5Client{username: "tim", secret: "tanstaaftanstaaf"}
	resp, err := a.Next([]byte("<1896.697170952@postoffice.reston.mci.net>"))
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if want := "tim b913a602c7eda7a495b4e6e7334d3890"; string(resp) != want {
		t.Errorf("response = %q, want %q", resp, want)
	}
	if _, err := a.Next([]byte("again")); err == nil {
		t.Error("second challenge must be rejected")
	}
}
