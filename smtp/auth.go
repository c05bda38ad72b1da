package smtp

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
)

// Mechanism names understood by the negotiator. PLAIN and LOGIN come from
// go-sasl; the challenge/response pair is implemented below.
const (
	MechPlain     = "PLAIN"
	MechLogin     = "LOGIN"
	MechCramMD5   = "CRAM-MD5"
	MechDigestMD5 = "DIGEST-MD5"
)

// SupportsMechanism reports whether the negotiator implements the named
// mechanism.
func SupportsMechanism(mech string) bool {
	switch strings.ToUpper(mech) {
	case MechPlain, MechLogin, MechCramMD5, MechDigestMD5:
		return true
	}
	return false
}

// selectMechanism picks the first mechanism in the server's advertised
// order that is both allowed and supported. The allowed list is the
// configured authMethods allow-list; nil means everything supported is
// allowed. Empty return means no mutually acceptable mechanism exists.
func selectMechanism(advertised []string, allowed []string) string {
	for _, mech := range advertised {
		mech = strings.ToUpper(mech)
		if !SupportsMechanism(mech) {
			continue
		}
		if allowed != nil && !containsFold(allowed, mech) {
			continue
		}
		return mech
	}
	return ""
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// newSASLClient builds the client-side strategy for the named mechanism.
// The host is the server name, used for the DIGEST-MD5 digest-uri.
func newSASLClient(mech, username, password, host string) (sasl.Client, error) {
	switch strings.ToUpper(mech) {
	case MechPlain:
		return sasl.NewPlainClient("", username, password), nil
	case MechLogin:
		return sasl.NewLoginClient(username, password), nil
	case MechCramMD5:
		return &cramMD5Client{username: username, secret: password}, nil
	case MechDigestMD5:
		return &digestMD5Client{username: username, password: password, host: host}, nil
	}
	return nil, fmt.Errorf("smtp: unsupported auth mechanism %q", mech)
}

// cramMD5Client implements CRAM-MD5 (RFC 2195): the response is the
// username followed by the hex HMAC-MD5 of the server challenge keyed by
// the password.
type cramMD5Client struct {
	username string
	secret   string
	done     bool
}

func (a *cramMD5Client) Start() (string, []byte, error) {
	// No initial response, the server sends the challenge first.
	return MechCramMD5, nil, nil
}

func (a *cramMD5Client) Next(challenge []byte) ([]byte, error) {
	if a.done {
		return nil, fmt.Errorf("smtp: unexpected CRAM-MD5 challenge")
	}
	a.done = true
	mac := hmac.New(md5.New, []byte(a.secret))
	mac.Write(challenge)
	digest := hex.EncodeToString(mac.Sum(nil))
	return []byte(a.username + " " + digest), nil
}

// digestMD5Client implements the client side of DIGEST-MD5 (RFC 2831). A
// malformed challenge aborts the negotiation; there is no downgrade here,
// the session decides whether another mechanism may be tried and only
// before any AUTH command went out.
type digestMD5Client struct {
	username string
	password string
	host     string
	step     int
}

func (a *digestMD5Client) Start() (string, []byte, error) {
	return MechDigestMD5, nil, nil
}

func (a *digestMD5Client) Next(challenge []byte) ([]byte, error) {
	switch a.step {
	case 0:
		a.step++
		return a.respond(challenge)
	case 1:
		// Second round carries the server's rspauth; reply with an empty
		// response to finish the exchange.
		a.step++
		if !strings.HasPrefix(string(challenge), "rspauth=") {
			return nil, fmt.Errorf("smtp: DIGEST-MD5 missing rspauth directive")
		}
		return []byte{}, nil
	}
	return nil, fmt.Errorf("smtp: unexpected DIGEST-MD5 challenge")
}

func (a *digestMD5Client) respond(challenge []byte) ([]byte, error) {
	directives, err := parseDigestChallenge(string(challenge))
	if err != nil {
		return nil, err
	}
	nonce, ok := directives["nonce"]
	if !ok {
		return nil, fmt.Errorf("smtp: DIGEST-MD5 challenge missing nonce")
	}
	realm := directives["realm"]
	qop := directives["qop"]
	if qop == "" {
		qop = "auth"
	}
	if !containsFold(strings.Split(qop, ","), "auth") {
		return nil, fmt.Errorf("smtp: DIGEST-MD5 qop %q not supported", qop)
	}
	qop = "auth"
	algorithm := directives["algorithm"]
	if algorithm != "" && !strings.EqualFold(algorithm, "md5-sess") {
		return nil, fmt.Errorf("smtp: DIGEST-MD5 algorithm %q not supported", algorithm)
	}

	raw := make([]byte, 16)
	rand.Read(raw)
	cnonce := hex.EncodeToString(raw)
	nc := "00000001"
	digestURI := "smtp/" + a.host

	// A1 = H(H(user:realm:pass):nonce:cnonce), A2 = AUTHENTICATE:uri
	h := md5.Sum([]byte(a.username + ":" + realm + ":" + a.password))
	a1 := string(h[:]) + ":" + nonce + ":" + cnonce
	ha1 := md5hex(a1)
	ha2 := md5hex("AUTHENTICATE:" + digestURI)
	response := md5hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)

	resp := fmt.Sprintf(`username="%v",realm="%v",nonce="%v",cnonce="%v",nc=%v,qop=%v,digest-uri="%v",response=%v,charset=utf-8`,
		a.username, realm, nonce, cnonce, nc, qop, digestURI, response)
	return []byte(resp), nil
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// parseDigestChallenge splits a comma-separated directive list into a map,
// honoring quoted values. Any syntax error fails the whole negotiation.
func parseDigestChallenge(s string) (map[string]string, error) {
	directives := make(map[string]string)
	rest := strings.TrimSpace(s)
	for rest != "" {
		eq := strings.Index(rest, "=")
		if eq <= 0 {
			return nil, fmt.Errorf("smtp: malformed DIGEST-MD5 challenge near %q", rest)
		}
		key := strings.ToLower(strings.TrimSpace(rest[:eq]))
		rest = rest[eq+1:]

		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.Index(rest[1:], `"`)
			if end < 0 {
				return nil, fmt.Errorf("smtp: unterminated quoted value in DIGEST-MD5 challenge")
			}
			value = rest[1 : end+1]
			rest = rest[end+2:]
			rest = strings.TrimPrefix(strings.TrimSpace(rest), ",")
		} else {
			end := strings.Index(rest, ",")
			if end < 0 {
				value = rest
				rest = ""
			} else {
				value = rest[:end]
				rest = rest[end+1:]
			}
		}
		directives[key] = strings.TrimSpace(value)
		rest = strings.TrimSpace(rest)
	}
	return directives, nil
}
