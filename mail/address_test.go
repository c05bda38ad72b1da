package mail

import (
	"strings"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		input  string
		name   string
		local  string
		domain string
	}{
		{"john@gmail.com", "", "john", "gmail.com"},
		{"John Doe <john@gmail.com>", "John Doe", "john", "gmail.com"},
		{`"Doe, John" <john@gmail.com>`, "Doe, John", "john", "gmail.com"},
		{"  john@gmail.com  ", "", "john", "gmail.com"},
		{"john175@de.vu", "", "john175", "de.vu"},
		{"john+spam@gmail.com", "", "john+spam", "gmail.com"},
		{`"oddly@named"@example.com`, "", "oddly@named", "example.com"},
		{`Abc\@def@example.com`, "", "Abc@def", "example.com"},
	}

	for _, tt := range tests {
		a, err := ParseAddress(tt.input)
		if err != nil {
			t.Errorf("ParseAddress(%q) failed: %v", tt.input, err)
			continue
		}
		if a.Name != tt.name || a.Local != tt.local || a.Domain != tt.domain {
			t.Errorf("ParseAddress(%q) = %+v, want {%q %q %q}",
				tt.input, a, tt.name, tt.local, tt.domain)
		}
	}
}

func TestParseAddressFailure(t *testing.T) {
	tests := []string{
		"",
		"joe",
		"@gmail.com",
		".john@gmail.com",
		"john.@gmail.com",
		"first..last@example.com",
		"john<doe@gmail.com",
		"John Doe <john@gmail.com",
		"john@",
		"ünicøde@example.com",
		strings.Repeat("a", 65) + "@example.com",
		"a@" + strings.Repeat("a", 64) + ".com",
		"a@-example.com",
		"a@example-.com",
		"a@example..com",
	}

	for _, input := range tests {
		if _, err := ParseAddress(input); err == nil {
			t.Errorf("ParseAddress(%q) should have failed", input)
		} else if _, ok := err.(*ParseError); !ok {
			t.Errorf("ParseAddress(%q) error type %T, want *ParseError", input, err)
		}
	}
}

func TestValidateDomainPart(t *testing.T) {
	valid := []string{
		"example.com",
		"sub.example.com",
		"example.com.",
		"ex-ample.com",
		"123.example.com",
		"_dmarc.example.com",
	}
	for _, d := range valid {
		if !ValidateDomainPart(d) {
			t.Errorf("ValidateDomainPart(%q) = false, want true", d)
		}
	}

	invalid := []string{
		"",
		".",
		"example..com",
		"-example.com",
		"example.com-",
		"exam ple.com",
		strings.Repeat("a.", 128) + "com",
		strings.Repeat("a", 64) + ".com",
		"---.com",
	}
	for _, d := range invalid {
		if ValidateDomainPart(d) {
			t.Errorf("ValidateDomainPart(%q) = true, want false", d)
		}
	}
}

func TestAddressString(t *testing.T) {
	tests := []struct {
		addr Address
		want string
	}{
		{Address{Local: "john", Domain: "gmail.com"}, "john@gmail.com"},
		{Address{Name: "John", Local: "john", Domain: "gmail.com"}, "John <john@gmail.com>"},
		{Address{Name: "Doe, John", Local: "john", Domain: "gmail.com"}, `"Doe, John" <john@gmail.com>`},
	}
	for _, tt := range tests {
		if got := tt.addr.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestMessageValidate(t *testing.T) {
	good := &Message{From: "a@example.com", To: []string{"b@example.com"}, Text: "hi"}
	if err := good.Validate(); err != nil {
		t.Errorf("valid message rejected: %v", err)
	}

	bad := []*Message{
		{To: []string{"b@example.com"}},
		{From: "a@example.com"},
		{From: "not-an-address", To: []string{"b@example.com"}},
		{From: "a@example.com", To: []string{"broken@"}},
		{From: "a@example.com", Bcc: []string{"b@example.com"},
			Attachments: []Attachment{{Name: "x", Disposition: "sideways"}}},
	}
	for i, m := range bad {
		if err := m.Validate(); err == nil {
			t.Errorf("message %v should not validate", i)
		}
	}
}

func TestEnvelopeAndRecipients(t *testing.T) {
	m := &Message{
		From: "from@example.com",
		To:   []string{"to@example.com"},
		Cc:   []string{"cc@example.com"},
		Bcc:  []string{"bcc@example.com"},
	}
	if got := m.Envelope(); got != "from@example.com" {
		t.Errorf("Envelope() = %q", got)
	}
	m.BounceAddress = "bounce@example.com"
	if got := m.Envelope(); got != "bounce@example.com" {
		t.Errorf("Envelope() = %q, want bounce address", got)
	}
	rcpts := m.Recipients()
	want := []string{"to@example.com", "cc@example.com", "bcc@example.com"}
	if len(rcpts) != len(want) {
		t.Fatalf("Recipients() = %v", rcpts)
	}
	for i := range want {
		if rcpts[i] != want[i] {
			t.Errorf("Recipients()[%v] = %q, want %q", i, rcpts[i], want[i])
		}
	}
}
