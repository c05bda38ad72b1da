package smtp

import (
	"errors"
	"fmt"
	"net/textproto"
	"testing"
)

type timeoutError struct{ timeout bool }

func (e *timeoutError) Error() string   { return "i/o" }
func (e *timeoutError) Timeout() bool   { return e.timeout }
func (e *timeoutError) Temporary() bool { return e.timeout }

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(&timeoutError{timeout: true}) {
		t.Error("timeout net.Error not recognized")
	}
	if IsTimeout(&timeoutError{timeout: false}) {
		t.Error("non-timeout net.Error reported as timeout")
	}
	if IsTimeout(errors.New("plain error")) {
		t.Error("plain error reported as timeout")
	}
	if IsTimeout(nil) {
		t.Error("nil reported as timeout")
	}

	// Wrapped timeouts must still be detected.
	wrapped := fmt.Errorf("sending mail: %w", &timeoutError{timeout: true})
	if !IsTimeout(wrapped) {
		t.Error("wrapped timeout not recognized")
	}
}

func TestToSMTPErr(t *testing.T) {
	tests := []struct {
		proto   *textproto.Error
		code    int
		ench    EnhancedCode
		message string
	}{
		{
			&textproto.Error{Code: 550, Msg: "5.1.1 User unknown"},
			550, EnhancedCode{5, 1, 1}, "User unknown",
		},
		{
			&textproto.Error{Code: 451, Msg: "Try again later"},
			451, EnhancedCode{}, "Try again later",
		},
		{
			&textproto.Error{Code: 552, Msg: "bogus.code Message too large"},
			552, EnhancedCode{}, "bogus.code Message too large",
		},
	}
	for _, tc := range tests {
		got := toSMTPErr(tc.proto)
		if got.Code != tc.code || got.EnhancedCode != tc.ench || got.Message != tc.message {
			t.Errorf("toSMTPErr(%v) = %+v", tc.proto, got)
		}
	}

	perm := toSMTPErr(&textproto.Error{Code: 550, Msg: "no"})
	if !perm.Permanent() || perm.Temporary() {
		t.Error("550 must be permanent")
	}
	temp := toSMTPErr(&textproto.Error{Code: 421, Msg: "shutting down"})
	if !temp.Temporary() || temp.Permanent() {
		t.Error("421 must be temporary")
	}
}
