/*
	The smtp package drives one client connection through the SMTP command
	dialogue: greeting, EHLO, STARTTLS, AUTH and the mail transaction
	itself. Sessions are owned by the pool package and are never handed to
	callers directly.
*/
package smtp

import (
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
)

// EnhancedCode is the three-number RFC 3463 status code attached to a reply
// when the server supports ENHANCEDSTATUSCODES.
type EnhancedCode [3]int

// SMTPError is a negative reply from the server. Code 4xx replies are
// transient, 5xx permanent.
type SMTPError struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string
}

func (err *SMTPError) Error() string {
	s := fmt.Sprintf("SMTP error %03d", err.Code)
	if err.Message != "" {
		s += ": " + err.Message
	}
	return s
}

// Temporary reports whether the failure is a 4xx transient one.
func (err *SMTPError) Temporary() bool {
	return err.Code/100 == 4
}

// Permanent reports whether the failure is a 5xx permanent one.
func (err *SMTPError) Permanent() bool {
	return err.Code/100 == 5
}

// ErrTooLongLine is returned when the server reply exceeds the doubled
// RFC 5321 line limit.
var ErrTooLongLine = errors.New("smtp: too long a line in input stream")

// IsTimeout reports whether the error came from a network deadline
// expiring, so callers can distinguish timeout failures from protocol ones.
func IsTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	return false
}

func parseEnhancedCode(s string) (EnhancedCode, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return EnhancedCode{}, fmt.Errorf("wrong amount of enhanced code parts")
	}

	code := EnhancedCode{}
	for i, part := range parts {
		num, err := strconv.Atoi(part)
		if err != nil {
			return code, err
		}
		code[i] = num
	}
	return code, nil
}

// toSMTPErr converts textproto.Error into SMTPError, parsing
// enhanced status code if it is present.
func toSMTPErr(protoErr *textproto.Error) *SMTPError {
	if protoErr == nil {
		return nil
	}
	smtpErr := &SMTPError{
		Code:    protoErr.Code,
		Message: protoErr.Msg,
	}

	parts := strings.SplitN(protoErr.Msg, " ", 2)
	if len(parts) != 2 {
		return smtpErr
	}

	enchCode, err := parseEnhancedCode(parts[0])
	if err != nil {
		return smtpErr
	}

	msg := parts[1]

	// Per RFC 2034, enhanced code should be prepended to each line.
	msg = strings.ReplaceAll(msg, "\n"+parts[0]+" ", "\n")

	smtpErr.EnhancedCode = enchCode
	smtpErr.Message = msg
	return smtpErr
}
