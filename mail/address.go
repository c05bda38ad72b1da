package mail

import (
	"bytes"
	"fmt"
	"strings"
)

// ParseError reports a malformed address or message. It surfaces before any
// network I/O happens.
type ParseError struct {
	Address string
	Reason  string
}

func (e *ParseError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("mail: %v", e.Reason)
	}
	return fmt.Sprintf("mail: invalid address %q: %v", e.Address, e.Reason)
}

// Address is a parsed RFC 5322 mailbox with an optional display name.
type Address struct {
	Name   string
	Local  string
	Domain string
}

// Spec returns the bare addr-spec, local@domain.
func (a Address) Spec() string {
	return a.Local + "@" + a.Domain
}

// String formats the mailbox for a message header, quoting the display name
// when present.
func (a Address) String() string {
	if a.Name == "" {
		return a.Spec()
	}
	return fmt.Sprintf("%v <%v>", quoteName(a.Name), a.Spec())
}

// ParseAddress parses a mailbox of the form `addr-spec` or
// `display-name <addr-spec>`.
func ParseAddress(address string) (Address, error) {
	addr := strings.TrimSpace(address)
	name := ""

	if idx := strings.LastIndex(addr, "<"); idx >= 0 {
		if !strings.HasSuffix(addr, ">") {
			return Address{}, &ParseError{address, "unterminated angle bracket"}
		}
		name = strings.TrimSpace(addr[:idx])
		name = strings.Trim(name, "\"")
		addr = addr[idx+1 : len(addr)-1]
	} else if strings.ContainsAny(addr, "<>") {
		return Address{}, &ParseError{address, "stray angle bracket"}
	}

	local, domain, err := splitAddrSpec(addr)
	if err != nil {
		return Address{}, &ParseError{address, err.Error()}
	}
	return Address{Name: name, Local: local, Domain: domain}, nil
}

// splitAddrSpec unescapes an addr-spec and splits the local part from the
// domain part, validating both following the guidelines in RFC 3696.
func splitAddrSpec(address string) (local string, domain string, err error) {
	if address == "" {
		return "", "", fmt.Errorf("empty address")
	}
	if len(address) > 320 {
		return "", "", fmt.Errorf("address exceeds 320 characters")
	}
	if address[0] == '@' {
		return "", "", fmt.Errorf("address cannot start with @ symbol")
	}
	if address[0] == '.' {
		return "", "", fmt.Errorf("address cannot start with a period")
	}

	// Loop over address parsing out local part
	buf := new(bytes.Buffer)
	prev := byte('.')
	inCharQuote := false
	inStringQuote := false
LOOP:
	for i := 0; i < len(address); i++ {
		c := address[i]
		switch {
		case ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z'):
			buf.WriteByte(c)
			inCharQuote = false
		case '0' <= c && c <= '9':
			buf.WriteByte(c)
			inCharQuote = false
		case bytes.IndexByte([]byte("!#$%&'*+-/=?^_`{|}~"), c) >= 0:
			// These specials can be used unquoted
			buf.WriteByte(c)
			inCharQuote = false
		case c == '.':
			if prev == '.' {
				return "", "", fmt.Errorf("sequence of periods is not permitted")
			}
			buf.WriteByte(c)
			inCharQuote = false
		case c == '\\':
			inCharQuote = true
		case c == '"':
			if inCharQuote {
				buf.WriteByte(c)
				inCharQuote = false
			} else if inStringQuote {
				inStringQuote = false
			} else {
				if i == 0 {
					inStringQuote = true
				} else {
					return "", "", fmt.Errorf("quoted string can only begin at start of address")
				}
			}
		case c == '@':
			if inCharQuote || inStringQuote {
				buf.WriteByte(c)
				inCharQuote = false
			} else {
				// End of local-part
				if i > 63 {
					return "", "", fmt.Errorf("local part must not exceed 64 characters")
				}
				if prev == '.' {
					return "", "", fmt.Errorf("local part cannot end with a period")
				}
				domain = address[i+1:]
				break LOOP
			}
		case c > 127:
			return "", "", fmt.Errorf("characters outside of US-ASCII range not permitted")
		default:
			if inCharQuote || inStringQuote {
				buf.WriteByte(c)
				inCharQuote = false
			} else {
				return "", "", fmt.Errorf("character %q must be quoted", c)
			}
		}
		prev = c
	}
	if inCharQuote {
		return "", "", fmt.Errorf("cannot end address with unterminated quoted-pair")
	}
	if inStringQuote {
		return "", "", fmt.Errorf("cannot end address with unterminated string quote")
	}
	if domain == "" {
		return "", "", fmt.Errorf("missing domain part")
	}

	if !ValidateDomainPart(domain) {
		return "", "", fmt.Errorf("domain part validation failed")
	}

	return buf.String(), domain, nil
}

// ValidateDomainPart returns true if the domain part complies to RFC 3696
// and RFC 1035.
func ValidateDomainPart(domain string) bool {
	if len(domain) == 0 {
		return false
	}
	if len(domain) > 255 {
		return false
	}
	if domain[len(domain)-1] != '.' {
		domain += "."
	}
	prev := '.'
	labelLen := 0
	hasAlphaNum := false

	for _, c := range domain {
		switch {
		case ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') ||
			('0' <= c && c <= '9') || c == '_':
			// Must contain some of these to be a valid label
			hasAlphaNum = true
			labelLen++
		case c == '-':
			if prev == '.' {
				// Cannot lead with hyphen
				return false
			}
		case c == '.':
			if prev == '.' || prev == '-' {
				// Cannot end with hyphen or double-dot
				return false
			}
			if labelLen > 63 {
				return false
			}
			if !hasAlphaNum {
				return false
			}
			labelLen = 0
			hasAlphaNum = false
		default:
			// Unknown character
			return false
		}
		prev = c
	}

	return true
}

func quoteName(name string) string {
	if strings.ContainsAny(name, "()<>[]:;@\\,.\"") {
		return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name) + `"`
	}
	return name
}
