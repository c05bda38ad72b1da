/*
	The mail package contains the message data model and the MIME encoder
	used to serialize outgoing messages.
*/
package mail

import "fmt"

// Disposition values accepted for an Attachment.
const (
	DispositionAttachment = "attachment"
	DispositionInline     = "inline"
)

// Header is a single message header field. Headers are kept as an ordered
// multi-valued list so that repeated fields survive encoding in the order
// the caller supplied them.
type Header struct {
	Name  string
	Value string
}

// Attachment is a binary part embedded into the encoded message.
type Attachment struct {
	Data        []byte
	ContentType string // defaults to application/octet-stream
	Description string
	Disposition string // inline|attachment, defaults to attachment
	Name        string
}

// Message describes one mail to be sent. Addresses follow RFC 5322 mailbox
// syntax with an optional display name, e.g. `Postmaster <postmaster@example.com>`.
type Message struct {
	From          string
	To            []string
	Cc            []string
	Bcc           []string
	BounceAddress string // envelope sender, defaults to From
	Subject       string
	Text          string
	Html          string
	Attachments   []Attachment
	Headers       []Header
	// FixedHeaders suppresses all synthesized headers; only the supplied
	// Headers are emitted.
	FixedHeaders bool
}

// Result reports the outcome of a successful send.
type Result struct {
	MessageID  string   `json:"messageID"`
	Recipients []string `json:"recipients"`
}

// Envelope returns the envelope sender address for the MAIL FROM command.
func (m *Message) Envelope() string {
	if m.BounceAddress != "" {
		return m.BounceAddress
	}
	return m.From
}

// Recipients returns the union of To, Cc and Bcc in submission order.
func (m *Message) Recipients() []string {
	all := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	all = append(all, m.To...)
	all = append(all, m.Cc...)
	all = append(all, m.Bcc...)
	return all
}

// Validate checks every address on the message and the attachment metadata.
// It runs before any network I/O so a malformed message never consumes a
// pooled connection.
func (m *Message) Validate() error {
	if m.From == "" {
		return &ParseError{Address: "", Reason: "From address is required"}
	}
	if _, err := ParseAddress(m.From); err != nil {
		return err
	}
	if m.BounceAddress != "" {
		if _, err := ParseAddress(m.BounceAddress); err != nil {
			return err
		}
	}
	if len(m.Recipients()) == 0 {
		return &ParseError{Address: "", Reason: "Message has no recipients"}
	}
	for _, addr := range m.Recipients() {
		if _, err := ParseAddress(addr); err != nil {
			return err
		}
	}
	for i := range m.Attachments {
		a := &m.Attachments[i]
		switch a.Disposition {
		case "", DispositionAttachment, DispositionInline:
		default:
			return fmt.Errorf("Invalid attachment disposition: %q", a.Disposition)
		}
	}
	return nil
}
