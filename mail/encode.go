package mail

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"strings"
	"time"

	"gopkg.in/mgo.v2/bson"
)

// maxHeaderLine is the fold target recommended by RFC 5322 section 2.1.1.
const maxHeaderLine = 78

// Encode serializes a Message into a wire-correct MIME document and returns
// the document plus the value of its Message-ID header. The hostname is the
// domain part used when generating the Message-ID, normally the pool's EHLO
// hostname.
//
// Encode performs no I/O; dot-stuffing of the DATA stream is the session's
// job, not the encoder's.
func Encode(m *Message, hostname string) ([]byte, string, error) {
	if err := m.Validate(); err != nil {
		return nil, "", err
	}
	if hostname == "" {
		hostname = "localhost"
	}

	buf := new(bytes.Buffer)
	messageID := ""

	if m.FixedHeaders {
		// Caller controls the full header block, nothing is synthesized.
		for _, h := range m.Headers {
			if strings.EqualFold(h.Name, "Message-ID") {
				messageID = h.Value
			}
			writeHeader(buf, h.Name, h.Value)
		}
	} else {
		messageID = fmt.Sprintf("<%v@%v>", bson.NewObjectId().Hex(), hostname)
		supplied := make(map[string]bool)
		for _, h := range m.Headers {
			supplied[strings.ToLower(h.Name)] = true
		}

		writeDefault := func(name, value string) {
			if !supplied[strings.ToLower(name)] {
				writeHeader(buf, name, value)
			}
		}

		writeDefault("MIME-Version", "1.0")
		writeDefault("Message-ID", messageID)
		writeDefault("Date", time.Now().Format(time.RFC1123Z))
		if from, err := ParseAddress(m.From); err == nil {
			writeDefault("From", encodeAddress(from))
		}
		writeDefault("To", encodeAddressList(m.To))
		if len(m.Cc) > 0 {
			writeDefault("Cc", encodeAddressList(m.Cc))
		}
		if m.Subject != "" {
			writeDefault("Subject", encodeHeaderValue(m.Subject))
		}
		for _, h := range m.Headers {
			writeHeader(buf, h.Name, h.Value)
		}
	}

	if err := writeBody(buf, m); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), messageID, nil
}

// writeBody emits the Content-Type header of the top-level entity followed
// by the (possibly multipart) body.
func writeBody(buf *bytes.Buffer, m *Message) error {
	hasText := m.Text != ""
	hasHtml := m.Html != ""
	hasAttachments := len(m.Attachments) > 0

	switch {
	case hasAttachments:
		b := makeBoundary(m.Text, m.Html)
		writeHeader(buf, "Content-Type", fmt.Sprintf("multipart/mixed; boundary=\"%v\"", b))
		buf.WriteString("\r\n")
		if hasText || hasHtml {
			fmt.Fprintf(buf, "--%v\r\n", b)
			if hasText && hasHtml {
				if err := writeAlternative(buf, m); err != nil {
					return err
				}
			} else {
				ct, body := partContent(m)
				writeTextPart(buf, ct, body)
			}
		}
		for i := range m.Attachments {
			fmt.Fprintf(buf, "--%v\r\n", b)
			writeAttachment(buf, &m.Attachments[i])
		}
		fmt.Fprintf(buf, "--%v--\r\n", b)
	case hasText && hasHtml:
		if err := writeAlternative(buf, m); err != nil {
			return err
		}
	default:
		// Single body, possibly empty. An empty body is legal.
		ct, body := partContent(m)
		writeTextPart(buf, ct, body)
	}
	return nil
}

// partContent picks the single body variant of a non-alternative message.
func partContent(m *Message) (string, string) {
	if m.Html != "" {
		return "text/html", m.Html
	}
	return "text/plain", m.Text
}

// writeAlternative emits a multipart/alternative entity holding the text
// and html variants, plain text first per RFC 2046 (least faithful first).
func writeAlternative(buf *bytes.Buffer, m *Message) error {
	b := makeBoundary(m.Text, m.Html)
	writeHeader(buf, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=\"%v\"", b))
	buf.WriteString("\r\n")
	fmt.Fprintf(buf, "--%v\r\n", b)
	writeTextPart(buf, "text/plain", m.Text)
	fmt.Fprintf(buf, "--%v\r\n", b)
	writeTextPart(buf, "text/html", m.Html)
	fmt.Fprintf(buf, "--%v--\r\n", b)
	return nil
}

// writeTextPart emits the headers and encoded body of one text entity.
// US-ASCII content goes out as 7bit, anything else as quoted-printable
// UTF-8.
func writeTextPart(buf *bytes.Buffer, contentType, body string) {
	if isASCII(body) {
		writeHeader(buf, "Content-Type", contentType)
		writeHeader(buf, "Content-Transfer-Encoding", "7bit")
		buf.WriteString("\r\n")
		writeCRLFNormalized(buf, body)
		return
	}
	writeHeader(buf, "Content-Type", contentType+"; charset=utf-8")
	writeHeader(buf, "Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")
	qp := quotedprintable.NewWriter(buf)
	qp.Write([]byte(body))
	qp.Close()
	buf.WriteString("\r\n")
}

// writeAttachment emits one base64 part with its disposition metadata.
func writeAttachment(buf *bytes.Buffer, a *Attachment) {
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if a.Name != "" {
		contentType += fmt.Sprintf("; name=\"%v\"", a.Name)
	}
	disposition := a.Disposition
	if disposition == "" {
		disposition = DispositionAttachment
	}
	if a.Name != "" {
		disposition += fmt.Sprintf("; filename=\"%v\"", a.Name)
	}

	writeHeader(buf, "Content-Type", contentType)
	writeHeader(buf, "Content-Transfer-Encoding", "base64")
	writeHeader(buf, "Content-Disposition", disposition)
	if a.Description != "" {
		writeHeader(buf, "Content-Description", encodeHeaderValue(a.Description))
	}
	buf.WriteString("\r\n")

	// RFC 2045 caps encoded lines at 76 characters.
	encoded := base64.StdEncoding.EncodeToString(a.Data)
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	if len(encoded) > 0 {
		buf.WriteString(encoded)
		buf.WriteString("\r\n")
	}
}

// writeHeader folds the header at whitespace boundaries so no line exceeds
// the RFC 5322 recommended limit.
func writeHeader(buf *bytes.Buffer, name, value string) {
	line := name + ": " + value
	for len(line) > maxHeaderLine {
		fold := strings.LastIndex(line[:maxHeaderLine], " ")
		if fold <= len(name)+1 {
			// No usable whitespace before the limit, take the next one.
			next := strings.Index(line[len(name)+2:], " ")
			if next < 0 {
				break
			}
			fold = len(name) + 2 + next
		}
		buf.WriteString(line[:fold])
		buf.WriteString("\r\n")
		line = " " + strings.TrimLeft(line[fold:], " ")
	}
	buf.WriteString(line)
	buf.WriteString("\r\n")
}

// writeCRLFNormalized copies body text rewriting bare LF line endings to
// CRLF.
func writeCRLFNormalized(buf *bytes.Buffer, body string) {
	prev := byte(0)
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c == '\n' && prev != '\r' {
			buf.WriteByte('\r')
		}
		buf.WriteByte(c)
		prev = c
	}
	buf.WriteString("\r\n")
}

// encodeAddress formats one mailbox for a header, Q-encoding a non-ASCII
// display name.
func encodeAddress(a Address) string {
	if a.Name == "" {
		return a.Spec()
	}
	name := a.Name
	if !isASCII(name) {
		name = mime.QEncoding.Encode("utf-8", name)
	} else {
		name = quoteName(name)
	}
	return fmt.Sprintf("%v <%v>", name, a.Spec())
}

func encodeAddressList(addrs []string) string {
	out := make([]string, 0, len(addrs))
	for _, s := range addrs {
		if a, err := ParseAddress(s); err == nil {
			out = append(out, encodeAddress(a))
		}
	}
	return strings.Join(out, ", ")
}

// encodeHeaderValue Q-encodes unstructured header text when it is not plain
// US-ASCII.
func encodeHeaderValue(s string) string {
	if isASCII(s) {
		return s
	}
	return mime.QEncoding.Encode("utf-8", s)
}

// makeBoundary produces a random multipart boundary guaranteed not to occur
// inside any of the given body texts. Base64 attachment content cannot
// collide by construction.
func makeBoundary(bodies ...string) string {
	for {
		raw := make([]byte, 16)
		rand.Read(raw)
		b := fmt.Sprintf("=_%x", raw)
		collision := false
		for _, body := range bodies {
			if strings.Contains(body, b) {
				collision = true
				break
			}
		}
		if !collision {
			return b
		}
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
