package smtp

import "io"

// replyLineLimit is double the RFC 5321 maximum reply line length
// (Section 4.5.3.1.6), leaving headroom for servers that run long.
const replyLineLimit = 2000

// lineLimitReader fails the stream once a reply line exceeds
// replyLineLimit, so a misbehaving server cannot feed unbounded data into
// the textproto reader.
type lineLimitReader struct {
	src     io.Reader
	lineLen int
}

func newLineLimitReader(src io.Reader) *lineLimitReader {
	return &lineLimitReader{src: src}
}

func (r *lineLimitReader) Read(b []byte) (int, error) {
	if r.lineLen > replyLineLimit {
		return 0, ErrTooLongLine
	}

	n, err := r.src.Read(b)
	if err != nil {
		return n, err
	}

	for _, c := range b[:n] {
		if c == '\n' {
			r.lineLen = 0
			continue
		}
		r.lineLen++
		if r.lineLen > replyLineLimit {
			return 0, ErrTooLongLine
		}
	}
	return n, nil
}
