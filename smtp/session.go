package smtp

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/gleez/mailer/config"
	"github.com/gleez/mailer/log"
	"github.com/gleez/mailer/mail"
)

// State is the position of a Session in the protocol dialogue.
type State int

const (
	StateConnecting State = iota
	StateGreeted
	StateEhloSent
	StateStartTLSPending
	StateTLSUpgraded
	StateAuthPending
	StateReady
	StateMailSent
	StateRcptSent
	StateDataPending
	StateDataSent
	StateIdle
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateGreeted:
		return "GREETED"
	case StateEhloSent:
		return "EHLO_SENT"
	case StateStartTLSPending:
		return "STARTTLS_PENDING"
	case StateTLSUpgraded:
		return "TLS_UPGRADED"
	case StateAuthPending:
		return "AUTH_PENDING"
	case StateReady:
		return "READY"
	case StateMailSent:
		return "MAIL_SENT"
	case StateRcptSent:
		return "RCPT_SENT"
	case StateDataPending:
		return "DATA_PENDING"
	case StateDataSent:
		return "DATA_SENT"
	case StateIdle:
		return "IDLE"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// A Session is one client connection to an SMTP server. Commands within a
// session are strictly ordered; a session never runs more than one
// command/reply exchange at a time.
type Session struct {
	text *textproto.Conn
	// keep a reference to the connection so it can be used to create a TLS
	// connection later
	conn net.Conn
	cfg  config.MailConfig

	state State
	// whether the connection is encrypted, either implicitly or via STARTTLS
	tls bool
	// map of supported extensions from the last EHLO
	ext map[string]string
	// supported auth mechanisms advertised by the server
	auth          []string
	authenticated bool
	lastActive    time.Time

	// Time to wait for command responses (this includes 3xx reply to DATA).
	CommandTimeout time.Duration

	// Time to wait for responses after final dot.
	SubmissionTimeout time.Duration
}

// Dial opens a connection per the configuration, performs the greeting,
// EHLO, optional STARTTLS upgrade and authentication, and returns a
// Session in the READY state.
func Dial(cfg config.MailConfig) (*Session, error) {
	connectTimeout := time.Minute
	if cfg.ConnectTimeout > 0 {
		connectTimeout = time.Duration(cfg.ConnectTimeout) * time.Second
	}
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.Dial("tcp", cfg.Addr())
	if err != nil {
		return nil, err
	}
	if cfg.SSL {
		// Implicit TLS on connect, the greeting arrives encrypted.
		conn = tls.Client(conn, tlsConfig(cfg))
	}
	return NewSession(conn, cfg)
}

// NewSession runs the connection setup dialogue over an existing
// connection. It is split from Dial so tests can drive the state machine
// with a scripted connection.
func NewSession(conn net.Conn, cfg config.MailConfig) (*Session, error) {
	rwc := struct {
		io.Reader
		io.Writer
		io.Closer
	}{
		Reader: newLineLimitReader(conn),
		Writer: conn,
		Closer: conn,
	}

	// As recommended by RFC 5321. For DATA command reply (3xx one) RFC
	// recommends a slightly shorter timeout but we do not bother
	// differentiating these.
	commandTimeout := 5 * time.Minute
	if cfg.CommandTimeout > 0 {
		commandTimeout = time.Duration(cfg.CommandTimeout) * time.Second
	}

	_, isTLS := conn.(*tls.Conn)
	s := &Session{
		text:           textproto.NewConn(rwc),
		conn:           conn,
		cfg:            cfg,
		state:          StateConnecting,
		tls:            isTLS,
		lastActive:     time.Now(),
		CommandTimeout: commandTimeout,
		// 10 minutes + 2 minute buffer in case the server is doing
		// transparent forwarding and also follows recommended timeouts.
		SubmissionTimeout: 12 * time.Minute,
	}

	if err := s.handshake(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// handshake walks the session from CONNECTING to READY.
func (s *Session) handshake() error {
	s.conn.SetDeadline(time.Now().Add(s.CommandTimeout))
	_, _, err := s.text.ReadResponse(220)
	s.conn.SetDeadline(time.Time{})
	if err != nil {
		if protoErr, ok := err.(*textproto.Error); ok {
			return toSMTPErr(protoErr)
		}
		return err
	}
	s.state = StateGreeted

	if err := s.hello(); err != nil {
		return err
	}
	if err := s.upgrade(); err != nil {
		return err
	}
	if err := s.authenticate(); err != nil {
		return err
	}
	s.state = StateReady
	return nil
}

// cmd is a convenience function that sends a command and returns the response
// textproto.Error returned by s.text.ReadResponse is converted into SMTPError.
func (s *Session) cmd(expectCode int, format string, args ...interface{}) (int, string, error) {
	s.conn.SetDeadline(time.Now().Add(s.CommandTimeout))
	defer s.conn.SetDeadline(time.Time{})

	id, err := s.text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	s.text.StartResponse(id)
	defer s.text.EndResponse(id)
	code, msg, err := s.text.ReadResponse(expectCode)
	if err != nil {
		if protoErr, ok := err.(*textproto.Error); ok {
			smtpErr := toSMTPErr(protoErr)
			return code, smtpErr.Message, smtpErr
		}
		return code, msg, err
	}
	// Any completed exchange counts as activity for the idle reaper, RSET
	// and NOOP included.
	s.lastActive = time.Now()
	return code, msg, nil
}

// hello sends EHLO and falls back to HELO when the server rejects it. After
// a HELO fallback the capability set is empty, so STARTTLS and AUTH are
// treated as unavailable.
func (s *Session) hello() error {
	if err := s.ehlo(); err != nil {
		if _, ok := err.(*SMTPError); !ok {
			return err
		}
		log.LogTrace("EHLO rejected, falling back to HELO: %v", err)
		return s.helo()
	}
	return nil
}

// helo sends the HELO greeting to the server. It should be used only when the
// server does not support ehlo.
func (s *Session) helo() error {
	s.ext = nil
	s.auth = nil
	_, _, err := s.cmd(250, "HELO %s", s.cfg.EhloHostname)
	if err == nil {
		s.state = StateEhloSent
	}
	return err
}

// ehlo sends the EHLO (extended hello) greeting to the server and parses
// the multiline reply into the capability set.
func (s *Session) ehlo() error {
	_, msg, err := s.cmd(250, "EHLO %s", s.cfg.EhloHostname)
	if err != nil {
		return err
	}
	ext := make(map[string]string)
	extList := strings.Split(msg, "\n")
	if len(extList) > 1 {
		extList = extList[1:]
		for _, line := range extList {
			args := strings.SplitN(line, " ", 2)
			if len(args) > 1 {
				ext[args[0]] = args[1]
			} else {
				ext[args[0]] = ""
			}
		}
	}
	if mechs, ok := ext["AUTH"]; ok {
		s.auth = strings.Split(mechs, " ")
	} else {
		s.auth = nil
	}
	s.ext = ext
	s.state = StateEhloSent
	return nil
}

// Extension reports whether an extension was advertised by the server, with
// any parameters the server supplied for it.
func (s *Session) Extension(ext string) (bool, string) {
	if s.ext == nil {
		return false, ""
	}
	param, ok := s.ext[strings.ToUpper(ext)]
	return ok, param
}

// upgrade applies the STARTTLS decision. With implicit SSL the transport is
// already encrypted and STARTTLS is skipped. A REQUIRED policy against a
// server that does not advertise STARTTLS fails before any credentials are
// sent. After a successful upgrade EHLO is re-issued because pre-TLS
// capabilities cannot be trusted.
func (s *Session) upgrade() error {
	if s.tls {
		return nil
	}
	switch s.cfg.StartTLS {
	case config.TLSDisabled:
		return nil
	case config.TLSRequired:
		if ok, _ := s.Extension("STARTTLS"); !ok {
			return &SMTPError{
				Code:    502,
				Message: "STARTTLS required but not advertised by server",
			}
		}
	case config.TLSOptional:
		if ok, _ := s.Extension("STARTTLS"); !ok {
			return nil
		}
	}

	s.state = StateStartTLSPending
	if _, _, err := s.cmd(220, "STARTTLS"); err != nil {
		return err
	}

	tlsConn := tls.Client(s.conn, tlsConfig(s.cfg))
	s.conn.SetDeadline(time.Now().Add(s.CommandTimeout))
	err := tlsConn.Handshake()
	s.conn.SetDeadline(time.Time{})
	if err != nil {
		return err
	}
	s.conn = tlsConn
	s.text = textproto.NewConn(struct {
		io.Reader
		io.Writer
		io.Closer
	}{
		Reader: newLineLimitReader(tlsConn),
		Writer: tlsConn,
		Closer: tlsConn,
	})
	s.tls = true
	s.state = StateTLSUpgraded
	return s.ehlo()
}

func tlsConfig(cfg config.MailConfig) *tls.Config {
	c := cfg.TLSConfig
	if c == nil {
		c = &tls.Config{}
	} else {
		// Make a copy to avoid polluting the configured object
		c = c.Clone()
	}
	if c.ServerName == "" {
		c.ServerName = cfg.Hostname
	}
	if cfg.TrustAll {
		c.InsecureSkipVerify = true
	}
	return c
}

// authenticate applies the login decision. Mechanism selection follows the
// server's advertised order filtered by the configured allow-list. With
// login mode NONE a failure to pick or build a mechanism downgrades to an
// unauthenticated send, but once an AUTH command went to the server a
// rejection is terminal.
func (s *Session) authenticate() error {
	switch s.cfg.Login {
	case config.LoginDisabled:
		return nil
	case config.LoginRequired:
		if s.cfg.Username == "" || s.cfg.Password == "" {
			return errors.New("smtp: login required but no credentials configured")
		}
	case config.LoginNone:
		if s.cfg.Username == "" {
			return nil
		}
	}

	mech := selectMechanism(s.auth, s.cfg.AllowedAuthMethods())
	if mech == "" {
		if s.cfg.Login == config.LoginRequired {
			return fmt.Errorf("smtp: no mutually acceptable auth mechanism, server offers %v", s.auth)
		}
		log.LogTrace("No acceptable auth mechanism, continuing unauthenticated")
		return nil
	}

	client, err := newSASLClient(mech, s.cfg.Username, s.cfg.Password, s.cfg.Hostname)
	if err != nil {
		if s.cfg.Login == config.LoginRequired {
			return err
		}
		return nil
	}

	s.state = StateAuthPending
	if err := s.runAuth(client); err != nil {
		// The one configured attempt was rejected; no weaker mechanism is
		// tried regardless of login mode.
		return err
	}
	s.authenticated = true
	log.LogTrace("Authenticated with %v", mech)
	return nil
}

// runAuth drives the AUTH challenge/response loop: 334 replies carry
// base64-encoded challenges, 235 ends the exchange, `*` aborts it.
func (s *Session) runAuth(a sasl.Client) error {
	encoding := base64.StdEncoding
	mech, resp, err := a.Start()
	if err != nil {
		return err
	}
	resp64 := make([]byte, encoding.EncodedLen(len(resp)))
	encoding.Encode(resp64, resp)
	code, msg64, err := s.cmd(0, strings.TrimSpace(fmt.Sprintf("AUTH %s %s", mech, resp64)))
	for err == nil {
		var msg []byte
		switch code {
		case 334:
			msg, err = encoding.DecodeString(msg64)
		case 235:
			// the last message isn't base64 because it isn't a challenge
			msg = []byte(msg64)
		default:
			err = toSMTPErr(&textproto.Error{Code: code, Msg: msg64})
		}
		if err == nil {
			if code == 334 {
				resp, err = a.Next(msg)
			} else {
				resp = nil
			}
		}
		if err != nil {
			// abort the AUTH
			s.cmd(501, "*")
			break
		}
		if resp == nil {
			break
		}
		resp64 = make([]byte, encoding.EncodedLen(len(resp)))
		encoding.Encode(resp64, resp)
		code, msg64, err = s.cmd(0, string(resp64))
	}
	return err
}

// Send runs one mail transaction. The message is encoded before any
// command goes out so encoding errors never consume protocol state.
// Per-recipient 5xx and 4xx rejections are tolerated as long as at least
// one recipient is accepted; a MAIL FROM rejection always fails the
// transaction.
func (s *Session) Send(m *mail.Message) (*mail.Result, error) {
	if s.state != StateReady && s.state != StateIdle {
		return nil, fmt.Errorf("smtp: session not ready for send in state %v", s.state)
	}
	if s.state == StateIdle {
		if err := s.Reset(); err != nil {
			s.state = StateClosed
			return nil, err
		}
		s.state = StateReady
	}

	payload, messageID, err := mail.Encode(m, s.cfg.EhloHostname)
	if err != nil {
		return nil, err
	}

	if ok, param := s.Extension("SIZE"); ok && param != "" {
		if max, perr := strconv.Atoi(param); perr == nil && max > 0 && len(payload) > max {
			return nil, fmt.Errorf("smtp: message size %v exceeds server limit %v", len(payload), max)
		}
	}

	env, err := mail.ParseAddress(m.Envelope())
	if err != nil {
		return nil, err
	}

	cmdStr := "MAIL FROM:<%s>"
	if ok, _ := s.Extension("8BITMIME"); ok {
		cmdStr += " BODY=8BITMIME"
	}
	if _, _, err := s.cmd(250, cmdStr, env.Spec()); err != nil {
		s.state = StateClosed
		return nil, err
	}
	s.state = StateMailSent

	// Recipients are issued sequentially, each waiting for its reply.
	var accepted []string
	var lastRcptErr error
	for _, rcpt := range m.Recipients() {
		addr, err := mail.ParseAddress(rcpt)
		if err != nil {
			return nil, err
		}
		if _, _, err := s.cmd(25, "RCPT TO:<%s>", addr.Spec()); err != nil {
			smtpErr, ok := err.(*SMTPError)
			if !ok {
				// I/O failure mid-transaction, the connection is gone.
				s.state = StateClosed
				return nil, err
			}
			// Rejected recipient, transient or permanent. Recorded and
			// skipped; the transaction continues.
			log.LogTrace("Recipient %v rejected: %v", addr.Spec(), smtpErr)
			lastRcptErr = smtpErr
			continue
		}
		accepted = append(accepted, addr.Spec())
		s.state = StateRcptSent
	}

	if len(accepted) == 0 {
		// Nothing left to deliver to. Clear the transaction so the session
		// stays reusable.
		if err := s.Reset(); err != nil {
			s.state = StateClosed
			return nil, err
		}
		s.state = StateReady
		return nil, fmt.Errorf("smtp: all recipients rejected: %v", lastRcptErr)
	}

	s.state = StateDataPending
	if _, _, err := s.cmd(354, "DATA"); err != nil {
		s.state = StateClosed
		return nil, err
	}

	// Stream the payload through the dot-stuffing writer and wait for the
	// final reply.
	s.conn.SetDeadline(time.Now().Add(s.SubmissionTimeout))
	defer s.conn.SetDeadline(time.Time{})

	w := s.text.DotWriter()
	if _, err := w.Write(payload); err != nil {
		w.Close()
		s.state = StateClosed
		return nil, err
	}
	if err := w.Close(); err != nil {
		s.state = StateClosed
		return nil, err
	}
	s.state = StateDataSent
	if _, _, err := s.text.ReadResponse(250); err != nil {
		s.state = StateClosed
		if protoErr, ok := err.(*textproto.Error); ok {
			return nil, toSMTPErr(protoErr)
		}
		return nil, err
	}

	s.state = StateIdle
	s.lastActive = time.Now()
	return &mail.Result{MessageID: messageID, Recipients: accepted}, nil
}

// Reset sends the RSET command to the server, aborting the current mail
// transaction.
func (s *Session) Reset() error {
	_, _, err := s.cmd(250, "RSET")
	return err
}

// Noop sends the NOOP command to the server. It does nothing but check
// that the connection to the server is okay.
func (s *Session) Noop() error {
	_, _, err := s.cmd(250, "NOOP")
	return err
}

// Quit sends the QUIT command and closes the connection to the server.
func (s *Session) Quit() error {
	_, _, err := s.cmd(221, "QUIT")
	if err != nil {
		return s.Close()
	}
	s.state = StateClosed
	return s.text.Close()
}

// Close tears the connection down without the QUIT pleasantries.
func (s *Session) Close() error {
	s.state = StateClosed
	return s.text.Close()
}

// State returns the session's position in the dialogue.
func (s *Session) State() State {
	return s.state
}

// TLS reports whether the transport is encrypted.
func (s *Session) TLS() bool {
	return s.tls
}

// Authenticated reports whether AUTH completed on this session.
func (s *Session) Authenticated() bool {
	return s.authenticated
}

// LastActive is the completion time of the last successful send on the
// session, used by the pool's idle reaper.
func (s *Session) LastActive() time.Time {
	return s.lastActive
}
