package web

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gleez/mailer/log"
	"github.com/gleez/mailer/mail"
	"github.com/gleez/mailer/pool"
	"github.com/gleez/mailer/smtp"
)

// sendRequest is the JSON surface of one message submission.
type sendRequest struct {
	From          string        `json:"from"`
	To            []string      `json:"to"`
	Cc            []string      `json:"cc"`
	Bcc           []string      `json:"bcc"`
	BounceAddress string        `json:"bounceAddress"`
	Subject       string        `json:"subject"`
	Text          string        `json:"text"`
	Html          string        `json:"html"`
	Headers       []mail.Header `json:"headers"`
	FixedHeaders  bool          `json:"fixedHeaders"`
	Attachments   []struct {
		Data        string `json:"data"` // base64
		ContentType string `json:"contentType"`
		Description string `json:"description"`
		Disposition string `json:"disposition"`
		Name        string `json:"name"`
	} `json:"attachments"`
}

func (r *sendRequest) toMessage() (*mail.Message, error) {
	m := &mail.Message{
		From:          r.From,
		To:            r.To,
		Cc:            r.Cc,
		Bcc:           r.Bcc,
		BounceAddress: r.BounceAddress,
		Subject:       r.Subject,
		Text:          r.Text,
		Html:          r.Html,
		Headers:       r.Headers,
		FixedHeaders:  r.FixedHeaders,
	}
	for _, a := range r.Attachments {
		payload, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			return nil, fmt.Errorf("Cannot decode attachment %q: %v", a.Name, err)
		}
		m.Attachments = append(m.Attachments, mail.Attachment{
			Data:        payload,
			ContentType: a.ContentType,
			Description: a.Description,
			Disposition: a.Disposition,
			Name:        a.Name,
		})
	}
	return m, nil
}

// SendMail accepts a JSON message, submits it to the pool and waits for the
// outcome within the configured send timeout.
func SendMail(w http.ResponseWriter, r *http.Request, ctx *Context) error {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return renderError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
	}

	m, err := req.toMessage()
	if err != nil {
		return renderError(w, http.StatusBadRequest, err.Error())
	}

	ticket := ctx.Pool.SendMail(m)
	timeout := time.Duration(webConfig.SendTimeout) * time.Second

	select {
	case o := <-ticket.Done:
		if o.Err != nil {
			status := http.StatusBadGateway
			if o.Err == pool.ErrClosed {
				status = http.StatusServiceUnavailable
			}
			if smtp.IsTimeout(o.Err) {
				status = http.StatusGatewayTimeout
			}
			if _, ok := o.Err.(*mail.ParseError); ok {
				status = http.StatusBadRequest
			}
			return renderError(w, status, o.Err.Error())
		}
		return renderJSON(w, http.StatusOK, o.Result)
	case <-time.After(timeout):
		// Cancellation is honored only while the request is still queued.
		ticket.Cancel()
		log.LogWarn("Send from %v timed out after %v", m.From, timeout)
		return renderError(w, http.StatusGatewayTimeout, "send timed out")
	}
}

// Status reports the pool counters and the websocket subscriber count.
func Status(w http.ResponseWriter, r *http.Request, ctx *Context) error {
	type statusReply struct {
		Pool        pool.Stats `json:"pool"`
		Subscribers int        `json:"subscribers"`
		Deliveries  int        `json:"deliveries"`
	}
	reply := statusReply{Pool: ctx.Pool.Stats()}
	if ctx.Hub != nil {
		reply.Subscribers = ctx.Hub.Count()
	}
	if ctx.Journal != nil {
		if n, err := ctx.Journal.Total(); err == nil {
			reply.Deliveries = n
		}
	}
	return renderJSON(w, http.StatusOK, reply)
}

// Deliveries returns the most recent journal entries.
func Deliveries(w http.ResponseWriter, r *http.Request, ctx *Context) error {
	if ctx.Journal == nil {
		return renderError(w, http.StatusNotFound, "journal disabled")
	}
	entries, err := ctx.Journal.Recent(50)
	if err != nil {
		return err
	}
	return renderJSON(w, http.StatusOK, entries)
}

func Ping(w http.ResponseWriter, r *http.Request, ctx *Context) error {
	fmt.Fprint(w, "pong")
	return nil
}

func renderJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func renderError(w http.ResponseWriter, status int, msg string) error {
	return renderJSON(w, status, map[string]string{"error": msg})
}
