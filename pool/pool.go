/*
	The pool package owns every SMTP session. Callers submit messages and
	get back a ticket; they never touch a session directly. The pool bounds
	concurrent connections to maxPoolSize, queues overflow in FIFO order,
	reuses idle keep-alive sessions and evicts them after the configured
	idle timeout.
*/
package pool

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/gleez/mailer/config"
	"github.com/gleez/mailer/log"
	"github.com/gleez/mailer/mail"
	"github.com/gleez/mailer/smtp"
)

var (
	// ErrClosed is returned for requests submitted to, or still queued in,
	// a draining pool.
	ErrClosed = errors.New("pool: pool is closed")

	// ErrCancelled is returned when the caller cancels a queued request
	// before a session was assigned.
	ErrCancelled = errors.New("pool: send cancelled")
)

// Outcome is the terminal result of one asynchronous send.
type Outcome struct {
	Result *mail.Result
	Err    error
}

// DeliveryFunc observes completed sends, successful or not. Used to hook up
// the delivery journal and the event hub.
type DeliveryFunc func(msg *mail.Message, result *mail.Result, err error)

// dialer opens a ready session. Swapped for a fake in tests.
type dialer func(cfg config.MailConfig) (*smtp.Session, error)

type request struct {
	msg  *mail.Message
	done chan Outcome
	once sync.Once
	elem *list.Element // non-nil while queued
}

func (r *request) complete(result *mail.Result, err error) {
	r.once.Do(func() {
		r.done <- Outcome{Result: result, Err: err}
	})
}

// Ticket is the caller's handle on a pending send.
type Ticket struct {
	p   *Pool
	req *request

	// Done receives exactly one Outcome when the send finishes.
	Done <-chan Outcome
}

// Cancel withdraws the request if it is still waiting in the queue. After a
// session has been assigned cancellation is not honored and the send runs
// to completion.
func (t *Ticket) Cancel() {
	t.p.mu.Lock()
	if t.req.elem != nil {
		t.p.queue.Remove(t.req.elem)
		t.req.elem = nil
		t.p.mu.Unlock()
		t.req.complete(nil, ErrCancelled)
		return
	}
	t.p.mu.Unlock()
}

// Pool is a bounded set of reusable SMTP sessions for one MailConfig.
//
// All bookkeeping mutations happen under a single mutex: submissions,
// completions and the idle reaper each take it before touching the idle
// list, counters or the wait queue.
type Pool struct {
	cfg  config.MailConfig
	dial dialer

	mu         sync.Mutex
	cond       *sync.Cond
	idle       *list.List // of *smtp.Session
	inUse      int
	connecting int
	queue      *list.List // of *request
	closed     bool

	reaperStop chan struct{}

	// OnDelivery, when set before the first send, observes every completed
	// transaction.
	OnDelivery DeliveryFunc
}

// Stats is a point-in-time snapshot of the pool counters.
type Stats struct {
	Idle        int `json:"idle"`
	InUse       int `json:"inUse"`
	Connecting  int `json:"connecting"`
	Queued      int `json:"queued"`
	MaxPoolSize int `json:"maxPoolSize"`
}

// New builds a pool for the given configuration and starts its idle
// reaper.
func New(cfg config.MailConfig) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:        cfg,
		dial:       smtp.Dial,
		idle:       list.New(),
		queue:      list.New(),
		reaperStop: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	if cfg.KeepAlive && cfg.IdleTimeout > 0 {
		go p.reaper()
	}
	return p, nil
}

// SendMail submits a message for asynchronous delivery. The returned ticket
// completes exactly once. Encoding-level validation runs up front so a
// malformed message fails before any session is consumed.
func (p *Pool) SendMail(m *mail.Message) *Ticket {
	req := &request{msg: m, done: make(chan Outcome, 1)}
	t := &Ticket{p: p, req: req, Done: req.done}

	if err := m.Validate(); err != nil {
		req.complete(nil, err)
		return t
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		req.complete(nil, ErrClosed)
		return t
	}
	p.admitLocked(req)
	p.mu.Unlock()
	return t
}

// Send is the blocking convenience wrapper around SendMail.
func (p *Pool) Send(m *mail.Message) (*mail.Result, error) {
	o := <-p.SendMail(m).Done
	return o.Result, o.Err
}

// admitLocked assigns the request a session, a fresh connection slot, or a
// queue position, in that order of preference.
func (p *Pool) admitLocked(req *request) {
	if e := p.idle.Front(); e != nil {
		sess := p.idle.Remove(e).(*smtp.Session)
		p.inUse++
		go p.run(sess, req)
		return
	}
	if p.totalLocked() < p.cfg.MaxPoolSize {
		p.connecting++
		go p.connect(req)
		return
	}
	req.elem = p.queue.PushBack(req)
}

func (p *Pool) totalLocked() int {
	return p.idle.Len() + p.inUse + p.connecting
}

// connect opens a new session for a request. A connect failure fails only
// that request; the freed slot is handed to the next queued request, which
// performs its own fresh acquisition.
func (p *Pool) connect(req *request) {
	sess, err := p.dial(p.cfg)

	p.mu.Lock()
	p.connecting--
	p.cond.Broadcast()
	if err != nil {
		p.dispatchLocked()
		p.mu.Unlock()
		log.LogWarn("Connection to %v failed: %v", p.cfg.Addr(), err)
		req.complete(nil, err)
		return
	}
	if p.closed {
		p.mu.Unlock()
		go sess.Close()
		req.complete(nil, ErrClosed)
		return
	}
	p.inUse++
	p.mu.Unlock()
	p.run(sess, req)
}

// run executes one send on a session the pool has transferred to this
// request, then returns the session to the pool or discards it.
//
// A session taken from the idle list gets a NOOP first: servers drop
// idle connections without notice, and discovering that during MAIL FROM
// would fail the request instead of the stale session.
func (p *Pool) run(sess *smtp.Session, req *request) {
	if sess.State() == smtp.StateIdle {
		if err := sess.Noop(); err != nil {
			log.LogTrace("Idle session to %v is dead, replacing it: %v", p.cfg.Addr(), err)
			sess.Close()
			p.mu.Lock()
			p.inUse--
			p.connecting++
			p.mu.Unlock()
			p.connect(req)
			return
		}
	}

	result, err := sess.Send(req.msg)
	fatal := sess.State() == smtp.StateClosed

	req.complete(result, err)
	if p.OnDelivery != nil {
		p.OnDelivery(req.msg, result, err)
	}
	p.release(sess, fatal)
}

// release is the single exit point for in-use sessions.
func (p *Pool) release(sess *smtp.Session, fatal bool) {
	p.mu.Lock()
	p.inUse--
	keep := !fatal && !p.closed && p.cfg.KeepAlive
	if keep {
		p.idle.PushBack(sess)
	}
	p.dispatchLocked()
	p.cond.Broadcast()
	p.mu.Unlock()

	if !keep {
		if fatal {
			sess.Close()
		} else {
			sess.Quit()
		}
	}
}

// dispatchLocked services queued requests while capacity allows.
func (p *Pool) dispatchLocked() {
	for p.queue.Len() > 0 {
		var sessElem *list.Element
		if sessElem = p.idle.Front(); sessElem == nil && p.totalLocked() >= p.cfg.MaxPoolSize {
			return
		}
		e := p.queue.Front()
		req := p.queue.Remove(e).(*request)
		req.elem = nil
		if sessElem != nil {
			sess := p.idle.Remove(sessElem).(*smtp.Session)
			p.inUse++
			go p.run(sess, req)
		} else {
			p.connecting++
			go p.connect(req)
		}
	}
}

// reaper closes idle sessions that have outlived the idle timeout. Nobody
// is notified: an idle session holds no pending work by definition.
func (p *Pool) reaper() {
	interval := time.Duration(p.cfg.IdleTimeout) * time.Second / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.reaperStop:
			return
		case <-ticker.C:
		}

		timeout := time.Duration(p.cfg.IdleTimeout) * time.Second
		var expired []*smtp.Session
		p.mu.Lock()
		for e := p.idle.Front(); e != nil; {
			next := e.Next()
			sess := e.Value.(*smtp.Session)
			if time.Since(sess.LastActive()) >= timeout {
				p.idle.Remove(e)
				expired = append(expired, sess)
			}
			e = next
		}
		p.mu.Unlock()

		for _, sess := range expired {
			log.LogTrace("Closing idle session to %v", p.cfg.Addr())
			go sess.Quit()
		}
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:        p.idle.Len(),
		InUse:       p.inUse,
		Connecting:  p.connecting,
		Queued:      p.queue.Len(),
		MaxPoolSize: p.cfg.MaxPoolSize,
	}
}

// Close drains the pool: idle sessions are closed immediately, queued
// requests fail with ErrClosed, and the call blocks until in-flight sends
// have finished.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.reaperStop)

	var pending []*request
	for e := p.queue.Front(); e != nil; e = e.Next() {
		req := e.Value.(*request)
		req.elem = nil
		pending = append(pending, req)
	}
	p.queue.Init()

	var idle []*smtp.Session
	for e := p.idle.Front(); e != nil; e = e.Next() {
		idle = append(idle, e.Value.(*smtp.Session))
	}
	p.idle.Init()
	p.mu.Unlock()

	for _, req := range pending {
		req.complete(nil, ErrClosed)
	}
	for _, sess := range idle {
		sess.Quit()
	}

	// Let in-flight sends finish their transaction.
	p.mu.Lock()
	for p.inUse > 0 || p.connecting > 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()
	log.LogInfo("Pool for %v drained", p.cfg.Addr())
}
