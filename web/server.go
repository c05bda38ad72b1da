/*
	The web package exposes the mailer over HTTP: a JSON submit endpoint,
	pool status, the delivery journal and a websocket event feed. It is a
	thin caller of the pool; all mail semantics live below it.
*/
package web

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goods/httpbuf"
	"github.com/gorilla/mux"

	"github.com/gleez/mailer/config"
	"github.com/gleez/mailer/data"
	"github.com/gleez/mailer/events"
	"github.com/gleez/mailer/log"
	"github.com/gleez/mailer/pool"
)

type handler func(http.ResponseWriter, *http.Request, *Context) error

var webConfig config.WebConfig
var mailPool *pool.Pool
var hub *events.Hub
var journal *data.Journal
var Router *mux.Router
var listener net.Listener

var shutdown bool

// Context carries the per-request route variables and the shared
// collaborators into a handler.
type Context struct {
	Vars    map[string]string
	Pool    *pool.Pool
	Hub     *events.Hub
	Journal *data.Journal
}

// Initialize sets up things for unit tests or the Start() method
func Initialize(cfg config.WebConfig, p *pool.Pool, h *events.Hub, j *data.Journal) {
	webConfig = cfg
	mailPool = p
	hub = h
	journal = j
	setupRoutes()
}

func setupRoutes() {
	r := mux.NewRouter()

	r.Path("/api/v1/send").Handler(handler(SendMail)).Name("Send").Methods("POST")
	r.Path("/api/v1/status").Handler(handler(Status)).Name("Status").Methods("GET")
	r.Path("/api/v1/deliveries").Handler(handler(Deliveries)).Name("Deliveries").Methods("GET")
	r.Path("/ping").Handler(handler(Ping)).Name("Ping").Methods("GET")

	// Web-Socket event feed
	if hub != nil {
		r.HandleFunc("/ws", hub.SocketListener)
	}

	Router = r
}

// Start() the web server
func Start() {
	addr := fmt.Sprintf("%v:%v", webConfig.Ip4address, webConfig.Ip4port)
	server := &http.Server{
		Addr:         addr,
		Handler:      Router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	// We don't use ListenAndServe because it lacks a way to close the listener
	log.LogInfo("HTTP listening on TCP4 %v", addr)
	var err error
	listener, err = net.Listen("tcp", addr)
	if err != nil {
		log.LogError("HTTP failed to start TCP4 listener: %v", err)
		panic(err)
	}

	err = server.Serve(listener)
	if shutdown {
		log.LogTrace("HTTP server shutting down on request")
	} else if err != nil {
		log.LogError("HTTP server failed: %v", err)
	}
}

func Stop() {
	log.LogTrace("HTTP shutdown requested")
	shutdown = true
	if listener != nil {
		listener.Close()
	} else {
		log.LogError("HTTP listener was nil during shutdown")
	}
}

// ServeHTTP builds the context and passes onto the real handler
func (h handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := &Context{
		Vars:    mux.Vars(req),
		Pool:    mailPool,
		Hub:     hub,
		Journal: journal,
	}

	// Run the handler, grab the error, and report it
	buf := new(httpbuf.Buffer)
	log.LogTrace("Web: %v %v %v %v", parseRemoteAddr(req), req.Proto, req.Method, req.RequestURI)
	err := h(buf, req, ctx)
	if err != nil {
		log.LogError("Error handling %v: %v", req.RequestURI, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Apply the buffered response to the writer
	buf.Apply(w)
}

func parseRemoteAddr(r *http.Request) string {
	if realip := r.Header.Get("X-Real-IP"); realip != "" {
		return realip
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// X-Forwarded-For is potentially a list of addresses separated with ","
		parts := strings.Split(forwarded, ",")
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		return parts[0]
	}

	return r.RemoteAddr
}
