/*
	The events package fans completed-delivery notifications out to
	websocket subscribers, optionally relaying them through a redis channel
	so several mailer daemons can share one feed.
*/
package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gleez/mailer/config"
	"github.com/gleez/mailer/log"
)

const writeWait = 5 * time.Second

// DeliveryEvent describes one finished send attempt.
type DeliveryEvent struct {
	MessageID  string    `json:"messageID"`
	From       string    `json:"from"`
	Recipients []string  `json:"recipients"`
	Rejected   []string  `json:"rejected,omitempty"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

var socketIds chan string

func init() {
	socketIds = make(chan string)

	go func() {
		var i = 1
		for {
			i++
			socketIds <- fmt.Sprintf("%v", i)
		}
	}()
}

// Hub tracks the connected sockets and broadcasts events to them.
type Hub struct {
	mu    sync.Mutex
	socks map[string]*Socket

	redis   *RedisStore
	channel string
}

// CreateHub builds the hub; when redis is enabled in the configuration the
// hub also publishes every local event and relays remote ones.
func CreateHub(cfg config.EventsConfig) *Hub {
	h := &Hub{socks: make(map[string]*Socket)}
	if cfg.RedisEnabled {
		h.redis = newRedisStore(cfg.RedisHost, uint(cfg.RedisPort))
		h.channel = cfg.RedisChannel
		go h.redisListener()
	}
	return h
}

// Publish broadcasts one event to the local sockets and, when configured,
// to the redis channel for other daemons.
func (this *Hub) Publish(ev DeliveryEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.LogError("Failed to marshal delivery event: %v", err)
		return
	}
	this.broadcast(payload)
	if this.redis != nil {
		this.redis.Publish(this.channel, string(payload))
	}
}

func (this *Hub) broadcast(payload []byte) {
	this.mu.Lock()
	defer this.mu.Unlock()
	for _, sock := range this.socks {
		select {
		case sock.buff <- payload:
		default:
			// Slow consumer, drop the event rather than block the sender.
			log.LogWarn("Dropping event for slow socket %v", sock.SID)
		}
	}
}

// redisListener relays events published by other daemons to local sockets.
func (this *Hub) redisListener() {
	msgs := make(chan []string)
	if _, err := this.redis.Subscribe(msgs, this.channel); err != nil {
		log.LogError("Redis subscribe failed: %v", err)
		return
	}
	log.LogInfo("Subscribed to redis channel %v", this.channel)
	for msg := range msgs {
		if len(msg) >= 3 && msg[0] == "message" {
			this.broadcast([]byte(msg[2]))
		}
	}
}

// Count returns the number of connected sockets.
func (this *Hub) Count() int {
	this.mu.Lock()
	defer this.mu.Unlock()
	return len(this.socks)
}

// SocketListener upgrades an HTTP request to a websocket subscription.
func (this *Hub) SocketListener(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Method not allowed", 405)
		return
	}

	ws, err := websocket.Upgrade(w, r, nil, 1024, 1024)
	if _, ok := err.(websocket.HandshakeError); ok {
		http.Error(w, "Not a websocket handshake", 400)
		return
	} else if err != nil {
		log.LogError("Websocket upgrade failed: %v", err)
		return
	}

	sock := newSocket(ws, this)
	this.mu.Lock()
	this.socks[sock.SID] = sock
	this.mu.Unlock()
	log.LogTrace("Websocket %v connected, %v total", sock.SID, this.Count())

	go sock.writePump()
	sock.readPump()
}

func (this *Hub) remove(sock *Socket) {
	this.mu.Lock()
	delete(this.socks, sock.SID)
	this.mu.Unlock()
}

// Socket is one connected websocket subscriber.
type Socket struct {
	SID string

	ws  *websocket.Conn
	hub *Hub

	buff   chan []byte
	done   chan bool
	closed bool
	mu     sync.Mutex
}

func newSocket(ws *websocket.Conn, hub *Hub) *Socket {
	return &Socket{
		SID:  <-socketIds,
		ws:   ws,
		hub:  hub,
		buff: make(chan []byte, 1000),
		done: make(chan bool),
	}
}

func (this *Socket) Close() error {
	this.mu.Lock()
	defer this.mu.Unlock()
	if !this.closed {
		this.closed = true
		this.hub.remove(this)
		close(this.done)
		this.ws.Close()
		log.LogTrace("Websocket %v closed", this.SID)
	}
	return nil
}

// readPump discards inbound frames; it exists to notice the peer going
// away.
func (this *Socket) readPump() {
	defer this.Close()
	for {
		if _, _, err := this.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (this *Socket) writePump() {
	defer this.Close()
	for {
		select {
		case <-this.done:
			return
		case payload := <-this.buff:
			this.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := this.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
