package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gleez/mailer/config"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v", what)
}

func TestHubBroadcast(t *testing.T) {
	hub := CreateHub(config.EventsConfig{})
	srv := httptest.NewServer(http.HandlerFunc(hub.SocketListener))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()
	waitFor(t, "socket registration", func() bool { return hub.Count() == 1 })

	sent := DeliveryEvent{
		MessageID:  "<abc@example.com>",
		From:       "a@example.com",
		Recipients: []string{"b@example.com"},
		OK:         true,
		Time:       time.Now(),
	}
	hub.Publish(sent)

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var got DeliveryEvent
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("event does not parse: %v", err)
	}
	if got.MessageID != sent.MessageID || got.From != sent.From || !got.OK {
		t.Errorf("received event = %+v", got)
	}

	ws.Close()
	waitFor(t, "socket removal", func() bool { return hub.Count() == 0 })
}

func TestSocketListenerRejectsNonGet(t *testing.T) {
	hub := CreateHub(config.EventsConfig{})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/ws", nil)
	hub.SocketListener(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /ws = %v, want 405", w.Code)
	}
}

func TestDeliveryEventOmitsEmptyFields(t *testing.T) {
	payload, err := json.Marshal(DeliveryEvent{MessageID: "<x@y>", OK: true})
	if err != nil {
		t.Fatal(err)
	}
	s := string(payload)
	if strings.Contains(s, "rejected") || strings.Contains(s, "error") {
		t.Errorf("empty fields leaked into %v", s)
	}
}
