package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func registerClient(t *testing.T, h *Hub, sub Subscription) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan []byte, sendBuffer), sub: sub}
	h.register <- c
	return c
}

func expectMessage(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("invalid event payload: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func expectNoMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected event %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestShouldSend_EmptySubscriptionGetsBroadcasts(t *testing.T) {
	ev := &Event{Type: EventRiskLevelChanged, PatientID: "pat_1"}
	if !shouldSend(Subscription{}, ev) {
		t.Error("empty subscription should receive events without recipients")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	sub := Subscription{EventTypes: []EventType{EventAlert}}
	if !shouldSend(sub, &Event{Type: EventAlert}) {
		t.Error("should receive alert events")
	}
	if shouldSend(sub, &Event{Type: EventRiskLevelChanged}) {
		t.Error("should NOT receive risk level events")
	}
}

func TestShouldSend_PatientFilter(t *testing.T) {
	sub := Subscription{PatientIDs: []string{"pat_1", "pat_2"}}
	if !shouldSend(sub, &Event{Type: EventAlert, PatientID: "pat_2"}) {
		t.Error("should receive events of a watched patient")
	}
	if shouldSend(sub, &Event{Type: EventAlert, PatientID: "pat_3"}) {
		t.Error("should NOT receive events of other patients")
	}
}

func TestShouldSend_Recipients(t *testing.T) {
	ev := &Event{Type: EventAlert, PatientID: "pat_1", Recipients: []string{"cg_a"}}

	if !shouldSend(Subscription{CaregiverID: "cg_a"}, ev) {
		t.Error("recipient should receive the alert")
	}
	if shouldSend(Subscription{CaregiverID: "cg_b"}, ev) {
		t.Error("other caregivers should NOT receive the alert")
	}
	if shouldSend(Subscription{}, ev) {
		t.Error("anonymous subscribers should NOT receive addressed alerts")
	}
}

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()
	stats := h.Stats()
	if stats.ConnectedClients != 0 || stats.TotalEvents != 0 {
		t.Errorf("expected empty stats, got %+v", stats)
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := startHub(t)
	c := registerClient(t, h, Subscription{})

	time.Sleep(50 * time.Millisecond)
	if stats := h.Stats(); stats.ConnectedClients != 1 || stats.PeakClients != 1 {
		t.Errorf("expected one client, got %+v", stats)
	}

	h.unregister <- c
	time.Sleep(50 * time.Millisecond)
	stats := h.Stats()
	if stats.ConnectedClients != 0 {
		t.Errorf("expected 0 clients after unregister, got %d", stats.ConnectedClients)
	}
	if stats.PeakClients != 1 {
		t.Errorf("expected peak to stay 1, got %d", stats.PeakClients)
	}
}

func TestHub_PublishAlertRouting(t *testing.T) {
	h := startHub(t)
	alice := registerClient(t, h, Subscription{CaregiverID: "cg_alice"})
	bob := registerClient(t, h, Subscription{CaregiverID: "cg_bob"})

	h.PublishAlert("pat_1", []string{"cg_alice"}, map[string]any{"title": "Urgent"})

	ev := expectMessage(t, alice)
	if ev.Type != EventAlert || ev.PatientID != "pat_1" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
	expectNoMessage(t, bob)
}

func TestHub_PublishRiskLevel(t *testing.T) {
	h := startHub(t)
	watcher := registerClient(t, h, Subscription{PatientIDs: []string{"pat_1"}})
	other := registerClient(t, h, Subscription{PatientIDs: []string{"pat_9"}})

	h.PublishRiskLevel("pat_1", "low", "high", 82)

	ev := expectMessage(t, watcher)
	data, ok := ev.Data.(map[string]any)
	if !ok || data["riskLevel"] != "high" || data["previousLevel"] != "low" {
		t.Errorf("unexpected payload %+v", ev.Data)
	}
	expectNoMessage(t, other)

	if h.Stats().TotalEvents != 1 {
		t.Errorf("expected 1 event, got %d", h.Stats().TotalEvents)
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?caregiverId=cg_1&patientId=pat_1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for registration.
	deadline := time.Now().Add(time.Second)
	for h.Stats().ConnectedClients == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	h.PublishAlert("pat_1", []string{"cg_1"}, map[string]any{"severity": "high"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventAlert || ev.PatientID != "pat_1" {
		t.Errorf("unexpected event %+v", ev)
	}
}
