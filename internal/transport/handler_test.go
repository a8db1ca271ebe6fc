package transport

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeMediaSession struct {
	mu        sync.Mutex
	answered  int
	media     [][]byte
	finalized []string
}

func (s *fakeMediaSession) Answered() {
	s.mu.Lock()
	s.answered++
	s.mu.Unlock()
}

func (s *fakeMediaSession) HandleMedia(ulaw []byte) {
	s.mu.Lock()
	s.media = append(s.media, append([]byte(nil), ulaw...))
	s.mu.Unlock()
}

func (s *fakeMediaSession) Finalize(reason string) {
	s.mu.Lock()
	s.finalized = append(s.finalized, reason)
	s.mu.Unlock()
}

func (s *fakeMediaSession) state() (int, int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answered, len(s.media), append([]string(nil), s.finalized...)
}

type handlerFixture struct {
	server  *httptest.Server
	session *fakeMediaSession
	starts  chan StartPayload
}

func newHandlerFixture(t *testing.T, maxConcurrent int) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		session: &fakeMediaSession{},
		starts:  make(chan StartPayload, 4),
	}
	h := NewHandler(HandlerConfig{
		MaxConcurrent: maxConcurrent,
		NewSession: func(start StartPayload, sender *Sender) (MediaSession, error) {
			f.starts <- start
			return f.session, nil
		},
	})
	f.server = httptest.NewServer(h)
	t.Cleanup(f.server.Close)
	return f
}

func (f *handlerFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitState(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartMediaStopLifecycle(t *testing.T) {
	f := newHandlerFixture(t, 2)
	conn := f.dial(t)

	sendJSON(t, conn, Message{Event: EventStart, Start: &StartPayload{CallID: "c-1", Direction: "inbound"}})
	select {
	case start := <-f.starts:
		if start.CallID != "c-1" {
			t.Errorf("callId = %q", start.CallID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("factory never invoked")
	}
	waitState(t, func() bool { a, _, _ := f.session.state(); return a == 1 }, "inbound start never answered")

	audio := make([]byte, 160)
	sendJSON(t, conn, Message{Event: EventMedia, Media: &MediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)}})
	if err := conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	waitState(t, func() bool { _, m, _ := f.session.state(); return m == 2 }, "media frames never delivered")

	sendJSON(t, conn, Message{Event: EventStop})
	waitState(t, func() bool { _, _, fin := f.session.state(); return len(fin) == 1 }, "stop never finalized")
	_, _, fin := f.session.state()
	if fin[0] != "stop message" {
		t.Errorf("finalize reason = %q", fin[0])
	}
}

func TestOutboundStartDoesNotGreet(t *testing.T) {
	f := newHandlerFixture(t, 2)
	conn := f.dial(t)

	sendJSON(t, conn, Message{Event: EventStart, Start: &StartPayload{CallID: "c-2", Direction: "outbound"}})
	<-f.starts
	sendJSON(t, conn, Message{Event: EventMedia, Media: &MediaPayload{Payload: base64.StdEncoding.EncodeToString(make([]byte, 160))}})
	waitState(t, func() bool { _, m, _ := f.session.state(); return m == 1 }, "media never delivered")

	if a, _, _ := f.session.state(); a != 0 {
		t.Errorf("outbound start answered %d times, want 0 (answered webhook drives the greeting)", a)
	}
}

func TestConnectionDropFinalizes(t *testing.T) {
	f := newHandlerFixture(t, 2)
	conn := f.dial(t)

	sendJSON(t, conn, Message{Event: EventStart, Start: &StartPayload{CallID: "c-3"}})
	<-f.starts
	conn.Close()

	waitState(t, func() bool { _, _, fin := f.session.state(); return len(fin) == 1 }, "drop never finalized")
	_, _, fin := f.session.state()
	if fin[0] != "transport closed" {
		t.Errorf("finalize reason = %q", fin[0])
	}
}

func TestMediaBeforeStartIgnored(t *testing.T) {
	f := newHandlerFixture(t, 2)
	conn := f.dial(t)

	sendJSON(t, conn, Message{Event: EventMedia, Media: &MediaPayload{Payload: base64.StdEncoding.EncodeToString(make([]byte, 160))}})
	sendJSON(t, conn, Message{Event: EventStart, Start: &StartPayload{CallID: "c-4", Direction: "inbound"}})
	<-f.starts
	waitState(t, func() bool { a, _, _ := f.session.state(); return a == 1 }, "start never processed")

	if _, m, _ := f.session.state(); m != 0 {
		t.Errorf("media before start delivered %d frames", m)
	}
}

func TestAdmissionControlRejectsAtCapacity(t *testing.T) {
	h := NewHandler(HandlerConfig{
		MaxConcurrent: 1,
		NewSession: func(start StartPayload, sender *Sender) (MediaSession, error) {
			return &fakeMediaSession{}, nil
		},
	})
	server := httptest.NewServer(h)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("second dial succeeded past capacity")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %+v", resp)
	}
}

func TestSenderPlayAudioFrames(t *testing.T) {
	received := make(chan Message, 4)
	h := NewHandler(HandlerConfig{
		MaxConcurrent: 1,
		NewSession: func(start StartPayload, sender *Sender) (MediaSession, error) {
			go func() {
				sender.PlayAudio(make([]byte, 160))
				sender.ClearAudio()
			}()
			return &fakeMediaSession{}, nil
		},
	})
	server := httptest.NewServer(h)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sendJSON(t, conn, Message{Event: EventStart, Start: &StartPayload{CallID: "c-5", Direction: "outbound"}})
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg Message
			if json.Unmarshal(data, &msg) == nil {
				received <- msg
			}
		}
	}()

	var events []string
	for len(events) < 2 {
		select {
		case msg := <-received:
			events = append(events, msg.Event)
		case <-time.After(2 * time.Second):
			t.Fatalf("outbound frames never arrived, got %v", events)
		}
	}
	if events[0] != EventPlayAudio || events[1] != EventClearAudio {
		t.Errorf("events = %v", events)
	}
}
