package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/careline/careline/internal/presence"
	"github.com/careline/careline/internal/proto"
)

const waitFor = 2 * time.Second

var patient = presence.Identity{UserID: "p1", Role: proto.RolePatient}

// fakeRelay is an in-process relay endpoint that records every frame the
// client writes and hands each accepted connection to the test.
type fakeRelay struct {
	srv      *httptest.Server
	frames   chan proto.Frame
	accepted chan *websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{
		frames:   make(chan proto.Frame, 64),
		accepted: make(chan *websocket.Conn, 8),
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c, err := up.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.accepted <- c
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			var f proto.Frame
			if json.Unmarshal(data, &f) == nil {
				r.frames <- f
			}
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func nextFrame(t *testing.T, r *fakeRelay) proto.Frame {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a frame from the client")
	}
	return proto.Frame{}
}

func nextConn(t *testing.T, r *fakeRelay) *websocket.Conn {
	t.Helper()
	select {
	case c := <-r.accepted:
		return c
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for the client to dial")
	}
	return nil
}

func nextEvent(t *testing.T, ch <-chan proto.Event) proto.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for an event")
	}
	return nil
}

func requireRegister(t *testing.T, r *fakeRelay) {
	t.Helper()
	f := nextFrame(t, r)
	require.Equal(t, proto.EvRegister, f.Event)
	require.JSONEq(t, `{"userId":"p1","role":"patient"}`, string(f.Data))
}

func startManager(t *testing.T, r *fakeRelay) (*Manager, <-chan proto.Event) {
	t.Helper()
	m := New(Options{URL: r.url(), ReconnectDelay: 20 * time.Millisecond}, nil)
	events, _ := m.Subscribe()
	require.NoError(t, m.Connect(context.Background(), patient))
	t.Cleanup(m.Disconnect)
	return m, events
}

func TestConnectRegistersAndDeliversInOrder(t *testing.T) {
	r := newFakeRelay(t)
	m, events := startManager(t, r)

	server := nextConn(t, r)
	requireRegister(t, r)
	require.Equal(t, proto.Connected{Attempt: 0}, nextEvent(t, events))
	require.Equal(t, StateConnected, m.State())

	for _, frame := range []string{
		`{"event":"chat:typing","data":{"conversationId":"d1:p1","senderId":"d1"}}`,
		`garbage`,
		`{"event":"call:offer","data":{"fromUserId":"d1","offer":{"type":"offer","sdp":"v=0"}}}`,
		`{"event":"call:answer","data":{"fromUserId":"d1","answer":{"type":"answer","sdp":"v=0"}}}`,
	} {
		require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(frame)))
	}

	require.IsType(t, proto.Typing{}, nextEvent(t, events))
	require.IsType(t, proto.CallOffer{}, nextEvent(t, events))
	require.IsType(t, proto.CallAnswer{}, nextEvent(t, events))
}

func TestSendFailsFastWhenDisconnected(t *testing.T) {
	m := New(Options{URL: "ws://127.0.0.1:1/ws"}, nil)
	err := m.Send(context.Background(), proto.EvChatTyping, proto.Typing{ConversationID: "x"})
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, StateDisconnected, m.State())
}

func TestConnectRejectsInvalidIdentity(t *testing.T) {
	m := New(Options{URL: "ws://127.0.0.1:1/ws"}, nil)
	require.Error(t, m.Connect(context.Background(), presence.Identity{UserID: "x", Role: "admin"}))
	require.Equal(t, StateDisconnected, m.State())
}

func TestSendWritesFrame(t *testing.T) {
	r := newFakeRelay(t)
	m, events := startManager(t, r)
	nextConn(t, r)
	requireRegister(t, r)
	nextEvent(t, events)

	require.NoError(t, m.Send(context.Background(), proto.EvChatTyping,
		proto.Typing{ConversationID: "d1:p1", SenderID: "p1"}))

	f := nextFrame(t, r)
	require.Equal(t, proto.EvChatTyping, f.Event)
	require.JSONEq(t, `{"conversationId":"d1:p1","senderId":"p1"}`, string(f.Data))
}

func TestReconnectReRegistersOncePerReconnect(t *testing.T) {
	r := newFakeRelay(t)
	m, events := startManager(t, r)

	first := nextConn(t, r)
	requireRegister(t, r)
	require.Equal(t, proto.Connected{Attempt: 0}, nextEvent(t, events))

	require.NoError(t, first.Close())

	lost, ok := nextEvent(t, events).(proto.Disconnected)
	require.True(t, ok)
	require.True(t, lost.WillRetry)

	nextConn(t, r)
	requireRegister(t, r)
	require.Equal(t, proto.Connected{Attempt: 1}, nextEvent(t, events))

	select {
	case f := <-r.frames:
		t.Fatalf("unexpected extra frame %q after reconnect", f.Event)
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, m.Send(context.Background(), proto.EvCallEnd, proto.CallEnd{}))
	require.Equal(t, proto.EvCallEnd, nextFrame(t, r).Event)
}

func TestConnectWhileConnectedResendsRegistration(t *testing.T) {
	r := newFakeRelay(t)
	m, events := startManager(t, r)
	nextConn(t, r)
	requireRegister(t, r)
	nextEvent(t, events)

	require.NoError(t, m.Connect(context.Background(), patient))
	requireRegister(t, r)

	select {
	case <-r.accepted:
		t.Fatal("second connect opened a second transport")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisconnectIsIdempotentAndClosesSubscribers(t *testing.T) {
	r := newFakeRelay(t)
	m, events := startManager(t, r)
	nextConn(t, r)
	requireRegister(t, r)
	nextEvent(t, events)

	m.Disconnect()
	m.Disconnect()

	var seen []proto.Event
	deadline := time.After(waitFor)
	for closed := false; !closed; {
		select {
		case ev, ok := <-events:
			if ok {
				seen = append(seen, ev)
			}
			closed = !ok
		case <-deadline:
			t.Fatal("subscriber channel was not closed")
		}
	}
	require.Len(t, seen, 1)
	lost, ok := seen[0].(proto.Disconnected)
	require.True(t, ok)
	require.False(t, lost.WillRetry)
	require.Equal(t, StateDisconnected, m.State())
	require.ErrorIs(t, m.Send(context.Background(), proto.EvCallEnd, proto.CallEnd{}), ErrNotConnected)
}

func TestGivesUpAfterBoundedAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	m := New(Options{URL: url, ReconnectAttempts: 2, ReconnectDelay: 10 * time.Millisecond}, nil)
	events, _ := m.Subscribe()
	require.NoError(t, m.Connect(context.Background(), patient))
	t.Cleanup(m.Disconnect)

	_, ok := nextEvent(t, events).(proto.ConnectError)
	require.True(t, ok)
	require.Eventually(t, func() bool { return m.State() == StateError }, waitFor, 10*time.Millisecond)
}

func TestConnectContextEndStopsLoop(t *testing.T) {
	r := newFakeRelay(t)
	m := New(Options{URL: r.url(), ReconnectDelay: 20 * time.Millisecond}, nil)
	events, _ := m.Subscribe()
	t.Cleanup(m.Disconnect)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Connect(ctx, patient))
	server := nextConn(t, r)
	requireRegister(t, r)
	require.Equal(t, proto.Connected{Attempt: 0}, nextEvent(t, events))

	cancel()
	lost, ok := nextEvent(t, events).(proto.Disconnected)
	require.True(t, ok)
	require.False(t, lost.WillRetry)
	require.Eventually(t, func() bool { return m.State() == StateDisconnected }, waitFor, 10*time.Millisecond)
	require.ErrorIs(t, m.Send(context.Background(), proto.EvCallEnd, proto.CallEnd{}), ErrNotConnected)

	// nothing read from the old transport reaches subscribers
	_ = server.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"chat:typing","data":{"conversationId":"d1:p1","senderId":"d1"}}`))
	select {
	case ev := <-events:
		t.Fatalf("unexpected %T after the context ended", ev)
	case <-time.After(100 * time.Millisecond):
	}

	// a fresh Connect dials again and keeps reconnecting after a drop
	require.NoError(t, m.Connect(context.Background(), patient))
	second := nextConn(t, r)
	requireRegister(t, r)
	require.Equal(t, proto.Connected{Attempt: 0}, nextEvent(t, events))
	require.Equal(t, StateConnected, m.State())

	require.NoError(t, second.Close())
	dropped, ok := nextEvent(t, events).(proto.Disconnected)
	require.True(t, ok)
	require.True(t, dropped.WillRetry)
	nextConn(t, r)
	requireRegister(t, r)
	require.Equal(t, proto.Connected{Attempt: 1}, nextEvent(t, events))
}
