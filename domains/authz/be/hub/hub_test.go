package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/edgewarden/edgewarden/domains/authz/be/ledger"
)

// fakeBackend is a canned actor: a fixed version horizon, a retained mutation
// window and a scripted Apply.
type fakeBackend struct {
	mu        sync.Mutex
	current   uint64
	oldest    uint64
	mutations map[uint64]*ledger.Mutation
	applyErr  error
	rejecting bool

	// Optional rendezvous: MutationRange signals rangeEntered and then
	// blocks until rangeRelease closes. Set before any connection dials.
	rangeEntered chan struct{}
	rangeRelease chan struct{}
}

func newFakeBackend(oldest, current uint64) *fakeBackend {
	b := &fakeBackend{
		current:   current,
		oldest:    oldest,
		mutations: make(map[uint64]*ledger.Mutation),
	}
	for v := oldest; v <= current; v++ {
		b.mutations[v] = &ledger.Mutation{Version: v, Kind: ledger.KindGrant, At: time.Now().UTC()}
	}
	return b
}

func (b *fakeBackend) CurrentVersion() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *fakeBackend) OldestRetained(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.oldest, nil
}

func (b *fakeBackend) MutationRange(_ context.Context, from, to uint64) ([]*ledger.Mutation, error) {
	if b.rangeEntered != nil {
		b.rangeEntered <- struct{}{}
		<-b.rangeRelease
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*ledger.Mutation, 0, to-from+1)
	for v := from; v <= to; v++ {
		m, ok := b.mutations[v]
		if !ok {
			return nil, fmt.Errorf("version %d not retained", v)
		}
		out = append(out, m)
	}
	return out, nil
}

func (b *fakeBackend) Apply(_ context.Context, req ledger.Request, operator string) (*ledger.Mutation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.applyErr != nil {
		return nil, b.applyErr
	}
	b.current++
	m := &ledger.Mutation{Version: b.current, Kind: ledger.Kind(req.Op), Operator: operator, At: time.Now().UTC()}
	b.mutations[b.current] = m
	return m, nil
}

func (b *fakeBackend) AcceptingConnections() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.rejecting
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialHub(t *testing.T, backend Backend, cfg Config) (*Hub, *testClient) {
	t.Helper()
	h := New(backend, cfg, nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWS(w, r, "test-operator")
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { h.Shutdown(context.Background()) })

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return h, &testClient{t: t, ws: ws}
}

func (c *testClient) send(frame Frame) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(frame))
}

func (c *testClient) read() Frame {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	var frame Frame
	require.NoError(c.t, json.Unmarshal(data, &frame))
	return frame
}

func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(d)))
	_, _, err := c.ws.ReadMessage()
	require.Error(c.t, err)
	netErr, ok := err.(interface{ Timeout() bool })
	require.True(c.t, ok && netErr.Timeout(), "expected a read timeout, got %v", err)
}

func waitForConns(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.ConnCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, want, h.ConnCount())
}

func TestHandshakeAtCurrentVersionStreams(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(1, 5)
	h, client := dialHub(t, backend, Config{})

	client.send(Frame{Type: FrameVersion, Version: 5})
	// No catch-up needed; the next broadcast must arrive.
	client.send(Frame{Type: FramePing})
	require.Equal(t, FramePong, client.read().Type)

	h.Broadcast(&ledger.Mutation{Version: 6, Kind: ledger.KindGrant})
	frame := client.read()
	require.Equal(t, FrameMutation, frame.Type)
	require.EqualValues(t, 6, frame.Version)
	require.NotNil(t, frame.Op)
}

func TestHandshakeCatchUp(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(1, 27)
	_, client := dialHub(t, backend, Config{})

	client.send(Frame{Type: FrameVersion, Version: 10})
	frame := client.read()
	require.Equal(t, FrameCatchUp, frame.Type)
	require.EqualValues(t, 10, frame.From)
	require.EqualValues(t, 27, frame.To)
	require.Len(t, frame.Mutations, 17)
	require.EqualValues(t, 11, frame.Mutations[0].Version)
	require.EqualValues(t, 27, frame.Mutations[16].Version)
}

func TestHandshakeVersionAhead(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(1, 5)
	_, client := dialHub(t, backend, Config{})

	client.send(Frame{Type: FrameVersion, Version: 9})
	frame := client.read()
	require.Equal(t, FrameError, frame.Type)
	require.Contains(t, frame.Message, "ahead")
}

func TestHandshakeFullSyncRequired(t *testing.T) {
	t.Parallel()

	t.Run("lag exceeds window", func(t *testing.T) {
		t.Parallel()
		backend := newFakeBackend(1, 300)
		_, client := dialHub(t, backend, Config{MaxCatchup: 100})

		client.send(Frame{Type: FrameVersion, Version: 50})
		frame := client.read()
		require.Equal(t, FrameFullSyncRequired, frame.Type)
		require.Contains(t, frame.Reason, "window")
	})

	t.Run("beyond retention", func(t *testing.T) {
		t.Parallel()
		backend := newFakeBackend(30, 50)
		_, client := dialHub(t, backend, Config{MaxCatchup: 100})

		client.send(Frame{Type: FrameVersion, Version: 20})
		frame := client.read()
		require.Equal(t, FrameFullSyncRequired, frame.Type)
		require.Contains(t, frame.Reason, "retention")
	})

	t.Run("fresh client against pruned log", func(t *testing.T) {
		t.Parallel()
		backend := newFakeBackend(30, 50)
		_, client := dialHub(t, backend, Config{MaxCatchup: 100})

		client.send(Frame{Type: FrameVersion, Version: 0})
		frame := client.read()
		require.Equal(t, FrameFullSyncRequired, frame.Type)
		require.Contains(t, frame.Reason, "retention")
	})
}

func TestMutateAckAndReject(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(1, 3)
	_, client := dialHub(t, backend, Config{})

	request := &ledger.Request{Op: ledger.OpGrant, Grant: &ledger.GrantRequest{
		Type: "member_of", SourceID: "u1", TargetID: "g1",
	}}
	client.send(Frame{Type: FrameMutate, ClientID: "local-7", Request: request})
	frame := client.read()
	require.Equal(t, FrameAck, frame.Type)
	require.Equal(t, "local-7", frame.ClientID)
	require.EqualValues(t, 4, frame.Version)

	backend.mu.Lock()
	backend.applyErr = errors.New("schema says no")
	backend.mu.Unlock()

	client.send(Frame{Type: FrameMutate, ClientID: "local-8", Request: request})
	frame = client.read()
	require.Equal(t, FrameReject, frame.Type)
	require.Equal(t, "local-8", frame.ClientID)
	require.Contains(t, frame.Reason, "schema says no")

	client.send(Frame{Type: FrameMutate, ClientID: "local-9"})
	frame = client.read()
	require.Equal(t, FrameReject, frame.Type)
	require.Contains(t, frame.Reason, "payload missing")
}

func TestBroadcastDuringHandshakeIsBuffered(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(1, 5)
	backend.rangeEntered = make(chan struct{})
	backend.rangeRelease = make(chan struct{})
	h, client := dialHub(t, backend, Config{})

	client.send(Frame{Type: FrameVersion, Version: 3})
	select {
	case <-backend.rangeEntered:
	case <-time.After(3 * time.Second):
		t.Fatal("handshake never reached the log read")
	}

	// Broadcasts landing mid-handshake must not block behind it: one is
	// already covered by the backfill, one is newer.
	h.Broadcast(&ledger.Mutation{Version: 5, Kind: ledger.KindGrant})
	h.Broadcast(&ledger.Mutation{Version: 6, Kind: ledger.KindGrant})
	close(backend.rangeRelease)

	frame := client.read()
	require.Equal(t, FrameCatchUp, frame.Type)
	require.EqualValues(t, 5, frame.To)
	require.Len(t, frame.Mutations, 2)

	frame = client.read()
	require.Equal(t, FrameMutation, frame.Type)
	require.EqualValues(t, 6, frame.Version, "frames inside the backfill range are not repeated")
}

func TestBroadcastSchemaChange(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(1, 5)
	h, client := dialHub(t, backend, Config{})

	client.send(Frame{Type: FrameVersion, Version: 5})
	client.send(Frame{Type: FramePing})
	require.Equal(t, FramePong, client.read().Type)

	h.BroadcastSchemaChange(2)
	frame := client.read()
	require.Equal(t, FrameSchemaChange, frame.Type)
	require.EqualValues(t, 2, frame.Version)
}

func TestBroadcastSkipsNonStreamingConnections(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(1, 5)
	h, client := dialHub(t, backend, Config{})
	waitForConns(t, h, 1)

	// No version handshake yet: broadcasts must not reach this connection.
	h.Broadcast(&ledger.Mutation{Version: 6, Kind: ledger.KindGrant})
	client.expectSilence(300 * time.Millisecond)
}

func TestMalformedFrame(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(1, 5)
	_, client := dialHub(t, backend, Config{})

	require.NoError(t, client.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := client.read()
	require.Equal(t, FrameError, frame.Type)
	require.Contains(t, frame.Message, "malformed")

	client.send(Frame{Type: "teleport"})
	frame = client.read()
	require.Equal(t, FrameError, frame.Type)
	require.Contains(t, frame.Message, "unknown frame type")
}

func TestOverQuotaRefusesUpgrade(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(1, 5)
	backend.rejecting = true
	h := New(backend, Config{}, nil)
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWS(w, r, "test-operator")
	}))
	t.Cleanup(server.Close)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestShutdownClosesConnections(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(1, 5)
	h, client := dialHub(t, backend, Config{})
	waitForConns(t, h, 1)

	h.Shutdown(context.Background())
	waitForConns(t, h, 0)

	require.NoError(t, client.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := client.ws.ReadMessage()
	require.Error(t, err, "socket closed by the server")
}

func TestIdleEviction(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(1, 5)
	h, _ := dialHub(t, backend, Config{IdleTimeout: 200 * time.Millisecond, PingInterval: time.Hour})
	waitForConns(t, h, 1)
	waitForConns(t, h, 0)
}
