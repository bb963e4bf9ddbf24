package feed

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
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/InfiniteCode-Org/market-checker/internal/model"
)

// feedServer is a minimal websocket endpoint that records subscription
// commands and pushes scripted messages to the client.
type feedServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	messages []string
	commands chan subscribeRequest

	mu     sync.Mutex
	active int
	conns  []*websocket.Conn
}

func newFeedServer(t *testing.T, messages ...string) (*feedServer, *httptest.Server) {
	s := &feedServer{t: t, messages: messages, commands: make(chan subscribeRequest, 8)}
	ts := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(ts.Close)
	return s, ts
}

func (s *feedServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Errorf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.active++
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	for _, msg := range s.messages {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
	}

	for {
		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		s.commands <- req
	}
}

// closeConns closes every upgraded connection from the server side.
// httptest's CloseClientConnections does not reach hijacked (websocket)
// connections, so remote-close tests must drop them here instead.
func (s *feedServer) closeConns() {
	// The handler registers the conn just after the handshake, so give it a
	// moment to show up before closing.
	deadline := time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		if len(s.conns) > 0 || time.Now().After(deadline) {
			for _, conn := range s.conns {
				_ = conn.Close()
			}
			s.conns = nil
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *feedServer) activeConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func connectedClient(t *testing.T, ts *httptest.Server) *WSClient {
	t.Helper()
	c := NewWSClient(Options{URL: wsURL(ts)}, zerolog.Nop())
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

func awaitSample(t *testing.T, c *WSClient) model.PriceSample {
	t.Helper()
	select {
	case sample := <-c.Updates():
		return sample
	case err := <-c.Errs():
		t.Fatalf("unexpected transport error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for price sample")
	}
	return model.PriceSample{}
}

func TestWSClientParsesPriceUpdate(t *testing.T) {
	proof := []byte("vaa-proof-bytes")
	msg, err := json.Marshal(map[string]any{
		"type": "price_update",
		"price_feed": map[string]any{
			"id": "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43",
			"price": map[string]any{
				"price":        "6412345678",
				"expo":         -8,
				"publish_time": 1750000000,
			},
			"vaa": base64.StdEncoding.EncodeToString(proof),
		},
	})
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}

	_, ts := newFeedServer(t, string(msg))
	c := connectedClient(t, ts)

	sample := awaitSample(t, c)
	if sample.FeedKey != "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43" {
		t.Fatalf("feed key = %q", sample.FeedKey)
	}
	if sample.Mantissa != 6412345678 || sample.Exponent != -8 {
		t.Fatalf("mantissa/expo = %d/%d", sample.Mantissa, sample.Exponent)
	}
	if !sample.Price().Equal(decimal.RequireFromString("64.12345678")) {
		t.Fatalf("price = %s", sample.Price())
	}
	if sample.PublishTime != time.Unix(1750000000, 0).UTC() {
		t.Fatalf("publish time = %s", sample.PublishTime)
	}
	if string(sample.Proof) != string(proof) {
		t.Fatalf("proof = %q", sample.Proof)
	}
}

func TestWSClientSkipsMalformedMessages(t *testing.T) {
	good := `{"type":"price_update","price_feed":{"id":"feed-a","price":{"price":"100","expo":0,"publish_time":1750000000}}}`
	_, ts := newFeedServer(t,
		`not json at all`,
		`{"type":"heartbeat"}`,
		`{"type":"price_update","price_feed":{"id":"feed-a","price":{"price":"NaN","expo":0}}}`,
		`{"type":"price_update","price_feed":{"id":"","price":{"price":"100","expo":0}}}`,
		good,
	)
	c := connectedClient(t, ts)

	// Only the final well-formed message survives the parse filter.
	sample := awaitSample(t, c)
	if sample.FeedKey != "feed-a" || sample.Mantissa != 100 {
		t.Fatalf("sample = %+v", sample)
	}

	select {
	case extra := <-c.Updates():
		t.Fatalf("unexpected extra sample: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWSClientSubscribeCommands(t *testing.T) {
	srv, ts := newFeedServer(t)
	c := connectedClient(t, ts)

	if err := c.Subscribe(t.Context(), []string{"feed-a", "feed-b"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := c.Unsubscribe(t.Context(), "feed-a"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	sub := awaitCommand(t, srv)
	if sub.Type != "subscribe" || len(sub.IDs) != 2 {
		t.Fatalf("subscribe command = %+v", sub)
	}
	unsub := awaitCommand(t, srv)
	if unsub.Type != "unsubscribe" || len(unsub.IDs) != 1 || unsub.IDs[0] != "feed-a" {
		t.Fatalf("unsubscribe command = %+v", unsub)
	}
}

func TestWSClientReportsRemoteClose(t *testing.T) {
	srv, ts := newFeedServer(t) // handler returns after the read fails
	c := connectedClient(t, ts)

	srv.closeConns()

	select {
	case err := <-c.Errs():
		if err == nil {
			t.Fatal("expected a transport error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remote close must surface on the error channel")
	}
}

func TestWSClientLocalCloseIsQuiet(t *testing.T) {
	_, ts := newFeedServer(t)
	c := connectedClient(t, ts)

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-c.Errs():
		t.Fatalf("local close must not report a transport error, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// Close leaves the client reconnectable; Shutdown does not.
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("reconnect after Close failed: %v", err)
	}
	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := c.Connect(t.Context()); err != ErrAlreadyClosed {
		t.Fatalf("Connect after Shutdown = %v, want ErrAlreadyClosed", err)
	}
}

func TestWSClientConcurrentConnect(t *testing.T) {
	srv, ts := newFeedServer(t)
	c := NewWSClient(Options{URL: wsURL(ts)}, zerolog.Nop())
	t.Cleanup(func() { _ = c.Shutdown() })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Connect(t.Context()); err != nil {
				t.Errorf("Connect failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// Losing dials close their connection immediately; the server must end
	// up holding exactly one live stream.
	deadline := time.After(2 * time.Second)
	for srv.activeConns() != 1 {
		select {
		case <-deadline:
			t.Fatalf("active connections = %d, want 1", srv.activeConns())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func awaitCommand(t *testing.T, srv *feedServer) subscribeRequest {
	t.Helper()
	select {
	case req := <-srv.commands:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription command")
	}
	return subscribeRequest{}
}
