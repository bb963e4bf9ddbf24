package feed

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/InfiniteCode-Org/market-checker/internal/model"
)

// ErrAlreadyClosed is returned when operating on a closed client.
var ErrAlreadyClosed = errors.New("feed: client closed")

// Client is the streaming price-feed transport consumed by the monitor.
// Failures are observable events on Errs, never silent drops; reconnect
// policy is owned by the caller.
type Client interface {
	// Connect establishes the stream connection and starts the read loop.
	Connect(ctx context.Context) error

	// Subscribe replaces the server-side subscription set with the union of
	// the given feed keys on a single multiplexed connection.
	Subscribe(ctx context.Context, feedKeys []string) error

	// Unsubscribe removes a single feed key from the subscription set.
	Unsubscribe(ctx context.Context, feedKey string) error

	// Updates returns the channel of parsed price samples.
	Updates() <-chan model.PriceSample

	// Errs returns the channel of transport errors.
	Errs() <-chan error

	// Close tears down the connection.
	Close() error
}

// Options configure the websocket client.
type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	BufferSize       int
}

// WSClient streams price updates over a single websocket connection.
type WSClient struct {
	opts   Options
	logger zerolog.Logger

	updates chan model.PriceSample
	errs    chan error

	mu     sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}
	closed bool

	writeMu sync.Mutex
}

// NewWSClient constructs a websocket feed client.
func NewWSClient(opts Options, logger zerolog.Logger) *WSClient {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	return &WSClient{
		opts:    opts,
		logger:  logger.With().Str("component", "feed_client").Logger(),
		updates: make(chan model.PriceSample, opts.BufferSize),
		errs:    make(chan error, 1),
	}
}

// subscribeRequest is the wire shape of subscription commands.
type subscribeRequest struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

// priceUpdate is the wire shape of one streamed sample.
type priceUpdate struct {
	Type      string `json:"type"`
	PriceFeed struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
		VAA string `json:"vaa"`
	} `json:"price_feed"`
}

// Connect dials the feed endpoint and starts the read loop.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.opts.URL == "" {
		return errors.New("feed: url not configured")
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial feed %s: %w", c.opts.URL, err)
	}

	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	done := make(chan struct{})
	c.mu.Lock()
	// The lock is not held across the dial; re-check before installing so a
	// concurrent Connect or Shutdown never leaks the losing connection.
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrAlreadyClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, done)

	c.logger.Info().Str("url", c.opts.URL).Msg("feed connected")
	return nil
}

// Subscribe sends the full desired key set in one command.
func (c *WSClient) Subscribe(ctx context.Context, feedKeys []string) error {
	return c.send(subscribeRequest{Type: "subscribe", IDs: feedKeys})
}

// Unsubscribe removes a single key.
func (c *WSClient) Unsubscribe(ctx context.Context, feedKey string) error {
	return c.send(subscribeRequest{Type: "unsubscribe", IDs: []string{feedKey}})
}

// Updates returns the sample channel.
func (c *WSClient) Updates() <-chan model.PriceSample {
	return c.updates
}

// Errs returns the transport error channel.
func (c *WSClient) Errs() <-chan error {
	return c.errs
}

// Close tears down the connection. The update and error channels stay open
// so the client can be reconnected with Connect.
func (c *WSClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.conn = nil
	c.done = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if done != nil {
		close(done)
	}
	return conn.Close()
}

// Shutdown closes the connection and marks the client unusable.
func (c *WSClient) Shutdown() error {
	err := c.Close()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

func (c *WSClient) send(req subscribeRequest) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("feed: not connected")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", req.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s request: %w", req.Type, err)
	}
	return nil
}

func (c *WSClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// Closed locally; not a transport failure.
			default:
				c.reportError(fmt.Errorf("read feed message: %w", err))
			}
			return
		}

		sample, ok := c.parseSample(raw)
		if !ok {
			continue
		}

		select {
		case c.updates <- sample:
		case <-done:
			return
		}
	}
}

// parseSample decodes one wire message. A malformed message is logged and
// skipped; it never aborts the read loop.
func (c *WSClient) parseSample(raw []byte) (model.PriceSample, bool) {
	var update priceUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		c.logger.Warn().Err(err).Msg("skipping malformed feed message")
		return model.PriceSample{}, false
	}
	if update.Type != "price_update" {
		return model.PriceSample{}, false
	}
	if update.PriceFeed.ID == "" {
		c.logger.Warn().Msg("skipping price update without feed id")
		return model.PriceSample{}, false
	}

	mantissa, err := strconv.ParseInt(update.PriceFeed.Price.Price, 10, 64)
	if err != nil {
		c.logger.Warn().Err(err).Str("feed_key", update.PriceFeed.ID).Msg("skipping price update with bad mantissa")
		return model.PriceSample{}, false
	}

	var proof []byte
	if update.PriceFeed.VAA != "" {
		proof, err = base64.StdEncoding.DecodeString(update.PriceFeed.VAA)
		if err != nil {
			c.logger.Warn().Err(err).Str("feed_key", update.PriceFeed.ID).Msg("skipping price update with bad proof encoding")
			return model.PriceSample{}, false
		}
	}

	return model.PriceSample{
		FeedKey:     update.PriceFeed.ID,
		Mantissa:    mantissa,
		Exponent:    update.PriceFeed.Price.Expo,
		PublishTime: time.Unix(update.PriceFeed.Price.PublishTime, 0).UTC(),
		Proof:       proof,
	}, true
}

func (c *WSClient) reportError(err error) {
	select {
	case c.errs <- err:
	default:
		c.logger.Error().Err(err).Msg("dropping feed error; error channel full")
	}
}

var _ Client = (*WSClient)(nil)
