package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/okian/resonance/internal/domain/model"
	"github.com/okian/resonance/pkg/logger"
	"golang.org/x/net/websocket"
)

// Client is a PubSub backed by a websocket connection to the relay handler.
type Client struct {
	token  string
	header http.Header
	logger logger.Logger

	conn   *websocket.Conn
	sendMu sync.Mutex

	mu       sync.RWMutex
	handlers map[string]map[*clientSub]struct{}
	closed   bool
	done     chan struct{}
}

var _ PubSub = (*Client)(nil)

type clientSub struct {
	client  *Client
	channel string
	fn      Handler
	once    sync.Once
}

// Unsubscribe stops local delivery and tells the relay when the channel has
// no other local handlers.
func (s *clientSub) Unsubscribe() {
	s.once.Do(func() { s.client.remove(s) })
}

// Dial connects to a relay endpoint. serverURL may use http(s) or ws(s).
func Dial(ctx context.Context, serverURL string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		logger:   logger.Nop(),
		handlers: make(map[string]map[*clientSub]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	wsURL, origin, err := websocketURL(serverURL)
	if err != nil {
		return nil, err
	}
	cfg, err := websocket.NewConfig(wsURL, origin)
	if err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	cfg.Header = make(http.Header)
	for k, vs := range c.header {
		for _, v := range vs {
			cfg.Header.Add(k, v)
		}
	}
	if c.token != "" {
		cfg.Header.Set("Authorization", "Bearer "+c.token)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	c.conn = conn
	go c.readLoop()
	return c, nil
}

func websocketURL(raw string) (wsURL, origin string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", "", fmt.Errorf("parse relay url: unsupported scheme %q", u.Scheme)
	}
	o := *u
	o.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)
	o.Path, o.RawQuery = "", ""
	return u.String(), o.String(), nil
}

func (c *Client) send(f Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return websocket.JSON.Send(c.conn, f)
}

// Publish sends msg to the relay.
func (c *Client) Publish(ctx context.Context, channel string, msg model.RelayMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(channel) == "" {
		return ErrInvalidChannel
	}
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.send(Frame{Type: FramePublish, Channel: channel, Message: &msg}); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe registers fn for channel. Handlers run on the read goroutine and
// must not block.
func (c *Client) Subscribe(ctx context.Context, channel string, fn Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(channel) == "" {
		return nil, ErrInvalidChannel
	}
	s := &clientSub{client: c, channel: channel, fn: fn}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	subs, ok := c.handlers[channel]
	if !ok {
		subs = make(map[*clientSub]struct{})
		c.handlers[channel] = subs
	}
	subs[s] = struct{}{}
	first := !ok
	c.mu.Unlock()

	if first {
		if err := c.send(Frame{Type: FrameSubscribe, Channel: channel}); err != nil {
			c.remove(s)
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}
	return s, nil
}

func (c *Client) remove(s *clientSub) {
	c.mu.Lock()
	subs, ok := c.handlers[s.channel]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(subs, s)
	last := len(subs) == 0
	if last {
		delete(c.handlers, s.channel)
	}
	closed := c.closed
	c.mu.Unlock()

	if last && !closed {
		_ = c.send(Frame{Type: FrameUnsubscribe, Channel: s.channel})
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	ctx := context.Background()
	for {
		var f Frame
		if err := websocket.JSON.Receive(c.conn, &f); err != nil {
			if !errors.Is(err, io.EOF) && !c.isClosed() {
				c.logger.Warn(ctx, "relay connection lost", logger.Error(err))
			}
			return
		}
		switch f.Type {
		case FrameMessage:
			if f.Message == nil {
				continue
			}
			c.mu.RLock()
			handlers := make([]Handler, 0, len(c.handlers[f.Channel]))
			for s := range c.handlers[f.Channel] {
				handlers = append(handlers, s.fn)
			}
			c.mu.RUnlock()
			for _, h := range handlers {
				h(*f.Message)
			}
		case FrameError:
			c.logger.Warn(ctx, "relay reported error",
				logger.String("channel", f.Channel),
				logger.String("error", f.Error),
			)
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Done is closed when the connection drops.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection and waits for the read loop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
