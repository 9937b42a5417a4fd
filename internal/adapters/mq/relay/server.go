package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/okian/resonance/internal/domain/model"
	"github.com/okian/resonance/pkg/logger"
	"golang.org/x/net/websocket"
)

const (
	maxFramesPerSecond     = 100
	maxDecodeErrorsPerConn = 5
)

type server struct {
	hub    PubSub
	token  string
	logger logger.Logger
}

// NewHandler serves the websocket relay over hub.
func NewHandler(hub PubSub, opts ...ServerOption) http.Handler {
	s := &server{hub: hub, logger: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	ws := websocket.Server{
		Handler: s.serveConn,
		// Non-browser clients send no Origin header.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.token != "" && !bearerMatches(r, s.token) {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		ws.ServeHTTP(w, r)
	})
}

func bearerMatches(r *http.Request, token string) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) == 1
}

type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *wsPeer) send(f Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return websocket.JSON.Send(p.conn, f)
}

func (s *server) serveConn(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()
	ctx := conn.Request().Context()
	peer := &wsPeer{conn: conn}
	subs := make(map[string]Subscription)
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var f Frame
		if err := websocket.JSON.Receive(conn, &f); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				s.logger.Warn(ctx, "closing relay connection after repeated decode errors", logger.Error(err))
				return
			}
			_ = peer.send(Frame{Type: FrameError, Error: "invalid frame payload"})
			continue
		}
		decodeErrors = 0

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = peer.send(Frame{Type: FrameError, Error: "rate limit exceeded"})
			return
		}

		s.handleFrame(ctx, peer, subs, f)
	}
}

func (s *server) handleFrame(ctx context.Context, peer *wsPeer, subs map[string]Subscription, f Frame) {
	channel := strings.TrimSpace(f.Channel)
	if channel == "" {
		_ = peer.send(Frame{Type: FrameError, Error: ErrInvalidChannel.Error()})
		return
	}
	switch f.Type {
	case FrameSubscribe:
		if _, ok := subs[channel]; ok {
			return
		}
		sub, err := s.hub.Subscribe(ctx, channel, func(msg model.RelayMessage) {
			m := msg
			if err := peer.send(Frame{Type: FrameMessage, Channel: channel, Message: &m}); err != nil {
				s.logger.Debug(ctx, "relay send failed", logger.Error(err))
			}
		})
		if err != nil {
			_ = peer.send(Frame{Type: FrameError, Channel: channel, Error: err.Error()})
			return
		}
		subs[channel] = sub
	case FrameUnsubscribe:
		if sub, ok := subs[channel]; ok {
			sub.Unsubscribe()
			delete(subs, channel)
		}
	case FramePublish:
		if f.Message == nil {
			_ = peer.send(Frame{Type: FrameError, Channel: channel, Error: "message is required"})
			return
		}
		if err := s.hub.Publish(ctx, channel, *f.Message); err != nil {
			_ = peer.send(Frame{Type: FrameError, Channel: channel, Error: err.Error()})
		}
	default:
		_ = peer.send(Frame{Type: FrameError, Channel: channel, Error: "unsupported frame type"})
	}
}
