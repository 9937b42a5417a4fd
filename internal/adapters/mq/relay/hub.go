package relay

import (
	"context"
	"strings"
	"sync"

	"github.com/okian/resonance/internal/domain/model"
	"github.com/okian/resonance/pkg/logger"
	"github.com/okian/resonance/pkg/metrics"
)

const defaultBufferSize = 64

// Hub is an in-process PubSub. Each subscriber owns a buffered queue drained
// by its own goroutine.
type Hub struct {
	bufferSize int
	logger     logger.Logger

	mu       sync.RWMutex
	channels map[string]map[*subscriber]struct{}
	closed   bool
	wg       sync.WaitGroup
}

var _ PubSub = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		bufferSize: defaultBufferSize,
		logger:     logger.Nop(),
		channels:   make(map[string]map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type subscriber struct {
	hub     *Hub
	channel string
	queue   chan model.RelayMessage
	once    sync.Once
}

// Unsubscribe removes the subscriber and stops its dispatcher.
func (s *subscriber) Unsubscribe() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.queue)
	})
}

// Subscribe registers h on channel.
func (h *Hub) Subscribe(ctx context.Context, channel string, fn Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(channel) == "" {
		return nil, ErrInvalidChannel
	}
	s := &subscriber{hub: h, channel: channel, queue: make(chan model.RelayMessage, h.bufferSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.channels[channel] = subs
	}
	subs[s] = struct{}{}
	h.wg.Add(1)
	n := h.countLocked()
	h.mu.Unlock()
	metrics.UpdateRelaySubscribers(n)

	go func() {
		defer h.wg.Done()
		for msg := range s.queue {
			fn(msg)
		}
	}()
	return s, nil
}

// Publish delivers msg to every current subscriber of channel without
// blocking. Full subscriber queues drop the message.
func (h *Hub) Publish(ctx context.Context, channel string, msg model.RelayMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(channel) == "" {
		return ErrInvalidChannel
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	metrics.RecordRelayPublished(msg.Type)
	for s := range h.channels[channel] {
		select {
		case s.queue <- msg:
		default:
			metrics.RecordRelayDropped()
			h.logger.Debug(ctx, "relay subscriber queue full, dropping message",
				logger.String("channel", channel),
				logger.String("type", msg.Type),
			)
		}
	}
	return nil
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	if subs, ok := h.channels[s.channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.channels, s.channel)
		}
	}
	n := h.countLocked()
	h.mu.Unlock()
	metrics.UpdateRelaySubscribers(n)
}

func (h *Hub) countLocked() int {
	n := 0
	for _, subs := range h.channels {
		n += len(subs)
	}
	return n
}

// Subscribers returns the number of subscribers on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Stats returns the channel and subscriber counts.
func (h *Hub) Stats() (channels, subscribers int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels), h.countLocked()
}

// Close drops every subscriber and waits for their dispatchers to finish.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var all []*subscriber
	for _, subs := range h.channels {
		for s := range subs {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		s.Unsubscribe()
	}
	h.wg.Wait()
	return nil
}
