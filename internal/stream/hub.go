package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/radar-overlay-service/internal/models"
	"github.com/kjstillabower/radar-overlay-service/internal/observability"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 16

// MessageType names a broadcast; it is also the SSE event name.
type MessageType string

const (
	TypeRadarData  MessageType = "radar_data"
	TypeSweepAngle MessageType = "sweep_angle"
	TypeError      MessageType = "error"
)

// Message is one broadcast. Exactly one of Overlay, Angle or Error is meaningful,
// according to Type.
type Message struct {
	Type       MessageType
	Generation uint64
	Time       time.Time
	Overlay    *models.OverlayResult
	Angle      float64
	Error      string
	Code       string
}

// Payload is the JSON body delivered to clients for this message.
func (m Message) Payload() interface{} {
	switch m.Type {
	case TypeRadarData:
		return m.Overlay
	case TypeSweepAngle:
		return map[string]interface{}{"angle": m.Angle, "timestamp": m.Time}
	default:
		return map[string]interface{}{"error": m.Error, "code": m.Code, "timestamp": m.Time}
	}
}

type subscriber struct {
	id string
	ch chan Message
}

// Hub fans messages out to subscribers. Publishing is serialised under one lock, so the
// messages of one Publish call are never interleaved with another's. A full subscriber
// queue drops its oldest message.
type Hub struct {
	mu         sync.Mutex
	subs       map[string]*subscriber
	generation uint64
	closed     bool
	bufferSize int
	logger     *zap.Logger
}

// NewHub returns a Hub; bufferSize < 1 selects DefaultBufferSize.
func NewHub(bufferSize int, logger *zap.Logger) *Hub {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{subs: make(map[string]*subscriber), bufferSize: bufferSize, logger: logger}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it and closes
// the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	s := &subscriber{id: uuid.NewString(), ch: make(chan Message, h.bufferSize)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()
	observability.StreamSubscribers.Set(float64(n))
	h.logger.Debug("stream subscriber added", zap.String("subscriber_id", s.id), zap.Int("subscribers", n))

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[s.id]; ok {
				delete(h.subs, s.id)
				close(s.ch)
			}
			n := len(h.subs)
			h.mu.Unlock()
			observability.StreamSubscribers.Set(float64(n))
			h.logger.Debug("stream subscriber removed", zap.String("subscriber_id", s.id), zap.Int("subscribers", n))
		})
	}
}

// Advance starts a new generation; later Publish calls for older generations are
// dropped.
func (h *Hub) Advance() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.generation++
	return h.generation
}

// Generation returns the current generation.
func (h *Hub) Generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation
}

// Publish delivers msgs in order to every subscriber if gen is still current. It reports
// whether the messages were delivered.
func (h *Hub) Publish(gen uint64, msgs ...Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if gen != h.generation {
		return false
	}
	for _, m := range msgs {
		m.Generation = gen
		for _, s := range h.subs {
			deliver(s.ch, m)
		}
	}
	return true
}

// Close ends every subscription by closing its channel. Later subscribers receive an
// already closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
	h.mu.Unlock()
	observability.StreamSubscribers.Set(0)
	h.logger.Debug("stream hub closed")
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// deliver sends m, discarding the oldest queued message when the queue is full. Only
// the publisher (holding the hub lock) sends, so a freed slot stays free.
func deliver(ch chan Message, m Message) {
	for {
		select {
		case ch <- m:
			return
		default:
		}
		select {
		case <-ch:
			observability.StreamDroppedTotal.Inc()
		default:
		}
	}
}
