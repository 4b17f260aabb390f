package chatserver

import (
	"sync"

	"github.com/agentworkforce/relaychat/internal/chatsync"
	"go.uber.org/zap"
)

type addressed struct {
	userID string
	env    chatsync.Envelope
}

type subscriber struct {
	userID string
	ch     chan chatsync.Envelope
}

// hub fans envelopes out to per-user subscribers. Delivery never blocks a
// mutation. A subscriber whose buffer is full is removed and its channel
// closed, so its stream ends and the client reconnects and resyncs instead of
// missing events silently.
type hub struct {
	mu      sync.Mutex
	buffer  int
	subs    map[string]map[*subscriber]struct{}
	closed  bool
	logger  *zap.Logger
	dropped uint64
}

func newHub(buffer int, logger *zap.Logger) *hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &hub{
		buffer: buffer,
		subs:   map[string]map[*subscriber]struct{}{},
		logger: logger,
	}
}

func (h *hub) subscribe(userID string) (<-chan chatsync.Envelope, func()) {
	sub := &subscriber{userID: userID, ch: make(chan chatsync.Envelope, h.buffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	if h.subs[userID] == nil {
		h.subs[userID] = map[*subscriber]struct{}{}
	}
	h.subs[userID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.evictLocked(sub)
		})
	}
}

func (h *hub) publishAll(out []addressed) {
	if len(out) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range out {
		for sub := range h.subs[a.userID] {
			select {
			case sub.ch <- a.env:
			default:
				h.dropped++
				h.evictLocked(sub)
				h.logger.Warn("subscriber buffer full, closing stream",
					zap.String("user", a.userID),
					zap.String("type", a.env.Type),
					zap.String("conversation", a.env.ConversationID))
			}
		}
	}
}

func (h *hub) evictLocked(sub *subscriber) {
	subs := h.subs[sub.userID]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subs, sub.userID)
	}
	close(sub.ch)
}

func (h *hub) stats() (subscribers int, dropped uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.subs {
		subscribers += len(subs)
	}
	return subscribers, h.dropped
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for userID, subs := range h.subs {
		for sub := range subs {
			close(sub.ch)
		}
		delete(h.subs, userID)
	}
}
