package chatsync

import (
	"strings"
	"sync"
	"time"
)

// OptimisticEchoTracker shows locally initiated sends immediately and settles
// each one exactly once, either confirmed by the server or failed.
type OptimisticEchoTracker struct {
	mu       sync.Mutex
	timeline *MessageTimeline
	now      func() time.Time
	attempts map[CorrelationID]*sendAttempt
}

type sendAttempt struct {
	kind    MessageKind
	content string
	settled bool
}

func NewOptimisticEchoTracker(timeline *MessageTimeline, now func() time.Time) *OptimisticEchoTracker {
	if now == nil {
		now = time.Now
	}
	return &OptimisticEchoTracker{
		timeline: timeline,
		now:      now,
		attempts: map[CorrelationID]*sendAttempt{},
	}
}

func (t *OptimisticEchoTracker) BeginSend(conversationID, content, senderID, senderName string) CorrelationID {
	return t.BeginSendKind(KindText, conversationID, content, senderID, senderName)
}

// BeginSendKind appends an optimistic message and returns its correlation id.
// It never blocks on the network.
func (t *OptimisticEchoTracker) BeginSendKind(kind MessageKind, conversationID, content, senderID, senderName string) CorrelationID {
	if !kind.Valid() {
		kind = KindText
	}
	id := NewCorrelationID()
	t.mu.Lock()
	t.attempts[id] = &sendAttempt{kind: kind, content: content}
	t.mu.Unlock()
	t.timeline.Append(Message{
		ID:                id.String(),
		CorrelationID:     id,
		ConversationID:    strings.TrimSpace(conversationID),
		SenderID:          senderID,
		SenderDisplayName: senderName,
		Content:           content,
		Kind:              kind,
		SequenceNumber:    UnassignedSequence,
		DeliveryState:     DeliverySending,
		Timestamp:         t.now().UTC(),
	})
	return id
}

// Confirm reconciles the optimistic entry with the server record. Only the
// first settle of an attempt has any effect.
func (t *OptimisticEchoTracker) Confirm(id CorrelationID, server Message) bool {
	if !t.settle(id) {
		return false
	}
	t.timeline.ReconcileOptimistic(id, normalizeServerMessage(server))
	return true
}

func (t *OptimisticEchoTracker) Fail(id CorrelationID) bool {
	if !t.settle(id) {
		return false
	}
	t.timeline.MarkFailed(id)
	return true
}

// Retry reopens a failed send and returns what has to be sent again.
func (t *OptimisticEchoTracker) Retry(id CorrelationID) (MessageKind, string, bool) {
	t.mu.Lock()
	attempt, ok := t.attempts[id]
	retryable := ok && attempt.settled
	t.mu.Unlock()
	if !retryable || !t.timeline.MarkSending(id) {
		return "", "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	attempt.settled = false
	return attempt.kind, attempt.content, true
}

// Owns reports whether id was issued by this tracker.
func (t *OptimisticEchoTracker) Owns(id CorrelationID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.attempts[id]
	return ok
}

func (t *OptimisticEchoTracker) Pending(id CorrelationID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	attempt, ok := t.attempts[id]
	return ok && !attempt.settled
}

func (t *OptimisticEchoTracker) settle(id CorrelationID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	attempt, ok := t.attempts[id]
	if !ok || attempt.settled {
		return false
	}
	attempt.settled = true
	return true
}
