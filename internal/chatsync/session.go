package chatsync

import (
	"strings"
	"sync"
	"time"
)

// ConversationSession owns the in-memory state of the conversation being
// viewed. It is created on enter and disposed on exit; nothing it owns is
// reused by the next conversation.
type ConversationSession struct {
	id       string
	timeline *MessageTimeline
	cursor   *SequenceCursor
	echoes   *OptimisticEchoTracker

	mu            sync.Mutex
	disposed      bool
	unsubscribers []func()
	resyncRunning bool
	resyncAgain   bool
}

func NewConversationSession(conversationID string, now func() time.Time) *ConversationSession {
	conversationID = strings.TrimSpace(conversationID)
	timeline := NewMessageTimeline(conversationID)
	return &ConversationSession{
		id:       conversationID,
		timeline: timeline,
		cursor:   NewSequenceCursor(),
		echoes:   NewOptimisticEchoTracker(timeline, now),
	}
}

func (s *ConversationSession) ConversationID() string         { return s.id }
func (s *ConversationSession) Timeline() *MessageTimeline     { return s.timeline }
func (s *ConversationSession) Cursor() *SequenceCursor        { return s.cursor }
func (s *ConversationSession) Echoes() *OptimisticEchoTracker { return s.echoes }

// Subscribe registers a timeline observer owned by the session. It is removed
// when the session is disposed.
func (s *ConversationSession) Subscribe(fn Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return func() {}
	}
	unsubscribe := s.timeline.Subscribe(fn)
	s.unsubscribers = append(s.unsubscribers, unsubscribe)
	return unsubscribe
}

func (s *ConversationSession) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	unsubscribers := s.unsubscribers
	s.unsubscribers = nil
	s.mu.Unlock()
	for _, fn := range unsubscribers {
		fn()
	}
}

func (s *ConversationSession) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Load installs an authoritative history and moves the cursor to its end.
// Pushes that landed while the history was in flight are kept.
func (s *ConversationSession) Load(history []Message) {
	s.timeline.Install(history)
	s.cursor.Reset(s.timeline.ConfirmedSequences())
}

// Backfill merges resync results into the current timeline.
func (s *ConversationSession) Backfill(fetched []Message) {
	s.timeline.Merge(fetched)
	s.cursor.Reset(s.timeline.ConfirmedSequences())
}

// beginResync reports whether the caller should start a resync. A request
// made while one is running is folded into one more pass.
func (s *ConversationSession) beginResync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return false
	}
	if s.resyncRunning {
		s.resyncAgain = true
		return false
	}
	s.resyncRunning = true
	return true
}

func (s *ConversationSession) finishResync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resyncAgain && !s.disposed {
		s.resyncAgain = false
		return true
	}
	s.resyncRunning = false
	s.resyncAgain = false
	return false
}
