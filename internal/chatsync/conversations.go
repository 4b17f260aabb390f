package chatsync

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type SummariesObserver func([]ConversationSummary)

// ConversationListReconciler owns the process-wide conversation list. REST
// snapshots may raise but never lower an unread count; push deltas are taken
// verbatim. Previews and activity times are freshest-wins from either source.
type ConversationListReconciler struct {
	mu           sync.Mutex
	byID         map[string]ConversationSummary
	ordered      []ConversationSummary
	observers    map[uint64]SummariesObserver
	nextObserver uint64
}

func NewConversationListReconciler() *ConversationListReconciler {
	return &ConversationListReconciler{
		byID:      map[string]ConversationSummary{},
		observers: map[uint64]SummariesObserver{},
	}
}

func (r *ConversationListReconciler) Subscribe(fn SummariesObserver) func() {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	id := r.nextObserver
	r.nextObserver++
	r.observers[id] = fn
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.observers, id)
			r.mu.Unlock()
		})
	}
}

// Summaries returns the list sorted by last activity, newest first.
func (r *ConversationListReconciler) Summaries() []ConversationSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneSummaries(r.ordered)
}

func (r *ConversationListReconciler) Get(id string) (ConversationSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return ConversationSummary{}, false
	}
	return s.clone(), true
}

func (r *ConversationListReconciler) MergeSnapshot(list []ConversationSummary) bool {
	return r.mutate(func() bool {
		changed := false
		for _, incoming := range list {
			incoming.ID = strings.TrimSpace(incoming.ID)
			if incoming.ID == "" {
				continue
			}
			incoming = sanitizeSummary(incoming)
			existing, ok := r.byID[incoming.ID]
			if !ok {
				r.byID[incoming.ID] = incoming.clone()
				changed = true
				continue
			}
			merged := mergeMetadata(existing, incoming)
			if existing.UnreadCount > merged.UnreadCount {
				merged.UnreadCount = existing.UnreadCount
			}
			if !summariesEqual(existing, merged) {
				r.byID[incoming.ID] = merged
				changed = true
			}
		}
		return changed
	})
}

func (r *ConversationListReconciler) ApplyDelta(delta SummaryDelta) bool {
	id := strings.TrimSpace(delta.ConversationID)
	if id == "" && delta.Summary != nil {
		id = strings.TrimSpace(delta.Summary.ID)
	}
	if id == "" {
		return false
	}
	return r.mutate(func() bool {
		if delta.Removed {
			if _, ok := r.byID[id]; !ok {
				return false
			}
			delete(r.byID, id)
			return true
		}
		if delta.Summary == nil {
			return false
		}
		incoming := sanitizeSummary(delta.Summary.clone())
		incoming.ID = id
		existing, ok := r.byID[id]
		if !ok {
			r.byID[id] = incoming
			return true
		}
		merged := mergeMetadata(existing, incoming)
		merged.UnreadCount = incoming.UnreadCount
		if summariesEqual(existing, merged) {
			return false
		}
		r.byID[id] = merged
		return true
	})
}

// NotePreview records a newly seen message for a known conversation. It does
// not touch the unread count.
func (r *ConversationListReconciler) NotePreview(conversationID, preview string, at time.Time) bool {
	return r.mutate(func() bool {
		existing, ok := r.byID[conversationID]
		if !ok || at.Before(existing.LastActivityAt) {
			return false
		}
		if existing.LastMessagePreview == preview && existing.LastActivityAt.Equal(at) {
			return false
		}
		existing.LastMessagePreview = preview
		existing.LastActivityAt = at
		r.byID[conversationID] = existing
		return true
	})
}

func (r *ConversationListReconciler) MarkReadLocally(conversationID string) bool {
	return r.mutate(func() bool {
		existing, ok := r.byID[conversationID]
		if !ok || existing.UnreadCount == 0 {
			return false
		}
		existing.UnreadCount = 0
		r.byID[conversationID] = existing
		return true
	})
}

func (r *ConversationListReconciler) mutate(fn func() bool) bool {
	r.mu.Lock()
	changed := fn()
	var snapshot []ConversationSummary
	var observers []SummariesObserver
	if changed {
		r.resortLocked()
		snapshot = cloneSummaries(r.ordered)
		ids := make([]uint64, 0, len(r.observers))
		for id := range r.observers {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			observers = append(observers, r.observers[id])
		}
	}
	r.mu.Unlock()
	for _, fn := range observers {
		fn(snapshot)
	}
	return changed
}

func (r *ConversationListReconciler) resortLocked() {
	ordered := make([]ConversationSummary, 0, len(r.byID))
	for _, s := range r.byID {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		return a.ID < b.ID
	})
	r.ordered = ordered
}

// mergeMetadata takes names and members from incoming and keeps the fresher
// of the two previews. The unread count is left to the caller.
func mergeMetadata(existing, incoming ConversationSummary) ConversationSummary {
	merged := existing.clone()
	if incoming.DisplayName != "" {
		merged.DisplayName = incoming.DisplayName
	}
	if incoming.Members != nil {
		merged.Members = append([]string(nil), incoming.Members...)
	}
	if incoming.LastActivityAt.After(existing.LastActivityAt) {
		merged.LastActivityAt = incoming.LastActivityAt
		merged.LastMessagePreview = incoming.LastMessagePreview
	} else if incoming.LastActivityAt.Equal(existing.LastActivityAt) && incoming.LastMessagePreview != "" {
		merged.LastMessagePreview = incoming.LastMessagePreview
	}
	merged.UnreadCount = incoming.UnreadCount
	return merged
}

func sanitizeSummary(s ConversationSummary) ConversationSummary {
	if s.UnreadCount < 0 {
		s.UnreadCount = 0
	}
	return s
}

func summariesEqual(a, b ConversationSummary) bool {
	if a.ID != b.ID || a.DisplayName != b.DisplayName || a.LastMessagePreview != b.LastMessagePreview ||
		!a.LastActivityAt.Equal(b.LastActivityAt) || a.UnreadCount != b.UnreadCount || len(a.Members) != len(b.Members) {
		return false
	}
	for i := range a.Members {
		if a.Members[i] != b.Members[i] {
			return false
		}
	}
	return true
}

func cloneSummaries(in []ConversationSummary) []ConversationSummary {
	out := make([]ConversationSummary, len(in))
	for i, s := range in {
		out[i] = s.clone()
	}
	return out
}
