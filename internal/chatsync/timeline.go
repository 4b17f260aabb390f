package chatsync

import (
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Observer receives a snapshot of the timeline after every change. The slice
// is shared between observers and must not be modified.
type Observer func([]Message)

// MessageTimeline is the ordered, deduplicated message list of one
// conversation. Confirmed messages are ordered by sequence number. An
// optimistic message is anchored at the highest confirmed sequence present when
// it was inserted and stays after that anchor, in insertion order, until it is
// reconciled.
type MessageTimeline struct {
	mu             sync.Mutex
	conversationID string
	entries        []timelineEntry
	nextOrder      uint64
	observers      map[uint64]Observer
	nextObserver   uint64
}

type timelineEntry struct {
	msg    Message
	anchor int64
	order  uint64
}

func NewMessageTimeline(conversationID string) *MessageTimeline {
	return &MessageTimeline{
		conversationID: strings.TrimSpace(conversationID),
		observers:      map[uint64]Observer{},
	}
}

func (t *MessageTimeline) ConversationID() string {
	return t.conversationID
}

func (t *MessageTimeline) Subscribe(fn Observer) func() {
	if fn == nil {
		return func() {}
	}
	t.mu.Lock()
	id := t.nextObserver
	t.nextObserver++
	t.observers[id] = fn
	t.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.observers, id)
			t.mu.Unlock()
		})
	}
}

func (t *MessageTimeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *MessageTimeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *MessageTimeline) MaxConfirmedSequence() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxConfirmedLocked()
}

func (t *MessageTimeline) ConfirmedSequences() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, 0, len(t.entries))
	for _, e := range t.entries {
		if !e.msg.Optimistic() {
			out = append(out, e.msg.SequenceNumber)
		}
	}
	return out
}

func (t *MessageTimeline) FindByCorrelation(id CorrelationID) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.indexByCorrelationLocked(id); i >= 0 {
		return t.entries[i].msg.clone(), true
	}
	return Message{}, false
}

// Append inserts msg in order. A confirmed message whose sequence number is
// already present is dropped; one carrying the correlation id of a local
// optimistic entry reconciles that entry instead of adding a second copy.
func (t *MessageTimeline) Append(msg Message) bool {
	return t.mutate(func() bool { return t.appendLocked(msg) })
}

// Replace swaps in a new confirmed message set. Confirmed messages are
// deduplicated by sequence number, first copy wins. Optimistic entries already
// in the timeline or in all are kept unless an authoritative copy with the
// same correlation id is present.
func (t *MessageTimeline) Replace(all []Message) bool {
	return t.mutate(func() bool { return t.replaceLocked(all) })
}

// Merge folds incoming into the current contents in one step, keeping the
// existing copy of any sequence number already present.
func (t *MessageTimeline) Merge(incoming []Message) bool {
	return t.mutate(func() bool {
		if len(incoming) == 0 {
			return false
		}
		return t.replaceLocked(MergeBySequence(t.snapshotLocked(), incoming))
	})
}

// Install merges an authoritative history in one step and moves unconfirmed
// entries after its newest message, so a send made while the history was in
// flight stays at the bottom.
func (t *MessageTimeline) Install(history []Message) bool {
	return t.mutate(func() bool {
		before := t.snapshotLocked()
		t.replaceLocked(MergeBySequence(before, history))
		maxConfirmed := t.maxConfirmedLocked()
		for i := range t.entries {
			if t.entries[i].msg.Optimistic() && t.entries[i].anchor < maxConfirmed {
				t.entries[i].anchor = maxConfirmed
			}
		}
		t.sortLocked()
		return !reflect.DeepEqual(before, t.snapshotLocked())
	})
}

// ReconcileOptimistic applies the server-assigned identity in patch to the
// optimistic entry carrying id, falling back to an entry whose id is the temp
// id. Reconciling an entry that is already confirmed is a no-op.
func (t *MessageTimeline) ReconcileOptimistic(id CorrelationID, patch Message) bool {
	return t.mutate(func() bool { return t.reconcileLocked(id, patch) })
}

func (t *MessageTimeline) MarkFailed(id CorrelationID) bool {
	return t.setOptimisticState(id, DeliverySending, DeliveryFailed)
}

func (t *MessageTimeline) MarkSending(id CorrelationID) bool {
	return t.setOptimisticState(id, DeliveryFailed, DeliverySending)
}

// ApplyReadReceipt adds the reader to the readBy set of every targeted
// message. Messages written by the reader are not marked.
func (t *MessageTimeline) ApplyReadReceipt(receipt ReadReceipt) bool {
	reader := strings.TrimSpace(receipt.ReaderID)
	if reader == "" {
		return false
	}
	ids := make(map[string]struct{}, len(receipt.MessageIDs))
	for _, id := range receipt.MessageIDs {
		ids[id] = struct{}{}
	}
	return t.mutate(func() bool {
		changed := false
		for i := range t.entries {
			msg := &t.entries[i].msg
			if msg.SenderID == reader {
				continue
			}
			_, listed := ids[msg.ID]
			covered := receipt.UpToSequence > 0 && !msg.Optimistic() && msg.SequenceNumber <= receipt.UpToSequence
			if !listed && !covered {
				continue
			}
			var added bool
			msg.ReadBy, added = addReader(msg.ReadBy, reader)
			changed = changed || added
		}
		return changed
	})
}

func (t *MessageTimeline) setOptimisticState(id CorrelationID, from, to DeliveryState) bool {
	return t.mutate(func() bool {
		i := t.indexByCorrelationLocked(id)
		if i < 0 {
			return false
		}
		msg := &t.entries[i].msg
		if !msg.Optimistic() || msg.DeliveryState != from {
			return false
		}
		msg.DeliveryState = to
		return true
	})
}

func (t *MessageTimeline) mutate(fn func() bool) bool {
	t.mu.Lock()
	changed := fn()
	var snapshot []Message
	var observers []Observer
	if changed {
		snapshot = t.snapshotLocked()
		ids := make([]uint64, 0, len(t.observers))
		for id := range t.observers {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			observers = append(observers, t.observers[id])
		}
	}
	t.mu.Unlock()
	for _, fn := range observers {
		fn(snapshot)
	}
	return changed
}

func (t *MessageTimeline) appendLocked(msg Message) bool {
	if !t.belongs(msg) {
		return false
	}
	msg.ConversationID = t.conversationID
	if msg.Optimistic() {
		if msg.CorrelationID.IsZero() || t.indexByCorrelationLocked(msg.CorrelationID) >= 0 {
			return false
		}
		msg.SequenceNumber = UnassignedSequence
		t.insertLocked(msg.clone(), t.maxConfirmedLocked())
		return true
	}
	if t.indexBySequenceLocked(msg.SequenceNumber) >= 0 {
		return false
	}
	if !msg.CorrelationID.IsZero() {
		if i := t.indexByCorrelationLocked(msg.CorrelationID); i >= 0 {
			return t.reconcileLocked(msg.CorrelationID, msg)
		}
	}
	if msg.ID != "" && t.indexByIDLocked(msg.ID) >= 0 {
		return false
	}
	t.insertLocked(normalizeServerMessage(msg.clone()), msg.SequenceNumber)
	return true
}

func (t *MessageTimeline) replaceLocked(all []Message) bool {
	before := t.snapshotLocked()

	next := make([]timelineEntry, 0, len(all)+len(t.entries))
	seqs := map[int64]struct{}{}
	ids := map[string]struct{}{}
	confirmedCorrelations := map[CorrelationID]struct{}{}
	for _, msg := range all {
		if msg.Optimistic() || !t.belongs(msg) {
			continue
		}
		if _, dup := seqs[msg.SequenceNumber]; dup {
			continue
		}
		if msg.ID != "" {
			if _, dup := ids[msg.ID]; dup {
				continue
			}
			ids[msg.ID] = struct{}{}
		}
		seqs[msg.SequenceNumber] = struct{}{}
		if !msg.CorrelationID.IsZero() {
			confirmedCorrelations[msg.CorrelationID] = struct{}{}
		}
		msg.ConversationID = t.conversationID
		next = append(next, timelineEntry{msg: normalizeServerMessage(msg.clone()), anchor: msg.SequenceNumber})
	}

	var maxConfirmed int64
	for seq := range seqs {
		if seq > maxConfirmed {
			maxConfirmed = seq
		}
	}

	kept := map[CorrelationID]struct{}{}
	for _, e := range t.entries {
		if !e.msg.Optimistic() {
			continue
		}
		if _, confirmed := confirmedCorrelations[e.msg.CorrelationID]; confirmed {
			continue
		}
		kept[e.msg.CorrelationID] = struct{}{}
		next = append(next, e)
	}
	for _, msg := range all {
		if !msg.Optimistic() || msg.CorrelationID.IsZero() || !t.belongs(msg) {
			continue
		}
		if _, ok := kept[msg.CorrelationID]; ok {
			continue
		}
		if _, confirmed := confirmedCorrelations[msg.CorrelationID]; confirmed {
			continue
		}
		kept[msg.CorrelationID] = struct{}{}
		msg.ConversationID = t.conversationID
		next = append(next, timelineEntry{msg: msg.clone(), anchor: maxConfirmed, order: t.takeOrder()})
	}

	for i := range next {
		if !next[i].msg.Optimistic() {
			next[i].order = t.takeOrder()
		}
	}
	t.entries = next
	t.sortLocked()
	return !reflect.DeepEqual(before, t.snapshotLocked())
}

func (t *MessageTimeline) reconcileLocked(id CorrelationID, patch Message) bool {
	if id.IsZero() || patch.SequenceNumber < 0 {
		return false
	}
	i := t.indexByCorrelationLocked(id)
	if i < 0 {
		i = t.indexByIDLocked(id.String())
	}
	if i < 0 {
		return false
	}
	entry := t.entries[i]
	if !entry.msg.Optimistic() {
		return false
	}
	if dup := t.indexBySequenceLocked(patch.SequenceNumber); dup >= 0 {
		// The canonical copy got here first; fold the local entry into it.
		existing := &t.entries[dup].msg
		if existing.CorrelationID.IsZero() {
			existing.CorrelationID = id
		}
		existing.DeliveryState = DeliverySent
		existing.ReadBy = unionReaders(existing.ReadBy, entry.msg.ReadBy)
		t.entries = append(t.entries[:i], t.entries[i+1:]...)
		return true
	}

	merged := entry.msg
	merged.CorrelationID = id
	merged.SequenceNumber = patch.SequenceNumber
	merged.DeliveryState = DeliverySent
	if patch.ID != "" {
		merged.ID = patch.ID
	}
	if !patch.Timestamp.IsZero() {
		merged.Timestamp = patch.Timestamp
	}
	if patch.Content != "" {
		merged.Content = patch.Content
	}
	if patch.Kind != "" {
		merged.Kind = patch.Kind
	}
	if patch.SenderDisplayName != "" {
		merged.SenderDisplayName = patch.SenderDisplayName
	}
	merged.ReadBy = unionReaders(merged.ReadBy, patch.ReadBy)
	entry.msg = merged
	entry.anchor = patch.SequenceNumber
	t.entries[i] = entry
	t.sortLocked()
	return true
}

func (t *MessageTimeline) belongs(msg Message) bool {
	return msg.ConversationID == "" || msg.ConversationID == t.conversationID
}

func (t *MessageTimeline) insertLocked(msg Message, anchor int64) {
	t.entries = append(t.entries, timelineEntry{msg: msg, anchor: anchor, order: t.takeOrder()})
	t.sortLocked()
}

func (t *MessageTimeline) takeOrder() uint64 {
	t.nextOrder++
	return t.nextOrder
}

func (t *MessageTimeline) sortLocked() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		a, b := t.entries[i], t.entries[j]
		if a.anchor != b.anchor {
			return a.anchor < b.anchor
		}
		ao, bo := a.msg.Optimistic(), b.msg.Optimistic()
		if ao != bo {
			return !ao
		}
		return a.order < b.order
	})
}

func (t *MessageTimeline) snapshotLocked() []Message {
	out := make([]Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.msg.clone()
	}
	return out
}

func (t *MessageTimeline) maxConfirmedLocked() int64 {
	var max int64
	for _, e := range t.entries {
		if e.msg.SequenceNumber > max {
			max = e.msg.SequenceNumber
		}
	}
	return max
}

func (t *MessageTimeline) indexBySequenceLocked(seq int64) int {
	if seq < 0 {
		return -1
	}
	for i, e := range t.entries {
		if e.msg.SequenceNumber == seq {
			return i
		}
	}
	return -1
}

func (t *MessageTimeline) indexByCorrelationLocked(id CorrelationID) int {
	if id.IsZero() {
		return -1
	}
	for i, e := range t.entries {
		if e.msg.CorrelationID == id {
			return i
		}
	}
	return -1
}

func (t *MessageTimeline) indexByIDLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, e := range t.entries {
		if e.msg.ID == id {
			return i
		}
	}
	return -1
}
