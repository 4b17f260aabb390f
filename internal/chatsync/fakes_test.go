package chatsync

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

type fakeREST struct {
	mu            sync.Mutex
	history       map[string][]Message
	conversations []ConversationSummary
	syncErr       error
	historyErr    error
	markReadErr   error
	syncCalls     []int64
	markReadCalls []string
	listCalls     int
	syncGate      chan struct{}
}

func newFakeREST() *fakeREST {
	return &fakeREST{history: map[string][]Message{}}
}

func (f *fakeREST) add(msgs ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.history[m.ConversationID] = append(f.history[m.ConversationID], m)
	}
}

func (f *fakeREST) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]Message(nil), f.history[conversationID]...), nil
}

func (f *fakeREST) SyncMessages(ctx context.Context, conversationID string, fromSequence int64) ([]Message, error) {
	f.mu.Lock()
	gate := f.syncGate
	f.syncCalls = append(f.syncCalls, fromSequence)
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	var out []Message
	for _, m := range f.history[conversationID] {
		if m.SequenceNumber > fromSequence {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (f *fakeREST) GetConversations(ctx context.Context) ([]ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return append([]ConversationSummary(nil), f.conversations...), nil
}

func (f *fakeREST) MarkRead(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls = append(f.markReadCalls, conversationID)
	return f.markReadErr
}

func (f *fakeREST) listCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeREST) syncCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.syncCalls)
}

type fakeTransport struct {
	mu        sync.Mutex
	onMessage func(Event)
	onState   func(ConnectionState)
	nextSeq   map[string]int64
	sendErr   error
	sent      []CorrelationID
	gate      chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{nextSeq: map[string]int64{}}
}

func (f *fakeTransport) OnMessage(handler func(Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = handler
}

func (f *fakeTransport) OnConnectionStateChange(handler func(ConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = handler
}

func (f *fakeTransport) Send(ctx context.Context, conversationID string, kind MessageKind, content string, correlationID CorrelationID) (Message, error) {
	f.mu.Lock()
	gate := f.gate
	f.sent = append(f.sent, correlationID)
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return Message{}, f.sendErr
	}
	f.nextSeq[conversationID]++
	seq := f.nextSeq[conversationID]
	return Message{
		ID:             "srv_" + correlationID.String(),
		CorrelationID:  correlationID,
		ConversationID: conversationID,
		Content:        content,
		Kind:           kind,
		SequenceNumber: seq,
		Timestamp:      time.Date(2024, 1, 1, 0, 0, int(seq), 0, time.UTC),
	}, nil
}

func (f *fakeTransport) push(ev Event) {
	f.mu.Lock()
	handler := f.onMessage
	f.mu.Unlock()
	handler(ev)
}

func (f *fakeTransport) setState(state ConnectionState) {
	f.mu.Lock()
	handler := f.onState
	f.mu.Unlock()
	handler(state)
}

func confirmed(conversationID string, seq int64, content string) Message {
	return Message{
		ID:             "m" + strconv.FormatInt(seq, 10),
		ConversationID: conversationID,
		SenderID:       "u2",
		Content:        content,
		Kind:           KindText,
		SequenceNumber: seq,
		Timestamp:      time.Date(2024, 1, 1, 0, 0, int(seq), 0, time.UTC),
	}
}

func sequences(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.SequenceNumber
	}
	return out
}

func equalSeqs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
