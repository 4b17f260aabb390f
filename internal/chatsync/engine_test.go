package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, rest *fakeREST, transport *fakeTransport) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineOptions{
		ViewerID:    "u1",
		ViewerName:  "Ann",
		REST:        rest,
		Transport:   transport,
		SendTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func TestEngineRequiresCollaborators(t *testing.T) {
	if _, err := NewEngine(EngineOptions{REST: newFakeREST(), Transport: newFakeTransport()}); err == nil {
		t.Fatalf("expected missing viewer to fail")
	}
	if _, err := NewEngine(EngineOptions{ViewerID: "u1", Transport: newFakeTransport()}); err == nil {
		t.Fatalf("expected missing rest client to fail")
	}
	if _, err := NewEngine(EngineOptions{ViewerID: "u1", REST: newFakeREST()}); err == nil {
		t.Fatalf("expected missing transport to fail")
	}
}

func TestEngineEnterLoadsHistoryAndMarksRead(t *testing.T) {
	rest := newFakeREST()
	rest.add(confirmed("c1", 1, "a"), confirmed("c1", 2, "b"))
	rest.conversations = []ConversationSummary{{ID: "c1", UnreadCount: 2, LastActivityAt: time.Date(2024, 1, 1, 0, 0, 2, 0, time.UTC)}}
	engine := newTestEngine(t, rest, newFakeTransport())

	if err := engine.RefreshConversations(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	session, err := engine.EnterConversation(context.Background(), "c1")
	if err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	if got := sequences(session.Timeline().Messages()); !equalSeqs(got, []int64{1, 2}) {
		t.Fatalf("expected history [1 2], got %v", got)
	}
	if got, _ := engine.conversations.Get("c1"); got.UnreadCount != 0 {
		t.Fatalf("expected unread zeroed immediately, got %d", got.UnreadCount)
	}
	if !session.Timeline().Messages()[1].HasReader("u1") {
		t.Fatalf("expected viewer recorded as reader")
	}
	engine.Wait()
	rest.mu.Lock()
	calls := append([]string(nil), rest.markReadCalls...)
	rest.mu.Unlock()
	if len(calls) != 1 || calls[0] != "c1" {
		t.Fatalf("expected one mark-read call for c1, got %v", calls)
	}
}

func TestEngineSendConfirms(t *testing.T) {
	rest := newFakeREST()
	transport := newFakeTransport()
	engine := newTestEngine(t, rest, transport)
	if _, err := engine.EnterConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("enter failed: %v", err)
	}

	id, err := engine.SendMessage("ping")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	engine.Wait()
	msgs := engine.ActiveTimeline()
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %+v", msgs)
	}
	if msgs[0].ID != "srv_"+id.String() || msgs[0].SequenceNumber != 1 || msgs[0].DeliveryState != DeliverySent {
		t.Fatalf("unexpected confirmed message %+v", msgs[0])
	}
	if msgs[0].SenderDisplayName != "Ann" {
		t.Fatalf("expected sender display name, got %q", msgs[0].SenderDisplayName)
	}
}

func TestEngineSendWithoutConversation(t *testing.T) {
	engine := newTestEngine(t, newFakeREST(), newFakeTransport())
	if _, err := engine.SendMessage("x"); !errors.Is(err, ErrNoActiveConversation) {
		t.Fatalf("expected ErrNoActiveConversation, got %v", err)
	}
}

func TestEngineSendFailureAndRetry(t *testing.T) {
	transport := newFakeTransport()
	transport.sendErr = transient("send", ErrNotConnected)
	engine := newTestEngine(t, newFakeREST(), transport)
	session, _ := engine.EnterConversation(context.Background(), "c1")

	id, _ := engine.SendMessage("retry me")
	engine.Wait()
	msg, ok := session.Timeline().FindByCorrelation(id)
	if !ok || msg.DeliveryState != DeliveryFailed {
		t.Fatalf("expected failed entry retained, got %+v", msg)
	}
	if err := engine.Retry(NewCorrelationID()); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable for unknown id, got %v", err)
	}

	transport.mu.Lock()
	transport.sendErr = nil
	transport.mu.Unlock()
	if err := engine.Retry(id); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	engine.Wait()
	msgs := session.Timeline().Messages()
	if len(msgs) != 1 || msgs[0].DeliveryState != DeliverySent || msgs[0].Content != "retry me" {
		t.Fatalf("expected single sent message after retry, got %+v", msgs)
	}
}

func TestEnginePushFromOtherUserMarksRead(t *testing.T) {
	rest := newFakeREST()
	transport := newFakeTransport()
	engine := newTestEngine(t, rest, transport)
	engine.EnterConversation(context.Background(), "c1")
	engine.Wait()

	transport.push(NewMessageEvent{Message: confirmed("c1", 1, "hello")})
	engine.Wait()
	msgs := engine.ActiveTimeline()
	if len(msgs) != 1 || !msgs[0].HasReader("u1") {
		t.Fatalf("expected pushed message marked read by viewer, got %+v", msgs)
	}
	rest.mu.Lock()
	calls := len(rest.markReadCalls)
	rest.mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected mark-read on enter and on push, got %d", calls)
	}
}

func TestEngineGapTriggersResyncFromCursor(t *testing.T) {
	rest := newFakeREST()
	for seq := int64(1); seq <= 6; seq++ {
		rest.add(confirmed("c1", seq, "x"))
	}
	transport := newFakeTransport()
	engine := newTestEngine(t, rest, transport)
	session := NewConversationSession("c1", nil)
	engine.mu.Lock()
	engine.active = session
	engine.mu.Unlock()
	session.Load([]Message{confirmed("c1", 1, "x"), confirmed("c1", 2, "x")})

	transport.push(NewMessageEvent{Message: confirmed("c1", 5, "x")})
	waitFor(t, "gap resync", func() bool { return session.Timeline().Len() == 6 })
	engine.Wait()
	if got := sequences(session.Timeline().Messages()); !equalSeqs(got, []int64{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("expected 1..6, got %v", got)
	}
	rest.mu.Lock()
	first := rest.syncCalls[0]
	rest.mu.Unlock()
	if first != 2 {
		t.Fatalf("expected resync from contiguous cursor 2, got %d", first)
	}
	if session.Cursor().HasGap() {
		t.Fatalf("expected cursor gap closed")
	}
}

func TestEngineReconnectResyncsActiveConversation(t *testing.T) {
	rest := newFakeREST()
	rest.add(confirmed("c1", 1, "a"))
	transport := newFakeTransport()
	engine := newTestEngine(t, rest, transport)
	engine.EnterConversation(context.Background(), "c1")
	engine.Wait()

	rest.add(confirmed("c1", 2, "missed"), confirmed("c1", 3, "missed too"))
	transport.setState(Connected)
	engine.Wait()
	if got := sequences(engine.ActiveTimeline()); !equalSeqs(got, []int64{1, 2, 3}) {
		t.Fatalf("expected reconnect to backfill, got %v", got)
	}
	if engine.ConnectionState() != Connected {
		t.Fatalf("expected connected state")
	}

	transport.setState(Connected)
	engine.Wait()
	if n := rest.syncCallCount(); n != 1 {
		t.Fatalf("expected no resync without a state transition, got %d calls", n)
	}
}

func TestEngineSwitchDiscardsStaleResync(t *testing.T) {
	rest := newFakeREST()
	rest.add(confirmed("c1", 1, "a"))
	transport := newFakeTransport()
	engine := newTestEngine(t, rest, transport)
	first, _ := engine.EnterConversation(context.Background(), "c1")
	engine.Wait()

	gate := make(chan struct{})
	rest.mu.Lock()
	rest.syncGate = gate
	rest.mu.Unlock()
	rest.add(confirmed("c1", 2, "late"))
	transport.setState(Connected)
	waitFor(t, "resync to start", func() bool { return rest.syncCallCount() == 1 })

	second, _ := engine.EnterConversation(context.Background(), "c2")
	close(gate)
	engine.Wait()

	if !first.Disposed() {
		t.Fatalf("expected previous session disposed")
	}
	if got := sequences(first.Timeline().Messages()); !equalSeqs(got, []int64{1}) {
		t.Fatalf("expected stale resync discarded, got %v", got)
	}
	if second.Timeline().Len() != 0 {
		t.Fatalf("expected new conversation untouched by stale resync")
	}
}

func TestEngineResyncFailureIsSilent(t *testing.T) {
	rest := newFakeREST()
	rest.add(confirmed("c1", 1, "a"))
	transport := newFakeTransport()
	engine := newTestEngine(t, rest, transport)
	session, _ := engine.EnterConversation(context.Background(), "c1")
	engine.Wait()

	rest.mu.Lock()
	rest.syncErr = transient("sync", errors.New("offline"))
	rest.mu.Unlock()
	transport.setState(Connected)
	engine.Wait()
	if got := sequences(session.Timeline().Messages()); !equalSeqs(got, []int64{1}) {
		t.Fatalf("expected timeline unchanged after failed resync, got %v", got)
	}
}

func TestEngineSchedulesNothingAfterClose(t *testing.T) {
	rest := newFakeREST()
	transport := newFakeTransport()
	engine := newTestEngine(t, rest, transport)
	engine.Close()

	transport.setState(Connected)
	ran := make(chan struct{}, 1)
	engine.goAsync(func(context.Context) { ran <- struct{}{} })
	engine.Wait()

	select {
	case <-ran:
		t.Fatalf("work scheduled after close should not run")
	default:
	}
	if n := rest.listCallCount(); n != 0 {
		t.Fatalf("expected no conversation refresh after close, got %d", n)
	}
}

func TestEngineResyncNotesPreviewOfNewestMessage(t *testing.T) {
	rest := newFakeREST()
	rest.add(confirmed("c1", 1, "a"))
	rest.conversations = []ConversationSummary{{ID: "c1", DisplayName: "Team"}}
	transport := newFakeTransport()
	engine := newTestEngine(t, rest, transport)
	if err := engine.RefreshConversations(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	engine.EnterConversation(context.Background(), "c1")
	engine.Wait()

	rest.add(confirmed("c1", 2, "missed"), confirmed("c1", 3, "newest"))
	transport.setState(Connected)
	engine.Wait()
	if got := sequences(engine.ActiveTimeline()); !equalSeqs(got, []int64{1, 2, 3}) {
		t.Fatalf("expected backfill to [1 2 3], got %v", got)
	}
	summary, ok := engine.conversations.Get("c1")
	if !ok || summary.LastMessagePreview != "newest" {
		t.Fatalf("expected preview of the newest backfilled message, got %+v", summary)
	}
}
