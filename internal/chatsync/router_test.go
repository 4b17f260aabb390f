package chatsync

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type staticSessions struct {
	session *ConversationSession
}

func (s *staticSessions) ActiveSession() *ConversationSession { return s.session }

type routerHarness struct {
	router        *LiveEventRouter
	session       *ConversationSession
	sessions      *staticSessions
	conversations *ConversationListReconciler
	gaps          int
	logs          *observer.ObservedLogs
}

func newRouterHarness(t *testing.T, conversationID string) *routerHarness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	h := &routerHarness{
		session:       NewConversationSession(conversationID, nil),
		conversations: NewConversationListReconciler(),
		logs:          logs,
	}
	h.sessions = &staticSessions{session: h.session}
	receipts, err := NewReadReceiptPropagator("u1", newFakeREST(), h.conversations, logger)
	if err != nil {
		t.Fatalf("new propagator failed: %v", err)
	}
	h.router, err = NewLiveEventRouter(RouterOptions{
		Sessions:      h.sessions,
		Conversations: h.conversations,
		Receipts:      receipts,
		OnGap:         func(*ConversationSession) { h.gaps++ },
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("new router failed: %v", err)
	}
	return h
}

func TestRouterAppliesAndDedupesMessages(t *testing.T) {
	h := newRouterHarness(t, "c1")
	msg := confirmed("c1", 1, "hi")
	if got := h.router.Route(NewMessageEvent{Message: msg}); got != RouteApplied {
		t.Fatalf("expected applied, got %s", got)
	}
	if got := h.router.Route(NewMessageEvent{Message: msg}); got != RouteDuplicate {
		t.Fatalf("expected duplicate, got %s", got)
	}
	if h.session.Timeline().Len() != 1 {
		t.Fatalf("expected one message, got %d", h.session.Timeline().Len())
	}
}

func TestRouterSuppressesSelfEcho(t *testing.T) {
	h := newRouterHarness(t, "c1")
	id := h.session.Echoes().BeginSend("c1", "mine", "u1", "")
	echo := Message{ID: "m1", CorrelationID: id, ConversationID: "c1", SenderID: "u1", Content: "mine", SequenceNumber: 1}

	if got := h.router.Route(NewMessageEvent{Message: echo}); got != RouteApplied {
		t.Fatalf("expected echo to reconcile, got %s", got)
	}
	if got := h.router.Route(NewMessageEvent{Message: echo}); got != RouteDuplicate {
		t.Fatalf("expected repeated echo to be a duplicate, got %s", got)
	}
	msgs := h.session.Timeline().Messages()
	if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].DeliveryState != DeliverySent {
		t.Fatalf("expected exactly one confirmed copy, got %+v", msgs)
	}
	if h.session.Echoes().Pending(id) {
		t.Fatalf("expected echo to settle the send")
	}
}

func TestRouterReportsGap(t *testing.T) {
	h := newRouterHarness(t, "c1")
	h.router.Route(NewMessageEvent{Message: confirmed("c1", 1, "a")})
	if got := h.router.Route(NewMessageEvent{Message: confirmed("c1", 3, "c")}); got != RouteGapDetected {
		t.Fatalf("expected gap, got %s", got)
	}
	if h.gaps != 1 {
		t.Fatalf("expected one gap callback, got %d", h.gaps)
	}
	if got := h.router.Route(NewMessageEvent{Message: confirmed("c1", 2, "b")}); got != RouteApplied {
		t.Fatalf("expected hole fill to apply, got %s", got)
	}
	if h.session.Cursor().Value() != 3 {
		t.Fatalf("expected cursor at 3, got %d", h.session.Cursor().Value())
	}
	if h.logs.FilterMessage("sequence gap detected").Len() != 1 {
		t.Fatalf("expected gap to be logged once")
	}
}

func TestRouterOtherConversationOnlyTouchesList(t *testing.T) {
	h := newRouterHarness(t, "c1")
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.conversations.MergeSnapshot([]ConversationSummary{{ID: "c2", UnreadCount: 1, LastActivityAt: at}})

	msg := confirmed("c2", 8, "elsewhere")
	if got := h.router.Route(NewMessageEvent{Message: msg}); got != RouteIgnored {
		t.Fatalf("expected ignored for inactive conversation, got %s", got)
	}
	if h.session.Timeline().Len() != 0 {
		t.Fatalf("expected active timeline untouched")
	}
	got, _ := h.conversations.Get("c2")
	if got.LastMessagePreview != "elsewhere" || got.UnreadCount != 1 {
		t.Fatalf("expected preview update only, got %+v", got)
	}
}

func TestRouterReadReceipts(t *testing.T) {
	h := newRouterHarness(t, "c1")
	h.router.Route(NewMessageEvent{Message: confirmed("c1", 1, "a")})

	if got := h.router.Route(ReadReceiptEvent{Receipt: ReadReceipt{ConversationID: "c2", ReaderID: "u3", UpToSequence: 1}}); got != RouteIgnored {
		t.Fatalf("expected receipt for other conversation to be ignored, got %s", got)
	}
	receipt := ReadReceiptEvent{Receipt: ReadReceipt{ConversationID: "c1", ReaderID: "u3", UpToSequence: 1}}
	if got := h.router.Route(receipt); got != RouteApplied {
		t.Fatalf("expected receipt to apply, got %s", got)
	}
	if got := h.router.Route(receipt); got != RouteDuplicate {
		t.Fatalf("expected repeated receipt to be a duplicate, got %s", got)
	}
	if !h.session.Timeline().Messages()[0].HasReader("u3") {
		t.Fatalf("expected u3 in readBy")
	}
}

func TestRouterSummaryPresenceAndUnknown(t *testing.T) {
	h := newRouterHarness(t, "c1")
	s := ConversationSummary{ID: "c5", UnreadCount: 4}
	if got := h.router.Route(SummaryChangedEvent{Delta: SummaryDelta{ConversationID: "c5", Summary: &s}}); got != RouteApplied {
		t.Fatalf("expected summary to apply, got %s", got)
	}
	online := Presence{UserID: "u2", Online: true, LastSeenAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	if got := h.router.Route(PresenceChangedEvent{Presence: online}); got != RouteApplied {
		t.Fatalf("expected presence to apply, got %s", got)
	}
	if got := h.router.Route(PresenceChangedEvent{Presence: online}); got != RouteDuplicate {
		t.Fatalf("expected repeated presence to be a duplicate, got %s", got)
	}
	if got := h.router.Route(UnknownEvent{RawType: "typing", ConversationID: "c1"}); got != RouteUnknown {
		t.Fatalf("expected unknown, got %s", got)
	}
	entries := h.logs.FilterMessage("ignoring unknown event").All()
	if len(entries) != 1 || entries[0].ContextMap()["type"] != "typing" {
		t.Fatalf("expected unknown event to be logged with its type, got %+v", entries)
	}
}

func TestRouterWithoutActiveSession(t *testing.T) {
	h := newRouterHarness(t, "c1")
	h.sessions.session = nil
	if got := h.router.Route(NewMessageEvent{Message: confirmed("c1", 1, "a")}); got != RouteIgnored {
		t.Fatalf("expected ignored without active session, got %s", got)
	}
	optimistic := Message{ConversationID: "c1", SequenceNumber: UnassignedSequence}
	if got := h.router.Route(NewMessageEvent{Message: optimistic}); got != RouteIgnored {
		t.Fatalf("expected unsequenced message to be ignored, got %s", got)
	}
}
