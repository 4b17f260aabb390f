package chatsync

import (
	"fmt"

	"go.uber.org/zap"
)

type RouteOutcome int

const (
	RouteApplied RouteOutcome = iota
	RouteDuplicate
	RouteGapDetected
	RouteIgnored
	RouteUnknown
)

func (o RouteOutcome) String() string {
	switch o {
	case RouteApplied:
		return "applied"
	case RouteDuplicate:
		return "duplicate"
	case RouteGapDetected:
		return "gap"
	case RouteIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// SessionProvider exposes the conversation currently being viewed, if any.
type SessionProvider interface {
	ActiveSession() *ConversationSession
}

type RouterOptions struct {
	Sessions      SessionProvider
	Conversations *ConversationListReconciler
	Receipts      *ReadReceiptPropagator
	Presence      *PresenceTracker
	// OnGap is called when a message arrives past a hole in the active
	// conversation's sequence.
	OnGap  func(*ConversationSession)
	Logger *zap.Logger
}

// LiveEventRouter demultiplexes push events in arrival order.
type LiveEventRouter struct {
	sessions      SessionProvider
	conversations *ConversationListReconciler
	receipts      *ReadReceiptPropagator
	presence      *PresenceTracker
	onGap         func(*ConversationSession)
	logger        *zap.Logger
}

func NewLiveEventRouter(opts RouterOptions) (*LiveEventRouter, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("session provider is required")
	}
	if opts.Conversations == nil {
		return nil, fmt.Errorf("conversation reconciler is required")
	}
	if opts.Receipts == nil {
		return nil, fmt.Errorf("read receipt propagator is required")
	}
	if opts.Presence == nil {
		opts.Presence = NewPresenceTracker()
	}
	if opts.OnGap == nil {
		opts.OnGap = func(*ConversationSession) {}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &LiveEventRouter{
		sessions:      opts.Sessions,
		conversations: opts.Conversations,
		receipts:      opts.Receipts,
		presence:      opts.Presence,
		onGap:         opts.OnGap,
		logger:        opts.Logger,
	}, nil
}

func (r *LiveEventRouter) Route(event Event) RouteOutcome {
	switch ev := event.(type) {
	case NewMessageEvent:
		return r.routeNewMessage(ev.Message)
	case ReadReceiptEvent:
		return r.routeReadReceipt(ev.Receipt)
	case SummaryChangedEvent:
		if r.conversations.ApplyDelta(ev.Delta) {
			return RouteApplied
		}
		return RouteDuplicate
	case PresenceChangedEvent:
		if r.presence.Apply(ev.Presence) {
			return RouteApplied
		}
		return RouteDuplicate
	case UnknownEvent:
		r.logger.Info("ignoring unknown event",
			zap.String("type", ev.RawType),
			zap.String("conversation", ev.ConversationID))
		return RouteUnknown
	default:
		r.logger.Warn("ignoring unhandled event", zap.String("type", fmt.Sprintf("%T", event)))
		return RouteUnknown
	}
}

func (r *LiveEventRouter) routeNewMessage(msg Message) RouteOutcome {
	if msg.Optimistic() {
		r.logger.Warn("discarding new-message without sequence number",
			zap.String("conversation", msg.ConversationID),
			zap.String("message", msg.ID))
		return RouteIgnored
	}
	r.conversations.NotePreview(msg.ConversationID, Preview(msg), msg.Timestamp)

	session := r.sessions.ActiveSession()
	if session == nil || session.ConversationID() != msg.ConversationID {
		return RouteIgnored
	}
	applied := false
	if !msg.CorrelationID.IsZero() && session.Echoes().Owns(msg.CorrelationID) {
		applied = session.Echoes().Confirm(msg.CorrelationID, msg)
	}
	if !applied {
		applied = session.Timeline().Append(msg)
	}
	result := session.Cursor().Observe(msg.SequenceNumber)
	if !applied {
		r.logger.Debug("dropping duplicate message",
			zap.String("conversation", msg.ConversationID),
			zap.Int64("sequence", msg.SequenceNumber))
		return RouteDuplicate
	}
	if result == CursorGap {
		r.logger.Info("sequence gap detected",
			zap.String("conversation", msg.ConversationID),
			zap.Int64("sequence", msg.SequenceNumber),
			zap.Int64("cursor", session.Cursor().Value()))
		r.onGap(session)
		return RouteGapDetected
	}
	return RouteApplied
}

func (r *LiveEventRouter) routeReadReceipt(receipt ReadReceipt) RouteOutcome {
	session := r.sessions.ActiveSession()
	if session == nil || session.ConversationID() != receipt.ConversationID {
		return RouteIgnored
	}
	if r.receipts.ApplyRemote(receipt, session.Timeline()) {
		return RouteApplied
	}
	return RouteDuplicate
}
