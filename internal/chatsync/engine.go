package chatsync

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Transport is the push channel. Events are delivered at least once and may
// be reordered within a conversation.
type Transport interface {
	OnMessage(handler func(Event))
	OnConnectionStateChange(handler func(ConnectionState))
	Send(ctx context.Context, conversationID string, kind MessageKind, content string, correlationID CorrelationID) (Message, error)
}

type EngineOptions struct {
	ViewerID    string
	ViewerName  string
	REST        RESTClient
	Transport   Transport
	Logger      *zap.Logger
	SendTimeout time.Duration
	Now         func() time.Time
}

// Engine ties the sync components to one viewer. The UI reads timelines and
// the conversation list through snapshots and observers, and sends through
// SendMessage.
type Engine struct {
	viewerID    string
	viewerName  string
	rest        RESTClient
	transport   Transport
	logger      *zap.Logger
	sendTimeout time.Duration
	now         func() time.Time

	conversations *ConversationListReconciler
	presence      *PresenceTracker
	receipts      *ReadReceiptPropagator
	synchronizer  *GapRecoverySynchronizer
	router        *LiveEventRouter

	mu     sync.Mutex
	active *ConversationSession
	state  ConnectionState
	closed bool

	refreshInterval atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	viewerID := strings.TrimSpace(opts.ViewerID)
	if viewerID == "" {
		return nil, fmt.Errorf("viewer id is required")
	}
	if opts.REST == nil {
		return nil, fmt.Errorf("rest client is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 15 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	conversations := NewConversationListReconciler()
	receipts, err := NewReadReceiptPropagator(viewerID, opts.REST, conversations, logger)
	if err != nil {
		return nil, err
	}
	synchronizer, err := NewGapRecoverySynchronizer(opts.REST, logger)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		viewerID:      viewerID,
		viewerName:    strings.TrimSpace(opts.ViewerName),
		rest:          opts.REST,
		transport:     opts.Transport,
		logger:        logger,
		sendTimeout:   sendTimeout,
		now:           now,
		conversations: conversations,
		presence:      NewPresenceTracker(),
		receipts:      receipts,
		synchronizer:  synchronizer,
		ctx:           ctx,
		cancel:        cancel,
	}
	e.router, err = NewLiveEventRouter(RouterOptions{
		Sessions:      e,
		Conversations: conversations,
		Receipts:      receipts,
		Presence:      e.presence,
		OnGap:         func(s *ConversationSession) { e.scheduleResync(s) },
		Logger:        logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	e.refreshInterval.Store(int64(30 * time.Second))
	opts.Transport.OnMessage(func(ev Event) { e.HandleEvent(ev) })
	opts.Transport.OnConnectionStateChange(e.HandleConnectionState)
	return e, nil
}

func (e *Engine) ViewerID() string { return e.viewerID }

func (e *Engine) ActiveSession() *ConversationSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) ConnectionState() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Conversations() []ConversationSummary {
	return e.conversations.Summaries()
}

func (e *Engine) SubscribeConversations(fn SummariesObserver) func() {
	return e.conversations.Subscribe(fn)
}

func (e *Engine) Presence() *PresenceTracker {
	return e.presence
}

// ActiveTimeline returns a snapshot of the active conversation, or nil.
func (e *Engine) ActiveTimeline() []Message {
	if s := e.ActiveSession(); s != nil {
		return s.Timeline().Messages()
	}
	return nil
}

// EnterConversation disposes the current session, starts a new one and loads
// its history. The returned session is live even if the load fails; the next
// reconnect resync fills it in.
func (e *Engine) EnterConversation(ctx context.Context, conversationID string) (*ConversationSession, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	e.LeaveConversation()
	session := NewConversationSession(conversationID, e.now)
	e.mu.Lock()
	e.active = session
	e.mu.Unlock()
	e.logger.Info("entered conversation", zap.String("conversation", conversationID))

	history, err := e.rest.GetMessages(ctx, conversationID)
	if err != nil {
		e.logger.Warn("initial history load failed",
			zap.String("conversation", conversationID),
			zap.Error(err))
		return session, errors.Wrapf(err, "load history for %s", conversationID)
	}
	if !e.isActive(session) {
		return session, ErrSessionClosed
	}
	session.Load(history)
	e.markActiveRead(session)
	return session, nil
}

func (e *Engine) LeaveConversation() {
	e.mu.Lock()
	previous := e.active
	e.active = nil
	e.mu.Unlock()
	if previous != nil {
		previous.Dispose()
		e.logger.Info("left conversation", zap.String("conversation", previous.ConversationID()))
	}
}

func (e *Engine) SendMessage(content string) (CorrelationID, error) {
	return e.SendKind(KindText, content)
}

// SendKind shows the message immediately and sends it in the background.
func (e *Engine) SendKind(kind MessageKind, content string) (CorrelationID, error) {
	session := e.ActiveSession()
	if session == nil {
		return CorrelationID{}, ErrNoActiveConversation
	}
	id := session.Echoes().BeginSendKind(kind, session.ConversationID(), content, e.viewerID, e.viewerName)
	e.dispatchSend(session, id, kind, content)
	return id, nil
}

func (e *Engine) Retry(id CorrelationID) error {
	session := e.ActiveSession()
	if session == nil {
		return ErrNoActiveConversation
	}
	kind, content, ok := session.Echoes().Retry(id)
	if !ok {
		return errors.Wrapf(ErrNotRetryable, "correlation %s", id)
	}
	e.dispatchSend(session, id, kind, content)
	return nil
}

func (e *Engine) dispatchSend(session *ConversationSession, id CorrelationID, kind MessageKind, content string) {
	e.goAsync(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
		defer cancel()
		msg, err := e.transport.Send(ctx, session.ConversationID(), kind, content, id)
		if err != nil {
			if session.Echoes().Fail(id) {
				e.logger.Warn("send failed",
					zap.String("conversation", session.ConversationID()),
					zap.String("correlation", id.String()),
					zap.Error(err))
			}
			return
		}
		if msg.ConversationID == "" {
			msg.ConversationID = session.ConversationID()
		}
		session.Echoes().Confirm(id, msg)
		e.conversations.NotePreview(msg.ConversationID, Preview(msg), msg.Timestamp)
		if session.Cursor().Observe(msg.SequenceNumber) == CursorGap {
			e.scheduleResync(session)
		}
	})
}

func (e *Engine) RefreshConversations(ctx context.Context) error {
	list, err := e.rest.GetConversations(ctx)
	if err != nil {
		return errors.Wrap(err, "refresh conversations")
	}
	e.conversations.MergeSnapshot(list)
	return nil
}

func (e *Engine) HandleEvent(ev Event) RouteOutcome {
	outcome := e.router.Route(ev)
	if msgEvent, ok := ev.(NewMessageEvent); ok && outcome != RouteDuplicate && outcome != RouteIgnored {
		if session := e.ActiveSession(); session != nil && msgEvent.Message.SenderID != e.viewerID {
			e.markActiveRead(session)
		}
	}
	return outcome
}

func (e *Engine) HandleConnectionState(state ConnectionState) {
	e.mu.Lock()
	previous := e.state
	e.state = state
	session := e.active
	e.mu.Unlock()
	e.logger.Info("connection state changed",
		zap.Stringer("from", previous),
		zap.Stringer("to", state))
	if state != Connected || previous == Connected {
		return
	}
	if session != nil {
		e.scheduleResync(session)
	}
	e.goAsync(func(ctx context.Context) {
		if err := e.RefreshConversations(ctx); err != nil {
			e.logger.Warn("conversation refresh after reconnect failed", zap.Error(err))
		}
	})
}

func (e *Engine) SetRefreshInterval(d time.Duration) {
	if d > 0 {
		e.refreshInterval.Store(int64(d))
	}
}

// RunRefresher refreshes the conversation list on a jittered interval until
// ctx is done.
func (e *Engine) RunRefresher(ctx context.Context, jitterRatio float64) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	next := func() time.Duration {
		return JitteredInterval(time.Duration(e.refreshInterval.Load()), jitterRatio, rng.Float64())
	}
	timer := time.NewTimer(next())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := e.RefreshConversations(ctx); err != nil {
				e.logger.Warn("conversation refresh failed", zap.Error(err))
			}
			timer.Reset(next())
		}
	}
}

// Wait blocks until background sends, resyncs and refreshes have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.LeaveConversation()
	e.wg.Wait()
}

func (e *Engine) scheduleResync(session *ConversationSession) {
	if !session.beginResync() {
		return
	}
	e.goAsync(func(ctx context.Context) {
		for {
			e.resyncOnce(ctx, session)
			if !session.finishResync() {
				return
			}
		}
	})
}

func (e *Engine) resyncOnce(ctx context.Context, session *ConversationSession) {
	before := session.Timeline().Messages()
	from := MaxConfirmedSequence(before)
	if session.Cursor().HasGap() {
		from = session.Cursor().Value()
	}
	merged, err := e.synchronizer.ResyncFrom(ctx, session.ConversationID(), from, before)
	if err != nil {
		e.logger.Info("resync failed, waiting for next reconnect",
			zap.String("conversation", session.ConversationID()),
			zap.Error(err))
		return
	}
	if !e.isActive(session) {
		e.logger.Debug("discarding resync for inactive conversation",
			zap.String("conversation", session.ConversationID()))
		return
	}
	// Pushes may have landed while the fetch was in flight; Backfill merges
	// into the live timeline rather than overwriting it with merged.
	session.Backfill(merged)
	if newest := MaxConfirmedSequence(merged); newest > MaxConfirmedSequence(before) {
		for _, m := range merged {
			if m.SequenceNumber == newest {
				e.conversations.NotePreview(session.ConversationID(), Preview(m), m.Timestamp)
				break
			}
		}
	}
}

func (e *Engine) markActiveRead(session *ConversationSession) {
	e.receipts.MarkLocal(session.ConversationID(), session.Timeline())
	e.goAsync(func(ctx context.Context) {
		_ = e.receipts.Publish(ctx, session.ConversationID())
	})
}

func (e *Engine) isActive(session *ConversationSession) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active == session && !session.Disposed()
}

// goAsync runs fn in the background unless the engine is closed.
func (e *Engine) goAsync(fn func(ctx context.Context)) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}
