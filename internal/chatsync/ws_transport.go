package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	FrameSend      = "send"
	FrameSendAck   = "send-ack"
	FrameSendError = "send-error"
)

// MessageSender posts a message without the push channel.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID string, kind MessageKind, content string, correlationID CorrelationID) (Message, error)
}

type WebSocketOptions struct {
	URL   string
	Token string
	// Fallback, when set, carries sends while the socket is down.
	Fallback   MessageSender
	HTTPClient *http.Client
	Logger     *zap.Logger
	ReadLimit  int64
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// WebSocketTransport is the push channel over a websocket. Sends travel as
// frames answered by an ack carrying the same correlation id.
type WebSocketTransport struct {
	url        string
	token      string
	fallback   MessageSender
	httpClient *http.Client
	logger     *zap.Logger
	readLimit  int64
	backoff    backoff
	rng        *rand.Rand

	mu        sync.Mutex
	conn      *websocket.Conn
	onMessage func(Event)
	onState   func(ConnectionState)
	pending   map[CorrelationID]chan sendResult
}

type sendResult struct {
	msg Message
	err error
}

type SendAck struct {
	CorrelationID CorrelationID `json:"correlationId"`
	Message       Message       `json:"message"`
}

type SendRejection struct {
	CorrelationID CorrelationID `json:"correlationId"`
	Code          string        `json:"code"`
	Reason        string        `json:"reason"`
}

func NewWebSocketTransport(opts WebSocketOptions) (*WebSocketTransport, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("stream url is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = 1 << 20
	}
	minBackoff := opts.MinBackoff
	if minBackoff <= 0 {
		minBackoff = 500 * time.Millisecond
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	return &WebSocketTransport{
		url:        url,
		token:      strings.TrimSpace(opts.Token),
		fallback:   opts.Fallback,
		httpClient: opts.HTTPClient,
		logger:     logger,
		readLimit:  readLimit,
		backoff:    backoff{base: minBackoff, max: maxBackoff},
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		pending:    map[CorrelationID]chan sendResult{},
	}, nil
}

func (t *WebSocketTransport) OnMessage(handler func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = handler
}

func (t *WebSocketTransport) OnConnectionStateChange(handler func(ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = handler
}

func (t *WebSocketTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Run keeps the socket connected until ctx is done, reconnecting with
// jittered exponential backoff.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	attempt := 0
	for {
		t.setState(Connecting)
		header := http.Header{}
		if t.token != "" {
			header.Set("Authorization", "Bearer "+t.token)
		}
		conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
			HTTPClient: t.httpClient,
			HTTPHeader: header,
		})
		if err == nil {
			attempt = 0
			conn.SetReadLimit(t.readLimit)
			t.attach(conn)
			t.setState(Connected)
			t.logger.Info("stream connected", zap.String("url", t.url))
			err = t.readLoop(ctx, conn)
			t.detach(conn)
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "client shutting down")
			} else {
				_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
			}
		}
		t.setState(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		delay := t.reconnectDelay(attempt)
		t.logger.Warn("stream disconnected",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay))
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
}

func (t *WebSocketTransport) Send(ctx context.Context, conversationID string, kind MessageKind, content string, correlationID CorrelationID) (Message, error) {
	ch := make(chan sendResult, 1)
	t.mu.Lock()
	conn := t.conn
	if conn != nil {
		t.pending[correlationID] = ch
	}
	t.mu.Unlock()
	if conn == nil {
		if t.fallback != nil {
			return t.fallback.SendMessage(ctx, conversationID, kind, content, correlationID)
		}
		return Message{}, transient("send", ErrNotConnected)
	}
	defer t.forget(correlationID, ch)

	payload, err := json.Marshal(SendRequest{Kind: kind, Content: content, CorrelationID: correlationID})
	if err != nil {
		return Message{}, errors.Wrap(err, "encode send frame")
	}
	frame, err := json.Marshal(Envelope{Type: FrameSend, ConversationID: conversationID, Payload: payload})
	if err != nil {
		return Message{}, errors.Wrap(err, "encode send frame")
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return Message{}, transient("send", err)
	}
	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		return Message{}, transient("send", ctx.Err())
	}
}

func (t *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		t.handleFrame(data)
	}
}

func (t *WebSocketTransport) handleFrame(data []byte) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		t.logger.Warn("discarding malformed frame", zap.Error(err))
		return
	}
	switch env.Type {
	case FrameSendAck:
		var ack SendAck
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			t.logger.Warn("discarding malformed send ack", zap.Error(err))
			return
		}
		t.resolve(ack.CorrelationID, sendResult{msg: normalizeServerMessage(ack.Message)})
	case FrameSendError:
		var rejection SendRejection
		if err := json.Unmarshal(env.Payload, &rejection); err != nil {
			t.logger.Warn("discarding malformed send error", zap.Error(err))
			return
		}
		t.resolve(rejection.CorrelationID, sendResult{
			err: errors.Wrapf(ErrSendRejected, "%s: %s", rejection.Code, rejection.Reason),
		})
	default:
		ev, err := EventFromEnvelope(env)
		if err != nil {
			t.logger.Warn("discarding malformed event", zap.String("type", env.Type), zap.Error(err))
			return
		}
		t.mu.Lock()
		handler := t.onMessage
		t.mu.Unlock()
		if handler != nil {
			handler(ev)
		}
	}
}

func (t *WebSocketTransport) resolve(id CorrelationID, res sendResult) {
	t.mu.Lock()
	ch, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if !ok {
		return
	}
	ch <- res
}

func (t *WebSocketTransport) forget(id CorrelationID, ch chan sendResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[id] == ch {
		delete(t.pending, id)
	}
}

func (t *WebSocketTransport) attach(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = conn
}

// detach drops the connection and fails every send still waiting on it.
func (t *WebSocketTransport) detach(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	pending := t.pending
	t.pending = map[CorrelationID]chan sendResult{}
	t.mu.Unlock()
	for _, ch := range pending {
		ch <- sendResult{err: transient("send", ErrNotConnected)}
	}
}

func (t *WebSocketTransport) setState(state ConnectionState) {
	t.mu.Lock()
	handler := t.onState
	t.mu.Unlock()
	if handler != nil {
		handler(state)
	}
}

func (t *WebSocketTransport) reconnectDelay(attempt int) time.Duration {
	t.mu.Lock()
	sample := t.rng.Float64()
	t.mu.Unlock()
	return JitteredInterval(t.backoff.delay(attempt, ""), 0.2, sample)
}
