package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentworkforce/relaychat/internal/chatserver"
	"github.com/agentworkforce/relaychat/internal/chatsync"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const streamWriteTimeout = 10 * time.Second

// handleStream upgrades to a websocket that carries the caller's push events
// and accepts send frames, each answered by a send-ack or send-error frame.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.StreamOriginPatterns})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("user", claims.Subject), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	events, unsubscribe, summaries := s.store.SubscribeWithSummaries(claims.Subject)
	defer unsubscribe()
	s.store.Connect(claims.Subject)
	defer s.store.Disconnect(claims.Subject)
	s.logger.Info("stream opened", zap.String("user", claims.Subject), zap.Int("conversations", len(summaries)))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Current counters go out first so a client that missed deltas while
	// disconnected is corrected before live events resume.
	for _, env := range summaries {
		if err := writeFrame(ctx, conn, env); err != nil {
			s.logger.Debug("stream write failed", zap.String("user", claims.Subject), zap.Error(err))
			return
		}
	}
	go func() {
		defer cancel()
		s.readFrames(ctx, conn, claims)
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stream closed", zap.String("user", claims.Subject))
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case env, ok := <-events:
			if !ok {
				// Store shutdown, or this subscriber fell behind and was evicted.
				_ = conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if err := writeFrame(ctx, conn, env); err != nil {
				s.logger.Debug("stream write failed", zap.String("user", claims.Subject), zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) readFrames(ctx context.Context, conn *websocket.Conn, claims Claims) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := chatsync.DecodeEnvelope(data)
		if err != nil || env.Type != chatsync.FrameSend {
			s.logger.Debug("ignoring client frame", zap.String("user", claims.Subject), zap.Error(err))
			continue
		}
		reply := s.handleSendFrame(claims, env)
		if err := writeFrame(ctx, conn, reply); err != nil {
			return
		}
	}
}

func (s *Server) handleSendFrame(claims Claims, env chatsync.Envelope) chatsync.Envelope {
	var req chatsync.SendRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return rejection(env.ConversationID, req.CorrelationID, "bad_request", "invalid send payload")
	}
	if !s.allow(claims.Subject) {
		return rejection(env.ConversationID, req.CorrelationID, "rate_limited", "rate limit exceeded")
	}
	msg, _, err := s.store.PostMessage(chatserver.PostRequest{
		ConversationID: env.ConversationID,
		SenderID:       claims.Subject,
		SenderName:     claims.Name,
		Kind:           req.Kind,
		Content:        req.Content,
		CorrelationID:  req.CorrelationID,
	})
	if err != nil {
		_, code := storeErrorStatus(err)
		return rejection(env.ConversationID, req.CorrelationID, code, err.Error())
	}
	payload, _ := json.Marshal(chatsync.SendAck{CorrelationID: req.CorrelationID, Message: msg})
	return chatsync.Envelope{Type: chatsync.FrameSendAck, ConversationID: env.ConversationID, Payload: payload}
}

func rejection(conversationID string, id chatsync.CorrelationID, code, reason string) chatsync.Envelope {
	payload, _ := json.Marshal(chatsync.SendRejection{CorrelationID: id, Code: code, Reason: reason})
	return chatsync.Envelope{Type: chatsync.FrameSendError, ConversationID: conversationID, Payload: payload}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, env chatsync.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
