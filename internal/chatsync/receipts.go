package chatsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// ReadReceiptPropagator publishes the viewer's reads and folds remote reads
// into reader sets. Unread counts are only ever changed through the
// conversation list reconciler.
type ReadReceiptPropagator struct {
	viewerID      string
	client        ReadMarker
	conversations *ConversationListReconciler
	logger        *zap.Logger
}

func NewReadReceiptPropagator(viewerID string, client ReadMarker, conversations *ConversationListReconciler, logger *zap.Logger) (*ReadReceiptPropagator, error) {
	viewerID = strings.TrimSpace(viewerID)
	if viewerID == "" {
		return nil, fmt.Errorf("viewer id is required")
	}
	if client == nil {
		return nil, fmt.Errorf("read marker is required")
	}
	if conversations == nil {
		return nil, fmt.Errorf("conversation reconciler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadReceiptPropagator{
		viewerID:      viewerID,
		client:        client,
		conversations: conversations,
		logger:        logger,
	}, nil
}

// MarkConversationRead zeroes the unread count and marks the timeline read
// locally, then tells the server.
func (p *ReadReceiptPropagator) MarkConversationRead(ctx context.Context, conversationID string, timeline *MessageTimeline) error {
	p.MarkLocal(conversationID, timeline)
	return p.Publish(ctx, conversationID)
}

func (p *ReadReceiptPropagator) MarkLocal(conversationID string, timeline *MessageTimeline) {
	p.conversations.MarkReadLocally(conversationID)
	if timeline == nil || timeline.ConversationID() != conversationID {
		return
	}
	timeline.ApplyReadReceipt(ReadReceipt{
		ConversationID: conversationID,
		ReaderID:       p.viewerID,
		UpToSequence:   timeline.MaxConfirmedSequence(),
	})
}

// Publish sends the mark-read request. A failure leaves the local state as is;
// the next summary push corrects the count if the server disagrees.
func (p *ReadReceiptPropagator) Publish(ctx context.Context, conversationID string) error {
	if err := p.client.MarkRead(ctx, conversationID); err != nil {
		p.logger.Warn("mark read failed",
			zap.String("conversation", conversationID),
			zap.Error(err))
		return errors.Wrapf(err, "mark %s read", conversationID)
	}
	return nil
}

func (p *ReadReceiptPropagator) ApplyRemote(receipt ReadReceipt, timeline *MessageTimeline) bool {
	if timeline == nil || receipt.ConversationID != timeline.ConversationID() {
		return false
	}
	return timeline.ApplyReadReceipt(receipt)
}
