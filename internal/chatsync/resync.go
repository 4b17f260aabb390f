package chatsync

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MessageSyncer fetches the server log after a sequence number.
type MessageSyncer interface {
	SyncMessages(ctx context.Context, conversationID string, fromSequence int64) ([]Message, error)
}

// GapRecoverySynchronizer backfills messages the push channel may have lost.
type GapRecoverySynchronizer struct {
	client MessageSyncer
	logger *zap.Logger
}

func NewGapRecoverySynchronizer(client MessageSyncer, logger *zap.Logger) (*GapRecoverySynchronizer, error) {
	if client == nil {
		return nil, fmt.Errorf("sync client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GapRecoverySynchronizer{client: client, logger: logger}, nil
}

// Resync fetches everything after the highest confirmed sequence in timeline
// and merges it in. On error the input timeline is returned unchanged.
func (g *GapRecoverySynchronizer) Resync(ctx context.Context, conversationID string, timeline []Message) ([]Message, error) {
	return g.ResyncFrom(ctx, conversationID, MaxConfirmedSequence(timeline), timeline)
}

// ResyncFrom is Resync with an explicit lower bound, used to backfill a hole
// below the highest sequence already present.
func (g *GapRecoverySynchronizer) ResyncFrom(ctx context.Context, conversationID string, from int64, timeline []Message) ([]Message, error) {
	fetched, err := g.Fetch(ctx, conversationID, from)
	if err != nil {
		return timeline, err
	}
	if len(fetched) == 0 {
		return timeline, nil
	}
	return MergeBySequence(timeline, fetched), nil
}

func (g *GapRecoverySynchronizer) Fetch(ctx context.Context, conversationID string, from int64) ([]Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if from < 0 {
		from = 0
	}
	fetched, err := g.client.SyncMessages(ctx, conversationID, from)
	if err != nil {
		g.logger.Debug("resync fetch failed",
			zap.String("conversation", conversationID),
			zap.Int64("from", from),
			zap.Error(err))
		return nil, errors.Wrapf(err, "sync messages for %s", conversationID)
	}
	out := make([]Message, 0, len(fetched))
	for _, m := range fetched {
		if m.SequenceNumber <= from {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		out = append(out, normalizeServerMessage(m))
	}
	g.logger.Debug("resync fetched messages",
		zap.String("conversation", conversationID),
		zap.Int64("from", from),
		zap.Int("count", len(out)))
	return out, nil
}

// MergeBySequence unions existing and incoming, ordered by sequence number.
// When both hold the same sequence the existing copy is kept. Optimistic
// entries of existing follow the confirmed messages in their original order.
func MergeBySequence(existing, incoming []Message) []Message {
	seen := make(map[int64]struct{}, len(existing)+len(incoming))
	confirmed := make([]Message, 0, len(existing)+len(incoming))
	var optimistic []Message
	for _, m := range existing {
		if m.Optimistic() {
			optimistic = append(optimistic, m)
			continue
		}
		if _, dup := seen[m.SequenceNumber]; dup {
			continue
		}
		seen[m.SequenceNumber] = struct{}{}
		confirmed = append(confirmed, m)
	}
	for _, m := range incoming {
		if m.Optimistic() {
			continue
		}
		if _, dup := seen[m.SequenceNumber]; dup {
			continue
		}
		seen[m.SequenceNumber] = struct{}{}
		confirmed = append(confirmed, m)
	}
	sort.SliceStable(confirmed, func(i, j int) bool {
		return confirmed[i].SequenceNumber < confirmed[j].SequenceNumber
	})
	return append(confirmed, optimistic...)
}
