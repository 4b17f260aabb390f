package chatsync

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// UnassignedSequence is the sequence number of a message the server has not
// confirmed yet.
const UnassignedSequence int64 = -1

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindFile   MessageKind = "file"
	KindImage  MessageKind = "image"
	KindVideo  MessageKind = "video"
	KindAudio  MessageKind = "audio"
	KindSystem MessageKind = "system"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindFile, KindImage, KindVideo, KindAudio, KindSystem:
		return true
	}
	return false
}

type DeliveryState string

const (
	DeliverySending DeliveryState = "sending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// CorrelationID identifies a locally originated send until the server
// confirms it. The zero value means "no correlation".
type CorrelationID uuid.UUID

func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.New())
}

func ParseCorrelationID(raw string) (CorrelationID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return CorrelationID{}, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return CorrelationID{}, errors.Wrapf(err, "parse correlation id %q", raw)
	}
	return CorrelationID(id), nil
}

func (c CorrelationID) IsZero() bool {
	return uuid.UUID(c) == uuid.Nil
}

func (c CorrelationID) String() string {
	if c.IsZero() {
		return ""
	}
	return uuid.UUID(c).String()
}

func (c CorrelationID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *CorrelationID) UnmarshalText(data []byte) error {
	parsed, err := ParseCorrelationID(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

type Message struct {
	ID                string        `json:"id,omitempty"`
	CorrelationID     CorrelationID `json:"correlationId"`
	ConversationID    string        `json:"conversationId"`
	SenderID          string        `json:"senderId"`
	SenderDisplayName string        `json:"senderDisplayName,omitempty"`
	Content           string        `json:"content"`
	Kind              MessageKind   `json:"kind"`
	SequenceNumber    int64         `json:"sequenceNumber"`
	DeliveryState     DeliveryState `json:"deliveryState,omitempty"`
	ReadBy            []string      `json:"readBy,omitempty"`
	Timestamp         time.Time     `json:"timestamp"`
}

func (m Message) Optimistic() bool {
	return m.SequenceNumber < 0
}

func (m Message) HasReader(userID string) bool {
	i := sort.SearchStrings(m.ReadBy, userID)
	return i < len(m.ReadBy) && m.ReadBy[i] == userID
}

func (m Message) clone() Message {
	if m.ReadBy != nil {
		m.ReadBy = append([]string(nil), m.ReadBy...)
	}
	return m
}

// normalizeServerMessage fills the implicit fields of a server-sourced record.
func normalizeServerMessage(m Message) Message {
	if m.Kind == "" {
		m.Kind = KindText
	}
	if m.SequenceNumber >= 0 {
		m.DeliveryState = DeliverySent
	}
	m.ReadBy = normalizeReaders(m.ReadBy)
	return m
}

func normalizeReaders(readers []string) []string {
	if len(readers) == 0 {
		return nil
	}
	out := make([]string, 0, len(readers))
	for _, r := range readers {
		out, _ = addReader(out, r)
	}
	return out
}

// addReader inserts userID into the sorted set, reporting whether it was new.
func addReader(set []string, userID string) ([]string, bool) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return set, false
	}
	i := sort.SearchStrings(set, userID)
	if i < len(set) && set[i] == userID {
		return set, false
	}
	set = append(set, "")
	copy(set[i+1:], set[i:])
	set[i] = userID
	return set, true
}

func unionReaders(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, r := range b {
		out, _ = addReader(out, r)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type ConversationSummary struct {
	ID                 string    `json:"id"`
	DisplayName        string    `json:"displayName"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	LastActivityAt     time.Time `json:"lastActivityAt"`
	UnreadCount        int       `json:"unreadCount"`
	Members            []string  `json:"members,omitempty"`
}

func (s ConversationSummary) clone() ConversationSummary {
	if s.Members != nil {
		s.Members = append([]string(nil), s.Members...)
	}
	return s
}

// SummaryDelta is a single-summary patch delivered over the push channel.
type SummaryDelta struct {
	ConversationID string               `json:"conversationId"`
	Removed        bool                 `json:"removed,omitempty"`
	Summary        *ConversationSummary `json:"conversation,omitempty"`
}

// ReadReceipt reports that ReaderID has read the listed messages, or every
// confirmed message up to UpToSequence when it is positive.
type ReadReceipt struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	MessageIDs     []string  `json:"messageIds,omitempty"`
	UpToSequence   int64     `json:"upToSequence,omitempty"`
	ReadAt         time.Time `json:"readAt"`
}

type Presence struct {
	UserID     string    `json:"userId"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Preview is the list-row text for m: a bracketed kind for media, otherwise
// the trimmed content cut to 80 runes.
func Preview(m Message) string {
	switch m.Kind {
	case KindFile, KindImage, KindVideo, KindAudio:
		return "[" + string(m.Kind) + "]"
	}
	preview := strings.TrimSpace(m.Content)
	if r := []rune(preview); len(r) > 80 {
		preview = string(r[:80])
	}
	return preview
}

// MaxConfirmedSequence returns the highest assigned sequence in messages, or 0.
func MaxConfirmedSequence(messages []Message) int64 {
	var max int64
	for _, m := range messages {
		if m.SequenceNumber > max {
			max = m.SequenceNumber
		}
	}
	return max
}
