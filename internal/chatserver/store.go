package chatserver

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaychat/internal/chatsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrForbidden      = errors.New("not a member")
	ErrConflict       = errors.New("conflict")
	ErrNotImplemented = errors.New("not implemented")
)

const maxContentBytes = 16 << 10

type StoreOptions struct {
	StateFile        string
	StateBackend     StateBackend
	BackendProfile   string
	Logger           *zap.Logger
	SubscriberBuffer int
	Now              func() time.Time
}

type CreateConversationRequest struct {
	ID          string   `json:"id,omitempty"`
	DisplayName string   `json:"displayName"`
	Members     []string `json:"members"`
}

type PostRequest struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Kind           chatsync.MessageKind
	Content        string
	CorrelationID  chatsync.CorrelationID
}

type BackendStatus struct {
	BackendProfile string `json:"backendProfile,omitempty"`
	StateBackend   string `json:"stateBackend"`
	Conversations  int    `json:"conversations"`
	Subscribers    int    `json:"subscribers"`
	Dropped        uint64 `json:"droppedEnvelopes"`
}

// Store is the authoritative chat log. Every conversation owns a strictly
// increasing sequence; each member has a read watermark from which unread
// counts and reader sets are derived.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversationState
	stateBackend  StateBackend
	profile       string
	logger        *zap.Logger
	now           func() time.Time

	hub      *hub
	presence map[string]*presenceState

	closeOnce sync.Once
}

type conversationState struct {
	ID           string             `json:"id"`
	DisplayName  string             `json:"displayName"`
	Members      []string           `json:"members"`
	Messages     []chatsync.Message `json:"messages"`
	ReadUpTo     map[string]int64   `json:"readUpTo"`
	LastSequence int64              `json:"lastSequence"`
	// Correlations maps sender/correlation to the sequence it produced.
	Correlations map[string]int64 `json:"correlations"`
	CreatedAt    time.Time        `json:"createdAt"`
}

type presenceState struct {
	connections int
	lastSeenAt  time.Time
}

type persistedState struct {
	Conversations map[string]*conversationState `json:"conversations"`
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	profile := strings.ToLower(strings.TrimSpace(opts.BackendProfile))
	if profile == "" {
		profile = "custom"
	}
	s := &Store{
		conversations: map[string]*conversationState{},
		stateBackend:  stateBackend,
		profile:       profile,
		logger:        logger,
		now:           now,
		hub:           newHub(opts.SubscriberBuffer, logger),
		presence:      map[string]*presenceState{},
	}
	if err := s.loadFromBackend(); err != nil {
		logger.Warn("state load failed, starting empty", zap.Error(err))
	}
	return s
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.hub.closeAll()
		if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
	})
}

func (s *Store) BackendStatus() BackendStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name := "none"
	switch s.stateBackend.(type) {
	case *JSONFileStateBackend:
		name = "file"
	case *InMemoryStateBackend:
		name = "memory"
	case *PostgresStateBackend:
		name = "postgres"
	case nil:
	default:
		name = "custom"
	}
	subscribers, dropped := s.hub.stats()
	return BackendStatus{
		BackendProfile: s.profile,
		StateBackend:   name,
		Conversations:  len(s.conversations),
		Subscribers:    subscribers,
		Dropped:        dropped,
	}
}

// CreateConversation creates a conversation with creator as a member.
// Creating an existing id the creator already belongs to returns it as is.
func (s *Store) CreateConversation(creator string, req CreateConversationRequest) (chatsync.ConversationSummary, error) {
	creator = strings.TrimSpace(creator)
	if creator == "" {
		return chatsync.ConversationSummary{}, ErrInvalidInput
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = "conv_" + uuid.NewString()
	}
	members := normalizeMembers(append(append([]string(nil), req.Members...), creator))

	s.mu.Lock()
	if existing, ok := s.conversations[id]; ok {
		defer s.mu.Unlock()
		if !isMember(existing, creator) {
			return chatsync.ConversationSummary{}, ErrConflict
		}
		return summaryFor(existing, creator), nil
	}
	conv := &conversationState{
		ID:           id,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		Members:      members,
		ReadUpTo:     map[string]int64{},
		Correlations: map[string]int64{},
		CreatedAt:    s.now().UTC(),
	}
	if conv.DisplayName == "" {
		conv.DisplayName = id
	}
	s.conversations[id] = conv
	out := s.summaryEnvelopesLocked(conv, conv.Members)
	s.persistLocked()
	summary := summaryFor(conv, creator)
	s.hub.publishAll(out)
	s.mu.Unlock()

	s.logger.Info("conversation created",
		zap.String("conversation", id),
		zap.Int("members", len(members)))
	return summary, nil
}

func (s *Store) ListConversations(userID string) []chatsync.ConversationSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chatsync.ConversationSummary, 0)
	for _, conv := range s.conversations {
		if isMember(conv, userID) {
			out = append(out, summaryFor(conv, userID))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) Messages(conversationID, userID string) ([]chatsync.Message, error) {
	return s.MessagesAfter(conversationID, userID, 0)
}

// MessagesAfter returns the log strictly after from, in sequence order.
func (s *Store) MessagesAfter(conversationID, userID string, from int64) ([]chatsync.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, err := s.memberConversationLocked(conversationID, userID)
	if err != nil {
		return nil, err
	}
	start := sort.Search(len(conv.Messages), func(i int) bool {
		return conv.Messages[i].SequenceNumber > from
	})
	out := make([]chatsync.Message, 0, len(conv.Messages)-start)
	for _, m := range conv.Messages[start:] {
		out = append(out, withReaders(conv, m))
	}
	return out, nil
}

// PostMessage appends a message to the log. A repeated correlation id from the
// same sender returns the message it produced the first time with created
// false.
func (s *Store) PostMessage(req PostRequest) (chatsync.Message, bool, error) {
	req.SenderID = strings.TrimSpace(req.SenderID)
	if req.SenderID == "" || strings.TrimSpace(req.Content) == "" || len(req.Content) > maxContentBytes {
		return chatsync.Message{}, false, ErrInvalidInput
	}
	if req.Kind == "" {
		req.Kind = chatsync.KindText
	}
	if !req.Kind.Valid() {
		return chatsync.Message{}, false, errors.Wrapf(ErrInvalidInput, "kind %q", req.Kind)
	}

	s.mu.Lock()
	conv, err := s.memberConversationLocked(req.ConversationID, req.SenderID)
	if err != nil {
		s.mu.Unlock()
		return chatsync.Message{}, false, err
	}
	key := correlationKey(req.SenderID, req.CorrelationID)
	if key != "" {
		if seq, ok := conv.Correlations[key]; ok {
			msg := withReaders(conv, conv.Messages[indexOfSequence(conv, seq)])
			s.mu.Unlock()
			return msg, false, nil
		}
	}

	conv.LastSequence++
	msg := chatsync.Message{
		ID:                "msg_" + uuid.NewString(),
		CorrelationID:     req.CorrelationID,
		ConversationID:    conv.ID,
		SenderID:          req.SenderID,
		SenderDisplayName: strings.TrimSpace(req.SenderName),
		Content:           req.Content,
		Kind:              req.Kind,
		SequenceNumber:    conv.LastSequence,
		DeliveryState:     chatsync.DeliverySent,
		Timestamp:         s.now().UTC(),
	}
	conv.Messages = append(conv.Messages, msg)
	if key != "" {
		conv.Correlations[key] = msg.SequenceNumber
	}
	// Posting reads everything before it.
	caughtUp := conv.ReadUpTo[req.SenderID] >= msg.SequenceNumber-1
	conv.ReadUpTo[req.SenderID] = msg.SequenceNumber

	out := []addressed{}
	for _, member := range conv.Members {
		out = append(out, addressed{userID: member, env: envelopeFor(chatsync.EventNewMessage, conv.ID, msg)})
	}
	if !caughtUp {
		receipt := chatsync.ReadReceipt{ConversationID: conv.ID, ReaderID: req.SenderID, UpToSequence: msg.SequenceNumber, ReadAt: msg.Timestamp}
		for _, member := range conv.Members {
			if member != req.SenderID {
				out = append(out, addressed{userID: member, env: envelopeFor(chatsync.EventReadReceipt, conv.ID, receipt)})
			}
		}
	}
	out = append(out, s.summaryEnvelopesLocked(conv, conv.Members)...)
	s.persistLocked()
	s.hub.publishAll(out)
	s.mu.Unlock()

	s.logger.Debug("message posted",
		zap.String("conversation", msg.ConversationID),
		zap.Int64("sequence", msg.SequenceNumber))
	return msg, true, nil
}

// MarkRead moves userID's watermark to the end of the log.
func (s *Store) MarkRead(conversationID, userID string) (chatsync.ReadReceipt, error) {
	s.mu.Lock()
	conv, err := s.memberConversationLocked(conversationID, userID)
	if err != nil {
		s.mu.Unlock()
		return chatsync.ReadReceipt{}, err
	}
	receipt := chatsync.ReadReceipt{
		ConversationID: conv.ID,
		ReaderID:       userID,
		UpToSequence:   conv.LastSequence,
		ReadAt:         s.now().UTC(),
	}
	if conv.ReadUpTo[userID] >= conv.LastSequence {
		s.mu.Unlock()
		return receipt, nil
	}
	conv.ReadUpTo[userID] = conv.LastSequence

	var out []addressed
	for _, member := range conv.Members {
		if member != userID {
			out = append(out, addressed{userID: member, env: envelopeFor(chatsync.EventReadReceipt, conv.ID, receipt)})
		}
	}
	out = append(out, s.summaryEnvelopesLocked(conv, []string{userID})...)
	s.persistLocked()
	s.hub.publishAll(out)
	s.mu.Unlock()

	return receipt, nil
}

// LeaveConversation removes userID from the members. The last member leaving
// deletes the conversation.
func (s *Store) LeaveConversation(conversationID, userID string) error {
	s.mu.Lock()
	conv, err := s.memberConversationLocked(conversationID, userID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	remaining := make([]string, 0, len(conv.Members))
	for _, m := range conv.Members {
		if m != userID {
			remaining = append(remaining, m)
		}
	}
	conv.Members = remaining
	delete(conv.ReadUpTo, userID)

	out := []addressed{{
		userID: userID,
		env:    envelopeFor(chatsync.EventSummaryChanged, conv.ID, chatsync.SummaryDelta{ConversationID: conv.ID, Removed: true}),
	}}
	if len(remaining) == 0 {
		delete(s.conversations, conv.ID)
	} else {
		out = append(out, s.summaryEnvelopesLocked(conv, remaining)...)
	}
	s.persistLocked()
	s.hub.publishAll(out)
	s.mu.Unlock()

	s.logger.Info("member left conversation",
		zap.String("conversation", conversationID),
		zap.String("user", userID))
	return nil
}

// Connect records a live connection for userID and announces presence to
// everyone sharing a conversation when the user comes online.
func (s *Store) Connect(userID string) {
	s.setPresence(userID, 1)
}

func (s *Store) Disconnect(userID string) {
	s.setPresence(userID, -1)
}

func (s *Store) Online(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presence[userID]
	return ok && p.connections > 0
}

func (s *Store) setPresence(userID string, delta int) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	s.mu.Lock()
	p, ok := s.presence[userID]
	if !ok {
		p = &presenceState{}
		s.presence[userID] = p
	}
	wasOnline := p.connections > 0
	p.connections += delta
	if p.connections < 0 {
		p.connections = 0
	}
	p.lastSeenAt = s.now().UTC()
	online := p.connections > 0
	if online == wasOnline {
		s.mu.Unlock()
		return
	}
	update := chatsync.Presence{UserID: userID, Online: online, LastSeenAt: p.lastSeenAt}
	var out []addressed
	for _, peer := range s.peersLocked(userID) {
		out = append(out, addressed{userID: peer, env: envelopeFor(chatsync.EventPresenceChanged, "", update)})
	}
	s.hub.publishAll(out)
	s.mu.Unlock()
}

// Subscribe returns the push stream for userID and a func that ends it. The
// stream is closed when the subscriber falls behind; the client reconnects and
// resyncs.
func (s *Store) Subscribe(userID string) (<-chan chatsync.Envelope, func()) {
	return s.hub.subscribe(userID)
}

// SubscribeWithSummaries is Subscribe plus a summary delta for every
// conversation userID belongs to. Both are taken under the store lock, so
// every envelope on the stream is newer than the returned deltas.
func (s *Store) SubscribeWithSummaries(userID string) (<-chan chatsync.Envelope, func(), []chatsync.Envelope) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events, unsubscribe := s.hub.subscribe(userID)
	ids := make([]string, 0, len(s.conversations))
	for id, conv := range s.conversations {
		if isMember(conv, userID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	deltas := make([]chatsync.Envelope, 0, len(ids))
	for _, id := range ids {
		for _, a := range s.summaryEnvelopesLocked(s.conversations[id], []string{userID}) {
			deltas = append(deltas, a.env)
		}
	}
	return events, unsubscribe, deltas
}

func (s *Store) memberConversationLocked(conversationID, userID string) (*conversationState, error) {
	conv, ok := s.conversations[strings.TrimSpace(conversationID)]
	if !ok {
		return nil, ErrNotFound
	}
	if !isMember(conv, userID) {
		return nil, ErrForbidden
	}
	return conv, nil
}

// peersLocked lists every user sharing a conversation with userID, excluding
// userID.
func (s *Store) peersLocked(userID string) []string {
	seen := map[string]struct{}{}
	for _, conv := range s.conversations {
		if !isMember(conv, userID) {
			continue
		}
		for _, m := range conv.Members {
			if m != userID {
				seen[m] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Store) summaryEnvelopesLocked(conv *conversationState, recipients []string) []addressed {
	out := make([]addressed, 0, len(recipients))
	for _, userID := range recipients {
		summary := summaryFor(conv, userID)
		delta := chatsync.SummaryDelta{ConversationID: conv.ID, Summary: &summary}
		out = append(out, addressed{userID: userID, env: envelopeFor(chatsync.EventSummaryChanged, conv.ID, delta)})
	}
	return out
}

func (s *Store) persistLocked() {
	if s.stateBackend == nil {
		return
	}
	if err := s.stateBackend.Save(&persistedState{Conversations: s.conversations}); err != nil {
		s.logger.Warn("state save failed", zap.Error(err))
	}
}

func (s *Store) loadFromBackend() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil || snapshot.Conversations == nil {
		return nil
	}
	for id, conv := range snapshot.Conversations {
		if conv == nil {
			delete(snapshot.Conversations, id)
			continue
		}
		if conv.ReadUpTo == nil {
			conv.ReadUpTo = map[string]int64{}
		}
		if conv.Correlations == nil {
			conv.Correlations = map[string]int64{}
		}
	}
	s.conversations = snapshot.Conversations
	return nil
}

func summaryFor(conv *conversationState, userID string) chatsync.ConversationSummary {
	summary := chatsync.ConversationSummary{
		ID:             conv.ID,
		DisplayName:    conv.DisplayName,
		LastActivityAt: conv.CreatedAt,
		UnreadCount:    unreadFor(conv, userID),
		Members:        append([]string(nil), conv.Members...),
	}
	if n := len(conv.Messages); n > 0 {
		last := conv.Messages[n-1]
		summary.LastMessagePreview = chatsync.Preview(last)
		summary.LastActivityAt = last.Timestamp
	}
	return summary
}

func unreadFor(conv *conversationState, userID string) int {
	watermark := conv.ReadUpTo[userID]
	unread := 0
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		m := conv.Messages[i]
		if m.SequenceNumber <= watermark {
			break
		}
		if m.SenderID != userID {
			unread++
		}
	}
	return unread
}

// withReaders fills ReadBy from the members' watermarks.
func withReaders(conv *conversationState, m chatsync.Message) chatsync.Message {
	m.ReadBy = nil
	for _, member := range conv.Members {
		if member != m.SenderID && conv.ReadUpTo[member] >= m.SequenceNumber {
			m.ReadBy = append(m.ReadBy, member)
		}
	}
	return m
}

func indexOfSequence(conv *conversationState, seq int64) int {
	return sort.Search(len(conv.Messages), func(i int) bool {
		return conv.Messages[i].SequenceNumber >= seq
	})
}

func isMember(conv *conversationState, userID string) bool {
	i := sort.SearchStrings(conv.Members, userID)
	return i < len(conv.Members) && conv.Members[i] == userID
}

func normalizeMembers(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, m := range in {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func correlationKey(senderID string, id chatsync.CorrelationID) string {
	if id.IsZero() {
		return ""
	}
	return senderID + "/" + id.String()
}

func envelopeFor(eventType chatsync.EventType, conversationID string, payload any) chatsync.Envelope {
	data, _ := json.Marshal(payload)
	return chatsync.Envelope{Type: string(eventType), ConversationID: conversationID, Payload: data}
}
