package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaychat/internal/chatsync"
	"github.com/agentworkforce/relaychat/internal/config"
	"github.com/agentworkforce/relaychat/internal/httpapi"
	"go.uber.org/zap"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line    string
		want    command
		wantErr bool
	}{
		{line: "   ", want: command{}},
		{line: "hello there", want: command{name: "send", arg: "hello there"}},
		{line: "//slash first", want: command{name: "send", arg: "/slash first"}},
		{line: "/list", want: command{name: "list"}},
		{line: "/quit now", want: command{name: "quit"}},
		{line: "/switch  c1 ", want: command{name: "switch", arg: "c1"}},
		{line: "/retry", wantErr: true},
		{line: "/image cat.png", want: command{name: "image", arg: "cat.png"}},
		{line: "/file", wantErr: true},
		{line: "/dance", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseCommand(tc.line)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseCommand(%q): expected error, got %+v", tc.line, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseCommand(%q): %v", tc.line, err)
		}
		if got != tc.want {
			t.Fatalf("parseCommand(%q) = %+v, want %+v", tc.line, got, tc.want)
		}
	}
}

func TestResolveIdentityMintsDevelopmentToken(t *testing.T) {
	now := time.Now()
	token, userID, err := resolveIdentity(config.Client{JWTSecret: "s3cret", UserID: "alice", UserName: "Alice"}, now)
	if err != nil {
		t.Fatalf("resolve identity: %v", err)
	}
	if userID != "alice" || token == "" {
		t.Fatalf("unexpected identity token=%q user=%q", token, userID)
	}
	subject, err := subjectFromToken(token)
	if err != nil || subject != "alice" {
		t.Fatalf("expected minted token for alice, got %q err=%v", subject, err)
	}
}

func TestResolveIdentityReadsSubjectFromToken(t *testing.T) {
	token, err := httpapi.IssueToken("other-secret", "bob", "", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	_, userID, err := resolveIdentity(config.Client{Token: token}, time.Now())
	if err != nil {
		t.Fatalf("resolve identity: %v", err)
	}
	if userID != "bob" {
		t.Fatalf("expected bob from sub claim, got %q", userID)
	}
	if _, _, err := resolveIdentity(config.Client{UserID: "carol"}, time.Now()); err == nil {
		t.Fatalf("expected error without token or secret")
	}
	if _, _, err := resolveIdentity(config.Client{Token: "not-a-jwt"}, time.Now()); err == nil {
		t.Fatalf("expected error for unparseable token without user")
	}
}

type intervalRecorder struct{ got time.Duration }

func (r *intervalRecorder) SetRefreshInterval(d time.Duration) { r.got = d }

func TestApplyReload(t *testing.T) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	rec := &intervalRecorder{}
	applyReload(config.FromValues(map[string]string{
		"RELAYCHAT_LOG_LEVEL":        "debug",
		"RELAYCHAT_REFRESH_INTERVAL": "5s",
	}), level, rec, zap.NewNop())
	if level.Level() != zap.DebugLevel {
		t.Fatalf("expected debug level, got %s", level.Level())
	}
	if rec.got != 5*time.Second {
		t.Fatalf("expected 5s refresh interval, got %s", rec.got)
	}

	applyReload(config.FromValues(map[string]string{"RELAYCHAT_LOG_LEVEL": "loud"}), level, rec, zap.NewNop())
	if level.Level() != zap.DebugLevel {
		t.Fatalf("invalid level should be ignored, got %s", level.Level())
	}
}

func TestFormatMessage(t *testing.T) {
	at := time.Date(2026, 1, 2, 9, 30, 0, 0, time.Local)
	sent := chatsync.Message{ID: "m1", SenderID: "alice", SenderDisplayName: "Alice", Content: "hi", Kind: chatsync.KindText, Timestamp: at, ReadBy: []string{"alice", "bob"}}
	if got := formatMessage(sent, "alice"); got != "[09:30] Alice: hi (read by bob)" {
		t.Fatalf("unexpected sent line %q", got)
	}
	if got := formatMessage(sent, "bob"); got != "[09:30] Alice: hi" {
		t.Fatalf("receipts should only show on own messages, got %q", got)
	}

	id := chatsync.NewCorrelationID()
	failed := chatsync.Message{CorrelationID: id, SenderID: "alice", Content: "oops", Kind: chatsync.KindText, DeliveryState: chatsync.DeliveryFailed, Timestamp: at}
	if got := formatMessage(failed, "alice"); !strings.HasSuffix(got, "(failed, /retry "+id.String()+")") {
		t.Fatalf("failed line should offer retry, got %q", got)
	}

	image := chatsync.Message{ID: "m2", SenderID: "bob", Content: "cat.png", Kind: chatsync.KindImage, Timestamp: at}
	if got := formatMessage(image, "alice"); got != "[09:30] bob: [image] cat.png" {
		t.Fatalf("unexpected media line %q", got)
	}
}

func TestFormatSummary(t *testing.T) {
	got := formatSummary(chatsync.ConversationSummary{ID: "c1", DisplayName: "Team", UnreadCount: 2, LastMessagePreview: "see you"})
	if got != "c1  Team (2 unread)  see you" {
		t.Fatalf("unexpected summary line %q", got)
	}
	if got := formatSummary(chatsync.ConversationSummary{ID: "c2"}); got != "c2  c2" {
		t.Fatalf("unexpected bare summary line %q", got)
	}
}

type fakeEngine struct {
	summaries []chatsync.ConversationSummary
	presence  *chatsync.PresenceTracker
	history   []chatsync.Message
	entered   []string
	sent      []string
	retried   []chatsync.CorrelationID
	left      int
}

func (f *fakeEngine) Conversations() []chatsync.ConversationSummary { return f.summaries }
func (f *fakeEngine) Presence() *chatsync.PresenceTracker           { return f.presence }
func (f *fakeEngine) RefreshConversations(context.Context) error    { return nil }
func (f *fakeEngine) LeaveConversation()                            { f.left++ }
func (f *fakeEngine) ViewerID() string                              { return "alice" }

func (f *fakeEngine) EnterConversation(_ context.Context, id string) (*chatsync.ConversationSession, error) {
	f.entered = append(f.entered, id)
	session := chatsync.NewConversationSession(id, time.Now)
	session.Load(f.history)
	return session, nil
}

func (f *fakeEngine) SendKind(kind chatsync.MessageKind, content string) (chatsync.CorrelationID, error) {
	f.sent = append(f.sent, string(kind)+":"+content)
	return chatsync.NewCorrelationID(), nil
}

func (f *fakeEngine) Retry(id chatsync.CorrelationID) error {
	f.retried = append(f.retried, id)
	return nil
}

func TestShellRunsCommands(t *testing.T) {
	presence := chatsync.NewPresenceTracker()
	presence.Apply(chatsync.Presence{UserID: "bob", Online: true, LastSeenAt: time.Now()})
	engine := &fakeEngine{
		summaries: []chatsync.ConversationSummary{{ID: "c1", DisplayName: "Team"}},
		presence:  presence,
		history: []chatsync.Message{
			{ID: "m1", ConversationID: "c1", SenderID: "bob", Content: "morning", Kind: chatsync.KindText, SequenceNumber: 1, Timestamp: time.Now()},
		},
	}
	retryID := chatsync.NewCorrelationID()
	input := strings.Join([]string{
		"/list",
		"/who",
		"/switch c1",
		"hello",
		"/image cat.png",
		"/retry " + retryID.String(),
		"/retry nope",
		"/bogus",
		"/leave",
		"/quit",
		"after quit",
	}, "\n")

	var out bytes.Buffer
	newShell(engine, &out).run(context.Background(), strings.NewReader(input))

	text := out.String()
	for _, want := range []string{"c1  Team", "bob online", "bob: morning", "unknown command /bogus"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, text)
		}
	}
	if len(engine.entered) != 1 || engine.entered[0] != "c1" {
		t.Fatalf("unexpected entered conversations %v", engine.entered)
	}
	if len(engine.sent) != 2 || engine.sent[0] != "text:hello" || engine.sent[1] != "image:cat.png" {
		t.Fatalf("unexpected sends %v", engine.sent)
	}
	if len(engine.retried) != 1 || engine.retried[0] != retryID {
		t.Fatalf("unexpected retries %v", engine.retried)
	}
	if engine.left != 1 {
		t.Fatalf("expected one leave, got %d", engine.left)
	}
}
