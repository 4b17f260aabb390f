package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaychat/internal/chatsync"
	"github.com/agentworkforce/relaychat/internal/config"
	"github.com/agentworkforce/relaychat/internal/httpapi"
	"github.com/agentworkforce/relaychat/internal/logging"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func main() {
	envFile := config.EnvOrDefault("RELAYCHAT_ENV_FILE", ".env")
	if err := config.LoadDotEnv(envFile); err != nil {
		log.Printf("warning: %v; continuing with process environment", err)
	}
	cfg := config.LoadClient(config.Environ)

	flag.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "relaychat base URL")
	flag.StringVar(&cfg.StreamURL, "stream-url", cfg.StreamURL, "websocket stream URL")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "bearer token")
	flag.StringVar(&cfg.UserID, "user", cfg.UserID, "user id")
	flag.StringVar(&cfg.UserName, "name", cfg.UserName, "display name")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.DurationVar(&cfg.RefreshInterval, "refresh-interval", cfg.RefreshInterval, "conversation list refresh interval")
	conversation := flag.String("conversation", "", "conversation to open on start")
	flag.Parse()

	logger, level, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}
	defer logger.Sync()

	token, userID, err := resolveIdentity(cfg, time.Now())
	if err != nil {
		logger.Fatal("no usable identity", zap.Error(err))
	}

	rest := chatsync.NewHTTPClient(cfg.BaseURL, token, &http.Client{Timeout: cfg.RequestTimeout})
	transport, err := chatsync.NewWebSocketTransport(chatsync.WebSocketOptions{
		URL:      cfg.StreamURL,
		Token:    token,
		Fallback: rest,
		Logger:   logger.Named("stream"),
	})
	if err != nil {
		logger.Fatal("failed to initialize stream transport", zap.Error(err))
	}
	engine, err := chatsync.NewEngine(chatsync.EngineOptions{
		ViewerID:    userID,
		ViewerName:  cfg.UserName,
		REST:        rest,
		Transport:   transport,
		Logger:      logger.Named("engine"),
		SendTimeout: cfg.SendTimeout,
	})
	if err != nil {
		logger.Fatal("failed to initialize sync engine", zap.Error(err))
	}
	defer engine.Close()
	engine.SetRefreshInterval(cfg.RefreshInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_ = transport.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		engine.RunRefresher(ctx, chatsync.ClampJitterRatio(cfg.RefreshJitter))
	}()
	go func() {
		defer wg.Done()
		err := config.Watch(ctx, cfg.EnvFile, logger.Named("config"), func(values config.Lookup) {
			applyReload(values, level, engine, logger)
		})
		if err != nil {
			logger.Warn("config watch disabled", zap.String("path", cfg.EnvFile), zap.Error(err))
		}
	}()

	if err := engine.RefreshConversations(ctx); err != nil {
		logger.Warn("initial conversation load failed", zap.Error(err))
	}

	sh := newShell(engine, os.Stdout)
	if *conversation != "" {
		sh.exec(ctx, command{name: "switch", arg: *conversation})
	}
	sh.run(ctx, os.Stdin)

	stop()
	engine.Close()
	wg.Wait()
}

// resolveIdentity returns the bearer token and viewer id. Without a token, a
// development token is minted when both a JWT secret and a user are set.
func resolveIdentity(cfg config.Client, now time.Time) (string, string, error) {
	token := strings.TrimSpace(cfg.Token)
	userID := strings.TrimSpace(cfg.UserID)
	if token == "" {
		if cfg.JWTSecret == "" || userID == "" {
			return "", "", errors.New("set RELAYCHAT_TOKEN, or RELAYCHAT_JWT_SECRET with RELAYCHAT_USER")
		}
		minted, err := httpapi.IssueToken(cfg.JWTSecret, userID, cfg.UserName, 24*time.Hour, now)
		if err != nil {
			return "", "", errors.Wrap(err, "mint development token")
		}
		return minted, userID, nil
	}
	if userID != "" {
		return token, userID, nil
	}
	subject, err := subjectFromToken(token)
	if err != nil {
		return "", "", err
	}
	return token, subject, nil
}

// subjectFromToken reads the sub claim without verifying the signature; the
// server does the verification.
func subjectFromToken(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", errors.Wrap(err, "parse token")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token has no sub claim; set RELAYCHAT_USER")
	}
	return subject, nil
}

type reloadTarget interface {
	SetRefreshInterval(time.Duration)
}

func applyReload(values config.Lookup, level zap.AtomicLevel, target reloadTarget, logger *zap.Logger) {
	if next := values.String("RELAYCHAT_LOG_LEVEL", ""); next != "" {
		if err := logging.SetLevel(level, next); err != nil {
			logger.Warn("ignoring reloaded log level", zap.Error(err))
		}
	}
	if interval := values.Duration("RELAYCHAT_REFRESH_INTERVAL", 0); interval > 0 {
		target.SetRefreshInterval(interval)
	}
}

type command struct {
	name string
	arg  string
}

// parseCommand maps an input line to a command. Lines not starting with a
// slash are messages; "//" escapes a leading slash.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return command{}, nil
	case strings.HasPrefix(line, "//"):
		return command{name: "send", arg: line[1:]}, nil
	case !strings.HasPrefix(line, "/"):
		return command{name: "send", arg: line}, nil
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "list", "refresh", "leave", "quit", "who":
		return command{name: name}, nil
	case "switch", "retry":
		if arg == "" {
			return command{}, errors.Errorf("/%s needs an argument", name)
		}
		return command{name: name, arg: arg}, nil
	case "file", "image", "video", "audio":
		if arg == "" {
			return command{}, errors.Errorf("/%s needs a reference", name)
		}
		return command{name: name, arg: arg}, nil
	default:
		return command{}, errors.Errorf("unknown command /%s", name)
	}
}

type chatEngine interface {
	Conversations() []chatsync.ConversationSummary
	Presence() *chatsync.PresenceTracker
	RefreshConversations(ctx context.Context) error
	EnterConversation(ctx context.Context, conversationID string) (*chatsync.ConversationSession, error)
	LeaveConversation()
	SendKind(kind chatsync.MessageKind, content string) (chatsync.CorrelationID, error)
	Retry(id chatsync.CorrelationID) error
	ViewerID() string
}

type shell struct {
	engine chatEngine

	mu      sync.Mutex
	out     io.Writer
	printed map[string]string
}

func newShell(engine chatEngine, out io.Writer) *shell {
	return &shell{engine: engine, out: out, printed: map[string]string{}}
}

func (s *shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *shell) run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			cmd, err := parseCommand(line)
			if err != nil {
				s.printf("! %v\n", err)
				continue
			}
			if !s.exec(ctx, cmd) {
				return
			}
		}
	}
}

// exec runs cmd and reports whether the shell should keep reading.
func (s *shell) exec(ctx context.Context, cmd command) bool {
	switch cmd.name {
	case "":
	case "quit":
		return false
	case "list":
		for _, summary := range s.engine.Conversations() {
			s.printf("%s\n", formatSummary(summary))
		}
	case "refresh":
		if err := s.engine.RefreshConversations(ctx); err != nil {
			s.printf("! %v\n", err)
		}
	case "who":
		for _, userID := range s.engine.Presence().Online() {
			s.printf("%s online\n", userID)
		}
	case "switch":
		s.mu.Lock()
		s.printed = map[string]string{}
		s.mu.Unlock()
		session, err := s.engine.EnterConversation(ctx, cmd.arg)
		if err != nil {
			s.printf("! %v\n", err)
		}
		if session != nil {
			s.render(session.Timeline().Messages())
			session.Subscribe(s.render)
		}
	case "leave":
		s.engine.LeaveConversation()
	case "retry":
		id, err := chatsync.ParseCorrelationID(cmd.arg)
		if err == nil {
			err = s.engine.Retry(id)
		}
		if err != nil {
			s.printf("! %v\n", err)
		}
	case "send":
		s.send(chatsync.KindText, cmd.arg)
	default:
		s.send(chatsync.MessageKind(cmd.name), cmd.arg)
	}
	return true
}

func (s *shell) send(kind chatsync.MessageKind, content string) {
	if _, err := s.engine.SendKind(kind, content); err != nil {
		s.printf("! %v\n", err)
	}
}

// render prints timeline entries that are new or whose rendering changed.
func (s *shell) render(messages []chatsync.Message) {
	viewer := s.engine.ViewerID()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range messages {
		key := m.ID
		if key == "" {
			key = m.CorrelationID.String()
		}
		line := formatMessage(m, viewer)
		if s.printed[key] == line {
			continue
		}
		s.printed[key] = line
		fmt.Fprintln(s.out, line)
	}
}

func formatMessage(m chatsync.Message, viewer string) string {
	sender := m.SenderDisplayName
	if sender == "" {
		sender = m.SenderID
	}
	text := m.Content
	if m.Kind != "" && m.Kind != chatsync.KindText {
		text = chatsync.Preview(m) + " " + m.Content
	}
	line := fmt.Sprintf("[%s] %s: %s", m.Timestamp.Local().Format("15:04"), sender, text)
	switch m.DeliveryState {
	case chatsync.DeliverySending:
		line += " (sending)"
	case chatsync.DeliveryFailed:
		line += " (failed, /retry " + m.CorrelationID.String() + ")"
	}
	if m.SenderID == viewer && m.DeliveryState != chatsync.DeliveryFailed && m.DeliveryState != chatsync.DeliverySending {
		var others []string
		for _, reader := range m.ReadBy {
			if reader != viewer {
				others = append(others, reader)
			}
		}
		if len(others) > 0 {
			line += " (read by " + strings.Join(others, ", ") + ")"
		}
	}
	return line
}

func formatSummary(s chatsync.ConversationSummary) string {
	name := s.DisplayName
	if name == "" {
		name = s.ID
	}
	line := fmt.Sprintf("%s  %s", s.ID, name)
	if s.UnreadCount > 0 {
		line += fmt.Sprintf(" (%d unread)", s.UnreadCount)
	}
	if s.LastMessagePreview != "" {
		line += "  " + s.LastMessagePreview
	}
	return line
}
