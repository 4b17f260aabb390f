package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Lookup resolves a setting by name; an empty result means unset.
type Lookup func(name string) string

// Environ reads the process environment.
var Environ Lookup = os.Getenv

// FromValues wraps a parsed .env map.
func FromValues(values map[string]string) Lookup {
	return func(name string) string { return values[name] }
}

func (l Lookup) String(name, fallback string) string {
	value := strings.TrimSpace(l(name))
	if value == "" {
		return fallback
	}
	return value
}

func (l Lookup) Duration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(l(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		zap.L().Warn("invalid duration setting, using fallback",
			zap.String("name", name), zap.String("value", raw), zap.Duration("fallback", fallback))
		return fallback
	}
	return value
}

func (l Lookup) Float(name string, fallback float64) float64 {
	raw := strings.TrimSpace(l(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		zap.L().Warn("invalid float setting, using fallback",
			zap.String("name", name), zap.String("value", raw), zap.Float64("fallback", fallback))
		return fallback
	}
	return value
}

func (l Lookup) Int(name string, fallback int) int {
	raw := strings.TrimSpace(l(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		zap.L().Warn("invalid int setting, using fallback",
			zap.String("name", name), zap.String("value", raw), zap.Int("fallback", fallback))
		return fallback
	}
	return value
}

func (l Lookup) Int64(name string, fallback int64) int64 {
	raw := strings.TrimSpace(l(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		zap.L().Warn("invalid int64 setting, using fallback",
			zap.String("name", name), zap.String("value", raw), zap.Int64("fallback", fallback))
		return fallback
	}
	return value
}

func EnvOrDefault(name, fallback string) string {
	return Environ.String(name, fallback)
}

func DurationEnv(name string, fallback time.Duration) time.Duration {
	return Environ.Duration(name, fallback)
}

func FloatEnv(name string, fallback float64) float64 {
	return Environ.Float(name, fallback)
}

func IntEnv(name string, fallback int) int {
	return Environ.Int(name, fallback)
}

// LoadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "load %s", path)
	}
	return nil
}

// ReadFile parses an env file without touching the process environment.
func ReadFile(path string) (Lookup, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return FromValues(values), nil
}

// Client configures cmd/relaychat.
type Client struct {
	BaseURL         string
	StreamURL       string
	Token           string
	UserID          string
	UserName        string
	JWTSecret       string
	LogLevel        string
	LogFormat       string
	RefreshInterval time.Duration
	RefreshJitter   float64
	SendTimeout     time.Duration
	RequestTimeout  time.Duration
	EnvFile         string
}

func LoadClient(l Lookup) Client {
	baseURL := strings.TrimRight(l.String("RELAYCHAT_BASE_URL", "http://127.0.0.1:8080"), "/")
	return Client{
		BaseURL:         baseURL,
		StreamURL:       l.String("RELAYCHAT_STREAM_URL", StreamURLFor(baseURL)),
		Token:           l.String("RELAYCHAT_TOKEN", ""),
		UserID:          l.String("RELAYCHAT_USER", ""),
		UserName:        l.String("RELAYCHAT_USER_NAME", ""),
		JWTSecret:       l.String("RELAYCHAT_JWT_SECRET", ""),
		LogLevel:        l.String("RELAYCHAT_LOG_LEVEL", "info"),
		LogFormat:       l.String("RELAYCHAT_LOG_FORMAT", "console"),
		RefreshInterval: l.Duration("RELAYCHAT_REFRESH_INTERVAL", 30*time.Second),
		RefreshJitter:   l.Float("RELAYCHAT_REFRESH_JITTER", 0.2),
		SendTimeout:     l.Duration("RELAYCHAT_SEND_TIMEOUT", 15*time.Second),
		RequestTimeout:  l.Duration("RELAYCHAT_REQUEST_TIMEOUT", 15*time.Second),
		EnvFile:         l.String("RELAYCHAT_ENV_FILE", ".env"),
	}
}

// StreamURLFor maps an http(s) base URL to its websocket stream endpoint.
func StreamURLFor(baseURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Host == "" {
		return ""
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/v1/stream"
	return parsed.String()
}

// Server configures cmd/relaychat-server.
type Server struct {
	Addr             string
	JWTSecret        string
	BackendProfile   string
	DataDir          string
	StateBackendDSN  string
	StateFile        string
	ProductionDSN    string
	RateLimitMax     int
	RateLimitWindow  time.Duration
	MaxBodyBytes     int64
	SubscriberBuffer int
	StreamOrigins    []string
	LogLevel         string
	LogFormat        string
	ShutdownTimeout  time.Duration
}

func LoadServer(l Lookup) Server {
	productionDSN := l.String("RELAYCHAT_PRODUCTION_DSN", "")
	if productionDSN == "" {
		productionDSN = l.String("RELAYCHAT_POSTGRES_DSN", "")
	}
	var origins []string
	for _, origin := range strings.Split(l("RELAYCHAT_STREAM_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return Server{
		Addr:             l.String("RELAYCHAT_ADDR", ":8080"),
		JWTSecret:        l.String("RELAYCHAT_JWT_SECRET", ""),
		BackendProfile:   strings.ToLower(l.String("RELAYCHAT_BACKEND_PROFILE", "")),
		DataDir:          l.String("RELAYCHAT_DATA_DIR", ".relaychat"),
		StateBackendDSN:  l.String("RELAYCHAT_STATE_BACKEND_DSN", ""),
		StateFile:        l.String("RELAYCHAT_STATE_FILE", ""),
		ProductionDSN:    productionDSN,
		RateLimitMax:     l.Int("RELAYCHAT_RATE_LIMIT_MAX", 0),
		RateLimitWindow:  l.Duration("RELAYCHAT_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:     l.Int64("RELAYCHAT_MAX_BODY_BYTES", 0),
		SubscriberBuffer: l.Int("RELAYCHAT_SUBSCRIBER_BUFFER", 0),
		StreamOrigins:    origins,
		LogLevel:         l.String("RELAYCHAT_LOG_LEVEL", "info"),
		LogFormat:        l.String("RELAYCHAT_LOG_FORMAT", "console"),
		ShutdownTimeout:  l.Duration("RELAYCHAT_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// StateDSN picks the state backend DSN: an explicit DSN, then a state file,
// then the profile default. Empty means no persistence.
func (s Server) StateDSN() (string, error) {
	profileDSN, err := s.profileStateDSN()
	if err != nil {
		return "", err
	}
	switch {
	case s.StateBackendDSN != "":
		return s.StateBackendDSN, nil
	case s.StateFile != "":
		return s.StateFile, nil
	default:
		return profileDSN, nil
	}
}

func (s Server) profileStateDSN() (string, error) {
	switch s.BackendProfile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		if s.ProductionDSN == "" {
			return "", errors.Errorf("RELAYCHAT_PRODUCTION_DSN or RELAYCHAT_POSTGRES_DSN is required when RELAYCHAT_BACKEND_PROFILE=%s", s.BackendProfile)
		}
		return s.ProductionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(s.DataDir, "state.json"), nil
	default:
		return "", errors.Errorf("unsupported RELAYCHAT_BACKEND_PROFILE: %s", s.BackendProfile)
	}
}
