package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/careline/careline/internal/proto"
	"github.com/careline/careline/internal/util"
)

type Config struct {
	Identity Identity `json:"identity" yaml:"identity"`
	Relay    Relay    `json:"relay" yaml:"relay"`
	API      API      `json:"api" yaml:"api"`
	Call     Call     `json:"call" yaml:"call"`
	Chat     Chat     `json:"chat" yaml:"chat"`
	Storage  Storage  `json:"storage" yaml:"storage"`
	Log      Log      `json:"log" yaml:"log"`
}

// Identity says who this client is. UserID and Role may be left empty when
// the token carries them as claims.
type Identity struct {
	UserID    string     `json:"user_id" yaml:"user_id"`
	Role      proto.Role `json:"role" yaml:"role"`
	Token     string     `json:"token" yaml:"token"`
	TokenFile string     `json:"token_file" yaml:"token_file"`
}

type Relay struct {
	URL               string `json:"url" yaml:"url"`
	ReconnectAttempts int    `json:"reconnect_attempts" yaml:"reconnect_attempts"`
	ReconnectDelayMs  int    `json:"reconnect_delay_ms" yaml:"reconnect_delay_ms"`
	WriteTimeoutMs    int    `json:"write_timeout_ms" yaml:"write_timeout_ms"`
	PingIntervalSec   int    `json:"ping_interval_sec" yaml:"ping_interval_sec"`
}

type API struct {
	BaseURL         string `json:"base_url" yaml:"base_url"`
	TimeoutSec      int    `json:"timeout_sec" yaml:"timeout_sec"`
	BreakerFailures int    `json:"breaker_failures" yaml:"breaker_failures"`
}

type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}

type Call struct {
	ICEServers         []ICEServer `json:"ice_servers" yaml:"ice_servers"`
	ICEDisconnectedSec int         `json:"ice_disconnected_sec" yaml:"ice_disconnected_sec"`
	ICEFailedSec       int         `json:"ice_failed_sec" yaml:"ice_failed_sec"`
}

type Chat struct {
	TypingTimeoutMs  int `json:"typing_timeout_ms" yaml:"typing_timeout_ms"`
	TypingIntervalMs int `json:"typing_interval_ms" yaml:"typing_interval_ms"`
	SubscriberBuffer int `json:"subscriber_buffer" yaml:"subscriber_buffer"`
}

type Storage struct {
	// Path of the SQLite message cache, relative to the config file. Empty
	// disables the cache.
	Path string `json:"path" yaml:"path"`
}

type Log struct {
	Level      string            `json:"level" yaml:"level"`
	Subsystems map[string]string `json:"subsystems,omitempty" yaml:"subsystems,omitempty"`
	Format     string            `json:"format" yaml:"format"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			URL:               "ws://127.0.0.1:5000/ws",
			ReconnectAttempts: 5,
			ReconnectDelayMs:  2000,
			WriteTimeoutMs:    10000,
			PingIntervalSec:   54,
		},
		API: API{
			BaseURL:         "http://127.0.0.1:5000",
			TimeoutSec:      10,
			BreakerFailures: 5,
		},
		Call: Call{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			ICEDisconnectedSec: 30,
			ICEFailedSec:       120,
		},
		Chat: Chat{
			TypingTimeoutMs:  3000,
			TypingIntervalMs: 1000,
			SubscriberBuffer: 256,
		},
		Storage: Storage{
			Path: "data/cache.db",
		},
		Log: Log{
			Level:  "info",
			Format: "color",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if c.Identity.Role != "" && !c.Identity.Role.Valid() {
		return fmt.Errorf("identity.role must be patient or doctor, got %q", c.Identity.Role)
	}

	// Relay
	if err := validateURL(c.Relay.URL, "ws", "wss"); err != nil {
		return fmt.Errorf("relay.url: %w", err)
	}
	if c.Relay.ReconnectAttempts < 0 {
		return errors.New("relay.reconnect_attempts must be >= 0")
	}
	if c.Relay.ReconnectDelayMs <= 0 {
		return errors.New("relay.reconnect_delay_ms must be > 0")
	}
	if c.Relay.WriteTimeoutMs <= 0 {
		return errors.New("relay.write_timeout_ms must be > 0")
	}
	if c.Relay.PingIntervalSec <= 0 {
		return errors.New("relay.ping_interval_sec must be > 0")
	}

	// API
	if strings.TrimSpace(c.API.BaseURL) != "" {
		if err := validateURL(c.API.BaseURL, "http", "https"); err != nil {
			return fmt.Errorf("api.base_url: %w", err)
		}
	}
	if c.API.TimeoutSec <= 0 {
		return errors.New("api.timeout_sec must be > 0")
	}
	if c.API.BreakerFailures <= 0 {
		return errors.New("api.breaker_failures must be > 0")
	}

	// Call
	for i, s := range c.Call.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("call.ice_servers[%d].urls is required", i)
		}
	}
	if c.Call.ICEDisconnectedSec <= 0 || c.Call.ICEFailedSec <= 0 {
		return errors.New("call.ice_disconnected_sec and call.ice_failed_sec must be > 0")
	}
	if c.Call.ICEFailedSec < c.Call.ICEDisconnectedSec {
		return errors.New("call.ice_failed_sec must be >= call.ice_disconnected_sec")
	}

	// Chat
	if c.Chat.TypingTimeoutMs <= 0 {
		return errors.New("chat.typing_timeout_ms must be > 0")
	}
	if c.Chat.TypingIntervalMs < 0 {
		return errors.New("chat.typing_interval_ms must be >= 0")
	}
	if c.Chat.SubscriberBuffer <= 0 {
		return errors.New("chat.subscriber_buffer must be > 0")
	}

	// Log
	switch c.Log.Format {
	case "", "color", "plain", "json":
	default:
		return fmt.Errorf("log.format must be color, plain or json, got %q", c.Log.Format)
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %v", schemes)
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

// Durations derived from the millisecond/second fields.

func (r Relay) ReconnectDelay() time.Duration {
	return time.Duration(r.ReconnectDelayMs) * time.Millisecond
}

func (r Relay) WriteTimeout() time.Duration {
	return time.Duration(r.WriteTimeoutMs) * time.Millisecond
}

func (r Relay) PingInterval() time.Duration {
	return time.Duration(r.PingIntervalSec) * time.Second
}

func (c Chat) TypingTimeout() time.Duration {
	return time.Duration(c.TypingTimeoutMs) * time.Millisecond
}

func (c Chat) TypingInterval() time.Duration {
	return time.Duration(c.TypingIntervalMs) * time.Millisecond
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decode(path string, b []byte, cfg *Config) error {
	// Strip UTF-8 BOM if present (common when editing on Windows).
	b = stripBOM(b)
	if isYAML(path) {
		return yaml.Unmarshal(b, cfg)
	}
	return json.Unmarshal(b, cfg)
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation. Missing fields keep
// their defaults.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := decode(path, b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if isYAML(path) {
		return util.WriteYAMLFile(path, cfg)
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
