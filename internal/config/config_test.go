package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/careline/careline/internal/proto"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 5, cfg.Relay.ReconnectAttempts)
	require.Equal(t, 2*time.Second, cfg.Relay.ReconnectDelay())
	require.Equal(t, 3*time.Second, cfg.Chat.TypingTimeout())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"relay scheme":   func(c *Config) { c.Relay.URL = "http://relay" },
		"relay host":     func(c *Config) { c.Relay.URL = "ws://" },
		"role":           func(c *Config) { c.Identity.Role = "nurse" },
		"delay":          func(c *Config) { c.Relay.ReconnectDelayMs = 0 },
		"attempts":       func(c *Config) { c.Relay.ReconnectAttempts = -1 },
		"ice urls":       func(c *Config) { c.Call.ICEServers = []ICEServer{{}} },
		"ice timeouts":   func(c *Config) { c.Call.ICEFailedSec = 1 },
		"typing timeout": func(c *Config) { c.Chat.TypingTimeoutMs = 0 },
		"api scheme":     func(c *Config) { c.API.BaseURL = "ftp://x" },
		"log format":     func(c *Config) { c.Log.Format = "xml" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadJSONKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "careline.json")
	body := "\xEF\xBB\xBF" + `{"identity":{"user_id":"u1","role":"doctor"},"relay":{"url":"wss://relay.example.org/ws"}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "u1", cfg.Identity.UserID)
	require.Equal(t, proto.RoleDoctor, cfg.Identity.Role)
	require.Equal(t, "wss://relay.example.org/ws", cfg.Relay.URL)
	require.Equal(t, 2000, cfg.Relay.ReconnectDelayMs)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "careline.yaml")
	body := `
identity:
  user_id: u2
  role: patient
call:
  ice_servers:
    - urls: ["turn:turn.example.org:3478"]
      username: alice
      credential: secret
log:
  level: debug
  subsystems:
    relay: warn
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, proto.RolePatient, cfg.Identity.Role)
	require.Len(t, cfg.Call.ICEServers, 1)
	require.Equal(t, "alice", cfg.Call.ICEServers[0].Username)
	require.Equal(t, "warn", cfg.Log.Subsystems["relay"])
	require.Equal(t, 120, cfg.Call.ICEFailedSec)
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "careline.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"relay":{"url":"http://nope"}}`), 0o600))
	_, err := Load(path)
	require.Error(t, err)

	cfg, err := LoadPartial(path)
	require.NoError(t, err)
	require.Equal(t, "http://nope", cfg.Relay.URL)
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	for _, name := range []string{"careline.json", "careline.yml"} {
		path := filepath.Join(t.TempDir(), "nested", name)

		cfg, created, err := Ensure(path)
		require.NoError(t, err)
		require.True(t, created)
		require.Equal(t, Default().Relay.URL, cfg.Relay.URL)

		cfg.Identity.UserID = "u3"
		require.NoError(t, Save(path, cfg))

		again, created, err := Ensure(path)
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, "u3", again.Identity.UserID)
	}
}

func TestWatchReloadsValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "careline.json")
	require.NoError(t, Save(path, Default()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c Config) { got <- c }) }()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"relay":{"url":"ftp://bad"}}`), 0o600))
	time.Sleep(2 * settle)

	cfg := Default()
	cfg.Log.Level = "debug"
	require.NoError(t, Save(path, cfg))

	select {
	case c := <-got:
		require.Equal(t, "debug", c.Log.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}
	require.Empty(t, got)

	cancel()
	require.NoError(t, <-done)
}
