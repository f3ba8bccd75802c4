package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bingosuite/chatsync/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.MainServer)
	assert.Equal(t, "127.0.0.1:29530", cfg.LinkAddr())
	assert.Equal(t, "127.0.0.1:8080", cfg.GatewayAddr())
	assert.Equal(t, model.RoleMain, cfg.Role())
	assert.Equal(t, 200, cfg.MaxMessageLength)
	assert.Equal(t, []string{"/", "!", ".", "#"}, cfg.FilterPrefixes)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, Default().MCServerName, cfg.MCServerName)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	writeFile(t, path, `
main_server: false
main_server_host: hub.example
mc_server_name: Survival
qq_group_id: [1001, 1002]
sync_qq_to_qq: false
filter_prefixes: ["!"]
link:
  heartbeat_interval: 2s
  queue_size: 8
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, model.RoleSubordinate, cfg.Role())
	assert.Equal(t, "hub.example:29530", cfg.LinkAddr())
	assert.Equal(t, "Survival", cfg.MCServerName)
	assert.Equal(t, []int64{1001, 1002}, cfg.QQGroupID)
	assert.Equal(t, 2*time.Second, cfg.Link.HeartbeatInterval)
	assert.Equal(t, 8, cfg.Link.QueueSize)
	assert.Equal(t, time.Minute, cfg.Link.ReconnectMax, "unset nested keys keep defaults")

	p := cfg.Policy()
	assert.False(t, p.SyncGroupToGroup)
	assert.True(t, p.SyncServerToGroup)
	assert.Equal(t, []string{"!"}, p.FilterPrefixes)
	assert.Equal(t, "QQ", p.GroupLabel)

	groups := cfg.Groups()
	require.Len(t, groups, 2)
	assert.True(t, groups[0].Active)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"main_server_port": 30000, "qq_bot_enabled": true, "onebot_access_token": "abc", "max_message_length": 50}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30000, cfg.MainServerPort)
	assert.True(t, cfg.QQBotEnabled)
	assert.Equal(t, "abc", cfg.OneBotAccessToken)
	assert.Equal(t, 50, cfg.Policy().MaxMessageLength)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	writeFile(t, path, "main_server_password: from-file\n")
	writeFile(t, filepath.Join(dir, ".env"), "CHATSYNC_ONEBOT_ACCESS_TOKEN=from-dotenv\n")
	t.Setenv("CHATSYNC_MAIN_SERVER_PASSWORD", "from-env")
	t.Setenv("CHATSYNC_LOG_LEVEL", "debug")
	t.Cleanup(func() { _ = os.Unsetenv("CHATSYNC_ONEBOT_ACCESS_TOKEN") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.MainServerPassword)
	assert.Equal(t, "from-dotenv", cfg.OneBotAccessToken)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"low port":         "main_server_port: 80\n",
		"duplicate group":  "qq_group_id: [5, 5]\n",
		"negative group":   "qq_group_id: [-1]\n",
		"zero length":      "max_message_length: 0\n",
		"bad template":     "mc_chat_format: \"[{server] {message}\"\n",
		"unknown variable": "qq_event_format: \"{who} did it\"\n",
		"bad driver":       "bind_store:\n  driver: postgres\n",
		"bad gateway port": "qq_bot_enabled: true\nonebot_ws_port: 70000\n",
		"zero queue":       "link:\n  queue_size: 0\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yml")
			writeFile(t, path, content)
			_, err := Load(path)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadRejectsUnparseable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	writeFile(t, path, "main_server: [unterminated\n")
	_, err := Load(path)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}

func TestFixedFieldsChanged(t *testing.T) {
	old := Default()
	next := Default()
	assert.Empty(t, FixedFieldsChanged(old, next))

	next.QQGroupID = []int64{1}
	next.SyncMCToMC = false
	next.MainServerPort = 30001
	assert.Equal(t, []string{"main_server_host/port", "qq_group_id"}, FixedFieldsChanged(old, next))
}

func TestWatchReloadsValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	writeFile(t, path, "mc_server_name: One\n")

	var (
		mu   sync.Mutex
		seen []string
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	go func() {
		close(started)
		_ = Watch(ctx, path, zerolog.Nop(), func(c *Config) {
			mu.Lock()
			seen = append(seen, c.MCServerName)
			mu.Unlock()
		})
	}()
	<-started
	time.Sleep(100 * time.Millisecond)

	writeFile(t, path, "max_message_length: -1\n")
	time.Sleep(2 * reloadDebounce)
	writeFile(t, path, "mc_server_name: Two\n")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == "Two"
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, seen, "One")
}
