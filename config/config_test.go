package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigurationDefaults(t *testing.T) {
	cfg, err := ReadConfiguration("", nil)
	require.NoError(t, err)
	assert.Equal(t, defaultServerURL, cfg.ServerConfig.URL)
	assert.Equal(t, defaultJoinDelay, cfg.ChatConfig.JoinDelay)
	assert.Equal(t, defaultNoticeWindow, cfg.ChatConfig.NoticeWindow)
	assert.Equal(t, "memory", cfg.CacheConfig.Type)
	assert.Equal(t, defaultCacheMaxMessages, cfg.CacheConfig.MaxMessages)
}

func TestReadConfigurationDirectory(t *testing.T) {
	dir, err := ioutil.TempDir("", "coursechat-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	server := `
log_level = "DEBUG"
[server]
url = "ws://chat.example.com/chat"
max_backoff = "10s"
`
	chat := `
[chat]
join_delay = "1s"
view_filter = 'Sender.Role == "instructor"'

[[oidc]]
name = "google"
provider_url = "https://accounts.google.com"
`
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "server.toml"), []byte(server), 0o644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "chat.toml"), []byte(chat), 0o644))

	flagSet := GetFlagSet()
	require.NoError(t, flagSet.Parse([]string{"--user-id", "u42", "--cache-type", "buntdb"}))

	cfg, err := ReadConfiguration(dir, flagSet)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "ws://chat.example.com/chat", cfg.ServerConfig.URL)
	assert.Equal(t, 10*time.Second, cfg.ServerConfig.MaxBackoff)
	assert.Equal(t, defaultMinBackoff, cfg.ServerConfig.MinBackoff)
	assert.Equal(t, time.Second, cfg.ChatConfig.JoinDelay)
	assert.Equal(t, `Sender.Role == "instructor"`, cfg.ChatConfig.ViewFilter)
	require.Len(t, cfg.OIDCConfigs, 1)
	assert.Equal(t, "google", cfg.OIDCConfigs[0].Name)
	assert.Equal(t, "u42", cfg.IdentityConfig.UserId)
	assert.Equal(t, "buntdb", cfg.CacheConfig.Type)
}

func TestReadConfigurationMissingFile(t *testing.T) {
	_, err := ReadConfiguration("/does/not/exist.toml", nil)
	assert.Error(t, err)
}

func TestRedactedMasksIdToken(t *testing.T) {
	cfg := Config{IdentityConfig: IdentityConfig{UserId: "u1", IdToken: "eyJhbGciOi.secret.sig"}}
	r := cfg.Redacted()
	assert.Equal(t, redacted, r.IdentityConfig.IdToken)
	assert.Equal(t, "u1", r.IdentityConfig.UserId)
	assert.Equal(t, "eyJhbGciOi.secret.sig", cfg.IdentityConfig.IdToken, "the original is not touched")

	assert.Empty(t, Config{}.Redacted().IdentityConfig.IdToken)
}
