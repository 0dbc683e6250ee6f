package config

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tcriess/lightspeed-course-chat/globals"
)

const (
	defaultServerURL        = "ws://localhost:8000/chat"
	defaultMinBackoff       = 500 * time.Millisecond
	defaultMaxBackoff       = 30 * time.Second
	defaultWriteWait        = 10 * time.Second
	defaultPongWait         = 2 * time.Minute
	defaultJoinDelay        = 300 * time.Millisecond
	defaultNoticeWindow     = 5 * time.Second
	defaultScrollThreshold  = 48
	defaultMaxMessageLength = 5000
	defaultCacheType        = "memory"
	defaultCacheMaxCourses  = 32
	defaultCacheMaxMessages = 100
	defaultNotificationsLim = 20
	defaultDevServerAddr    = "localhost:8000"
	defaultDevServerPage    = 20
	defaultLogLevel         = "INFO"

	redacted = "<redacted>"
)

// Config is the global configuration object which is filled via the configuration file, the environment
// (prefix COURSECHAT_) and the command line flags.
type Config struct {
	ServerConfig        ServerConfig        `mapstructure:"server"`
	IdentityConfig      IdentityConfig      `mapstructure:"identity"`
	OIDCConfigs         []OIDCConfig        `mapstructure:"oidc"`
	ChatConfig          ChatConfig          `mapstructure:"chat"`
	CacheConfig         CacheConfig         `mapstructure:"cache"`
	NotificationsConfig NotificationsConfig `mapstructure:"notifications"`
	DevServerConfig     DevServerConfig     `mapstructure:"devserver"`
	LogLevel            string              `mapstructure:"log_level"`
}

// ServerConfig configures the websocket endpoint of the chat server and how the transport reconnects after the
// connection dropped.
type ServerConfig struct {
	URL        string        `mapstructure:"url"`
	MinBackoff time.Duration `mapstructure:"min_backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
}

// IdentityConfig describes the signed-in user. Either UserId is set directly, or an ID token is verified with the
// OIDC provider named in Provider.
type IdentityConfig struct {
	UserId   string `mapstructure:"user_id"`
	Name     string `mapstructure:"name"`
	Role     string `mapstructure:"role"`
	IdToken  string `mapstructure:"id_token"`
	Provider string `mapstructure:"provider"`
}

// An OIDCConfig object configures an OpenID Connect provider that is used to resolve the user identity from an
// ID token.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"` // f.e. "https://accounts.google.com"
}

type ChatConfig struct {
	JoinDelay        time.Duration `mapstructure:"join_delay"`    // grace period between authenticated and joinCourse
	NoticeWindow     time.Duration `mapstructure:"notice_window"` // how long the unblock notice stays visible
	ScrollThreshold  int           `mapstructure:"scroll_threshold"`
	MaxMessageLength int           `mapstructure:"max_message_length"`
	ViewFilter       string        `mapstructure:"view_filter"` // expr expression, see package filter
}

// CacheConfig configures the local message cache. Type is one of memory, buntdb, sqlite or postgres.
type CacheConfig struct {
	Type        string `mapstructure:"type"`
	DSN         string `mapstructure:"dsn"`
	FlockPath   string `mapstructure:"flock_path"` // buntdb only, defaults to DSN + ".lock"
	MaxCourses  int    `mapstructure:"max_courses"`
	MaxMessages int    `mapstructure:"max_messages"`
}

// NotificationsConfig configures the periodic notification feed requests. An empty CronSpec disables polling.
type NotificationsConfig struct {
	CronSpec string `mapstructure:"cron_spec"`
	Limit    int    `mapstructure:"limit"`
}

type DevServerConfig struct {
	Addr     string `mapstructure:"addr"`
	PageSize int    `mapstructure:"page_size"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("server-url", "", "websocket url of the chat server")
	flagSet.StringP("user-id", "u", "", "id of the signed-in user")
	flagSet.String("log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	flagSet.String("cache-type", "", "message cache backend (memory, buntdb, sqlite, postgres)")
	flagSet.String("cache-dsn", "", "message cache file / dsn")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	from := "-"
	to := "_"
	name = strings.Replace(name, from, to, -1)
	return pflag.NormalizedName(name)
}

// flag name -> config key
var flagKeys = map[string]string{
	"server_url": "server.url",
	"user_id":    "identity.user_id",
	"log_level":  "log_level",
	"cache_type": "cache.type",
	"cache_dsn":  "cache.dsn",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", defaultServerURL)
	v.SetDefault("server.min_backoff", defaultMinBackoff)
	v.SetDefault("server.max_backoff", defaultMaxBackoff)
	v.SetDefault("server.write_wait", defaultWriteWait)
	v.SetDefault("server.pong_wait", defaultPongWait)
	v.SetDefault("chat.join_delay", defaultJoinDelay)
	v.SetDefault("chat.notice_window", defaultNoticeWindow)
	v.SetDefault("chat.scroll_threshold", defaultScrollThreshold)
	v.SetDefault("chat.max_message_length", defaultMaxMessageLength)
	v.SetDefault("cache.type", defaultCacheType)
	v.SetDefault("cache.max_courses", defaultCacheMaxCourses)
	v.SetDefault("cache.max_messages", defaultCacheMaxMessages)
	v.SetDefault("notifications.limit", defaultNotificationsLim)
	v.SetDefault("devserver.addr", defaultDevServerAddr)
	v.SetDefault("devserver.page_size", defaultDevServerPage)
	v.SetDefault("log_level", defaultLogLevel)
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are parsed one by one and merged. It
// returns a Config object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	v := viper.New()
	setDefaults(v)
	if flagSet != nil {
		flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
		for name, key := range flagKeys {
			if f := flagSet.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					globals.AppLogger.Error("could not bind flag (ignored)", "flag", name, "error", err)
				}
			}
		}
	}
	v.SetEnvPrefix("COURSECHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		v.SetConfigType("toml")
		for _, configFile := range files {
			fileContents, err := ioutil.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			// each file is its own TOML document, top level keys must not end up in a table of the previous file
			err = v.MergeConfig(bytes.NewReader(fileContents))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", configFile, err)
			}
		}
	}
	err := v.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	globals.AppLogger.Debug("config", "cfg", cfg.Redacted())
	return &cfg, nil
}

// Redacted returns a copy that is safe to log, the ID token is masked.
func (c Config) Redacted() Config {
	if c.IdentityConfig.IdToken != "" {
		c.IdentityConfig.IdToken = redacted
	}
	return c
}
