package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/classpeer/classpeer/internal/util"

	"github.com/google/uuid"
)

type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	Call     Call     `json:"call"`
	Chat     Chat     `json:"chat"`
}

type Identity struct {
	// ParticipantID is the stable account id this node signs into rooms with.
	// Generated on first Ensure if empty.
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
}

type Store struct {
	// URL of the document store websocket endpoint, e.g. "ws://127.0.0.1:8788/v1/ws".
	// Required for join/chat modes.
	URL string `json:"url"`

	// Bind address and port for serve mode.
	ServeBind string `json:"serve_bind"`
	ServePort int    `json:"serve_port"`

	// Path to the SQLite database for serve mode, relative to the node
	// directory. Empty means in-memory only.
	DBPath string `json:"db_path"`

	// Document path prefix for call rooms.
	PathPrefix string `json:"path_prefix"`
}

type Call struct {
	// STUNServers are NAT-traversal helper endpoints, e.g. "stun:stun.l.google.com:19302".
	STUNServers []string `json:"stun_servers"`

	// VideoBitRate for the VP8 encoder in bits per second.
	VideoBitRate int `json:"video_bitrate"`

	// DisableVideo joins calls audio-only even when a camera is available.
	DisableVideo bool `json:"disable_video"`
}

type Chat struct {
	HistorySize int `json:"history_size"`
}

func Default() Config {
	return Config{
		Identity: Identity{},
		Store: Store{
			URL:        "",
			ServeBind:  "127.0.0.1",
			ServePort:  8788,
			DBPath:     "data/store.db",
			PathPrefix: "videoCalls",
		},
		Call: Call{
			STUNServers:  []string{"stun:stun.l.google.com:19302"},
			VideoBitRate: 1_500_000,
		},
		Chat: Chat{
			HistorySize: 100,
		},
	}
}

// Load reads and validates a config file.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Ensure loads the config at path, creating it with defaults (and a freshly
// generated participant id) if it does not exist. The second return value
// reports whether the file was created.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !errors.Is(err, os.ErrNotExist) {
		return Config{}, false, fmt.Errorf("stat config: %w", err)
	}

	cfg := Default()
	cfg.Identity.ParticipantID = uuid.NewString()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}

// Save writes the config to path, creating parent directories if needed.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

func (c *Config) Validate() error {
	// Identity
	if c.Identity.ParticipantID != "" {
		if _, err := util.ValidateParticipantID(c.Identity.ParticipantID); err != nil {
			return fmt.Errorf("identity.participant_id: %w", err)
		}
	}

	// Store
	if c.Store.ServePort < 0 || c.Store.ServePort > 65535 {
		return errors.New("store.serve_port must be 0..65535")
	}
	if u := strings.TrimSpace(c.Store.URL); u != "" {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return errors.New("store.url must start with ws:// or wss://")
		}
	}
	if strings.TrimSpace(c.Store.PathPrefix) == "" {
		return errors.New("store.path_prefix is required")
	}
	if strings.Contains(c.Store.PathPrefix, "/") {
		return errors.New("store.path_prefix must not contain '/'")
	}

	// Call
	if len(c.Call.STUNServers) == 0 {
		return errors.New("call.stun_servers must list at least one server")
	}
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers entry %q must start with stun: or turn:", s)
		}
	}
	if c.Call.VideoBitRate <= 0 {
		return errors.New("call.video_bitrate must be > 0")
	}

	// Chat
	if c.Chat.HistorySize <= 0 {
		return errors.New("chat.history_size must be > 0")
	}

	return nil
}
