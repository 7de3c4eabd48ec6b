// Package config holds the engine's JSON configuration: identity, signaling
// transport selection, ICE servers, media preferences and VAD tuning.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/parleyhq/parley/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	ICE       ICE       `json:"ice"`
	Media     Media     `json:"media"`
	VAD       VAD       `json:"vad"`
}

type Identity struct {
	// UserID is the signaling address of this endpoint. For the p2p transport
	// it is overwritten at startup with the libp2p peer ID.
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	KeyFile     string `json:"key_file"`
}

type Signaling struct {
	// Transport selects the message bus: "p2p" (libp2p direct streams with
	// mDNS discovery) or "relay" (websocket relay server).
	Transport string `json:"transport"`

	// RelayURL is the websocket relay endpoint, e.g. "ws://host:8801/ws".
	// Required when Transport is "relay".
	RelayURL string `json:"relay_url"`

	// ListenPort for the libp2p host. 0 picks a random port.
	ListenPort int `json:"listen_port"`

	// MdnsTag scopes LAN discovery so unrelated parley meshes don't mix.
	MdnsTag string `json:"mdns_tag"`

	// PresenceTopic is the pubsub topic for roster heartbeats (p2p only).
	PresenceTopic string `json:"presence_topic"`

	// PresenceTTLSec / PresenceHeartbeatSec control roster expiry.
	PresenceTTLSec       int `json:"presence_ttl_seconds"`
	PresenceHeartbeatSec int `json:"presence_heartbeat_seconds"`
}

type ICE struct {
	STUNServers []string `json:"stun_servers"`
}

type Media struct {
	// MaxWidth/MaxHeight cap the captured video resolution. Higher values
	// increase VP8 encoding latency.
	MaxWidth  int `json:"max_width"`
	MaxHeight int `json:"max_height"`

	// DisableVideo forces voice-only capture even for video calls.
	DisableVideo bool `json:"disable_video"`
}

// VAD tunes the half-duplex voice activity detector. All values have working
// defaults; Threshold and SilenceDelayMs are the two knobs worth touching.
type VAD struct {
	// Threshold is the normalized 0–100 level above which a side counts as
	// speaking.
	Threshold float64 `json:"threshold"`

	// SilenceDelayMs is how long local audio must stay below Threshold before
	// remote playback is unmuted again.
	SilenceDelayMs int `json:"silence_delay_ms"`

	// TickMs is the analysis cadence.
	TickMs int `json:"tick_ms"`

	// Smoothing is the exponential smoothing factor applied to raw levels.
	Smoothing float64 `json:"smoothing"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Signaling: Signaling{
			Transport:            "p2p",
			ListenPort:           0,
			MdnsTag:              "parley-mdns",
			PresenceTopic:        "parley.presence.v1",
			PresenceTTLSec:       20,
			PresenceHeartbeatSec: 5,
		},
		ICE: ICE{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
		Media: Media{
			MaxWidth:  640,
			MaxHeight: 480,
		},
		VAD: VAD{
			Threshold:      25,
			SilenceDelayMs: 550,
			TickMs:         20,
			Smoothing:      0.8,
		},
	}
}

func (c *Config) Validate() error {
	switch c.Signaling.Transport {
	case "p2p":
	case "relay":
		if c.Signaling.RelayURL == "" {
			return errors.New("signaling.relay_url required for relay transport")
		}
		u, err := url.Parse(c.Signaling.RelayURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("signaling.relay_url must be a ws:// or wss:// URL")
		}
	default:
		return fmt.Errorf("signaling.transport must be \"p2p\" or \"relay\", got %q", c.Signaling.Transport)
	}

	if c.Signaling.ListenPort < 0 || c.Signaling.ListenPort > 65535 {
		return errors.New("signaling.listen_port out of range")
	}
	if c.VAD.Threshold < 0 || c.VAD.Threshold > 100 {
		return errors.New("vad.threshold must be within 0-100")
	}
	if c.VAD.SilenceDelayMs < 0 {
		return errors.New("vad.silence_delay_ms must not be negative")
	}
	if c.VAD.TickMs <= 0 {
		return errors.New("vad.tick_ms must be positive")
	}
	if c.VAD.Smoothing < 0 || c.VAD.Smoothing >= 1 {
		return errors.New("vad.smoothing must be in [0,1)")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
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
