package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the daemon runtime parameters.
type Config struct {
	ListenAddress       string         `mapstructure:"listen_address"`
	AdminAddress        string         `mapstructure:"admin_address"`
	LogLevel            string         `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration  `mapstructure:"shutdown_grace_period"`
	Keystore            KeystoreConfig `mapstructure:"keystore"`
	Voice               VoiceConfig    `mapstructure:"voice"`
	Speech              SpeechConfig   `mapstructure:"speech"`
	Gateway             GatewayConfig  `mapstructure:"gateway"`
}

// KeystoreConfig describes how the keystore backend is initialized.
type KeystoreConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// VoiceConfig tunes the per-device voice sessions.
type VoiceConfig struct {
	WakePhrase          string        `mapstructure:"wake_phrase"`
	Voice               string        `mapstructure:"voice"`
	AudioFormat         string        `mapstructure:"audio_format"`
	ConversationTimeout time.Duration `mapstructure:"conversation_timeout"`
}

// SpeechConfig wires the external recognition and synthesis vendors.
type SpeechConfig struct {
	TranscriberURL   string `mapstructure:"transcriber_url"`
	TranscriberModel string `mapstructure:"transcriber_model"`
	Language         string `mapstructure:"language"`
	SampleRate       int    `mapstructure:"sample_rate"`
	TranscriberEnv   string `mapstructure:"transcriber_key_env"`
	SynthesizerURL   string `mapstructure:"synthesizer_url"`
	SynthesizerModel string `mapstructure:"synthesizer_model"`
	SynthesizerEnv   string `mapstructure:"synthesizer_key_env"`
}

// GatewayConfig carries client defaults shared by every pooled connection.
type GatewayConfig struct {
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

const (
	defaultListenAddress       = "0.0.0.0:8090"
	defaultAdminAddress        = "127.0.0.1:9091"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultPassphraseEnv       = "MOTE_KEYSTORE_PASSPHRASE"
	defaultKeystorePath        = "data/keystore.json"
	defaultWakePhrase          = "hey mote"
	defaultConversationWindow  = 5 * time.Minute
	defaultTranscriberEnv      = "MOTE_TRANSCRIBER_API_KEY"
	defaultSynthesizerEnv      = "MOTE_SYNTHESIZER_API_KEY"
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with MOTE_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MOTE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("keystore.path", defaultKeystorePath)
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)
	v.SetDefault("voice.wake_phrase", defaultWakePhrase)
	v.SetDefault("voice.conversation_timeout", defaultConversationWindow.String())
	v.SetDefault("speech.transcriber_key_env", defaultTranscriberEnv)
	v.SetDefault("speech.synthesizer_key_env", defaultSynthesizerEnv)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for _, d := range []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"shutdown_grace_period", defaultShutdownGracePeriod, &cfg.ShutdownGracePeriod},
		{"voice.conversation_timeout", defaultConversationWindow, &cfg.Voice.ConversationTimeout},
		{"gateway.handshake_timeout", 0, &cfg.Gateway.HandshakeTimeout},
		{"gateway.request_timeout", 0, &cfg.Gateway.RequestTimeout},
		{"gateway.ping_interval", 0, &cfg.Gateway.PingInterval},
	} {
		if !v.IsSet(d.key) {
			*d.dst = d.fallback
			continue
		}
		raw := v.GetString(d.key)
		if raw == "" {
			*d.dst = d.fallback
			continue
		}
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.AdminAddress == "" {
		cfg.AdminAddress = defaultAdminAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.Keystore.Path == "" {
		cfg.Keystore.Path = defaultKeystorePath
	}
	if cfg.Voice.WakePhrase == "" {
		cfg.Voice.WakePhrase = defaultWakePhrase
	}
	if cfg.Speech.TranscriberEnv == "" {
		cfg.Speech.TranscriberEnv = defaultTranscriberEnv
	}
	if cfg.Speech.SynthesizerEnv == "" {
		cfg.Speech.SynthesizerEnv = defaultSynthesizerEnv
	}

	return cfg, nil
}

// Passphrase fetches the keystore passphrase from the configured environment variable.
func (c Config) Passphrase() (string, error) {
	return fromEnv(c.Keystore.PassphraseEnv, defaultPassphraseEnv, "keystore passphrase")
}

// TranscriberKey fetches the recognition service API key.
func (c Config) TranscriberKey() (string, error) {
	return fromEnv(c.Speech.TranscriberEnv, defaultTranscriberEnv, "transcriber api key")
}

// SynthesizerKey fetches the synthesis service API key.
func (c Config) SynthesizerKey() (string, error) {
	return fromEnv(c.Speech.SynthesizerEnv, defaultSynthesizerEnv, "synthesizer api key")
}

func fromEnv(env, fallback, what string) (string, error) {
	if env == "" {
		env = fallback
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("%s env %s is empty", what, env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
