package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port          string
		LogLevel      string
		LogFormat     string
		PublicBaseURL string
		MaxBodyBytes  int64
	}
	Twilio struct {
		AccountSID string
		AuthToken  string
		FromNumber string
		APIBaseURL string
	}
	Agent struct {
		APIKey         string
		BaseURL        string
		Model          string
		SystemPrompt   string
		Command        string
		MaxConcurrent  int
		CallTimeout    time.Duration
		SMSFastTimeout time.Duration
		HistoryTurns   int
	}
	Voice struct {
		Greeting       string
		AckPhrase      string
		FillerPhrases  []string
		MaxFillerPolls int
		PollPause      time.Duration
		Goodbye        string
		Voice          string
		Language       string
		MaxReplyChars  int
	}
	SMS struct {
		AckMessage    string
		MaxReplyChars int
	}
	RateLimit struct {
		Max    int
		Window time.Duration
	}
	Turns struct {
		MaxAge            time.Duration
		SweepInterval     time.Duration
		DrainTimeout      time.Duration
		DrainPollInterval time.Duration
	}
}

// Load reads configuration from the environment and, when path is non-empty,
// from a config file (yaml, toml or json, chosen by extension). Environment
// variables win over file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.max_body_bytes", 64*1024)

	v.SetDefault("twilio.api_base_url", "https://api.twilio.com")

	v.SetDefault("agent.model", "gpt-4o-mini")
	v.SetDefault("agent.system_prompt", "You are a helpful assistant answering over the phone. Keep replies short and conversational.")
	v.SetDefault("agent.max_concurrent", 4)
	v.SetDefault("agent.call_timeout_ms", 120000)
	v.SetDefault("agent.sms_fast_timeout_ms", 12000)
	v.SetDefault("agent.history_turns", 20)

	v.SetDefault("voice.greeting", "Hi, what can I help you with?")
	v.SetDefault("voice.ack_phrase", "Okay, one moment.")
	v.SetDefault("voice.filler_phrases", "Still working on it.,Almost there.")
	v.SetDefault("voice.max_filler_polls", 2)
	v.SetDefault("voice.poll_pause_ms", 2000)
	v.SetDefault("voice.goodbye", "Goodbye.")
	v.SetDefault("voice.voice", "Polly.Joanna")
	v.SetDefault("voice.language", "en-US")
	v.SetDefault("voice.max_reply_chars", 1200)

	v.SetDefault("sms.ack_message", "Got it, working on a reply. I'll text you back shortly.")
	v.SetDefault("sms.max_reply_chars", 1500)

	v.SetDefault("ratelimit.max", 10)
	v.SetDefault("ratelimit.window_ms", 60000)

	v.SetDefault("turns.max_age_ms", 5*60*1000)
	v.SetDefault("turns.sweep_interval_ms", 30000)
	v.SetDefault("turns.drain_timeout_ms", 15000)
	v.SetDefault("turns.drain_poll_interval_ms", 250)

	// Map envs
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.log_level", "LOG_LEVEL")
	v.BindEnv("server.log_format", "LOG_FORMAT")
	v.BindEnv("server.public_base_url", "PUBLIC_BASE_URL")
	v.BindEnv("server.max_body_bytes", "MAX_BODY_BYTES")

	v.BindEnv("twilio.account_sid", "TWILIO_ACCOUNT_SID")
	v.BindEnv("twilio.auth_token", "TWILIO_AUTH_TOKEN")
	v.BindEnv("twilio.from_number", "TWILIO_FROM_NUMBER")
	v.BindEnv("twilio.api_base_url", "TWILIO_API_BASE_URL")

	v.BindEnv("agent.api_key", "AGENT_API_KEY", "OPENAI_API_KEY")
	v.BindEnv("agent.base_url", "AGENT_BASE_URL", "OPENAI_BASE_URL")
	v.BindEnv("agent.model", "AGENT_MODEL")
	v.BindEnv("agent.system_prompt", "AGENT_SYSTEM_PROMPT")
	v.BindEnv("agent.command", "AGENT_COMMAND")
	v.BindEnv("agent.max_concurrent", "AGENT_MAX_CONCURRENT")
	v.BindEnv("agent.call_timeout_ms", "AGENT_CALL_TIMEOUT_MS")
	v.BindEnv("agent.sms_fast_timeout_ms", "SMS_FAST_TIMEOUT_MS")
	v.BindEnv("agent.history_turns", "AGENT_HISTORY_TURNS")

	v.BindEnv("voice.greeting", "VOICE_GREETING")
	v.BindEnv("voice.ack_phrase", "VOICE_ACK_PHRASE")
	v.BindEnv("voice.filler_phrases", "VOICE_FILLER_PHRASES")
	v.BindEnv("voice.max_filler_polls", "VOICE_MAX_FILLER_POLLS")
	v.BindEnv("voice.poll_pause_ms", "VOICE_POLL_PAUSE_MS")
	v.BindEnv("voice.goodbye", "VOICE_GOODBYE")
	v.BindEnv("voice.voice", "VOICE_NAME")
	v.BindEnv("voice.language", "VOICE_LANGUAGE")
	v.BindEnv("voice.max_reply_chars", "VOICE_MAX_REPLY_CHARS")

	v.BindEnv("sms.ack_message", "SMS_ACK_MESSAGE")
	v.BindEnv("sms.max_reply_chars", "SMS_MAX_REPLY_CHARS")

	v.BindEnv("ratelimit.max", "RATE_LIMIT_MAX")
	v.BindEnv("ratelimit.window_ms", "RATE_LIMIT_WINDOW_MS")

	v.BindEnv("turns.max_age_ms", "TURN_MAX_AGE_MS")
	v.BindEnv("turns.sweep_interval_ms", "TURN_SWEEP_INTERVAL_MS")
	v.BindEnv("turns.drain_timeout_ms", "DRAIN_TIMEOUT_MS")
	v.BindEnv("turns.drain_poll_interval_ms", "DRAIN_POLL_INTERVAL_MS")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	var c Config
	c.Server.Port = toString(v.Get("server.port"))
	c.Server.LogLevel = v.GetString("server.log_level")
	c.Server.LogFormat = v.GetString("server.log_format")
	c.Server.PublicBaseURL = strings.TrimRight(v.GetString("server.public_base_url"), "/")
	c.Server.MaxBodyBytes = v.GetInt64("server.max_body_bytes")

	c.Twilio.AccountSID = v.GetString("twilio.account_sid")
	c.Twilio.AuthToken = v.GetString("twilio.auth_token")
	c.Twilio.FromNumber = v.GetString("twilio.from_number")
	c.Twilio.APIBaseURL = strings.TrimRight(v.GetString("twilio.api_base_url"), "/")

	c.Agent.APIKey = v.GetString("agent.api_key")
	c.Agent.BaseURL = v.GetString("agent.base_url")
	c.Agent.Model = v.GetString("agent.model")
	c.Agent.SystemPrompt = v.GetString("agent.system_prompt")
	c.Agent.Command = v.GetString("agent.command")
	c.Agent.MaxConcurrent = v.GetInt("agent.max_concurrent")
	c.Agent.CallTimeout = millis(v, "agent.call_timeout_ms")
	c.Agent.SMSFastTimeout = millis(v, "agent.sms_fast_timeout_ms")
	c.Agent.HistoryTurns = v.GetInt("agent.history_turns")

	c.Voice.Greeting = v.GetString("voice.greeting")
	c.Voice.AckPhrase = v.GetString("voice.ack_phrase")
	c.Voice.FillerPhrases = splitList(v.Get("voice.filler_phrases"))
	c.Voice.MaxFillerPolls = v.GetInt("voice.max_filler_polls")
	c.Voice.PollPause = millis(v, "voice.poll_pause_ms")
	c.Voice.Goodbye = v.GetString("voice.goodbye")
	c.Voice.Voice = v.GetString("voice.voice")
	c.Voice.Language = v.GetString("voice.language")
	c.Voice.MaxReplyChars = v.GetInt("voice.max_reply_chars")

	c.SMS.AckMessage = v.GetString("sms.ack_message")
	c.SMS.MaxReplyChars = v.GetInt("sms.max_reply_chars")

	c.RateLimit.Max = v.GetInt("ratelimit.max")
	c.RateLimit.Window = millis(v, "ratelimit.window_ms")

	c.Turns.MaxAge = millis(v, "turns.max_age_ms")
	c.Turns.SweepInterval = millis(v, "turns.sweep_interval_ms")
	c.Turns.DrainTimeout = millis(v, "turns.drain_timeout_ms")
	c.Turns.DrainPollInterval = millis(v, "turns.drain_poll_interval_ms")

	if err := c.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "validating config")
	}

	log.Info().
		Str("port", c.Server.Port).
		Bool("signature_check", c.SignatureCheckEnabled()).
		Str("backend", c.BackendKind()).
		Int("max_concurrent", c.Agent.MaxConcurrent).
		Msg("config loaded")
	return c, nil
}

// Validate checks the numeric settings that would otherwise break the server at runtime.
func (c Config) Validate() error {
	if c.Server.MaxBodyBytes <= 0 {
		return errors.New("server.max_body_bytes must be > 0")
	}
	if c.Agent.MaxConcurrent <= 0 {
		return errors.New("agent.max_concurrent must be > 0")
	}
	if c.Agent.CallTimeout <= 0 || c.Agent.SMSFastTimeout <= 0 {
		return errors.New("agent timeouts must be > 0")
	}
	if c.RateLimit.Max > 0 && c.RateLimit.Window <= 0 {
		return errors.New("ratelimit.window_ms must be > 0 when ratelimit.max is set")
	}
	if c.Turns.MaxAge <= 0 || c.Turns.SweepInterval <= 0 {
		return errors.New("turns.max_age_ms and turns.sweep_interval_ms must be > 0")
	}
	if c.Turns.DrainPollInterval <= 0 {
		return errors.New("turns.drain_poll_interval_ms must be > 0")
	}
	if c.Voice.PollPause <= 0 {
		return errors.New("voice.poll_pause_ms must be > 0")
	}
	return nil
}

// SignatureCheckEnabled reports whether inbound webhooks are authenticated.
func (c Config) SignatureCheckEnabled() bool {
	return c.Twilio.AuthToken != "" && c.Server.PublicBaseURL != ""
}

// BackendKind names the agent strategy the config selects: "api", "command" or "none".
func (c Config) BackendKind() string {
	switch {
	case c.Agent.APIKey != "":
		return "api"
	case strings.TrimSpace(c.Agent.Command) != "":
		return "command"
	default:
		return "none"
	}
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}

func splitList(raw any) []string {
	var parts []string
	switch t := raw.(type) {
	case []any:
		for _, p := range t {
			parts = append(parts, toString(p))
		}
	case []string:
		parts = t
	default:
		parts = strings.Split(toString(raw), ",")
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func toString(v any) string { return fmt.Sprint(v) }
