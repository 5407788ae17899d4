package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// DefaultInstruction is the persona used when SYSTEM_INSTRUCTION is unset.
const DefaultInstruction = "You are beluga-cat, a friendly and playful cat who chats with people in Slack threads. " +
	"Keep replies short and warm, stay on the conversation's topic, and use plain Slack formatting."

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment  string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	Debug        bool   `envconfig:"DEBUG" default:"false"`
	LogFile      string `envconfig:"LOG_FILE"`
	LogFileMaxMB int    `envconfig:"LOG_FILE_MAX_MB" default:"50"`

	// Slack
	SlackBotToken        string `envconfig:"SLACK_BOT_TOKEN"`
	SlackAppToken        string `envconfig:"SLACK_APP_TOKEN"`        // xapp- token for Socket Mode
	SlackAllowedChannels string `envconfig:"SLACK_ALLOWED_CHANNELS"` // comma-separated; empty means unrestricted

	// Text generation
	LLMProvider       string  `envconfig:"LLM_PROVIDER" default:"openai"`
	OpenAIAPIKey      string  `envconfig:"OPENAI_API_KEY"`
	OpenAIModel       string  `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIBaseURL     string  `envconfig:"OPENAI_BASE_URL"`
	GeminiAPIKey      string  `envconfig:"GEMINI_API_KEY"`
	GeminiModel       string  `envconfig:"GEMINI_MODEL" default:"gemini-1.5-flash"`
	GeminiBaseURL     string  `envconfig:"GEMINI_BASE_URL"`
	SystemInstruction string  `envconfig:"SYSTEM_INSTRUCTION"`
	PersonaFile       string  `envconfig:"PERSONA_FILE"`
	MockMode          bool    `envconfig:"MOCK_MODE" default:"false"`
	MaxOutputTokens   int     `envconfig:"MAX_OUTPUT_TOKENS" default:"512"`
	Temperature       float64 `envconfig:"TEMPERATURE" default:"0.7"`

	// Sessions
	ThreadPrefix   string        `envconfig:"THREAD_PREFIX" default:"beluga-cat"`
	MemoryMaxTurns int           `envconfig:"MEMORY_MAX_TURNS" default:"40"`
	SessionTTL     time.Duration `envconfig:"SESSION_TTL" default:"20m"`
	ReaperInterval time.Duration `envconfig:"REAPER_INTERVAL" default:"60s"`
	TurnCooldown   time.Duration `envconfig:"TURN_COOLDOWN" default:"3s"`
	AutoArchive    time.Duration `envconfig:"AUTO_ARCHIVE" default:"60m"`
	DeleteOnEnd    bool          `envconfig:"DELETE_ON_END" default:"false"`
	EndOnShutdown  bool          `envconfig:"END_ON_SHUTDOWN" default:"false"`

	// Ops API
	OpsListenAddr string `envconfig:"OPS_LISTEN_ADDR" default:":8090"`
	OpsAuthMode   string `envconfig:"OPS_AUTH_MODE" default:"api-key"`
	OpsAPIKey     string `envconfig:"OPS_API_KEY"`
	OpsRateLimit  int    `envconfig:"OPS_RATE_LIMIT" default:"120"` // requests per minute per IP; 0 disables
}

// IsDevelopment reports whether human-readable console logging should be used.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// SlackAllowedChannelList returns the parsed list of allowed Slack channel IDs.
// Returns nil if not configured, which leaves writes unrestricted.
func (c *Config) SlackAllowedChannelList() []string {
	if c.SlackAllowedChannels == "" {
		return nil
	}
	parts := strings.Split(c.SlackAllowedChannels, ",")
	channels := make([]string, 0, len(parts))
	for _, ch := range parts {
		ch = strings.TrimSpace(ch)
		if ch != "" {
			channels = append(channels, ch)
		}
	}
	return channels
}

// Validate reports every problem that would keep the bot from starting.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.SlackBotToken == "" {
		add("SLACK_BOT_TOKEN is required")
	}
	if c.SlackAppToken == "" {
		add("SLACK_APP_TOKEN is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.LLMProvider)) {
	case "openai":
		if c.OpenAIAPIKey == "" && !c.MockMode {
			add("OPENAI_API_KEY is required when LLM_PROVIDER=openai (or set MOCK_MODE)")
		}
	case "gemini":
		if c.GeminiAPIKey == "" {
			add("GEMINI_API_KEY is required when LLM_PROVIDER=gemini")
		}
	default:
		add("LLM_PROVIDER must be openai or gemini, got %q", c.LLMProvider)
	}

	if c.MemoryMaxTurns < 1 {
		add("MEMORY_MAX_TURNS must be at least 1")
	}
	if c.MaxOutputTokens < 1 {
		add("MAX_OUTPUT_TOKENS must be at least 1")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		add("TEMPERATURE must be between 0 and 2")
	}
	if c.SessionTTL <= 0 {
		add("SESSION_TTL must be positive")
	}
	if c.ReaperInterval <= 0 {
		add("REAPER_INTERVAL must be positive")
	}
	if c.TurnCooldown < 0 {
		add("TURN_COOLDOWN must not be negative")
	}
	if c.AutoArchive <= 0 {
		add("AUTO_ARCHIVE must be positive")
	}
	if strings.TrimSpace(c.ThreadPrefix) == "" {
		add("THREAD_PREFIX must not be empty")
	}

	if c.OpsRateLimit < 0 {
		add("OPS_RATE_LIMIT must not be negative")
	}

	switch c.OpsAuthMode {
	case "none":
	case "api-key":
		if c.OpsAPIKey == "" {
			add("OPS_API_KEY is required when OPS_AUTH_MODE=api-key")
		}
	default:
		add("OPS_AUTH_MODE must be api-key or none, got %q", c.OpsAuthMode)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Persona is the bot's voice: the system instruction sent with every
// generation request and the intro posted into new threads.
type Persona struct {
	Instruction string `yaml:"instruction"`
	Intro       string `yaml:"intro"`
}

// Persona resolves the effective persona. Non-empty fields of PERSONA_FILE
// override SYSTEM_INSTRUCTION, which overrides the built-in default. An
// empty Intro means the controller's default.
func (c *Config) Persona() (Persona, error) {
	p := Persona{Instruction: DefaultInstruction}
	if c.SystemInstruction != "" {
		p.Instruction = c.SystemInstruction
	}
	if c.PersonaFile == "" {
		return p, nil
	}

	file, err := LoadPersona(c.PersonaFile)
	if err != nil {
		return Persona{}, err
	}
	if file.Instruction != "" {
		p.Instruction = file.Instruction
	}
	p.Intro = file.Intro
	return p, nil
}

// LoadPersona reads a persona YAML file.
func LoadPersona(path string) (Persona, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("reading persona file: %w", err)
	}
	var p Persona
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Persona{}, fmt.Errorf("parsing persona file %s: %w", path, err)
	}
	p.Instruction = strings.TrimSpace(p.Instruction)
	p.Intro = strings.TrimSpace(p.Intro)
	return p, nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}
