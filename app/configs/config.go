package configs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Workspace WorkspaceConfig `json:"workspace"`
	LLM       LLMConfig       `json:"llm"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	History   HistoryConfig   `json:"history"`
	Features  FeatureConfig   `json:"features"`
	Admins    []string        `json:"admin_user_ids"`
	Log       LogConfig       `json:"log"`
}

type TelegramConfig struct {
	BotToken        string `json:"bot_token"`
	APIRoot         string `json:"api_root"`
	PollIntervalSec int    `json:"poll_interval_sec"`
	TimeoutSec      int    `json:"timeout_sec"`
}

func (c TelegramConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c TelegramConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

type WorkspaceConfig struct {
	Token           string `json:"token"`
	TasksDB         string `json:"tasks_db"`
	ProjectsDB      string `json:"projects_db"`
	APIRoot         string `json:"api_root"`
	TimeoutSec      int    `json:"timeout_sec"`
	ProjectCacheSec int    `json:"project_cache_sec"`
	TaskCacheSec    int    `json:"task_cache_sec"`
}

func (c WorkspaceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c WorkspaceConfig) ProjectCacheTTL() time.Duration {
	return time.Duration(c.ProjectCacheSec) * time.Second
}

func (c WorkspaceConfig) TaskCacheTTL() time.Duration {
	return time.Duration(c.TaskCacheSec) * time.Second
}

type LLMConfig struct {
	Provider            string  `json:"provider"` // "gemini", "openai", empty for auto-detect
	APIKey              string  `json:"api_key"`
	Model               string  `json:"model"`
	Temperature         float64 `json:"temperature"`
	MaxOutputTokens     int     `json:"max_output_tokens"`
	TimeoutSec          int     `json:"timeout_sec"`
	ConfidenceThreshold int     `json:"confidence_threshold"` // 0-100
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

type DispatchConfig struct {
	RateLimitMax       int `json:"rate_limit_max"`
	RateLimitWindowSec int `json:"rate_limit_window_sec"`
	RetryMax           int `json:"retry_max"`
	RetryBackoffMS     int `json:"retry_backoff_ms"`
}

func (c DispatchConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSec) * time.Second
}

func (c DispatchConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

type HistoryConfig struct {
	DataDir   string `json:"data_dir"`
	Exchanges int    `json:"exchanges"`
}

type FeatureConfig struct {
	NaturalLanguage bool `json:"natural_language"`
	RateLimit       bool `json:"rate_limit"`
	// VerbTitles prefixes "Realizar " onto task titles that do not
	// already start with an infinitive. Off unless asked for.
	VerbTitles bool `json:"verb_titles"`
}

type LogConfig struct {
	Dir   string `json:"dir"`
	Level string `json:"level"`
}

// IsAdmin reports whether userID is in the admin set.
func (c Config) IsAdmin(userID string) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}
	for _, id := range c.Admins {
		if strings.TrimSpace(id) == userID {
			return true
		}
	}
	return false
}

// Manager loads the config file once, overlays environment variables,
// and hands out snapshot copies. The file never receives values that
// arrived via the environment.
type Manager struct {
	path string
	mu   sync.RWMutex
	file Config // as loaded from disk, with defaults applied
	cfg  Config // effective: file + environment overlay
}

func DefaultPath() string {
	if p := strings.TrimSpace(os.Getenv("ELIAS_CONFIG")); p != "" {
		return p
	}
	return filepath.Join("config", "config.json")
}

func NewManager(path string) (*Manager, error) {
	mgr := &Manager{path: path, file: defaultConfig()}
	if err := mgr.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := mgr.save(); err != nil {
		return nil, err
	}
	mgr.mu.Lock()
	mgr.cfg = mgr.file
	applyEnv(&mgr.cfg)
	applyDefaults(&mgr.cfg)
	mgr.mu.Unlock()
	return mgr, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Update mutates the on-disk config, persists it, and rebuilds the
// effective snapshot. Environment overrides still win.
func (m *Manager) Update(apply func(*Config)) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.file)
	applyDefaults(&m.file)
	if err := m.saveLocked(); err != nil {
		return Config{}, err
	}
	m.cfg = m.file
	applyEnv(&m.cfg)
	applyDefaults(&m.cfg)
	return m.cfg, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	// Unmarshal over the defaults so omitted fields keep them,
	// including the boolean feature toggles.
	fileCfg := defaultConfig()
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parse %s: %w", m.path, err)
	}
	applyDefaults(&fileCfg)
	m.file = fileCfg
	return nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.file, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

func defaultConfig() Config {
	return Config{
		Telegram: TelegramConfig{
			APIRoot:         "https://api.telegram.org",
			PollIntervalSec: 2,
			TimeoutSec:      30,
		},
		Workspace: WorkspaceConfig{
			APIRoot:         "https://api.notion.com",
			TimeoutSec:      30,
			ProjectCacheSec: 300,
			TaskCacheSec:    60,
		},
		LLM: LLMConfig{
			Temperature:         0.1,
			MaxOutputTokens:     1024,
			TimeoutSec:          60,
			ConfidenceThreshold: 70,
		},
		Dispatch: DispatchConfig{
			RateLimitMax:       5,
			RateLimitWindowSec: 60,
			RetryMax:           2,
			RetryBackoffMS:     400,
		},
		History: HistoryConfig{
			DataDir:   filepath.Join("output", "data"),
			Exchanges: 5,
		},
		Features: FeatureConfig{
			NaturalLanguage: true,
			RateLimit:       true,
		},
		Log: LogConfig{
			Dir:   filepath.Join("output", "logs"),
			Level: "info",
		},
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Telegram.APIRoot) == "" {
		cfg.Telegram.APIRoot = "https://api.telegram.org"
	}
	if cfg.Telegram.PollIntervalSec <= 0 {
		cfg.Telegram.PollIntervalSec = 2
	}
	if cfg.Telegram.TimeoutSec <= 0 {
		cfg.Telegram.TimeoutSec = 30
	}
	if strings.TrimSpace(cfg.Workspace.APIRoot) == "" {
		cfg.Workspace.APIRoot = "https://api.notion.com"
	}
	if cfg.Workspace.TimeoutSec <= 0 {
		cfg.Workspace.TimeoutSec = 30
	}
	if cfg.Workspace.ProjectCacheSec <= 0 {
		cfg.Workspace.ProjectCacheSec = 300
	}
	if cfg.Workspace.TaskCacheSec <= 0 {
		cfg.Workspace.TaskCacheSec = 60
	}
	if cfg.LLM.Temperature <= 0 || cfg.LLM.Temperature > 2 {
		cfg.LLM.Temperature = 0.1
	}
	if cfg.LLM.MaxOutputTokens <= 0 {
		cfg.LLM.MaxOutputTokens = 1024
	}
	if cfg.LLM.TimeoutSec <= 0 {
		cfg.LLM.TimeoutSec = 60
	}
	if cfg.LLM.ConfidenceThreshold <= 0 || cfg.LLM.ConfidenceThreshold > 100 {
		cfg.LLM.ConfidenceThreshold = 70
	}
	if cfg.Dispatch.RateLimitMax <= 0 {
		cfg.Dispatch.RateLimitMax = 5
	}
	if cfg.Dispatch.RateLimitWindowSec <= 0 {
		cfg.Dispatch.RateLimitWindowSec = 60
	}
	if cfg.Dispatch.RetryMax < 0 {
		cfg.Dispatch.RetryMax = 2
	}
	if cfg.Dispatch.RetryBackoffMS <= 0 {
		cfg.Dispatch.RetryBackoffMS = 400
	}
	if strings.TrimSpace(cfg.History.DataDir) == "" {
		cfg.History.DataDir = filepath.Join("output", "data")
	}
	if cfg.History.Exchanges <= 0 {
		cfg.History.Exchanges = 5
	}
	if strings.TrimSpace(cfg.Log.Dir) == "" {
		cfg.Log.Dir = filepath.Join("output", "logs")
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
}

// applyEnv overlays process environment variables onto cfg. Variable
// names follow the deployment surface this bot has always used.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := strings.TrimSpace(os.Getenv("NOTION_TOKEN")); v != "" {
		cfg.Workspace.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("NOTION_TASKS_DB")); v != "" {
		cfg.Workspace.TasksDB = v
	} else if v := strings.TrimSpace(os.Getenv("DATABASE_ID")); v != "" {
		cfg.Workspace.TasksDB = v
	}
	if v := strings.TrimSpace(os.Getenv("NOTION_PROJECTS_DB")); v != "" {
		cfg.Workspace.ProjectsDB = v
	}
	if v := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); v != "" {
		cfg.LLM.APIKey = v
		if cfg.LLM.Provider == "" {
			cfg.LLM.Provider = "gemini"
		}
	} else if v := strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")); v != "" {
		cfg.LLM.APIKey = v
		if cfg.LLM.Provider == "" {
			cfg.LLM.Provider = "gemini"
		}
	} else if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.LLM.APIKey = v
		if cfg.LLM.Provider == "" {
			cfg.LLM.Provider = "openai"
		}
	}
	if v := strings.TrimSpace(os.Getenv("ADMIN_USER_IDS")); v != "" {
		cfg.Admins = ParseAdminIDs(v)
	}
}

// ParseAdminIDs accepts the historical bracket form "[123, 456]" as well
// as a plain comma list "123,456".
func ParseAdminIDs(raw string) []string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		id := strings.Trim(strings.TrimSpace(p), `"'`)
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// DefaultConfig returns a normalized copy of the built-in defaults.
func DefaultConfig() Config {
	cfg := defaultConfig()
	applyDefaults(&cfg)
	return cfg
}

// LoadConfigFile reads and normalizes a config file without creating or
// mutating anything on disk, and without the environment overlay. Used
// by the preflight tool to inspect a file as-is.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := defaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// Finding is one config validation result.
type Finding struct {
	Level string // "fatal" or "warn"
	Msg   string
}

// Validate reports misconfigurations the way the daemon would hit them.
func Validate(cfg Config) []Finding {
	var out []Finding
	fatal := func(format string, args ...interface{}) {
		out = append(out, Finding{Level: "fatal", Msg: fmt.Sprintf(format, args...)})
	}
	warn := func(format string, args ...interface{}) {
		out = append(out, Finding{Level: "warn", Msg: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(cfg.Workspace.Token) == "" {
		fatal("workspace token is empty (set NOTION_TOKEN or workspace.token)")
	}
	if strings.TrimSpace(cfg.Workspace.TasksDB) == "" {
		fatal("tasks database id is empty (set NOTION_TASKS_DB or workspace.tasks_db)")
	}
	if strings.TrimSpace(cfg.Workspace.ProjectsDB) == "" {
		warn("projects database id is empty; project queries and stats will be unavailable")
	}
	if strings.TrimSpace(cfg.Telegram.BotToken) == "" {
		warn("telegram bot token is empty; only the local CLI channel will work")
	}
	if cfg.Features.NaturalLanguage && strings.TrimSpace(cfg.LLM.APIKey) == "" {
		warn("natural-language parsing is enabled but no model credential is set; only rule matches will classify")
	}
	if len(cfg.Admins) == 0 {
		warn("admin set is empty; /stats and /admin will be denied for everyone")
	}
	if !cfg.Features.RateLimit {
		warn("rate limiting is disabled")
	}
	return out
}
