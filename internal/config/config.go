package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort             = "8080"
	defaultRateLimitRPS     = 25.0
	defaultRateLimitBurst   = 50
	defaultWebDriverBaseURL = "http://superset:8088/"
	defaultPublicURL        = "http://localhost:8080"
)

// Environment variables read by Load.
const (
	EnvDatabaseURI         = "SQLALCHEMY_DATABASE_URI"
	EnvSMTPHost            = "SMTP_HOST"
	EnvSMTPPort            = "SMTP_PORT"
	EnvSMTPUser            = "SMTP_USER"
	EnvSMTPPassword        = "SMTP_PASSWORD"
	EnvSMTPMailFrom        = "SMTP_MAIL_FROM"
	EnvEnableOAuth         = "ENABLE_OAUTH"
	EnvOAuthClientID       = "OAUTH_CLIENT_ID"
	EnvOAuthClientSecret   = "OAUTH_CLIENT_SECRET"
	EnvOAuthAllowedDomains = "OAUTH_ALLOWED_DOMAINS"
	EnvRedisURL            = "REDIS_URL"
	EnvRedisHost           = "REDIS_HOST"
	EnvRedisPort           = "REDIS_PORT"
	EnvWebDriverBaseURL    = "WEBDRIVER_BASEURL"
	EnvPublicURL           = "PUBLIC_URL"
	EnvPort                = "PORT"
	EnvLogLevel            = "LOG_LEVEL"
	EnvRateLimitRPS        = "RATE_LIMIT_RPS"
	EnvRateLimitBurst      = "RATE_LIMIT_BURST"
)

// ErrMissingEnv is returned when a required environment variable is unset or empty.
var ErrMissingEnv = errors.New("required environment variable not set")

// Config aggregates runtime configuration resolved from multiple sources.
// Precedence: CLI flags > Environment variables > YAML config > Defaults
type Config struct {
	// Admin HTTP server.
	Port                 string        `yaml:"port" json:"port"`
	ShutdownGracePeriod  time.Duration `yaml:"shutdown_grace_period" json:"shutdownGracePeriod"`
	ReadHeaderTimeout    time.Duration `yaml:"read_header_timeout" json:"readHeaderTimeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout" json:"writeTimeout"`
	IdleTimeout          time.Duration `yaml:"idle_timeout" json:"idleTimeout"`
	EnableRequestLogging bool          `yaml:"enable_request_logging" json:"enableRequestLogging"`
	RateLimitRPS         float64       `yaml:"rate_limit_rps" json:"rateLimitRps"`
	RateLimitBurst       int           `yaml:"rate_limit_burst" json:"rateLimitBurst"`
	LogLevel             string        `yaml:"log_level" json:"logLevel"`

	DatabaseURI      string               `yaml:"database_uri" json:"databaseUri"`
	FeatureFlags     map[string]bool      `yaml:"feature_flags" json:"featureFlags"`
	Caches           Caches               `yaml:"caches" json:"caches"`
	RedisHost        string               `yaml:"redis_host" json:"redisHost"`
	RedisPort        int                  `yaml:"redis_port" json:"redisPort"`
	ResultsBackend   ResultsBackendConfig `yaml:"results_backend" json:"resultsBackend"`
	TaskQueue        TaskQueueConfig      `yaml:"task_queue" json:"taskQueue"`
	Email            EmailConfig          `yaml:"email" json:"email"`
	WebDriverBaseURL string               `yaml:"webdriver_base_url" json:"webdriverBaseUrl"`
	PublicURL        string               `yaml:"public_url" json:"publicUrl"`
	Auth             AuthConfig           `yaml:"auth" json:"auth"`
}

// yamlConfig represents the YAML configuration file structure.
type yamlConfig struct {
	Port                 string             `yaml:"port"`
	ShutdownGracePeriod  string             `yaml:"shutdown_grace_period"`
	ReadHeaderTimeout    string             `yaml:"read_header_timeout"`
	WriteTimeout         string             `yaml:"write_timeout"`
	IdleTimeout          string             `yaml:"idle_timeout"`
	EnableRequestLogging *bool              `yaml:"enable_request_logging"`
	RateLimit            *yamlRateLimit     `yaml:"rate_limit"`
	LogLevel             string             `yaml:"log_level"`
	PublicURL            string             `yaml:"public_url"`
	FeatureFlags         map[string]bool    `yaml:"feature_flags"`
	Caches               yamlCaches         `yaml:"caches"`
	Redis                yamlRedis          `yaml:"redis"`
	ResultsBackend       yamlResultsBackend `yaml:"results_backend"`
	TaskQueue            yamlTaskQueue      `yaml:"task_queue"`
	Email                yamlEmail          `yaml:"email"`
	WebDriverBaseURL     string             `yaml:"webdriver_base_url"`
	Auth                 yamlAuth           `yaml:"auth"`
}

// yamlRateLimit represents the rate limit section in YAML.
type yamlRateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type yamlCache struct {
	Type                      string `yaml:"type"`
	DefaultTimeout            string `yaml:"default_timeout"`
	RefreshTimeoutOnRetrieval *bool  `yaml:"refresh_timeout_on_retrieval"`
	KeyPrefix                 string `yaml:"key_prefix"`
	RedisURL                  string `yaml:"redis_url"`
}

type yamlCaches struct {
	Default         *yamlCache `yaml:"default"`
	Data            *yamlCache `yaml:"data"`
	FilterState     *yamlCache `yaml:"filter_state"`
	ExploreFormData *yamlCache `yaml:"explore_form_data"`
}

type yamlRedis struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type yamlResultsBackend struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	KeyPrefix      string `yaml:"key_prefix"`
	DefaultTimeout string `yaml:"default_timeout"`
}

type yamlTaskQueue struct {
	BrokerURL          string                    `yaml:"broker_url"`
	ResultBackend      string                    `yaml:"result_backend"`
	Queue              string                    `yaml:"queue"`
	Imports            []string                  `yaml:"imports"`
	WorkerLogLevel     string                    `yaml:"worker_log_level"`
	WorkerConcurrency  int                       `yaml:"worker_concurrency"`
	PrefetchMultiplier int                       `yaml:"worker_prefetch_multiplier"`
	AcksLate           *bool                     `yaml:"task_acks_late"`
	ResultExpires      string                    `yaml:"result_expires"`
	Annotations        map[string]yamlAnnotation `yaml:"task_annotations"`
	BeatSchedule       map[string]ScheduleEntry  `yaml:"beat_schedule"`
}

type yamlAnnotation struct {
	RateLimit     string `yaml:"rate_limit"`
	TimeLimit     string `yaml:"time_limit"`
	SoftTimeLimit string `yaml:"soft_time_limit"`
	IgnoreResult  bool   `yaml:"ignore_result"`
}

type yamlEmail struct {
	Notifications *bool `yaml:"notifications"`
	StartTLS      *bool `yaml:"smtp_starttls"`
	SSL           *bool `yaml:"smtp_ssl"`
	SSLServerAuth *bool `yaml:"smtp_ssl_server_auth"`
}

type yamlAuth struct {
	UserRegistrationRole string             `yaml:"user_registration_role"`
	OAuth                *yamlOAuthProvider `yaml:"oauth"`
}

type yamlOAuthProvider struct {
	Name              string   `yaml:"name"`
	Whitelist         []string `yaml:"whitelist"`
	TokenKey          string   `yaml:"token_key"`
	Icon              string   `yaml:"icon"`
	Scopes            []string `yaml:"scopes"`
	AccessTokenMethod string   `yaml:"access_token_method"`
	APIBaseURL        string   `yaml:"api_base_url"`
	AccessTokenURL    string   `yaml:"access_token_url"`
	AuthorizeURL      string   `yaml:"authorize_url"`
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	ConfigFile     string
	Port           *string
	RedisURL       *string
	LogLevel       *string
	RateLimitRPS   *float64
	RateLimitBurst *int
}

type lookupFunc func(key string) (string, bool)

// Load extracts configuration from multiple sources with precedence:
// CLI flags > Environment variables > YAML config > Defaults
func Load(overrides *CLIOverrides) (Config, error) {
	return load(overrides, os.LookupEnv)
}

func load(overrides *CLIOverrides, lookup lookupFunc) (Config, error) {
	cfg := defaultConfig()

	if overrides != nil && overrides.ConfigFile != "" {
		yamlCfg, err := loadFromFile(overrides.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("load YAML config: %w", err)
		}
		if err := applyYAMLConfig(&cfg, yamlCfg); err != nil {
			return Config{}, fmt.Errorf("apply YAML config: %w", err)
		}
	}

	if err := applyEnvConfig(&cfg, lookup); err != nil {
		return Config{}, err
	}

	if overrides != nil {
		applyCLIOverrides(&cfg, overrides)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with default values.
func defaultConfig() Config {
	return Config{
		Port:                 defaultPort,
		ShutdownGracePeriod:  10 * time.Second,
		ReadHeaderTimeout:    5 * time.Second,
		WriteTimeout:         15 * time.Second,
		IdleTimeout:          60 * time.Second,
		EnableRequestLogging: true,
		RateLimitRPS:         defaultRateLimitRPS,
		RateLimitBurst:       defaultRateLimitBurst,
		PublicURL:            defaultPublicURL,
		FeatureFlags: map[string]bool{
			"ENABLE_TEMPLATE_PROCESSING": true,
			"ALERT_REPORTS":              true,
		},
		Caches:    defaultCaches(),
		RedisHost: defaultRedisHost,
		RedisPort: defaultRedisPort,
		ResultsBackend: ResultsBackendConfig{
			Host:      defaultRedisHost,
			Port:      defaultRedisPort,
			KeyPrefix: "superset_results",
			Timeout:   defaultResultsTimeout,
		},
		TaskQueue:        defaultTaskQueue(),
		Email:            defaultEmail(),
		WebDriverBaseURL: defaultWebDriverBaseURL,
		Auth:             defaultAuth(),
	}
}

func defaultWorkerConcurrency() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	return &yamlCfg, nil
}

// applyYAMLConfig applies YAML configuration to the Config struct.
func applyYAMLConfig(cfg *Config, yamlCfg *yamlConfig) error {
	if yamlCfg.Port != "" {
		cfg.Port = yamlCfg.Port
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"shutdown_grace_period", yamlCfg.ShutdownGracePeriod, &cfg.ShutdownGracePeriod},
		{"read_header_timeout", yamlCfg.ReadHeaderTimeout, &cfg.ReadHeaderTimeout},
		{"write_timeout", yamlCfg.WriteTimeout, &cfg.WriteTimeout},
		{"idle_timeout", yamlCfg.IdleTimeout, &cfg.IdleTimeout},
		{"task_queue.result_expires", yamlCfg.TaskQueue.ResultExpires, &cfg.TaskQueue.ResultTTL},
		{"results_backend.default_timeout", yamlCfg.ResultsBackend.DefaultTimeout, &cfg.ResultsBackend.Timeout},
	}
	for _, d := range durations {
		if err := parseDurationInto(d.name, d.raw, d.dst); err != nil {
			return err
		}
	}

	if yamlCfg.EnableRequestLogging != nil {
		cfg.EnableRequestLogging = *yamlCfg.EnableRequestLogging
	}

	if yamlCfg.RateLimit != nil {
		cfg.RateLimitRPS = yamlCfg.RateLimit.RPS
		cfg.RateLimitBurst = yamlCfg.RateLimit.Burst
	}

	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}

	for flag, enabled := range yamlCfg.FeatureFlags {
		cfg.FeatureFlags[flag] = enabled
	}

	caches := []struct {
		name string
		src  *yamlCache
		dst  *CacheConfig
	}{
		{CacheDefault, yamlCfg.Caches.Default, &cfg.Caches.Default},
		{CacheData, yamlCfg.Caches.Data, &cfg.Caches.Data},
		{CacheFilterState, yamlCfg.Caches.FilterState, &cfg.Caches.FilterState},
		{CacheExploreFormData, yamlCfg.Caches.ExploreFormData, &cfg.Caches.ExploreFormData},
	}
	for _, c := range caches {
		if err := applyYAMLCache(c.name, c.src, c.dst); err != nil {
			return err
		}
	}

	if yamlCfg.Redis.Host != "" {
		cfg.RedisHost = yamlCfg.Redis.Host
	}
	if yamlCfg.Redis.Port != 0 {
		cfg.RedisPort = yamlCfg.Redis.Port
	}

	if yamlCfg.ResultsBackend.Host != "" {
		cfg.ResultsBackend.Host = yamlCfg.ResultsBackend.Host
	}
	if yamlCfg.ResultsBackend.Port != 0 {
		cfg.ResultsBackend.Port = yamlCfg.ResultsBackend.Port
	}
	if yamlCfg.ResultsBackend.KeyPrefix != "" {
		cfg.ResultsBackend.KeyPrefix = yamlCfg.ResultsBackend.KeyPrefix
	}

	if err := applyYAMLTaskQueue(&cfg.TaskQueue, &yamlCfg.TaskQueue); err != nil {
		return err
	}

	applyYAMLEmail(&cfg.Email, &yamlCfg.Email)

	if yamlCfg.WebDriverBaseURL != "" {
		cfg.WebDriverBaseURL = yamlCfg.WebDriverBaseURL
	}

	if yamlCfg.PublicURL != "" {
		cfg.PublicURL = yamlCfg.PublicURL
	}

	applyYAMLAuth(&cfg.Auth, &yamlCfg.Auth)

	return nil
}

func applyYAMLCache(name string, src *yamlCache, dst *CacheConfig) error {
	if src == nil {
		return nil
	}
	if src.Type != "" {
		dst.Type = src.Type
	}
	if err := parseDurationInto("caches."+name+".default_timeout", src.DefaultTimeout, &dst.Timeout); err != nil {
		return err
	}
	if src.RefreshTimeoutOnRetrieval != nil {
		dst.RefreshOnRetrieval = *src.RefreshTimeoutOnRetrieval
	}
	if src.KeyPrefix != "" {
		dst.KeyPrefix = src.KeyPrefix
	}
	if src.RedisURL != "" {
		dst.RedisURL = src.RedisURL
	}
	return nil
}

func applyYAMLTaskQueue(dst *TaskQueueConfig, src *yamlTaskQueue) error {
	if src.BrokerURL != "" {
		dst.BrokerURL = src.BrokerURL
	}
	if src.ResultBackend != "" {
		dst.ResultBackend = src.ResultBackend
	}
	if src.Queue != "" {
		dst.Queue = src.Queue
	}
	if len(src.Imports) > 0 {
		dst.Imports = src.Imports
	}
	if src.WorkerLogLevel != "" {
		dst.WorkerLogLevel = src.WorkerLogLevel
	}
	if src.WorkerConcurrency != 0 {
		dst.WorkerConcurrency = src.WorkerConcurrency
	}
	if src.PrefetchMultiplier != 0 {
		dst.PrefetchMultiplier = src.PrefetchMultiplier
	}
	if src.AcksLate != nil {
		dst.AcksLate = *src.AcksLate
	}

	for task, raw := range src.Annotations {
		annotation := TaskAnnotation{
			RateLimit:    raw.RateLimit,
			IgnoreResult: raw.IgnoreResult,
		}
		if err := parseDurationInto(task+".time_limit", raw.TimeLimit, &annotation.TimeLimit); err != nil {
			return err
		}
		if err := parseDurationInto(task+".soft_time_limit", raw.SoftTimeLimit, &annotation.SoftTimeLimit); err != nil {
			return err
		}
		dst.Annotations[task] = annotation
	}

	for name, entry := range src.BeatSchedule {
		dst.BeatSchedule[name] = entry
	}

	return nil
}

func applyYAMLEmail(dst *EmailConfig, src *yamlEmail) {
	if src.Notifications != nil {
		dst.Notifications = *src.Notifications
	}
	if src.StartTLS != nil {
		dst.StartTLS = *src.StartTLS
	}
	if src.SSL != nil {
		dst.SSL = *src.SSL
	}
	if src.SSLServerAuth != nil {
		dst.SSLServerAuth = *src.SSLServerAuth
	}
}

func applyYAMLAuth(dst *AuthConfig, src *yamlAuth) {
	if src.UserRegistrationRole != "" {
		dst.role = src.UserRegistrationRole
	}
	if src.OAuth == nil {
		return
	}

	p := &dst.provider
	o := src.OAuth
	if o.Name != "" {
		p.Name = o.Name
	}
	if len(o.Whitelist) > 0 {
		p.Whitelist = o.Whitelist
	}
	if o.TokenKey != "" {
		p.TokenKey = o.TokenKey
	}
	if o.Icon != "" {
		p.Icon = o.Icon
	}
	if len(o.Scopes) > 0 {
		p.Scopes = o.Scopes
	}
	if o.AccessTokenMethod != "" {
		p.AccessTokenMethod = o.AccessTokenMethod
	}
	if o.APIBaseURL != "" {
		p.APIBaseURL = o.APIBaseURL
	}
	if o.AccessTokenURL != "" {
		p.AccessTokenURL = o.AccessTokenURL
	}
	if o.AuthorizeURL != "" {
		p.AuthorizeURL = o.AuthorizeURL
	}
}

// applyEnvConfig applies environment variable configuration.
func applyEnvConfig(cfg *Config, lookup lookupFunc) error {
	env := envReader{lookup: lookup}

	cfg.DatabaseURI = env.required(EnvDatabaseURI)
	cfg.Email.Host = env.required(EnvSMTPHost)
	smtpPort := env.required(EnvSMTPPort)
	cfg.Email.User = env.required(EnvSMTPUser)
	cfg.Email.Password = env.required(EnvSMTPPassword)
	cfg.Email.MailFrom = env.required(EnvSMTPMailFrom)
	if err := env.err(); err != nil {
		return err
	}

	port, err := strconv.Atoi(smtpPort)
	if err != nil {
		return fmt.Errorf("%s: invalid port %q", EnvSMTPPort, smtpPort)
	}
	cfg.Email.Port = port

	if v := env.optional(EnvPort); v != "" {
		cfg.Port = v
	}

	if v := env.optional(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}

	if v := env.optional(EnvRateLimitRPS); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid number %q", EnvRateLimitRPS, v)
		}
		cfg.RateLimitRPS = rps
	}

	if v := env.optional(EnvRateLimitBurst); v != "" {
		burst, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", EnvRateLimitBurst, v)
		}
		cfg.RateLimitBurst = burst
	}

	if v := env.optional(EnvRedisURL); v != "" {
		cfg.setRedisURL(v)
	}

	if v := env.optional(EnvRedisHost); v != "" {
		cfg.RedisHost = v
		cfg.ResultsBackend.Host = v
	}

	if v := env.optional(EnvRedisPort); v != "" {
		redisPort, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvRedisPort, v)
		}
		cfg.RedisPort = redisPort
		cfg.ResultsBackend.Port = redisPort
	}

	if v := env.optional(EnvWebDriverBaseURL); v != "" {
		cfg.WebDriverBaseURL = v
	}

	if v := env.optional(EnvPublicURL); v != "" {
		cfg.PublicURL = v
	}

	return applyOAuthEnv(&cfg.Auth, &env)
}

func applyOAuthEnv(auth *AuthConfig, env *envReader) error {
	// Any non-empty value enables the provider, including "false".
	if env.optional(EnvEnableOAuth) == "" {
		return nil
	}

	clientID := env.required(EnvOAuthClientID)
	clientSecret := env.required(EnvOAuthClientSecret)
	if err := env.err(); err != nil {
		return err
	}

	if v := env.optional(EnvOAuthAllowedDomains); v != "" {
		auth.provider.Whitelist = splitList(v)
	}

	auth.enableOAuth(clientID, clientSecret)
	return nil
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Config, overrides *CLIOverrides) {
	if overrides.Port != nil && *overrides.Port != "" {
		cfg.Port = *overrides.Port
	}

	if overrides.RedisURL != nil && *overrides.RedisURL != "" {
		cfg.setRedisURL(*overrides.RedisURL)
	}

	if overrides.LogLevel != nil && *overrides.LogLevel != "" {
		cfg.LogLevel = *overrides.LogLevel
	}

	if overrides.RateLimitRPS != nil && *overrides.RateLimitRPS >= 0 {
		cfg.RateLimitRPS = *overrides.RateLimitRPS
	}

	if overrides.RateLimitBurst != nil && *overrides.RateLimitBurst >= 0 {
		cfg.RateLimitBurst = *overrides.RateLimitBurst
	}
}

// setRedisURL points every Redis-backed cache, the broker and the result
// store at the same instance.
func (c *Config) setRedisURL(url string) {
	c.Caches.each(func(cc *CacheConfig) {
		cc.RedisURL = url
	})
	c.TaskQueue.BrokerURL = url
	c.TaskQueue.ResultBackend = url
}

// EffectiveLogLevel returns the configured log level, falling back to the worker log level.
func (c Config) EffectiveLogLevel() string {
	if c.LogLevel != "" {
		return c.LogLevel
	}
	return c.TaskQueue.WorkerLogLevel
}

type envReader struct {
	lookup  lookupFunc
	missing []string
}

func (e *envReader) required(key string) string {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		e.missing = append(e.missing, key)
		return ""
	}
	return v
}

func (e *envReader) optional(key string) string {
	v, _ := e.lookup(key)
	return strings.TrimSpace(v)
}

func (e *envReader) err() error {
	if len(e.missing) == 0 {
		return nil
	}
	err := fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(e.missing, ", "))
	e.missing = nil
	return err
}

func parseDurationInto(name, raw string, dst *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", name, raw)
	}
	*dst = d
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
