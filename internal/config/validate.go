package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
)

// ErrDuplicateKeyPrefix indicates two caches would share a key namespace.
var ErrDuplicateKeyPrefix = errors.New("cache key prefixes must be distinct")

// Validate checks that the configuration is well formed. Every violation is
// reported in the returned error.
func (c Config) Validate() error {
	var errs *multierror.Error

	if c.RateLimitRPS < 0 {
		errs = multierror.Append(errs, fmt.Errorf("RATE_LIMIT_RPS must be >= 0"))
	}
	if c.RateLimitBurst < 0 {
		errs = multierror.Append(errs, fmt.Errorf("RATE_LIMIT_BURST must be >= 0"))
	}
	if strings.TrimSpace(c.DatabaseURI) == "" {
		errs = multierror.Append(errs, fmt.Errorf("database URI cannot be empty"))
	}

	errs = multierror.Append(errs, validateCaches(c.Caches)...)

	if c.RedisPort <= 0 || c.RedisPort > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("redis port %d out of range", c.RedisPort))
	}
	if c.ResultsBackend.Host == "" {
		errs = multierror.Append(errs, fmt.Errorf("results backend host cannot be empty"))
	}
	if c.ResultsBackend.Port <= 0 || c.ResultsBackend.Port > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("results backend port %d out of range", c.ResultsBackend.Port))
	}
	if c.ResultsBackend.Timeout < 0 {
		errs = multierror.Append(errs, fmt.Errorf("results backend timeout must be >= 0"))
	}

	errs = multierror.Append(errs, validateTaskQueue(c.TaskQueue)...)
	errs = multierror.Append(errs, validateEmail(c.Email)...)
	errs = multierror.Append(errs, validateAuth(c.Auth)...)

	return errs.ErrorOrNil()
}

func validateCaches(caches Caches) []error {
	var errs []error
	seen := make(map[string]string, 4)

	for _, nc := range caches.All() {
		cc := nc.Config
		switch cc.Type {
		case CacheTypeRedis:
			if strings.TrimSpace(cc.RedisURL) == "" {
				errs = append(errs, fmt.Errorf("cache %s: redis URL cannot be empty", nc.Name))
			}
		case CacheTypeSimple, CacheTypeNull:
		default:
			errs = append(errs, fmt.Errorf("cache %s: unknown type %q", nc.Name, cc.Type))
		}

		if cc.Timeout < 0 {
			errs = append(errs, fmt.Errorf("cache %s: default timeout must be >= 0", nc.Name))
		}

		if cc.KeyPrefix == "" {
			errs = append(errs, fmt.Errorf("cache %s: key prefix cannot be empty", nc.Name))
			continue
		}
		if other, ok := seen[cc.KeyPrefix]; ok {
			errs = append(errs, fmt.Errorf("%w: %s and %s both use %q", ErrDuplicateKeyPrefix, other, nc.Name, cc.KeyPrefix))
			continue
		}
		seen[cc.KeyPrefix] = nc.Name
	}

	return errs
}

func validateTaskQueue(tq TaskQueueConfig) []error {
	var errs []error

	if strings.TrimSpace(tq.BrokerURL) == "" {
		errs = append(errs, fmt.Errorf("task queue: broker URL cannot be empty"))
	}
	if strings.TrimSpace(tq.Queue) == "" {
		errs = append(errs, fmt.Errorf("task queue: queue name cannot be empty"))
	}
	if tq.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("task queue: worker concurrency must be >= 1"))
	}
	if tq.PrefetchMultiplier < 1 {
		errs = append(errs, fmt.Errorf("task queue: prefetch multiplier must be >= 1"))
	}
	if tq.ResultTTL < 0 {
		errs = append(errs, fmt.Errorf("task queue: result expiry must be >= 0"))
	}

	for _, task := range sortedKeys(tq.Annotations) {
		a := tq.Annotations[task]
		if _, err := a.RatePerSecond(); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task, err))
		}
		if a.TimeLimit < 0 {
			errs = append(errs, fmt.Errorf("task %s: time limit must be >= 0", task))
		}
		if a.SoftTimeLimit < 0 {
			errs = append(errs, fmt.Errorf("task %s: soft time limit must be >= 0", task))
		}
	}

	for _, name := range sortedKeys(tq.BeatSchedule) {
		entry := tq.BeatSchedule[name]
		if strings.TrimSpace(entry.Task) == "" {
			errs = append(errs, fmt.Errorf("schedule %s: task cannot be empty", name))
		}
		if _, err := cron.ParseStandard(entry.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", name, err))
		}
	}

	return errs
}

func validateEmail(e EmailConfig) []error {
	var errs []error

	if strings.TrimSpace(e.Host) == "" {
		errs = append(errs, fmt.Errorf("smtp host cannot be empty"))
	}
	if e.Port <= 0 || e.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp port %d out of range", e.Port))
	}
	if e.StartTLS && e.SSL {
		errs = append(errs, fmt.Errorf("smtp STARTTLS and SSL are mutually exclusive"))
	}
	if strings.TrimSpace(e.MailFrom) == "" {
		errs = append(errs, fmt.Errorf("smtp mail from cannot be empty"))
	}

	return errs
}

func validateAuth(a AuthConfig) []error {
	switch a.Type {
	case AuthDB:
		if len(a.Providers) > 0 {
			return []error{fmt.Errorf("auth: oauth providers configured while %s is active", AuthDB)}
		}
		return nil
	case AuthOAuth:
	default:
		return []error{fmt.Errorf("auth: unknown type %q", a.Type)}
	}

	if len(a.Providers) != 1 {
		return []error{fmt.Errorf("auth: expected exactly one oauth provider, got %d", len(a.Providers))}
	}

	var errs []error
	p := a.Providers[0]
	required := []struct {
		field string
		value string
	}{
		{"name", p.Name},
		{"client id", p.ClientID},
		{"client secret", p.ClientSecret},
		{"authorize url", p.AuthorizeURL},
		{"access token url", p.AccessTokenURL},
		{"api base url", p.APIBaseURL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("oauth provider %q: %s cannot be empty", p.Name, r.field))
		}
	}
	if len(p.Whitelist) == 0 {
		errs = append(errs, fmt.Errorf("oauth provider %q: whitelist cannot be empty", p.Name))
	}
	if a.UserRegistration && a.UserRegistrationRole == "" {
		errs = append(errs, fmt.Errorf("auth: user registration requires a role"))
	}

	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
