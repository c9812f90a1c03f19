package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TaskQueueConfig parameterises the background worker and its beat scheduler.
type TaskQueueConfig struct {
	BrokerURL          string   `yaml:"broker_url" json:"brokerUrl"`
	ResultBackend      string   `yaml:"result_backend" json:"resultBackend"`
	Queue              string   `yaml:"queue" json:"queue"`
	Imports            []string `yaml:"imports" json:"imports"`
	WorkerLogLevel     string   `yaml:"worker_log_level" json:"workerLogLevel"`
	WorkerConcurrency  int      `yaml:"worker_concurrency" json:"workerConcurrency"`
	PrefetchMultiplier int      `yaml:"worker_prefetch_multiplier" json:"workerPrefetchMultiplier"`
	// AcksLate acknowledges a task only after its handler returns.
	AcksLate     bool                      `yaml:"task_acks_late" json:"taskAcksLate"`
	ResultTTL    time.Duration             `yaml:"result_expires" json:"resultExpires"`
	Annotations  map[string]TaskAnnotation `yaml:"task_annotations" json:"taskAnnotations"`
	BeatSchedule map[string]ScheduleEntry  `yaml:"beat_schedule" json:"beatSchedule"`
}

// TaskAnnotation overrides execution limits for a single task name.
type TaskAnnotation struct {
	RateLimit     string        `yaml:"rate_limit,omitempty" json:"rateLimit,omitempty"`
	TimeLimit     time.Duration `yaml:"time_limit,omitempty" json:"timeLimit,omitempty"`
	SoftTimeLimit time.Duration `yaml:"soft_time_limit,omitempty" json:"softTimeLimit,omitempty"`
	IgnoreResult  bool          `yaml:"ignore_result,omitempty" json:"ignoreResult,omitempty"`
}

// ScheduleEntry triggers Task whenever the cron expression Schedule fires.
type ScheduleEntry struct {
	Task     string `yaml:"task" json:"task"`
	Schedule string `yaml:"schedule" json:"schedule"`
}

// RatePerSecond converts the annotation rate limit into tokens per second.
// Accepted forms are "N", "N/s", "N/m" and "N/h". Zero means unlimited.
func (a TaskAnnotation) RatePerSecond() (float64, error) {
	return ParseRateLimit(a.RateLimit)
}

// ParseRateLimit parses a task rate limit expression.
func ParseRateLimit(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}

	amount, unit, found := strings.Cut(raw, "/")
	value, err := strconv.ParseFloat(strings.TrimSpace(amount), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate limit %q", raw)
	}
	if value < 0 {
		return 0, fmt.Errorf("rate limit must be >= 0, got %q", raw)
	}
	if !found {
		return value, nil
	}

	switch strings.TrimSpace(unit) {
	case "s":
		return value, nil
	case "m":
		return value / 60, nil
	case "h":
		return value / 3600, nil
	default:
		return 0, fmt.Errorf("invalid rate limit unit in %q", raw)
	}
}

func defaultTaskQueue() TaskQueueConfig {
	return TaskQueueConfig{
		BrokerURL:     defaultRedisURL,
		ResultBackend: defaultRedisURL,
		Queue:         "celery",
		Imports: []string{
			"superset.sql_lab",
			"superset.tasks",
		},
		WorkerLogLevel:     "DEBUG",
		WorkerConcurrency:  defaultWorkerConcurrency(),
		PrefetchMultiplier: 10,
		AcksLate:           true,
		ResultTTL:          24 * time.Hour,
		Annotations: map[string]TaskAnnotation{
			"sql_lab.get_sql_results": {
				RateLimit: "100/s",
			},
			"email_reports.send": {
				RateLimit:     "1/s",
				TimeLimit:     120 * time.Second,
				SoftTimeLimit: 150 * time.Second,
				IgnoreResult:  true,
			},
		},
		BeatSchedule: map[string]ScheduleEntry{
			"email_reports.schedule_hourly": {
				Task:     "email_reports.schedule_hourly",
				Schedule: "1 * * * *",
			},
			"reports.scheduler": {
				Task:     "reports.scheduler",
				Schedule: "* * * * *",
			},
		},
	}
}
