package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"github.com/eugenenazirov/dashconf/internal/config"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()

	t.Setenv(config.EnvDatabaseURI, "postgresql://superset:dbsecret@db:5432/superset")
	t.Setenv(config.EnvSMTPHost, "smtp.example.org")
	t.Setenv(config.EnvSMTPPort, "587")
	t.Setenv(config.EnvSMTPUser, "mailer")
	t.Setenv(config.EnvSMTPPassword, "smtpsecret")
	t.Setenv(config.EnvSMTPMailFrom, "reports@example.org")
}

func loadWithRedis(t *testing.T, mr *miniredis.Miniredis) config.Config {
	t.Helper()

	setRequiredEnv(t)
	t.Setenv(config.EnvRedisURL, "redis://"+mr.Addr()+"/0")
	t.Setenv(config.EnvRedisHost, mr.Host())
	t.Setenv(config.EnvRedisPort, mr.Port())

	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	return cfg
}

func TestWriteConfigMasksSecrets(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	var buf bytes.Buffer
	if err := writeConfig(&buf, cfg); err != nil {
		t.Fatalf("writeConfig returned error: %v", err)
	}

	out := buf.String()
	for _, secret := range []string{"dbsecret", "smtpsecret"} {
		if strings.Contains(out, secret) {
			t.Fatalf("output leaks %q:\n%s", secret, out)
		}
	}

	var decoded map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid YAML: %v", err)
	}
	for _, key := range []string{"caches", "task_queue", "email", "auth"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("expected %q section in output:\n%s", key, out)
		}
	}
	if !strings.Contains(out, "superset_filter_cache") {
		t.Fatalf("expected cache prefixes in output:\n%s", out)
	}
}

func TestCheckWithoutPing(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if err := check(cfg, zaptest.NewLogger(t), false); err != nil {
		t.Fatalf("check returned error: %v", err)
	}
}

func TestCheckPingsBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := loadWithRedis(t, mr)

	if err := check(cfg, zaptest.NewLogger(t), true); err != nil {
		t.Fatalf("check returned error: %v", err)
	}
}

func TestCheckReportsUnreachableBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := loadWithRedis(t, mr)
	mr.Close()

	err := check(cfg, zaptest.NewLogger(t), true)
	if err == nil {
		t.Fatalf("expected check to fail with redis stopped")
	}
	if !strings.Contains(err.Error(), "broker") {
		t.Fatalf("expected broker failure to be reported, got %v", err)
	}
}
