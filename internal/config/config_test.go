package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose") // invalid -> Load() error
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

// --- Load defaults ---

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("MaxBodyBytes=%d", cfg.MaxBodyBytes)
	}
	if cfg.RateMax != 20 || cfg.RateWindow != time.Minute {
		t.Fatalf("rate defaults unexpected: %d/%v", cfg.RateMax, cfg.RateWindow)
	}
	if cfg.Queue.MaxAttempts != 3 || cfg.Queue.TaskTimeout != 300*time.Second || cfg.Queue.Concurrency != 10 {
		t.Fatalf("queue defaults unexpected: %+v", cfg.Queue)
	}
	if cfg.Agent.MaxIterations != 3 || cfg.Agent.Model != "gpt-4.1-mini" || cfg.Agent.ReportBatchSize != 20 {
		t.Fatalf("agent defaults unexpected: %+v", cfg.Agent)
	}
	if cfg.STT.Timeout != 60*time.Second || cfg.STT.PollInterval != time.Second {
		t.Fatalf("stt defaults unexpected: %+v", cfg.STT)
	}
	if cfg.DedupRetention != 24*time.Hour {
		t.Fatalf("DedupRetention=%v", cfg.DedupRetention)
	}
	if cfg.DBDriver != "sqlite" || cfg.APIBasePath != "/api/v1" {
		t.Fatalf("db/base defaults unexpected: %q %q", cfg.DBDriver, cfg.APIBasePath)
	}
}

// --- Load success + normalization + parsing ---

func TestLoad_OverridesAndNormalization(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("GIN_MODE", "weird")
	t.Setenv("LOG_LEVEL", "warning")
	t.Setenv("API_BASE_PATH", "hooks/")
	t.Setenv("DB_DRIVER", "postgresql")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/site")
	t.Setenv("STT_TIMEOUT", "45") // bare seconds
	t.Setenv("TASK_TIMEOUT", "2m")
	t.Setenv("WORKER_CONCURRENCY", "x") // -> default 10
	t.Setenv("VOCAB_SIMILARITY", "0.75")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "9090" || cfg.GinMode != "release" || cfg.LogLevel != "warn" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}
	if cfg.APIBasePath != "/hooks" {
		t.Fatalf("APIBasePath=%q", cfg.APIBasePath)
	}
	if cfg.DBDriver != "postgres" || cfg.DatabaseURL == "" {
		t.Fatalf("db fields unexpected: %q %q", cfg.DBDriver, cfg.DatabaseURL)
	}
	if cfg.STT.Timeout != 45*time.Second {
		t.Fatalf("STT.Timeout=%v", cfg.STT.Timeout)
	}
	if cfg.Queue.TaskTimeout != 2*time.Minute || cfg.Queue.Concurrency != 10 {
		t.Fatalf("queue unexpected: %+v", cfg.Queue)
	}
	if cfg.Agent.Similarity != 0.75 {
		t.Fatalf("Similarity=%v", cfg.Agent.Similarity)
	}
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("CORS=%v", cfg.CORS.AllowedOrigins)
	}
}

// --- validation failures ---

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
		{"bad driver", map[string]string{"DB_DRIVER": "mysql"}, "DB_DRIVER"},
		{"postgres without url", map[string]string{"DB_DRIVER": "postgres"}, "DATABASE_URL"},
		{"rate max", map[string]string{"RATE_LIMIT_MAX_MESSAGES": "0"}, "RATE_LIMIT_MAX_MESSAGES"},
		{"attempts", map[string]string{"TASK_MAX_ATTEMPTS": "0"}, "TASK_MAX_ATTEMPTS"},
		{"iterations", map[string]string{"AGENT_MAX_ITERATIONS": "0"}, "AGENT_MAX_ITERATIONS"},
		{"similarity", map[string]string{"VOCAB_SIMILARITY": "1.5"}, "VOCAB_SIMILARITY"},
		{"body", map[string]string{"MAX_REQUEST_BODY_BYTES": "-1"}, "MAX_REQUEST_BODY_BYTES"},
		{"sampler", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "2"}, "OTEL_TRACES_SAMPLER_ARG"},
		{"timeouts", map[string]string{"READ_TIMEOUT": "-1s"}, "timeouts"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}

// --- helpers ---

func TestHelpers(t *testing.T) {
	if got := normalizeBasePath(""); got != "/" {
		t.Fatalf("normalizeBasePath empty=%q", got)
	}
	if got := normalizeBasePath("/x/"); got != "/x" {
		t.Fatalf("normalizeBasePath=%q", got)
	}
	if splitCSV("") != nil {
		t.Fatalf("splitCSV empty should be nil")
	}
	t.Setenv("B", "off")
	if getbool("B", true) {
		t.Fatalf("getbool off")
	}
	t.Setenv("D", "nonsense")
	if getdur("D", time.Second) != time.Second {
		t.Fatalf("getdur fallback")
	}
}
