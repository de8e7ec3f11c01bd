package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseFullDocument(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`
scheduler:
  max_parallel: 4
  max_retries: 5
  backoff_base: 100ms
  timeout_per_node: 30s
  event_buffer: 256
router:
  intelligent_routing: true
  model: gpt-4o-mini
  llm_timeout: 8s
model:
  provider: openai
  default: gpt-4o-mini
  api_key_env: NODEFLOW_OPENAI_KEY
  rate_limit_tpm: 90000
trace:
  mongo_uri: mongodb://localhost:27017
  database: nodeflow
  queue_size: 512
events:
  redis_addr: localhost:6379
secrets:
  slack_token: xoxb-test
`))
	require.NoError(t, err)

	require.Equal(t, 4, cfg.Scheduler.MaxParallel)
	require.Equal(t, 5, cfg.Scheduler.MaxRetries)
	require.Equal(t, 100*time.Millisecond, cfg.Scheduler.BackoffBase)
	require.True(t, cfg.Router.IntelligentRouting)
	require.Equal(t, "openai", cfg.Model.Provider)
	require.Equal(t, "nodeflow", cfg.Trace.Database)
	require.Equal(t, "localhost:6379", cfg.Events.RedisAddr)
	require.Equal(t, "xoxb-test", cfg.Secrets["slack_token"])

	sc := cfg.SchedulerConfig()
	require.Equal(t, 4, sc.MaxParallel)
	require.Equal(t, 5, sc.MaxRetries)

	opts := cfg.DefaultOptions()
	require.True(t, opts.UseIntelligentRouting)
	require.Equal(t, 30*time.Second, opts.TimeoutPerNode)
}

func TestParseEmptyDocumentIsValid(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(""))
	require.NoError(t, err)
	require.Zero(t, cfg.Scheduler.MaxParallel)
	require.Empty(t, cfg.Model.Provider)
}

func TestParseValidation(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("scheduler:\n  max_parallel: -1\n"))
	require.ErrorContains(t, err, "max_parallel")

	_, err = Parse([]byte("model:\n  provider: cohere\n"))
	require.ErrorContains(t, err, "not supported")

	_, err = Parse([]byte("trace:\n  mongo_uri: mongodb://localhost\n"))
	require.ErrorContains(t, err, "trace.database")

	_, err = Parse([]byte("scheduler: [not, a, map]\n"))
	require.ErrorContains(t, err, "parse config")
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model:\n  default: gpt-4o\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", cfg.Model.Default)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestAPIKey(t *testing.T) {
	t.Setenv("NODEFLOW_TEST_KEY", "sk-test")

	cfg := Config{}
	require.Empty(t, cfg.APIKey())

	cfg.Model.APIKeyEnv = "NODEFLOW_TEST_KEY"
	require.Equal(t, "sk-test", cfg.APIKey())
}
