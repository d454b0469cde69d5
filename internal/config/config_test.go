package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "GEMA Grader", cfg.AppName)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, 5*time.Second, cfg.Execution.Timeout)
	require.Equal(t, int64(256), cfg.Execution.MemoryMB)
	require.Equal(t, int64(1<<20), cfg.Execution.MaxOutputBytes)
	require.Equal(t, 4, cfg.Grading.Concurrency)
	require.Equal(t, 24*time.Hour, cfg.ExpectedTTL)
	require.Equal(t, "gema:grader", cfg.ChannelPrefix)
	require.Empty(t, cfg.AllowOrigins)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GEMA_APP_PORT", ":9090")
	t.Setenv("GEMA_EXECUTION_TIMEOUT", "2500ms")
	t.Setenv("GEMA_GRADING_CONCURRENCY", "8")
	t.Setenv("GEMA_CORS_ALLOW_ORIGINS", "https://lms.example.com, https://ops.example.com")
	t.Setenv("GEMA_NATS_URL", "nats://localhost:4222")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddress())
	require.Equal(t, 2500*time.Millisecond, cfg.Execution.Timeout)
	require.Equal(t, 8, cfg.Grading.Concurrency)
	require.Equal(t, []string{"https://lms.example.com", "https://ops.example.com"}, cfg.AllowOrigins)
	require.Equal(t, "nats://localhost:4222", cfg.NATSURL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GEMA_EXECUTION_TIMEOUT", "soon")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRequiresSecretInProduction(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GEMA_APP_ENV", "production")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("GEMA_JWT_SECRET", "s3cret")
	_, err = Load()
	require.NoError(t, err)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "grader.yaml")
	require.NoError(t, os.WriteFile(path, []byte("question_dir: /srv/questions\ngrading:\n  concurrency: 2\n"), 0o644))
	t.Setenv("GEMA_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/srv/questions", cfg.QuestionDir)
	require.Equal(t, 2, cfg.Grading.Concurrency)
}
