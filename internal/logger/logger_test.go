package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listmail/backend/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("无效级别回退到info", func(t *testing.T) {
		log, err := NewLogger(Config{Level: "verbose"})
		require.NoError(t, err)
		assert.True(t, log.Core().Enabled(0))
		assert.False(t, log.Core().Enabled(-1))
	})

	t.Run("写入日志文件", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "logs", "listmail.log")
		log, err := NewLogger(FromConfig(config.LogConfig{Level: "debug", File: file}))
		require.NoError(t, err)

		log.Info("subscription requested")
		_ = log.Sync()

		data, err := os.ReadFile(file)
		require.NoError(t, err)
		assert.Contains(t, string(data), "subscription requested")
	})
}
