package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LoggingConfig
		level   zapcore.Level
		wantErr bool
	}{
		{name: "structured default", cfg: LoggingConfig{Level: "info"}, level: zapcore.InfoLevel},
		{name: "console debug", cfg: LoggingConfig{Level: "debug", Profile: "console"}, level: zapcore.DebugLevel},
		{name: "upper case profile", cfg: LoggingConfig{Level: "warn", Profile: "STRUCTURED"}, level: zapcore.WarnLevel},
		{name: "bad level", cfg: LoggingConfig{Level: "loud"}, wantErr: true},
		{name: "bad profile", cfg: LoggingConfig{Level: "info", Profile: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.level))
			assert.False(t, logger.Core().Enabled(tt.level-1))
		})
	}
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("agentdock", false)
	assert.False(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	InitCLILogger("agentdock", true)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
}
