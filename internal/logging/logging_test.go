package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.False(t, cfg.Caller)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid defaults",
			cfg:  NewDefaultConfig(),
		},
		{
			name: "console format",
			cfg:  Config{Level: "debug", Format: "console"},
		},
		{
			name:    "bad level",
			cfg:     Config{Level: "loud", Format: "json"},
			wantErr: true,
		},
		{
			name:    "bad format",
			cfg:     Config{Level: "info", Format: "xml"},
			wantErr: true,
		},
		{
			name:    "bad stacktrace level",
			cfg:     Config{Level: "info", Format: "json", Stacktrace: "sometimes"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Fields = map[string]string{"service": "dialogd"}

	logger, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info("test entry")
	_ = logger.Sync()
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Level: "nope", Format: "json"})
	assert.Error(t, err)
}
