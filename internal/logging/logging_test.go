package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "warning")
	t.Setenv(EnvLogTimestamp, "true")
	t.Setenv(EnvLogNoColor, "not-a-bool")

	cfg := DefaultConfig(ProfileTest)
	ApplyEnvOverrides(&cfg)

	require.Equal(t, zerolog.WarnLevel, cfg.Level)
	require.True(t, cfg.Timestamp)
	require.True(t, cfg.NoColor, "unparseable values keep the default")
}

func TestParseLevel_UnknownIsIgnored(t *testing.T) {
	_, ok := parseLevel("loud")
	require.False(t, ok)

	lvl, ok := parseLevel(" OFF ")
	require.True(t, ok)
	require.Equal(t, zerolog.Disabled, lvl)
}

func TestNewWithConfig_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithConfig(Config{Level: zerolog.InfoLevel, NoColor: true}, &buf)

	logger.Debug().Msg("hidden")
	logger.Info().Str("target", "api").Msg("compiled")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "compiled")
	require.Contains(t, out, "target=api")
}
