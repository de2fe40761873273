package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := FromZap(zap.New(core)).With(Int("dbid", 5), String("kind", "full"))

	log.Info("pg_basebackup finished", Duration("runtime", 0))
	log.Debug("detail")

	require.Equal(t, 2, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "pg_basebackup finished", entry.Message)
	ctx := entry.ContextMap()
	assert.EqualValues(t, 5, ctx["dbid"])
	assert.Equal(t, "full", ctx["kind"])
}

func TestNewBuildsLogger(t *testing.T) {
	log, err := New(Config{Level: "debug", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)
	assert.NotPanics(t, func() { log.Info("hello", Bool("ok", true)) })
}

func TestNopDiscards(t *testing.T) {
	log := NewNop()
	assert.NotPanics(t, func() {
		log.With(String("a", "b")).Error("ignored")
	})
}
