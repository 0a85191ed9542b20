package logutil

import (
    "testing"

    "github.com/stretchr/testify/require"
    "go.uber.org/zap"
    "go.uber.org/zap/zaptest/observer"
)

func TestInfof_WritesFormattedMessage(t *testing.T) {
    core, logs := observer.New(zap.DebugLevel)
    l := zap.New(core)

    Infof(l, "view installed: id=%d members=%d", 4, 3)
    Warnf(l, "dropping %s", "x")

    entries := logs.AllUntimed()
    require.Len(t, entries, 2)
    require.Equal(t, "view installed: id=4 members=3", entries[0].Message)
    require.Equal(t, zap.WarnLevel, entries[1].Level)
}

func TestNilLoggerFallsBackToGlobal(t *testing.T) {
    core, logs := observer.New(zap.InfoLevel)
    restore := zap.ReplaceGlobals(zap.New(core))
    defer restore()

    Errorf(nil, "boom %d", 1)
    require.Equal(t, 1, logs.Len())
}

func TestNew_BuildsLogger(t *testing.T) {
    SetJSON(true)
    defer SetJSON(false)
    l := New(false)
    require.NotNil(t, l)
    require.NotNil(t, StdLogger(l, "memberlist"))
}
