//go:build unix

package compiler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRun_TimeoutKillsProcessGroup(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "survived")
	script := writeScript(t, "(sleep 1; touch '"+marker+"') &\nsleep 30\n")
	e := NewExecutor(script, 200*time.Millisecond)

	start := time.Now()
	_, err := e.Run(context.Background(), Invocation{Dir: "in", OutDir: "in", Presets: []string{"env"}})
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, -1, cerr.ExitCode)
	require.Contains(t, cerr.Error(), "timed out")
	require.Less(t, time.Since(start), 10*time.Second)

	// A child that escaped the kill would create the marker.
	time.Sleep(1500 * time.Millisecond)
	_, err = os.Stat(marker)
	require.True(t, os.IsNotExist(err), "background child outlived the compiler")
}
