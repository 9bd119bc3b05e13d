package tunnel

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentOutputDrainedBeforeExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	bin := filepath.Join(t.TempDir(), "agent")
	script := "#!/bin/sh\necho starting\necho warn >&2\necho 'last line before exit'\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))

	h, err := AgentLauncher{Binary: bin}.Launch(context.Background(), Spec{Port: 5000})
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not exit")
	}
	ph := h.(*processHandle)
	assert.Equal(t, int64(3), ph.relayed.Load())
	assert.NoError(t, h.Stop(time.Second))
}
