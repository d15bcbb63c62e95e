//go:build !windows

package supervisor

import (
	"bytes"
	"context"
	"syscall"
	"testing"
	"time"
	"validation-backend/internal/core/types"
	"validation-backend/internal/health"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shellLauncher runs a shell that ignores the worker flags and sleeps.
func shellLauncher(script string) ExecLauncher {
	return ExecLauncher{Executable: "/bin/sh", Args: []string{"-c", script, "worker"}}
}

func TestExecLauncherPassesWorkerFlags(t *testing.T) {
	var out bytes.Buffer
	launcher := ExecLauncher{Executable: "/bin/sh", Args: []string{"-c", `echo "$@"`, "worker"}, EnvFile: "w.env", Stdout: &out}

	proc, err := launcher.Launch("validation@host-a", WorkerSpec{Name: "validation", Queues: []string{"validation_queue"}, Concurrency: 3})
	require.NoError(t, err)

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, 0, proc.ExitCode())
	assert.Equal(t, "--hostname validation@host-a --queues validation_queue --concurrency 3 --without-gossip --without-mingle --without-heartbeat --env w.env\n", out.String())
}

func TestSupervisorRestartsKilledProcess(t *testing.T) {
	s := New(shellLauncher("sleep 30"), nil, health.NewMetrics(), Config{Hostname: "host-a", PollInterval: 50 * time.Millisecond})
	require.NoError(t, s.Start(context.Background(), 1, 1, types.AllQueues))
	defer s.Stop(time.Second)

	before := s.Records()[0]
	require.NoError(t, syscall.Kill(before.Pid, syscall.SIGKILL))

	require.Eventually(t, func() bool {
		r := s.Records()[0]
		return r.Restarts == 1 && r.Running
	}, 5*time.Second, 20*time.Millisecond)

	after := s.Records()[0]
	assert.Equal(t, before.Name, after.Name)
	assert.Equal(t, before.Queues, after.Queues)
	assert.NotEqual(t, before.Pid, after.Pid)
}

func TestSupervisorStopTerminatesProcesses(t *testing.T) {
	s := New(shellLauncher("sleep 30"), nil, nil, Config{PollInterval: time.Hour})
	require.NoError(t, s.Start(context.Background(), 2, 1, types.AllQueues))

	start := time.Now()
	s.Stop(5 * time.Second)
	assert.Less(t, time.Since(start), 5*time.Second)

	for _, r := range s.Records() {
		assert.False(t, r.Running)
	}
}
