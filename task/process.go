package task

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ProcessAdapter spawns agent tasks as child processes of a configurable
// command line. Placeholders in the argument template are substituted per
// task: {instructions}, {endpoint}, {task_id}, {node_id}, {workdir}.
type ProcessAdapter struct {
	command string
	args    []string
	logger  *zap.Logger
}

// NewProcessAdapter creates an adapter invoking the given command.
func NewProcessAdapter(command string, args []string, logger *zap.Logger) *ProcessAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessAdapter{
		command: command,
		args:    args,
		logger:  logger.With(zap.String("component", "process_adapter")),
	}
}

// Spawn starts the backend process for the spec.
func (a *ProcessAdapter) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	args := make([]string, 0, len(a.args))
	replacer := strings.NewReplacer(
		"{instructions}", spec.Instructions,
		"{endpoint}", spec.WorkerEndpoint,
		"{task_id}", spec.TaskID,
		"{node_id}", spec.NodeID,
		"{workdir}", spec.WorkingDir,
	)
	for _, arg := range a.args {
		args = append(args, replacer.Replace(arg))
	}

	cmd := exec.CommandContext(ctx, a.command, args...)
	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	}
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if spec.ReadOnly {
		cmd.Env = append(cmd.Env, "AGENTLANES_READ_ONLY=1")
	}
	if len(spec.AllowedWritePaths) > 0 {
		cmd.Env = append(cmd.Env, "AGENTLANES_WRITE_PATHS="+strings.Join(spec.AllowedWritePaths, ":"))
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, a.command, err)
	}

	a.logger.Debug("task spawned",
		zap.String("task_id", spec.TaskID),
		zap.String("node_id", spec.NodeID),
		zap.Int("pid", cmd.Process.Pid),
	)

	h := &processHandle{cmd: cmd, out: &out, started: start}
	h.done = make(chan struct{})
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

type processHandle struct {
	cmd     *exec.Cmd
	out     *bytes.Buffer
	started time.Time
	done    chan struct{}
	waitErr error
}

func (h *processHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *processHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		_ = h.Kill()
		<-h.done
		return Result{
			ExitCode: -1,
			Output:   h.out.String(),
			Duration: time.Since(h.started),
		}, ctx.Err()
	}

	res := Result{
		ExitCode: h.cmd.ProcessState.ExitCode(),
		Output:   h.out.String(),
		Duration: time.Since(h.started),
	}
	if h.waitErr != nil {
		if _, isExit := h.waitErr.(*exec.ExitError); !isExit {
			return res, h.waitErr
		}
	}
	return res, nil
}

func (h *processHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}
