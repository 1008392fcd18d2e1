package engine

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// diffCapture takes a pre-execution snapshot of the working tree and later
// computes the source diff a task produced. Everything here is best-effort:
// any failure is logged at debug and swallowed, it must never fail the
// owning node.
type diffCapture struct {
	workDir string
	logger  *zap.Logger
	before  string
}

func newDiffCapture(workDir string, logger *zap.Logger) *diffCapture {
	return &diffCapture{workDir: workDir, logger: logger}
}

func (d *diffCapture) snapshot(ctx context.Context) {
	if d.workDir == "" {
		return
	}
	out, err := d.gitDiff(ctx)
	if err != nil {
		d.logger.Debug("pre-execution snapshot failed", zap.Error(err))
		return
	}
	d.before = out
}

// capture returns the diff the task introduced relative to the pre-execution
// snapshot, or "" when nothing changed or the diff could not be computed.
func (d *diffCapture) capture(ctx context.Context) string {
	if d.workDir == "" {
		return ""
	}
	after, err := d.gitDiff(ctx)
	if err != nil {
		d.logger.Debug("post-execution diff failed", zap.Error(err))
		return ""
	}
	if after == d.before {
		return ""
	}
	return after
}

func (d *diffCapture) gitDiff(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "-C", d.workDir, "diff")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return out.String(), nil
}
