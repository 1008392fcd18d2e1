package pool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// ContainerSpec describes the runtime unit to create for a worker.
type ContainerSpec struct {
	Name  string
	Image string
	// Port is published host:container on the same number
	Port    int
	Env     map[string]string
	Labels  map[string]string
	WorkDir string
}

// ContainerRuntime is the collaborator contract over the container engine.
// The pool only ever talks to workers through this interface; tests plug in
// an in-memory fake.
type ContainerRuntime interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	HealthCheck(ctx context.Context, id string) error
	// List returns the runtime ids of live units carrying the given label
	List(ctx context.Context, label string) ([]string, error)
}

// managedLabel marks runtime units created by this pool so cleanupOrphans can
// tell ours apart from unrelated containers.
const managedLabel = "agentlanes.managed"

// DockerRuntime drives the docker CLI. The docker SDK is deliberately not
// linked; the CLI surface used here is stable and keeps the dependency
// boundary at the collaborator interface.
type DockerRuntime struct {
	binary string
	logger *zap.Logger
}

// NewDockerRuntime creates a docker-CLI-backed runtime client.
func NewDockerRuntime(logger *zap.Logger) *DockerRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerRuntime{
		binary: "docker",
		logger: logger.With(zap.String("component", "docker_runtime")),
	}
}

func (d *DockerRuntime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Create creates (but does not start) a container for the spec.
func (d *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	args := []string{"create", "--name", spec.Name, "--label", managedLabel + "=true"}
	if spec.Port > 0 {
		args = append(args, "-p", fmt.Sprintf("%d:%d", spec.Port, spec.Port))
	}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range spec.Labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	args = append(args, spec.Image)

	id, err := d.run(ctx, args...)
	if err != nil {
		return "", err
	}
	d.logger.Debug("container created",
		zap.String("name", spec.Name),
		zap.String("runtime_id", id),
	)
	return id, nil
}

// Start starts a created container.
func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	_, err := d.run(ctx, "start", id)
	return err
}

// Stop stops a running container.
func (d *DockerRuntime) Stop(ctx context.Context, id string) error {
	_, err := d.run(ctx, "stop", "--time", "10", id)
	return err
}

// Remove removes a stopped container.
func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	_, err := d.run(ctx, "rm", "-f", id)
	return err
}

// HealthCheck inspects the container's running state.
func (d *DockerRuntime) HealthCheck(ctx context.Context, id string) error {
	out, err := d.run(ctx, "inspect", "--format", "{{.State.Running}}", id)
	if err != nil {
		return err
	}
	if out != "true" {
		return fmt.Errorf("container %s not running (state %q)", id, out)
	}
	return nil
}

// List returns live container ids carrying the label.
func (d *DockerRuntime) List(ctx context.Context, label string) ([]string, error) {
	out, err := d.run(ctx, "ps", "--filter", "label="+label, "--format", "{{.ID}}")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
