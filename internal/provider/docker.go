package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/anthropics/sandboxctl/server/internal/config"
)

// DockerProvider implements Port using the Docker Engine API: container
// create/start as CreateSandbox, container commit as TakeSnapshot, and
// create-from-committed-image as RestoreFromSnapshot (§11).
type DockerProvider struct {
	client *client.Client
	cfg    *config.Config

	// objectIDs maps sandbox external id -> Docker container id, mirroring
	// the teacher's session-id-keyed cache.
	objectIDs   map[string]string
	objectIDsMu sync.RWMutex
}

// NewDockerProvider connects to the Docker daemon and verifies the
// connection with a bounded ping, matching the teacher's provider
// constructor idiom.
func NewDockerProvider(cfg *config.Config) (*DockerProvider, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}

	return &DockerProvider{client: cli, cfg: cfg, objectIDs: make(map[string]string)}, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// containerEnv merges a sandbox's user/secret-materialized env with the
// system-reserved identifiers the sandbox needs to connect back. System
// vars are layered on top, not merged first: a colliding user-provided
// name must never override SESSION_ID/SANDBOX_ID/SANDBOX_AUTH_TOKEN/
// CONTROL_PLANE_URL (§4.4.3, §10 env-var override precedence).
func containerEnv(opts CreateOptions) map[string]string {
	env := make(map[string]string, len(opts.Env)+4)
	for k, v := range opts.Env {
		env[k] = v
	}
	env["SESSION_ID"] = opts.SessionID
	env["SANDBOX_ID"] = opts.ExpectedSandboxID
	env["SANDBOX_AUTH_TOKEN"] = opts.AuthToken
	env["CONTROL_PLANE_URL"] = opts.ControlPlaneURL
	return env
}

// CreateSandbox starts a fresh container running the sandbox image, wired
// with the identifiers and control-plane URL the sandbox needs to connect
// back (§4.4.3).
func (p *DockerProvider) CreateSandbox(ctx context.Context, opts CreateOptions) (*Handle, error) {
	name := "sandboxctl-" + opts.ExpectedSandboxID

	cfg := &container.Config{
		Image:  p.cfg.SandboxImage,
		Env:    envSlice(containerEnv(opts)),
		Labels: map[string]string{"sandboxctl.session.id": opts.SessionID},
	}

	resp, err := p.client.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, name)
	if err != nil {
		return nil, &Error{Class: classifyDockerErr(err), Err: fmt.Errorf("create container: %w", err)}
	}
	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, &Error{Class: classifyDockerErr(err), Err: fmt.Errorf("start container: %w", err)}
	}

	p.objectIDsMu.Lock()
	p.objectIDs[opts.ExpectedSandboxID] = resp.ID
	p.objectIDsMu.Unlock()

	return &Handle{ObjectID: resp.ID}, nil
}

// RestoreFromSnapshot starts a new container from a previously committed
// image (§4.4.4).
func (p *DockerProvider) RestoreFromSnapshot(ctx context.Context, snapshotImageID string, opts CreateOptions) (*Handle, error) {
	name := "sandboxctl-" + opts.ExpectedSandboxID

	cfg := &container.Config{
		Image:  snapshotImageID,
		Env:    envSlice(containerEnv(opts)),
		Labels: map[string]string{"sandboxctl.session.id": opts.SessionID},
	}

	resp, err := p.client.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, name)
	if err != nil {
		return nil, &Error{Class: classifyDockerErr(err), Err: fmt.Errorf("create container from snapshot: %w", err)}
	}
	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, &Error{Class: classifyDockerErr(err), Err: fmt.Errorf("start restored container: %w", err)}
	}

	p.objectIDsMu.Lock()
	p.objectIDs[opts.ExpectedSandboxID] = resp.ID
	p.objectIDsMu.Unlock()

	return &Handle{ObjectID: resp.ID}, nil
}

// TakeSnapshot commits the container's filesystem to a new local image
// (§4.4.8).
func (p *DockerProvider) TakeSnapshot(ctx context.Context, objectID string) (string, error) {
	resp, err := p.client.ContainerCommit(ctx, objectID, container.CommitOptions{
		Reference: fmt.Sprintf("sandboxctl-snapshot-%s:%d", objectID[:12], time.Now().UnixNano()),
	})
	if err != nil {
		return "", &Error{Class: classifyDockerErr(err), Err: fmt.Errorf("commit container: %w", err)}
	}
	return resp.ID, nil
}

// Stop stops and removes the sandbox container.
func (p *DockerProvider) Stop(ctx context.Context, objectID string) error {
	timeout := 10
	if err := p.client.ContainerStop(ctx, objectID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return p.client.ContainerRemove(ctx, objectID, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

// SupportsSnapshot is always true for Docker (commit is always available).
func (p *DockerProvider) SupportsSnapshot() bool { return true }

// Exists inspects the container, treating any inspect failure as "gone"
// (§4.4.9: a missing provider object is reconciled to failed).
func (p *DockerProvider) Exists(ctx context.Context, objectID string) (bool, error) {
	_, err := p.client.ContainerInspect(ctx, objectID)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// Close closes the underlying Docker client connection.
func (p *DockerProvider) Close() error { return p.client.Close() }

// classifyDockerErr distinguishes connectivity/timeout failures (transient)
// from the daemon rejecting the request outright (permanent). Docker's
// client errors don't carry a stable type for this, so classification is
// necessarily heuristic; anything unrecognized defaults to permanent via
// ErrorClassUnknown at the call site (§7 "Upstream permanent").
func classifyDockerErr(err error) ErrorClass {
	if client.IsErrConnectionFailed(err) {
		return ErrorClassTransient
	}
	return ErrorClassUnknown
}
