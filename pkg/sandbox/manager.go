// Package sandbox wraps the Docker runtime for disposable agent containers:
// creation with resource caps, log attach, exec, and labeled cleanup.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/groundctl/groundctl/pkg/models"
	"github.com/groundctl/groundctl/pkg/store"
)

// Container labels identifying sandboxes owned by this system.
const (
	LabelManaged = "groundctl.managed"
	LabelMission = "groundctl.mission"
)

// Defaults applied when CreateOptions leaves them zero.
const (
	DefaultImage       = "node:18-alpine"
	DefaultMemoryBytes = 1 << 30 // 1 GiB
	DefaultNanoCPUs    = 1_000_000_000
	DefaultPidsLimit   = 100
	DefaultStopGrace   = 10 // seconds
)

// BindMount maps a host path into the container.
type BindMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// CreateOptions describes a sandbox to create.
type CreateOptions struct {
	MissionID   string
	Image       string
	Cmd         []string
	WorkingDir  string
	Env         map[string]string
	Binds       []BindMount
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
}

// Created reports the container and its tracking Process row.
type Created struct {
	ContainerID string
	ProcessID   string
}

// State is the subset of container inspection the orchestration layer needs.
type State struct {
	Running  bool
	ExitCode int
}

// Manager owns sandbox container lifecycle. Every container it creates is
// labeled managed=true so orphans are findable after a crash.
type Manager struct {
	cli   *client.Client
	store *store.Store
}

// NewManager connects to the Docker daemon using environment configuration.
func NewManager(st *store.Store) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Manager{cli: cli, store: st}, nil
}

// Ping checks liveness of the container runtime.
func (m *Manager) Ping(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// Create creates and starts a sandbox container with hard resource limits,
// registering a Process row that tracks it. The row is created first so a
// crash between create and start leaves a findable record, not an orphan.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Created, error) {
	img := opts.Image
	if img == "" {
		img = DefaultImage
	}
	memory := opts.MemoryBytes
	if memory == 0 {
		memory = DefaultMemoryBytes
	}
	nanoCPUs := opts.NanoCPUs
	if nanoCPUs == 0 {
		nanoCPUs = DefaultNanoCPUs
	}
	pidsLimit := opts.PidsLimit
	if pidsLimit == 0 {
		pidsLimit = DefaultPidsLimit
	}

	if err := m.PullIfNeeded(ctx, img); err != nil {
		return nil, err
	}

	proc, err := m.store.CreateProcess(ctx, store.NewProcessParams{
		MissionID: opts.MissionID,
		Type:      models.ProcessContainer,
		Command:   commandString(img, opts.Cmd),
		Cwd:       opts.WorkingDir,
		Env:       opts.Env,
	})
	if err != nil {
		return nil, err
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	mounts := make([]mount.Mount, 0, len(opts.Binds))
	for _, b := range opts.Binds {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   b.Source,
			Target:   b.Target,
			ReadOnly: b.ReadOnly,
		})
	}

	useInit := true
	cfg := &container.Config{
		Image:      img,
		Cmd:        strslice.StrSlice(opts.Cmd),
		WorkingDir: opts.WorkingDir,
		Env:        env,
		User:       strconv.Itoa(os.Getuid()) + ":" + strconv.Itoa(os.Getgid()),
		Labels: map[string]string{
			LabelManaged: "true",
			LabelMission: opts.MissionID,
		},
	}
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Init:   &useInit,
		Resources: container.Resources{
			Memory:    memory,
			NanoCPUs:  nanoCPUs,
			PidsLimit: &pidsLimit,
		},
	}

	created, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		_, _ = m.store.UpdateProcessStatus(ctx, proc.ID, models.ProcessError, nil)
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := m.store.UpdateProcessContainerID(ctx, proc.ID, created.ID); err != nil {
		_ = m.Remove(ctx, created.ID, true)
		return nil, err
	}

	if err := m.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_, _ = m.store.UpdateProcessStatus(ctx, proc.ID, models.ProcessError, nil)
		_ = m.Remove(ctx, created.ID, true)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	if _, err := m.store.UpdateProcessStatus(ctx, proc.ID, models.ProcessRunning, nil); err != nil {
		return nil, err
	}

	slog.Info("Sandbox created",
		"container_id", created.ID[:12],
		"process_id", proc.ID,
		"mission_id", opts.MissionID,
		"image", img)
	return &Created{ContainerID: created.ID, ProcessID: proc.ID}, nil
}

// Exec starts a new exec session in a running container and returns the
// attached duplex stream plus the exec session ID. The stream carries the
// docker multiplexed format; use StreamExec to demux it.
func (m *Manager) Exec(ctx context.Context, containerID string, argv []string) (types.HijackedResponse, string, error) {
	created, err := m.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          strslice.StrSlice(argv),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return types.HijackedResponse{}, "", fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := m.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return types.HijackedResponse{}, "", fmt.Errorf("failed to attach exec: %w", err)
	}
	return resp, created.ID, nil
}

// ExecStream runs argv inside the container, demuxing its output into
// onChunk until the session ends, and returns the exit code.
func (m *Manager) ExecStream(ctx context.Context, containerID string, argv []string, onChunk func(stream string, data []byte)) (int, error) {
	resp, execID, err := m.Exec(ctx, containerID, argv)
	if err != nil {
		return 0, err
	}
	defer resp.Close()

	if err := StreamDemux(resp.Reader, onChunk); err != nil {
		return 0, fmt.Errorf("exec stream failed: %w", err)
	}
	return m.ExecExitCode(ctx, execID)
}

// ExecExitCode returns the exit code of a finished exec session.
func (m *Manager) ExecExitCode(ctx context.Context, execID string) (int, error) {
	inspect, err := m.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect exec: %w", err)
	}
	if inspect.Running {
		return 0, fmt.Errorf("exec session %s still running", execID)
	}
	return inspect.ExitCode, nil
}

// AttachLogs returns a follow stream of the container's combined
// stdout+stderr with timestamps, in docker's multiplexed format.
func (m *Manager) AttachLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	rc, err := m.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach logs: %w", err)
	}
	return rc, nil
}

// StreamDemux copies a docker multiplexed stream into per-stream callbacks
// until the stream ends. It returns nil on clean EOF.
func StreamDemux(r io.Reader, onChunk func(stream string, data []byte)) error {
	stdout := &chunkWriter{stream: "stdout", onChunk: onChunk}
	stderr := &chunkWriter{stream: "stderr", onChunk: onChunk}
	_, err := stdcopy.StdCopy(stdout, stderr, r)
	if err == io.EOF {
		return nil
	}
	return err
}

type chunkWriter struct {
	stream  string
	onChunk func(stream string, data []byte)
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	w.onChunk(w.stream, buf)
	return len(p), nil
}

// Stop sends SIGTERM and escalates to SIGKILL after graceSeconds.
// Already-stopped and missing containers are not errors.
func (m *Manager) Stop(ctx context.Context, containerID string, graceSeconds int) error {
	if graceSeconds <= 0 {
		graceSeconds = DefaultStopGrace
	}
	err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &graceSeconds})
	if err != nil && !isIdempotent(err) {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Remove deletes a container. A missing container is not an error.
func (m *Manager) Remove(ctx context.Context, containerID string, force bool) error {
	err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil && !isIdempotent(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Kill sends a signal to the container's init process.
func (m *Manager) Kill(ctx context.Context, containerID, signal string) error {
	if signal == "" {
		signal = "SIGTERM"
	}
	err := m.cli.ContainerKill(ctx, containerID, signal)
	if err != nil && !isIdempotent(err) {
		return fmt.Errorf("failed to kill container: %w", err)
	}
	return nil
}

// Inspect returns the container's running state and exit code.
func (m *Manager) Inspect(ctx context.Context, containerID string) (*State, error) {
	resp, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	st := &State{}
	if resp.State != nil {
		st.Running = resp.State.Running
		st.ExitCode = resp.State.ExitCode
	}
	return st, nil
}

// ManagedContainer is one labeled sandbox found by listing.
type ManagedContainer struct {
	ID        string
	MissionID string
	State     string
}

// ListManaged returns every container labeled managed=true, running or not.
func (m *Manager) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	return m.list(ctx, filters.NewArgs(filters.Arg("label", LabelManaged+"=true")))
}

// ListForMission returns the mission's containers by label filter.
func (m *Manager) ListForMission(ctx context.Context, missionID string) ([]ManagedContainer, error) {
	return m.list(ctx, filters.NewArgs(
		filters.Arg("label", LabelManaged+"=true"),
		filters.Arg("label", LabelMission+"="+missionID),
	))
}

func (m *Manager) list(ctx context.Context, f filters.Args) ([]ManagedContainer, error) {
	containers, err := m.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	out := make([]ManagedContainer, 0, len(containers))
	for _, c := range containers {
		out = append(out, ManagedContainer{
			ID:        c.ID,
			MissionID: c.Labels[LabelMission],
			State:     c.State,
		})
	}
	return out, nil
}

// PullIfNeeded pulls an image only when it is absent locally.
func (m *Manager) PullIfNeeded(ctx context.Context, img string) error {
	_, _, err := m.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	slog.Info("Pulling sandbox image", "image", img)
	rc, err := m.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer func() { _ = rc.Close() }()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to read pull stream: %w", err)
	}
	return nil
}

// Cleanup stops and removes every managed container, best effort.
func (m *Manager) Cleanup(ctx context.Context) {
	containers, err := m.ListManaged(ctx)
	if err != nil {
		slog.Error("Sandbox cleanup: list failed", "error", err)
		return
	}
	for _, c := range containers {
		if err := m.Stop(ctx, c.ID, 5); err != nil {
			slog.Warn("Sandbox cleanup: stop failed", "container_id", c.ID[:12], "error", err)
		}
		if err := m.Remove(ctx, c.ID, true); err != nil {
			slog.Warn("Sandbox cleanup: remove failed", "container_id", c.ID[:12], "error", err)
		}
	}
	if len(containers) > 0 {
		slog.Info("Sandbox cleanup complete", "count", len(containers))
	}
}

// Close releases the docker client.
func (m *Manager) Close() error {
	return m.cli.Close()
}

// isIdempotent reports whether the runtime error is one of the benign
// "already in the desired state" responses (404 not found, 304 not
// modified, 409 conflict on an exiting container).
func isIdempotent(err error) bool {
	return errdefs.IsNotFound(err) || errdefs.IsNotModified(err) || errdefs.IsConflict(err)
}

func commandString(img string, cmd []string) string {
	out := img
	for _, c := range cmd {
		out += " " + c
	}
	return out
}
