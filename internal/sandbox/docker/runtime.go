package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/HyphaGroup/warden/internal/agent"
	"github.com/HyphaGroup/warden/internal/sandbox"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// identityLabel marks containers managed by warden and carries the
// sandbox identity they belong to.
const identityLabel = "warden.identity"

// Options configure sandbox containers
type Options struct {
	Image  string // sandbox image, e.g. "warden-sandbox:latest"
	Memory string // memory limit (e.g. "4G", "2048M")
	CPUs   int    // CPU limit
}

// Runtime implements sandbox.Runtime using the Docker SDK
type Runtime struct {
	client *client.Client
	opts   Options
}

var _ sandbox.Runtime = (*Runtime)(nil)

// NewRuntime creates a new Docker sandbox runtime
func NewRuntime(opts Options) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if opts.Image == "" {
		opts.Image = "warden-sandbox:latest"
	}
	return &Runtime{client: cli, opts: opts}, nil
}

// Name returns the runtime name
func (r *Runtime) Name() string {
	return "docker"
}

// Ping verifies connectivity to the Docker daemon
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close closes the Docker client connection
func (r *Runtime) Close() error {
	return r.client.Close()
}

// containerName derives the container name for an identity
func containerName(identity string) string {
	return "warden-" + identity
}

// findContainer returns the container id for an identity, or "" if none
func (r *Runtime) findContainer(ctx context.Context, identity string) (string, string, error) {
	list, err := r.client.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", identityLabel+"="+identity)),
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to list containers: %w", err)
	}
	if len(list) == 0 {
		return "", "", nil
	}
	return list[0].ID, list[0].State, nil
}

// EnsureSession acquires or creates the sandbox container for an
// identity. An existing container is restarted if stopped; a missing
// one is created from the configured image.
func (r *Runtime) EnsureSession(ctx context.Context, identity string) error {
	id, state, err := r.findContainer(ctx, identity)
	if err != nil {
		return err
	}

	if id != "" {
		if state == "running" {
			return nil
		}
		if err := r.client.ContainerStart(ctx, id, dockercontainer.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start sandbox container: %w", err)
		}
		return nil
	}

	if err := r.ensureImage(ctx); err != nil {
		return err
	}

	resp, err := r.client.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image:  r.opts.Image,
			Cmd:    []string{"sleep", "infinity"},
			Labels: map[string]string{identityLabel: identity},
			Tty:    false,
		},
		&dockercontainer.HostConfig{
			Init:      boolPtr(true),
			Resources: buildResourceConstraints(r.opts.Memory, r.opts.CPUs),
		},
		nil, nil, containerName(identity))
	if err != nil {
		return fmt.Errorf("failed to create sandbox container: %w", err)
	}

	if err := r.client.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start sandbox container: %w", err)
	}
	return nil
}

// ensureImage pulls the sandbox image if it is not present locally
func (r *Runtime) ensureImage(ctx context.Context) error {
	if _, err := r.client.ImageInspect(ctx, r.opts.Image); err == nil {
		return nil
	}
	reader, err := r.client.ImagePull(ctx, r.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", r.opts.Image, err)
	}
	defer func() { _ = reader.Close() }()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// mustContainer resolves the container id for an identity, failing if
// the sandbox does not exist
func (r *Runtime) mustContainer(ctx context.Context, identity string) (string, error) {
	id, _, err := r.findContainer(ctx, identity)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("no sandbox for identity %s", identity)
	}
	return id, nil
}

// Exec runs a command to completion inside the sandbox
func (r *Runtime) Exec(ctx context.Context, identity string, spec sandbox.ExecSpec) (*sandbox.ExecResult, error) {
	containerID, err := r.mustContainer(ctx, identity)
	if err != nil {
		return nil, err
	}

	execResp, err := r.client.ContainerExecCreate(ctx, containerID, dockercontainer.ExecOptions{
		Cmd:          []string{"sh", "-c", spec.Command},
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := r.client.ContainerExecAttach(ctx, execResp.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attachResp.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, attachResp.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspectResp, err := r.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &sandbox.ExecResult{
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		ExitCode: inspectResp.ExitCode,
	}, nil
}

// ExecStream runs a command and streams demuxed output as raw chunks.
// The channel is closed after the final complete chunk.
func (r *Runtime) ExecStream(ctx context.Context, identity string, spec sandbox.ExecSpec) (<-chan agent.Chunk, error) {
	containerID, err := r.mustContainer(ctx, identity)
	if err != nil {
		return nil, err
	}

	execResp, err := r.client.ContainerExecCreate(ctx, containerID, dockercontainer.ExecOptions{
		Cmd:          []string{"sh", "-c", spec.Command},
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := r.client.ContainerExecAttach(ctx, execResp.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}

	ch := make(chan agent.Chunk, 64)
	execID := execResp.ID

	go func() {
		defer close(ch)
		defer attachResp.Close()

		stdoutW := &chunkWriter{ctx: ctx, ch: ch, kind: agent.ChunkStdout}
		stderrW := &chunkWriter{ctx: ctx, ch: ch, kind: agent.ChunkStderr}

		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, attachResp.Reader)
		if copyErr != nil && ctx.Err() == nil {
			send(ctx, ch, agent.Chunk{Kind: agent.ChunkError, Message: copyErr.Error()})
		}

		// Wait for the exec to finish so the exit code is final
		for {
			inspectResp, err := r.client.ContainerExecInspect(ctx, execID)
			if err != nil {
				send(ctx, ch, agent.Chunk{Kind: agent.ChunkError, Message: err.Error()})
				return
			}
			if !inspectResp.Running {
				send(ctx, ch, agent.Chunk{Kind: agent.ChunkComplete, ExitCode: inspectResp.ExitCode})
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()

	return ch, nil
}

// chunkWriter adapts an io.Writer destination to the chunk channel
type chunkWriter struct {
	ctx  context.Context
	ch   chan<- agent.Chunk
	kind agent.ChunkKind
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if !send(w.ctx, w.ch, agent.Chunk{Kind: w.kind, Data: string(p)}) {
		return 0, w.ctx.Err()
	}
	return len(p), nil
}

func send(ctx context.Context, ch chan<- agent.Chunk, chunk agent.Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// ListProcesses lists processes inside the sandbox via ps
func (r *Runtime) ListProcesses(ctx context.Context, identity string) ([]sandbox.ProcessInfo, error) {
	result, err := r.Exec(ctx, identity, sandbox.ExecSpec{Command: "ps -eo pid,stat,args"})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("ps failed with exit code %d: %s", result.ExitCode, result.Stderr)
	}
	return parseProcessList(result.Stdout), nil
}

// parseProcessList parses `ps -eo pid,stat,args` output
func parseProcessList(out string) []sandbox.ProcessInfo {
	var procs []sandbox.ProcessInfo
	for i, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || i == 0 { // skip header
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		procs = append(procs, sandbox.ProcessInfo{
			ID:      fields[0],
			Status:  mapProcessStat(fields[1]),
			Command: strings.Join(fields[2:], " "),
		})
	}
	return procs
}

// mapProcessStat converts a ps STAT column to a ProcessStatus
func mapProcessStat(stat string) sandbox.ProcessStatus {
	if stat == "" {
		return sandbox.StatusUnknown
	}
	switch stat[0] {
	case 'Z', 'X':
		return sandbox.StatusStopped
	case 'T':
		return sandbox.StatusStopped
	case 'R', 'S', 'D', 'I':
		return sandbox.StatusRunning
	default:
		return sandbox.StatusUnknown
	}
}

// KillProcess sends a signal to a process by pid
func (r *Runtime) KillProcess(ctx context.Context, identity, processID, signal string) error {
	if signal == "" {
		signal = "TERM"
	}
	result, err := r.Exec(ctx, identity, sandbox.ExecSpec{
		Command: fmt.Sprintf("kill -%s %s", signal, processID),
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("kill -%s %s failed: %s", signal, processID, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// ReadFile reads a file from inside the sandbox via tar copy
func (r *Runtime) ReadFile(ctx context.Context, identity, path string) (string, error) {
	containerID, err := r.mustContainer(ctx, identity)
	if err != nil {
		return "", err
	}

	reader, _, err := r.client.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		return "", fmt.Errorf("failed to copy from sandbox: %w", err)
	}
	defer func() { _ = reader.Close() }()

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return "", fmt.Errorf("file %s not found in archive", path)
		}
		if err != nil {
			return "", fmt.Errorf("failed to read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return "", fmt.Errorf("failed to read file content: %w", err)
		}
		return string(data), nil
	}
}

// WriteFile writes a file inside the sandbox via tar copy
func (r *Runtime) WriteFile(ctx context.Context, identity, path, content string) error {
	containerID, err := r.mustContainer(ctx, identity)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Base(path),
		Mode: 0o644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return fmt.Errorf("failed to write tar content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}

	dir := filepath.Dir(path)
	if err := r.client.CopyToContainer(ctx, containerID, dir, &buf, dockercontainer.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy to sandbox: %w", err)
	}
	return nil
}

// DeleteSession stops and removes the sandbox container
func (r *Runtime) DeleteSession(ctx context.Context, identity string) error {
	id, _, err := r.findContainer(ctx, identity)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	_ = r.client.ContainerStop(ctx, id, dockercontainer.StopOptions{})
	if err := r.client.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove sandbox container: %w", err)
	}
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}

// buildResourceConstraints creates Docker resource constraints
func buildResourceConstraints(memory string, cpus int) dockercontainer.Resources {
	resources := dockercontainer.Resources{}

	if memory != "" {
		if memBytes := parseMemoryString(memory); memBytes > 0 {
			resources.Memory = memBytes
		}
	}
	if cpus > 0 {
		resources.NanoCPUs = int64(cpus) * 1e9
	}
	return resources
}

// parseMemoryString converts memory strings like "4G", "2048M" to bytes
func parseMemoryString(mem string) int64 {
	if mem == "" {
		return 0
	}

	var multiplier int64 = 1
	numStr := mem

	if len(mem) > 1 {
		switch mem[len(mem)-1] {
		case 'K', 'k':
			multiplier = 1024
			numStr = mem[:len(mem)-1]
		case 'M', 'm':
			multiplier = 1024 * 1024
			numStr = mem[:len(mem)-1]
		case 'G', 'g':
			multiplier = 1024 * 1024 * 1024
			numStr = mem[:len(mem)-1]
		case 'T', 't':
			multiplier = 1024 * 1024 * 1024 * 1024
			numStr = mem[:len(mem)-1]
		}
	}

	var value int64
	_, _ = fmt.Sscanf(numStr, "%d", &value)
	return value * multiplier
}
