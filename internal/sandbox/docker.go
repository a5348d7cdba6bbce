package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/edgecoder/mesh/internal/core"
)

// DockerRunner executes code inside a throwaway container with hard
// resource caps. One container per run; the container is force-removed
// on every exit path so a timeout never leaks a child.
type DockerRunner struct {
	ImagePython string
	ImageNode   string
	MemoryBytes int64
	CPUs        float64
	PidsLimit   int64
}

// NewDockerRunner builds a docker runner with the default caps:
// 256MB memory, 0.5 cores, 50 pids.
func NewDockerRunner(imagePython, imageNode string) *DockerRunner {
	return &DockerRunner{
		ImagePython: imagePython,
		ImageNode:   imageNode,
		MemoryBytes: 256 * 1024 * 1024,
		CPUs:        0.5,
		PidsLimit:   50,
	}
}

// Available reports whether a docker daemon is reachable.
func (d *DockerRunner) Available(ctx context.Context) bool {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return false
	}
	defer cli.Close()
	_, err = cli.Ping(ctx)
	return err == nil
}

// Run executes code in a fresh container and captures the result.
func (d *DockerRunner) Run(ctx context.Context, language, code string, timeout time.Duration, networkEnabled bool) core.RunResult {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var image string
	var cmd []string
	switch language {
	case core.LangPython:
		image = d.ImagePython
		cmd = []string{"python3", "-c", code}
	case core.LangJavaScript:
		image = d.ImageNode
		cmd = []string{"node", "-e", code}
	default:
		return core.RunResult{Language: language, Stderr: "unsupported language: " + language, ExitCode: 1}
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return runnerError(language, fmt.Errorf("docker client: %w", err))
	}
	defer cli.Close()

	networkMode := container.NetworkMode("none")
	if networkEnabled {
		networkMode = container.NetworkMode("bridge")
	}
	pids := d.PidsLimit
	hostConfig := &container.HostConfig{
		NetworkMode:    networkMode,
		ReadonlyRootfs: true,
		AutoRemove:     false,
		Resources: container.Resources{
			NanoCPUs:  int64(d.CPUs * 1e9),
			Memory:    d.MemoryBytes,
			PidsLimit: &pids,
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=16m",
		},
	}

	created, err := cli.ContainerCreate(ctx, &container.Config{
		Image:           image,
		Cmd:             cmd,
		Tty:             false,
		NetworkDisabled: !networkEnabled,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return runnerError(language, fmt.Errorf("container create: %w", err))
	}
	containerID := created.ID

	// Removal runs on a background context so cleanup still happens
	// after the run context is cancelled.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = cli.ContainerRemove(rmCtx, containerID, types.ContainerRemoveOptions{Force: true})
	}()

	start := time.Now()
	if err := cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return runnerError(language, fmt.Errorf("container start: %w", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := cli.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		duration := time.Since(start)
		if runCtx.Err() == context.DeadlineExceeded || ctx.Err() != nil {
			killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer killCancel()
			_ = cli.ContainerKill(killCtx, containerID, "SIGKILL")
			return core.RunResult{
				Language:      language,
				Stderr:        "execution timed out",
				ExitCode:      ExitTimeout,
				DurationMs:    duration.Milliseconds(),
				QueueForCloud: true,
				QueueReason:   core.QueueTimeout,
			}
		}
		return runnerError(language, fmt.Errorf("container wait: %w", err))
	}
	duration := time.Since(start)

	stdout, stderr := d.collectLogs(containerID, cli)

	return core.RunResult{
		Language:   language,
		OK:         exitCode == 0,
		Stdout:     stdout,
		Stderr:     stderr,
		ExitCode:   exitCode,
		DurationMs: duration.Milliseconds(),
	}
}

// collectLogs demuxes the container's stdout and stderr streams.
func (d *DockerRunner) collectLogs(containerID string, cli *client.Client) (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logs, err := cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", ""
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, logs)
	return stdout.String(), stderr.String()
}

func runnerError(language string, err error) core.RunResult {
	return core.RunResult{Language: language, Stderr: err.Error(), ExitCode: 1}
}
