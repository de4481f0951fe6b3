package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dante-gpu/asset-worker/internal/logging"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// DockerOptions configures a DockerExecutor.
type DockerOptions struct {
	Endpoint string
	// Images maps Command.Runtime to the image that provides it.
	Images map[string]string
	// Mounts are host directories bind-mounted at the same path in the container,
	// so absolute paths in command arguments resolve unchanged.
	Mounts       []string
	StageTimeout time.Duration
}

// DockerExecutor runs each command in a fresh container.
type DockerExecutor struct {
	client *client.Client
	opts   DockerOptions
	logger *zap.Logger
}

// NewDockerExecutor connects to the docker daemon and verifies it answers.
func NewDockerExecutor(ctx context.Context, opts DockerOptions, logger *zap.Logger) (*DockerExecutor, error) {
	clientOpts := []client.Opt{client.WithAPIVersionNegotiation()}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Endpoint))
	} else {
		clientOpts = append(clientOpts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon not reachable at %s: %w", opts.Endpoint, err)
	}
	for i, m := range opts.Mounts {
		if abs, err := filepath.Abs(m); err == nil {
			opts.Mounts[i] = abs
		}
	}
	return &DockerExecutor{client: cli, opts: opts, logger: logger.Named("docker")}, nil
}

// Close releases the docker client.
func (de *DockerExecutor) Close() error {
	return de.client.Close()
}

// containerSpec builds the container and host configuration for cmd.
func (de *DockerExecutor) containerSpec(cmd Command, devices []string) (*container.Config, *container.HostConfig, error) {
	img, ok := de.opts.Images[cmd.Runtime]
	if !ok || img == "" {
		return nil, nil, fmt.Errorf("no image configured for runtime %q", cmd.Runtime)
	}

	workDir := cmd.Dir
	if workDir != "" && !filepath.IsAbs(workDir) {
		if abs, err := filepath.Abs(workDir); err == nil {
			workDir = abs
		}
	}

	containerConfig := &container.Config{
		Image:        img,
		Cmd:          []string{"bash", "-c", cmd.Line()},
		Env:          cmd.EnvList(devices),
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	}

	hostConfig := &container.HostConfig{}
	for _, m := range de.opts.Mounts {
		hostConfig.Binds = append(hostConfig.Binds, fmt.Sprintf("%s:%s", m, m))
	}

	req := container.DeviceRequest{
		Driver:       "nvidia",
		Capabilities: [][]string{{"gpu"}},
	}
	if len(devices) > 0 {
		req.DeviceIDs = devices
	} else {
		req.Count = -1 // All GPUs
	}
	hostConfig.DeviceRequests = []container.DeviceRequest{req}

	return containerConfig, hostConfig, nil
}

// Execute implements Executor.
func (de *DockerExecutor) Execute(ctx context.Context, cmd Command, devices []string) Result {
	logger := logging.EnrichLoggerWithContext(ctx, de.logger)
	startTime := time.Now()

	containerConfig, hostConfig, err := de.containerSpec(cmd, devices)
	if err != nil {
		return Result{ExitCode: -1, Error: err}
	}

	if de.opts.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, de.opts.StageTimeout)
		defer cancel()
	}

	resp, err := de.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if errdefs.IsNotFound(err) {
		if pullErr := de.pullImage(ctx, containerConfig.Image); pullErr != nil {
			return Result{ExitCode: -1, Error: pullErr}
		}
		resp, err = de.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	}
	if err != nil {
		return Result{ExitCode: -1, Error: fmt.Errorf("failed to create container: %w", err)}
	}
	defer de.cleanupContainer(resp.ID)

	logger.Info("Starting container",
		zap.String("image", containerConfig.Image),
		zap.String("container_id", resp.ID),
		zap.String("command", cmd.Line()),
		zap.Strings("devices", devices))

	if err := de.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{ExitCode: -1, Error: fmt.Errorf("failed to start container: %w", err)}
	}

	result := Result{}
	statusCh, errCh := de.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.ExitCode = -2
			result.Error = fmt.Errorf("container timed out after %v", de.opts.StageTimeout)
		} else {
			result.ExitCode = -1
			result.Error = fmt.Errorf("container wait error: %w", err)
		}
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
		if status.Error != nil {
			result.Error = fmt.Errorf("container wait error: %s", status.Error.Message)
		} else if status.StatusCode != 0 {
			result.Error = fmt.Errorf("container exited with code %d", status.StatusCode)
		}
	}

	stdout, stderr, logErr := de.collectLogs(resp.ID)
	if logErr != nil {
		logger.Warn("Failed to collect container logs", zap.String("container_id", resp.ID), zap.Error(logErr))
	}
	result.Stdout = stdout
	result.Stderr = stderr
	result.Duration = time.Since(startTime)

	logger.Info("Container finished",
		zap.String("container_id", resp.ID),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration))
	return result
}

func (de *DockerExecutor) pullImage(ctx context.Context, ref string) error {
	de.logger.Info("Pulling image", zap.String("image", ref))
	reader, err := de.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// collectLogs reads the finished container's output, split by stream.
func (de *DockerExecutor) collectLogs(containerID string) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logs, err := de.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", err
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return stdout.String(), stderr.String(), err
	}
	return stdout.String(), stderr.String(), nil
}

// cleanupContainer removes a finished or abandoned container.
func (de *DockerExecutor) cleanupContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := de.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		de.logger.Warn("Failed to remove container", zap.String("container_id", containerID), zap.Error(err))
	}
}
