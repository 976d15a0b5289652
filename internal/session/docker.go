package session

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"devos/internal/telemetry"
)

// DockerAPI is the subset of the Docker API the sandbox uses, narrowed
// for mocking in tests.
type DockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// DockerSandbox runs agents inside disposable containers with the
// workspace bind-mounted at /workspace.
type DockerSandbox struct {
	api   DockerAPI
	image string
}

// NewDockerSandbox connects to the local daemon.
func NewDockerSandbox(defaultImage string) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerSandbox{api: cli, image: defaultImage}, nil
}

// NewDockerSandboxFromAPI injects a prepared API, for tests.
func NewDockerSandboxFromAPI(api DockerAPI, defaultImage string) *DockerSandbox {
	return &DockerSandbox{api: api, image: defaultImage}
}

type dockerHandle struct {
	api         DockerAPI
	containerID string
	done        chan error
}

func (h *dockerHandle) PID() int { return 0 }

func (h *dockerHandle) Wait() error {
	return <-h.done
}

func (h *dockerHandle) Signal() error {
	return h.api.ContainerStop(context.Background(), h.containerID, container.StopOptions{})
}

// Start creates, starts, and attaches to a container running the spec.
func (s *DockerSandbox) Start(ctx context.Context, spec Spec, stdout, stderr io.Writer) (Handle, error) {
	imageRef := spec.Image
	if imageRef == "" {
		imageRef = s.image
	}

	// Best effort: the image may already be present.
	if reader, err := s.api.ImagePull(ctx, imageRef, image.PullOptions{}); err == nil {
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	resp, err := s.api.ContainerCreate(ctx,
		&container.Config{
			Image:      imageRef,
			Cmd:        append([]string{spec.Command}, spec.Args...),
			Env:        spec.Env,
			WorkingDir: "/workspace",
		},
		&container.HostConfig{
			Binds:      []string{fmt.Sprintf("%s:/workspace", spec.Dir)},
			AutoRemove: false,
		}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := s.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		s.api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	logs, err := s.api.ContainerLogs(context.Background(), resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		s.api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to attach container logs: %w", err)
	}

	h := &dockerHandle{api: s.api, containerID: resp.ID, done: make(chan error, 1)}
	go func() {
		defer logs.Close()
		if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil && err != io.EOF {
			telemetry.LogWarn("container log copy ended", "container", resp.ID, "error", err)
		}
	}()
	go func() {
		waitCh, errCh := s.api.ContainerWait(context.Background(), resp.ID, container.WaitConditionNotRunning)
		var result error
		select {
		case status := <-waitCh:
			if status.StatusCode != 0 {
				result = fmt.Errorf("container exited with code %d", status.StatusCode)
			}
		case err := <-errCh:
			result = err
		}
		s.api.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		h.done <- result
	}()
	return h, nil
}
