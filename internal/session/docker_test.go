package session

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDocker struct {
	mu         sync.Mutex
	pulled     []string
	config     *container.Config
	hostConfig *container.HostConfig
	started    bool
	stopped    bool
	removed    bool
	startErr   error
	logFrames  bytes.Buffer
	waitCh     chan container.WaitResponse
	errCh      chan error
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		waitCh: make(chan container.WaitResponse, 1),
		errCh:  make(chan error, 1),
	}
}

func (f *fakeDocker) writeLogs(t *testing.T, stream stdcopy.StdType, line string) {
	t.Helper()
	w := stdcopy.NewStdWriter(&f.logFrames, stream)
	_, err := w.Write([]byte(line))
	require.NoError(t, err)
}

func (f *fakeDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *specs.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config = config
	f.hostConfig = hostConfig
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, _ string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeDocker) ContainerLogs(_ context.Context, _ string, _ container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logFrames.Bytes())), nil
}

func (f *fakeDocker) ContainerWait(_ context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return f.waitCh, f.errCh
}

func (f *fakeDocker) ContainerStop(_ context.Context, _ string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, _ string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	return nil
}

func (f *fakeDocker) Close() error { return nil }

func (f *fakeDocker) wasRemoved() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestDockerSandbox_Start(t *testing.T) {
	api := newFakeDocker()
	api.writeLogs(t, stdcopy.Stdout, "hello from agent\n")
	api.writeLogs(t, stdcopy.Stderr, "warning line\n")
	sandbox := NewDockerSandboxFromAPI(api, "devos/agent:latest")

	var stdout, stderr bytes.Buffer
	handle, err := sandbox.Start(context.Background(), Spec{
		SessionID: "sess1",
		Command:   "claude",
		Args:      []string{"--agent", "dev", "go"},
		Dir:       "/tmp/ws1/p1",
		Env:       []string{"ANTHROPIC_API_KEY=sk-ant-x"},
	}, &stdout, &stderr)
	require.NoError(t, err)
	assert.Zero(t, handle.PID(), "containers expose no host pid")

	assert.Equal(t, []string{"devos/agent:latest"}, api.pulled)
	assert.Equal(t, []string{"claude", "--agent", "dev", "go"}, []string(api.config.Cmd))
	assert.Equal(t, []string{"ANTHROPIC_API_KEY=sk-ant-x"}, api.config.Env)
	assert.Equal(t, "/workspace", api.config.WorkingDir)
	assert.Equal(t, []string{"/tmp/ws1/p1:/workspace"}, api.hostConfig.Binds)
	assert.True(t, api.started)

	api.waitCh <- container.WaitResponse{StatusCode: 0}
	require.NoError(t, handle.Wait())

	waitFor(t, func() bool {
		return strings.Contains(stdout.String(), "hello from agent") &&
			strings.Contains(stderr.String(), "warning line")
	})
	waitFor(t, api.wasRemoved)
}

func TestDockerSandbox_SpecImageOverridesDefault(t *testing.T) {
	api := newFakeDocker()
	sandbox := NewDockerSandboxFromAPI(api, "devos/agent:latest")

	_, err := sandbox.Start(context.Background(), Spec{
		Command: "claude",
		Image:   "devos/agent:pinned",
	}, io.Discard, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "devos/agent:pinned", api.config.Image)
}

func TestDockerSandbox_NonZeroExitIsAnError(t *testing.T) {
	api := newFakeDocker()
	sandbox := NewDockerSandboxFromAPI(api, "devos/agent:latest")

	handle, err := sandbox.Start(context.Background(), Spec{Command: "claude"}, io.Discard, io.Discard)
	require.NoError(t, err)

	api.waitCh <- container.WaitResponse{StatusCode: 2}
	err = handle.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 2")
	waitFor(t, api.wasRemoved)
}

func TestDockerSandbox_StartFailureRemovesContainer(t *testing.T) {
	api := newFakeDocker()
	api.startErr = assert.AnError
	sandbox := NewDockerSandboxFromAPI(api, "devos/agent:latest")

	_, err := sandbox.Start(context.Background(), Spec{Command: "claude"}, io.Discard, io.Discard)
	require.Error(t, err)
	assert.True(t, api.wasRemoved())
}

func TestDockerSandbox_SignalStopsContainer(t *testing.T) {
	api := newFakeDocker()
	sandbox := NewDockerSandboxFromAPI(api, "devos/agent:latest")

	handle, err := sandbox.Start(context.Background(), Spec{Command: "claude"}, io.Discard, io.Discard)
	require.NoError(t, err)

	require.NoError(t, handle.Signal())
	assert.True(t, api.stopped)
}
