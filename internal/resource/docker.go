package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	runitErrors "github.com/harunnryd/runit/internal/errors"
	"github.com/harunnryd/runit/internal/scrape"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const (
	labelManagedBy = "runit"
	namePrefix     = "runit"

	exitConfirmTimeout = 30 * time.Second
	exitPollInterval   = 250 * time.Millisecond
)

type DockerOptions struct {
	Host         string
	Image        string
	BuildContext string
	Port         int
	Workdir      string
	Limits       Limits
	TokenMatcher scrape.Matcher
	TokenTimeout time.Duration
	StopGrace    time.Duration
}

// Docker provisions Jupyter sandboxes on the local Docker engine.
type Docker struct {
	client *dockerclient.Client
	opts   DockerOptions
}

func NewDocker(ctx context.Context, opts DockerOptions) (*Docker, error) {
	if opts.TokenMatcher == nil {
		return nil, runitErrors.InvalidInput("token matcher is required")
	}

	var clientOpts []dockerclient.Opt
	clientOpts = append(clientOpts, dockerclient.FromEnv)
	clientOpts = append(clientOpts, dockerclient.WithAPIVersionNegotiation())
	if opts.Host != "" {
		clientOpts = append(clientOpts, dockerclient.WithHost(opts.Host))
	}

	cli, err := dockerclient.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	slog.Info("Docker engine connected", "component", "resource", "host", cli.DaemonHost())
	return &Docker{client: cli, opts: opts}, nil
}

func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) Provision(ctx context.Context) (Handle, error) {
	if err := d.ensureImage(ctx); err != nil {
		return nil, err
	}

	name := InstanceName(namePrefix)
	labels := map[string]string{"managed-by": labelManagedBy, "instance": name}

	vol, err := d.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: labels,
	})
	if err != nil {
		return nil, fmt.Errorf("create volume %s: %w", name, err)
	}
	slog.Info("Volume created", "component", "resource", "volume", vol.Name)

	port := nat.Port(strconv.Itoa(d.opts.Port) + "/tcp")
	containerCfg := &container.Config{
		Image:  d.opts.Image,
		Labels: labels,
		Cmd: []string{
			"jupyter", "lab",
			"--no-browser",
			"--ip=0.0.0.0",
			"--port=" + strconv.Itoa(d.opts.Port),
			"--ServerApp.allow_remote_access=True",
			"--ServerApp.root_dir=" + d.opts.Workdir,
		},
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	pids := d.opts.Limits.PidsLimit
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: vol.Name, Target: d.opts.Workdir},
		},
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(d.opts.Port)}},
		},
		Resources: container.Resources{
			NanoCPUs:  d.opts.Limits.NanoCPUs(),
			Memory:    d.opts.Limits.MemoryBytes,
			PidsLimit: &pids,
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		d.removeVolume(vol.Name)
		return nil, fmt.Errorf("create container: %w", err)
	}

	h := d.newHandle(resp.ID, vol.Name)

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.release(h)
		return nil, fmt.Errorf("start container: %w", err)
	}
	h.watch()
	slog.Info("Container started", "component", "resource", "container", shortID(resp.ID), "limits", d.opts.Limits.String())

	token, err := d.awaitToken(ctx, resp.ID)
	if err != nil {
		d.release(h)
		return nil, err
	}
	h.token = token
	slog.Info("Sandbox token observed", "component", "resource", "container", shortID(resp.ID))
	return h, nil
}

// Sweep force-removes the container, which kills it, then the volume.
func (d *Docker) Sweep(ctx context.Context, containerID, volumeName string) error {
	var errs []error
	if containerID != "" {
		err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
		if err != nil && !dockerclient.IsErrNotFound(err) {
			errs = append(errs, fmt.Errorf("remove container %s: %w", shortID(containerID), err))
		}
	}
	if len(errs) == 0 && volumeName != "" {
		err := d.client.VolumeRemove(ctx, volumeName, true)
		if err != nil && !dockerclient.IsErrNotFound(err) {
			errs = append(errs, fmt.Errorf("remove volume %s: %w", volumeName, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Docker) ensureImage(ctx context.Context) error {
	img := d.opts.Image
	if _, _, err := d.client.ImageInspectWithRaw(ctx, img); err == nil {
		slog.Info("Image found locally", "component", "resource", "image", img)
		return nil
	}

	if d.opts.BuildContext != "" {
		return d.buildImage(ctx)
	}

	slog.Info("Image not found locally, pulling", "component", "resource", "image", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	slog.Info("Image pulled", "component", "resource", "image", img)
	return nil
}

func (d *Docker) buildImage(ctx context.Context) error {
	slog.Info("Image not found locally, building", "component", "resource", "image", d.opts.Image, "context", d.opts.BuildContext)

	buildCtx, err := archive.TarWithOptions(d.opts.BuildContext, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("archive build context %s: %w", d.opts.BuildContext, err)
	}
	defer buildCtx.Close()

	resp, err := d.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{d.opts.Image},
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{"managed-by": labelManagedBy},
	})
	if err != nil {
		return fmt.Errorf("build image %s: %w", d.opts.Image, err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("build image %s: %w", d.opts.Image, err)
	}
	slog.Info("Image built", "component", "resource", "image", d.opts.Image)
	return nil
}

// awaitToken follows the container log until the token matcher hits.
func (d *Docker) awaitToken(ctx context.Context, containerID string) (string, error) {
	logCtx, cancel := context.WithCancel(context.Background())
	logs, err := d.client.ContainerLogs(logCtx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		cancel()
		return "", fmt.Errorf("follow container logs: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, logs)
		_ = pw.CloseWithError(copyErr)
	}()

	token, err := scrape.Await(ctx, pr, d.opts.TokenMatcher, d.opts.TokenTimeout, "jupyter")

	// Stop following; the log goroutine ends once the stream closes.
	cancel()
	_ = logs.Close()

	if err != nil {
		return "", fmt.Errorf("await sandbox token: %w", err)
	}
	return token, nil
}

func (d *Docker) newHandle(containerID, volumeName string) *dockerHandle {
	return &dockerHandle{
		docker:      d,
		containerID: containerID,
		volumeName:  volumeName,
		port:        d.opts.Port,
		done:        make(chan struct{}),
	}
}

// release tears down a partially provisioned sandbox.
func (d *Docker) release(h *dockerHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), exitConfirmTimeout+d.opts.StopGrace)
	defer cancel()
	if err := h.Destroy(ctx); err != nil {
		slog.Error("Release after failed provisioning incomplete", "component", "resource", "container", shortID(h.containerID), "volume", h.volumeName, "error", err)
	}
}

func (d *Docker) removeVolume(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), exitConfirmTimeout)
	defer cancel()
	if err := d.client.VolumeRemove(ctx, name, false); err != nil && !dockerclient.IsErrNotFound(err) {
		slog.Error("Remove volume failed", "component", "resource", "volume", name, "error", err)
		return
	}
	slog.Info("Volume removed", "component", "resource", "volume", name)
}

type dockerHandle struct {
	docker      *Docker
	containerID string
	volumeName  string
	token       string
	port        int

	watchOnce sync.Once
	done      chan struct{}

	destroyOnce sync.Once
	destroyErr  error
}

func (h *dockerHandle) ContainerID() string { return h.containerID }
func (h *dockerHandle) VolumeName() string  { return h.volumeName }
func (h *dockerHandle) Token() string       { return h.token }
func (h *dockerHandle) Port() int           { return h.port }

func (h *dockerHandle) Done() <-chan struct{} {
	return h.done
}

func (h *dockerHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// watch closes done once the engine reports the container is not running.
func (h *dockerHandle) watch() {
	h.watchOnce.Do(func() {
		go func() {
			defer close(h.done)
			for {
				statusCh, errCh := h.docker.client.ContainerWait(context.Background(), h.containerID, container.WaitConditionNotRunning)
				select {
				case status := <-statusCh:
					slog.Info("Container exited", "component", "resource", "container", shortID(h.containerID), "status", status.StatusCode)
					return
				case err := <-errCh:
					if dockerclient.IsErrNotFound(err) {
						return
					}
					slog.Warn("Container wait failed, retrying", "component", "resource", "container", shortID(h.containerID), "error", err)
					time.Sleep(time.Second)
				}
			}
		}()
	})
}

func (h *dockerHandle) IOSample(ctx context.Context) ([]byte, error) {
	resp, err := h.docker.client.ContainerStatsOneShot(ctx, h.containerID)
	if err != nil {
		return nil, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	counters, err := DecodeIOCounters(resp.Body)
	if err != nil {
		return nil, err
	}
	return counters.Bytes(), nil
}

func (h *dockerHandle) Destroy(ctx context.Context) error {
	h.destroyOnce.Do(func() {
		h.destroyErr = h.destroy(ctx)
	})
	return h.destroyErr
}

func (h *dockerHandle) destroy(ctx context.Context) error {
	cli := h.docker.client
	id := shortID(h.containerID)

	graceSecs := int(h.docker.opts.StopGrace.Seconds())
	if err := cli.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &graceSecs}); err != nil && !dockerclient.IsErrNotFound(err) {
		slog.Warn("Graceful stop failed, killing", "component", "resource", "container", id, "error", err)
		if err := cli.ContainerKill(ctx, h.containerID, "SIGKILL"); err != nil && !dockerclient.IsErrNotFound(err) {
			slog.Error("Kill failed", "component", "resource", "container", id, "error", err)
		}
	}

	if err := h.confirmExit(ctx); err != nil {
		return runitErrors.Wrap(err, "volume "+h.volumeName+" kept")
	}
	slog.Info("Container stopped", "component", "resource", "container", id)

	if err := cli.ContainerRemove(ctx, h.containerID, container.RemoveOptions{}); err != nil && !dockerclient.IsErrNotFound(err) {
		slog.Warn("Remove container failed", "component", "resource", "container", id, "error", err)
	}

	if err := cli.VolumeRemove(ctx, h.volumeName, false); err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove volume %s: %w", h.volumeName, err)
	}
	slog.Info("Volume removed", "component", "resource", "volume", h.volumeName)
	return nil
}

// confirmExit polls the engine until the container is no longer running.
func (h *dockerHandle) confirmExit(ctx context.Context) error {
	deadline := time.Now().Add(exitConfirmTimeout)
	for {
		inspect, err := h.docker.client.ContainerInspect(ctx, h.containerID)
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		if err == nil && inspect.State != nil && !inspect.State.Running {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("container %s did not confirm exit", shortID(h.containerID))
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("confirm exit of %s: %w", shortID(h.containerID), ctx.Err())
		case <-time.After(exitPollInterval):
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
