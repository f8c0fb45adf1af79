// Package docker provides a Docker Engine runtime adapter for spawning
// worker containers.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"

	"github.com/bdobrica/Hosuto/internal/hosuto/runtime"
)

const (
	labelManagedBy = "hosuto.managed-by"
	labelAgentID   = "hosuto.agent-id"
	managedByValue = "hosuto"

	// stopTimeout is how long to wait for graceful container stop before SIGKILL.
	stopTimeout = 10 * time.Second
)

// Adapter implements runtime.Runtime using the Docker Engine API. The worker
// image must carry the hako binary as its entrypoint.
type Adapter struct {
	client  *dockerclient.Client
	image   string
	network string
}

// New creates a new Docker runtime adapter launching workers from the given
// image. Uses the DOCKER_HOST env var or the default socket path.
func New(image string) (*Adapter, error) {
	return NewWithNetwork(image, runtime.DefaultNetwork)
}

// NewWithNetwork creates an adapter using a specific Docker network name.
func NewWithNetwork(image, networkName string) (*Adapter, error) {
	if image == "" {
		return nil, fmt.Errorf("worker image is required")
	}
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Adapter{client: cli, image: image, network: networkName}, nil
}

// EnsureNetwork creates the hosuto Docker network if it doesn't exist.
func (a *Adapter) EnsureNetwork(ctx context.Context) error {
	nets, err := a.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", a.network)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == a.network {
			return nil // already exists
		}
	}
	_, err = a.client.NetworkCreate(ctx, a.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", a.network, err)
	}
	return nil
}

// Spawn creates and starts a worker container from the given spec.
func (a *Adapter) Spawn(ctx context.Context, spec runtime.WorkerSpec) (runtime.WorkerHandle, error) {
	if spec.AgentID == "" {
		return runtime.WorkerHandle{}, fmt.Errorf("spec.AgentID is required")
	}
	if spec.PackagePath == "" {
		return runtime.WorkerHandle{}, fmt.Errorf("spec.PackagePath is required")
	}

	image := spec.Image
	if image == "" {
		image = a.image
	}
	port := spec.Port
	if port == 0 {
		port = runtime.DefaultControlPort
	}
	networkName := spec.NetworkName
	if networkName == "" {
		networkName = a.network
	}

	containerName := runtime.ContainerNameFor(spec.AgentID)

	env := []string{
		fmt.Sprintf("HAKO_AGENT_ID=%s", spec.AgentID),
		fmt.Sprintf("HAKO_PACKAGE_PATH=%s", spec.PackagePath),
		fmt.Sprintf("HAKO_PORT=%d", port),
	}
	if spec.Token != "" {
		env = append(env, fmt.Sprintf("HAKO_WCP_TOKEN=%s", spec.Token))
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelAgentID:   spec.AgentID,
	}

	containerCfg := &container.Config{
		Image:  image,
		Env:    env,
		Labels: labels,
	}

	// Restarts are the supervisor's job, not the engine's: a worker's
	// readiness is per-incarnation.
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "no"},
		Binds:         []string{spec.PackagePath + ":" + spec.PackagePath + ":ro"},
	}

	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerName)
	if err != nil {
		return runtime.WorkerHandle{}, fmt.Errorf("create container: %w", err)
	}

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return runtime.WorkerHandle{}, fmt.Errorf("start container: %w", err)
	}

	// Inspect to get the assigned network IP for the control URL
	inspect, err := a.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return runtime.WorkerHandle{}, fmt.Errorf("inspect container: %w", err)
	}

	return runtime.WorkerHandle{
		AgentID:    spec.AgentID,
		ID:         resp.ID,
		Name:       containerName,
		ControlURL: controlURLFromInspect(inspect, networkName, port),
	}, nil
}

// Stop gracefully stops the worker container.
func (a *Adapter) Stop(ctx context.Context, handle runtime.WorkerHandle) error {
	timeout := int(stopTimeout.Seconds())
	if err := a.client.ContainerStop(ctx, handle.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %s: %w", handle.ID, err)
	}
	return nil
}

// Status returns the current runtime state of a worker container.
func (a *Adapter) Status(ctx context.Context, handle runtime.WorkerHandle) (runtime.Status, error) {
	inspect, err := a.client.ContainerInspect(ctx, handle.ID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return runtime.Status{
				AgentID: handle.AgentID,
				ID:      handle.ID,
				State:   runtime.StateUnknown,
			}, nil
		}
		return runtime.Status{}, fmt.Errorf("inspect container: %w", err)
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	finishedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)

	return runtime.Status{
		AgentID:    handle.AgentID,
		ID:         inspect.ID,
		State:      parseContainerState(inspect.State.Status),
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		ExitCode:   inspect.State.ExitCode,
		Error:      inspect.State.Error,
	}, nil
}

// Wait blocks until the worker container leaves the running state.
func (a *Adapter) Wait(ctx context.Context, handle runtime.WorkerHandle) (runtime.ExitStatus, error) {
	waitCh, errCh := a.client.ContainerWait(ctx, handle.ID, container.WaitConditionNotRunning)
	select {
	case body := <-waitCh:
		if body.Error != nil {
			return runtime.ExitStatus{}, fmt.Errorf("wait container %s: %s", handle.ID, body.Error.Message)
		}
		return runtime.ExitStatus{Code: int(body.StatusCode)}, nil
	case err := <-errCh:
		return runtime.ExitStatus{}, fmt.Errorf("wait container %s: %w", handle.ID, err)
	case <-ctx.Done():
		return runtime.ExitStatus{}, ctx.Err()
	}
}

// List returns handles for all hosuto-managed worker containers.
func (a *Adapter) List(ctx context.Context) ([]runtime.WorkerHandle, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	handles := make([]runtime.WorkerHandle, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		handles = append(handles, runtime.WorkerHandle{
			AgentID: c.Labels[labelAgentID],
			ID:      c.ID,
			Name:    name,
		})
	}
	return handles, nil
}

// Remove stops and removes the worker container entirely.
func (a *Adapter) Remove(ctx context.Context, handle runtime.WorkerHandle) error {
	_ = a.Stop(ctx, handle) // best-effort graceful stop first
	if err := a.client.ContainerRemove(ctx, handle.ID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("remove container: %w", err)
		}
	}
	return nil
}

// --- helpers ---

func parseContainerState(s string) runtime.WorkerState {
	switch strings.ToLower(s) {
	case "running":
		return runtime.StateRunning
	case "exited", "stopped", "created", "removing":
		return runtime.StateExited
	default:
		return runtime.StateUnknown
	}
}

func controlURLFromInspect(inspect types.ContainerJSON, networkName string, port int) string {
	if nets := inspect.NetworkSettings.Networks; nets != nil {
		if ep, ok := nets[networkName]; ok && ep.IPAddress != "" {
			return fmt.Sprintf("http://%s:%d", ep.IPAddress, port)
		}
	}
	return fmt.Sprintf("http://localhost:%d", port)
}
