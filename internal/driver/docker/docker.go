// Package docker adapts the runtime driver interface to the Docker Engine API.
package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/stackdrift/stackctl/internal/config"
	"github.com/stackdrift/stackctl/internal/driver"
)

// Labels stamped on every container the driver creates.
const (
	labelManaged  = "stackctl.managed"
	labelService  = "stackctl.service"
	labelSpecHash = "stackctl.spec-hash"
	labelProject  = "stackctl.project"
)

var _ driver.Driver = (*Driver)(nil)

// Driver implements driver.Driver against a Docker Engine.
type Driver struct {
	cli     *client.Client
	logger  *slog.Logger
	project string
}

// New initializes the Docker driver using environment variables
// (e.g. DOCKER_HOST) for connection settings.
func New(project string, logger *slog.Logger) (*Driver, error) {
	c, err := client.New(
		client.FromEnv,
	)
	if err != nil {
		return nil, fmt.Errorf("initialize docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{cli: c, logger: logger, project: project}, nil
}

// ContainerName returns the deterministic container name for a service.
func ContainerName(id string) string {
	return "stackctl-" + id
}

// Start brings the service's container to a running state. Starting a service
// whose container already runs with an identical spec hash returns the
// existing handle. A container with a stale spec hash is stopped, removed and
// recreated.
func (d *Driver) Start(ctx context.Context, spec config.ServiceSpec) (driver.Handle, error) {
	name := ContainerName(spec.ID)
	specHash := spec.Hash()

	inspect, err := d.cli.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err == nil {
		ctr := inspect.Container
		if ctr.Config != nil && ctr.Config.Labels[labelSpecHash] == specHash &&
			ctr.State != nil && ctr.State.Running {
			d.logger.Debug("container already running with desired spec", "service", spec.ID, "container", name)
			return driver.Handle(ctr.ID), nil
		}

		// Stop (best-effort) then remove before recreating with the new spec.
		_, _ = d.cli.ContainerStop(ctx, name, client.ContainerStopOptions{})
		if _, err := d.cli.ContainerRemove(ctx, name, client.ContainerRemoveOptions{
			Force:         true,
			RemoveVolumes: false,
		}); err != nil {
			return "", d.classify("remove", err)
		}
	} else if !errdefs.IsNotFound(err) {
		return "", d.classify("inspect", err)
	}

	exposed, portMap, err := portConfig(spec)
	if err != nil {
		return "", err
	}

	cCfg := &container.Config{
		Image: spec.Image,
		Env:   envList(spec.Env),
		Labels: map[string]string{
			labelManaged:  "true",
			labelService:  spec.ID,
			labelSpecHash: specHash,
			labelProject:  d.project,
		},
		ExposedPorts: exposed,
	}
	hCfg := &container.HostConfig{
		PortBindings:  portMap,
		RestartPolicy: restartPolicy(spec.Restart),
	}

	containerID := ""
	created, err := d.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     cCfg,
		HostConfig: hCfg,
		Name:       name,
		Image:      spec.Image,
	})
	if err != nil {
		// Race-safe: if something else created it, inspect and proceed.
		inspected, ie := d.cli.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
		if ie != nil {
			return "", d.classify("create", err)
		}
		containerID = inspected.Container.ID
	} else {
		containerID = created.ID
	}

	if _, err := d.cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return "", d.classify("start", err)
	}

	return driver.Handle(containerID), nil
}

// Stop stops and removes the container behind the handle.
func (d *Driver) Stop(ctx context.Context, handle driver.Handle) error {
	id := string(handle)

	if _, err := d.cli.ContainerStop(ctx, id, client.ContainerStopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return &driver.NotFoundError{Handle: handle}
		}
		return d.classify("stop", err)
	}
	if _, err := d.cli.ContainerRemove(ctx, id, client.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	}); err != nil && !errdefs.IsNotFound(err) {
		return d.classify("remove", err)
	}
	return nil
}

// Inspect reports the runtime's view of the container behind the handle.
func (d *Driver) Inspect(ctx context.Context, handle driver.Handle) (driver.Observation, error) {
	inspect, err := d.cli.ContainerInspect(ctx, string(handle), client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return driver.Observation{}, &driver.NotFoundError{Handle: handle}
		}
		return driver.Observation{}, d.classify("inspect", err)
	}

	ctr := inspect.Container
	obs := driver.Observation{}
	if ctr.Config != nil {
		obs.SpecHash = ctr.Config.Labels[labelSpecHash]
	}
	if ctr.State != nil {
		obs.Running = ctr.State.Running
		obs.Status = string(ctr.State.Status)
		obs.Healthy = healthy(ctr.State)
	}
	return obs, nil
}

// healthy interprets container state: without a health check, running counts
// as healthy.
func healthy(st *container.State) bool {
	if !st.Running {
		return false
	}
	if st.Health == nil || st.Health.Status == container.NoHealthcheck {
		return true
	}
	return st.Health.Status == container.Healthy
}

// classify wraps retryable failures (engine unavailable, deadline exceeded,
// transport errors) in driver.TransientError so the reconciler backs off and
// retries them.
func (d *Driver) classify(op string, err error) error {
	var netErr net.Error
	switch {
	case errdefs.IsUnavailable(err),
		errdefs.IsDeadlineExceeded(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return &driver.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// envList flattens the env map into the KEY=value slice the engine expects.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

// portConfig builds the exposed-port set and host bindings for the spec.
func portConfig(spec config.ServiceSpec) (network.PortSet, network.PortMap, error) {
	exposed := network.PortSet{}
	bindings := network.PortMap{}

	for _, pm := range spec.Ports {
		if pm.Internal <= 0 || pm.Internal > 65535 {
			return nil, nil, fmt.Errorf("service %q: invalid port %d", spec.ID, pm.Internal)
		}
		// Port range is validated at load time, so the conversion cannot fail.
		port, _ := network.PortFrom(uint16(pm.Internal), network.IPProtocol("tcp"))
		exposed[port] = struct{}{}

		if pm.External > 0 {
			bindings[port] = append(bindings[port], network.PortBinding{
				HostPort: strconv.Itoa(pm.External),
			})
		}
	}
	return exposed, bindings, nil
}

// restartPolicy maps the declared restart policy onto the engine's.
func restartPolicy(restart string) container.RestartPolicy {
	switch restart {
	case config.RestartAlways:
		return container.RestartPolicy{Name: container.RestartPolicyAlways}
	case config.RestartUnlessStopped:
		return container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	case config.RestartOnFailure:
		return container.RestartPolicy{Name: container.RestartPolicyOnFailure}
	default:
		return container.RestartPolicy{Name: container.RestartPolicyDisabled}
	}
}
