package resource

import (
	"context"
	"fmt"
	"strings"

	runitErrors "github.com/harunnryd/runit/internal/errors"

	"github.com/docker/go-units"
	"github.com/oklog/ulid/v2"
)

// Limits is the fixed resource ceiling applied when the sandbox is created.
type Limits struct {
	CPUs        float64
	MemoryBytes int64
	PidsLimit   int64
}

// ParseLimits validates and converts configured limits.
func ParseLimits(cpus float64, memory string, pids int64) (Limits, error) {
	if cpus <= 0 {
		return Limits{}, runitErrors.InvalidInput(fmt.Sprintf("cpus must be positive, got %v", cpus))
	}
	limits := Limits{CPUs: cpus, PidsLimit: pids}
	if strings.TrimSpace(memory) != "" {
		bytes, err := units.RAMInBytes(strings.TrimSpace(memory))
		if err != nil {
			return Limits{}, runitErrors.InvalidInput(fmt.Sprintf("parse memory %q: %v", memory, err))
		}
		limits.MemoryBytes = bytes
	}
	return limits, nil
}

func (l Limits) NanoCPUs() int64 {
	return int64(l.CPUs * 1e9)
}

func (l Limits) String() string {
	return fmt.Sprintf("cpus=%g memory=%s pids=%d", l.CPUs, units.BytesSize(float64(l.MemoryBytes)), l.PidsLimit)
}

// Handle is a running sandbox and its ephemeral volume.
type Handle interface {
	ContainerID() string
	VolumeName() string
	// Token is the sandbox access secret scraped from the startup log.
	Token() string
	Port() int
	// Exited reports whether the sandbox process has stopped.
	Exited() bool
	// Done is closed when the sandbox process stops.
	Done() <-chan struct{}
	// IOSample returns a point-in-time I/O counter encoding.
	IOSample(ctx context.Context) ([]byte, error)
	// Destroy stops the sandbox, confirms exit and only then removes the
	// volume. It runs once; later calls return the first result.
	Destroy(ctx context.Context) error
}

// Provisioner creates sandboxes.
type Provisioner interface {
	// Provision builds or pulls the image if absent, creates a fresh volume and
	// starts the sandbox. Anything created before a failure is released.
	Provision(ctx context.Context) (Handle, error)
	// Sweep removes a container and volume left behind by a previous run.
	Sweep(ctx context.Context, containerID, volumeName string) error
}

// InstanceName returns a unique, lowercase name for a container/volume pair.
func InstanceName(prefix string) string {
	return prefix + "-" + strings.ToLower(ulid.Make().String())
}
