package device

import "github.com/gogpu/gpucontext"

// HostID is the default ID of the host device.
const HostID = "host"

// Host is the host-memory execution device. Uploads and downloads are
// plain copies and every resource is HostVisible.
type Host struct {
	*memDevice
}

// NewHost creates a host device. The default budget is effectively
// unlimited; pass WithMemoryBudget to bound it.
func NewHost(opts ...Option) *Host {
	cfg := buildConfig(config{
		id:     HostID,
		name:   "Host memory",
		budget: 1 << 62,
		caps:   HostCapabilities(),
	}, opts)
	return &Host{memDevice: newMemDevice(Info{
		ID:      cfg.id,
		Name:    cfg.name,
		Kind:    KindHost,
		Adapter: gpucontext.AdapterInfo{Name: cfg.name, Type: gpucontext.AdapterTypeSoftware},
	}, cfg)}
}
