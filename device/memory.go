package device

import (
	"fmt"
	"sync"

	units "github.com/docker/go-units"

	"github.com/gogpu/pipeflow"
)

// Default memory limits.
const (
	// DefaultBudgetBytes is the default accelerator memory budget (256 MiB).
	DefaultBudgetBytes = 256 * units.MiB

	// MinBudgetBytes is the smallest budget accepted by NewMemoryBudget (64 KiB).
	MinBudgetBytes = 64 * units.KiB
)

// MemoryStats contains device memory usage statistics.
type MemoryStats struct {
	// TotalBytes is the memory budget in bytes.
	TotalBytes uint64

	// UsedBytes is the currently reserved memory in bytes.
	UsedBytes uint64

	// AvailableBytes is the remaining budget.
	AvailableBytes uint64

	// Allocations is the number of live reservations.
	Allocations int

	// Rejected is the number of reservations refused for lack of memory.
	Rejected uint64

	// Utilization is the fraction of budget in use (0.0 to 1.0).
	Utilization float64
}

// String returns a human-readable form of the stats.
func (s MemoryStats) String() string {
	return fmt.Sprintf("Memory[%.1f%% used, %s/%s, %d allocations, %d rejected]",
		s.Utilization*100,
		units.BytesSize(float64(s.UsedBytes)),
		units.BytesSize(float64(s.TotalBytes)),
		s.Allocations,
		s.Rejected)
}

// MemoryBudget tracks device memory reservations against a fixed budget.
// Unlike a cache it never evicts: resources belong to data objects and are
// freed only when those objects release them.
//
// MemoryBudget is safe for concurrent use.
type MemoryBudget struct {
	mu          sync.Mutex
	budgetBytes uint64
	usedBytes   uint64
	allocations int
	rejected    uint64
}

// NewMemoryBudget creates a budget of the given size in bytes.
// Budgets below MinBudgetBytes are raised to MinBudgetBytes; a zero budget
// uses DefaultBudgetBytes.
func NewMemoryBudget(bytes uint64) *MemoryBudget {
	switch {
	case bytes == 0:
		bytes = DefaultBudgetBytes
	case bytes < MinBudgetBytes:
		bytes = MinBudgetBytes
	}
	return &MemoryBudget{budgetBytes: bytes}
}

// Reserve accounts for size bytes. It returns an error wrapping
// pipeflow.ErrDeviceOutOfMemory when the budget would be exceeded.
func (m *MemoryBudget) Reserve(size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if size > m.budgetBytes-m.usedBytes {
		m.rejected++
		return fmt.Errorf("%w: need %s, have %s available",
			pipeflow.ErrDeviceOutOfMemory,
			units.BytesSize(float64(size)),
			units.BytesSize(float64(m.budgetBytes-m.usedBytes)))
	}
	m.usedBytes += size
	m.allocations++
	return nil
}

// Free returns size bytes to the budget.
func (m *MemoryBudget) Free(size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if size > m.usedBytes {
		size = m.usedBytes
	}
	m.usedBytes -= size
	if m.allocations > 0 {
		m.allocations--
	}
}

// Stats returns current memory usage statistics.
func (m *MemoryBudget) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var utilization float64
	if m.budgetBytes > 0 {
		utilization = float64(m.usedBytes) / float64(m.budgetBytes)
	}
	return MemoryStats{
		TotalBytes:     m.budgetBytes,
		UsedBytes:      m.usedBytes,
		AvailableBytes: m.budgetBytes - m.usedBytes,
		Allocations:    m.allocations,
		Rejected:       m.rejected,
		Utilization:    utilization,
	}
}
