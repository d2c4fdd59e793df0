package memmon

import (
	"fmt"
	"math"
	"runtime"
	"runtime/debug"

	"github.com/pbnjay/memory"
)

// HostMemorySource reports physical memory of the host.
type HostMemorySource struct{}

// NewHostMemorySource returns a source backed by the operating system.
func NewHostMemorySource() *HostMemorySource {
	return &HostMemorySource{}
}

// AvailableBytes returns free host memory. Platforms that cannot report it
// yield an error so the monitor keeps its previous level.
func (HostMemorySource) AvailableBytes() (uint64, error) {
	free := memory.FreeMemory()
	if free == 0 {
		return 0, fmt.Errorf("free memory not reported by host")
	}
	return free, nil
}

// TotalBytes returns total host memory.
func (HostMemorySource) TotalBytes() (uint64, error) {
	total := memory.TotalMemory()
	if total == 0 {
		return 0, fmt.Errorf("total memory not reported by host")
	}
	return total, nil
}

// RuntimeMemorySource measures headroom against a process memory limit, for
// processes whose budget is smaller than the host (containers, GOMEMLIMIT).
type RuntimeMemorySource struct {
	limit uint64
}

// NewRuntimeMemorySource uses limitBytes, or the runtime's soft memory limit
// when limitBytes is zero.
func NewRuntimeMemorySource(limitBytes uint64) *RuntimeMemorySource {
	return &RuntimeMemorySource{limit: limitBytes}
}

func (s *RuntimeMemorySource) effectiveLimit() (uint64, error) {
	if s.limit > 0 {
		return s.limit, nil
	}
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return 0, fmt.Errorf("no process memory limit configured")
	}
	return uint64(limit), nil
}

// AvailableBytes returns limit minus memory obtained from the OS and not yet released.
func (s *RuntimeMemorySource) AvailableBytes() (uint64, error) {
	limit, err := s.effectiveLimit()
	if err != nil {
		return 0, err
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	used := ms.Sys - ms.HeapReleased
	if used >= limit {
		return 0, nil
	}
	return limit - used, nil
}

// TotalBytes returns the limit.
func (s *RuntimeMemorySource) TotalBytes() (uint64, error) {
	return s.effectiveLimit()
}
