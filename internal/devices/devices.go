// Package devices enumerates the compute devices available for model
// placement and reports a memory budget for each.
package devices

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"
)

// Kind distinguishes system memory from dedicated accelerator memory.
type Kind string

const (
	KindCPU Kind = "cpu"
	KindGPU Kind = "gpu"
)

// Budget is the memory budget of one device at inventory time. FreeBytes is
// a point-in-time reading and goes stale as soon as anything allocates.
type Budget struct {
	ID         string `json:"id"`
	Kind       Kind   `json:"kind"`
	Name       string `json:"name"`
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

// Inventory holds the device list in placement order: accelerators first in
// index order, the CPU always last.
type Inventory struct {
	Devices []Budget `json:"devices"`
}

// Accelerators returns the non-CPU devices in placement order.
func (inv *Inventory) Accelerators() []Budget {
	out := make([]Budget, 0, len(inv.Devices))
	for _, d := range inv.Devices {
		if d.Kind != KindCPU {
			out = append(out, d)
		}
	}
	return out
}

// CPU returns the system-memory device.
func (inv *Inventory) CPU() (Budget, bool) {
	for _, d := range inv.Devices {
		if d.Kind == KindCPU {
			return d, true
		}
	}
	return Budget{}, false
}

// Prober collects device budgets. The zero-argument constructors wire the
// real probes; tests substitute their own.
type Prober struct {
	HostMemory func() (total, free uint64, err error)
	GPUs       func() ([]Budget, error)
}

// NewProber returns a Prober backed by the host psutil counters and the
// nvidia-smi query interface.
func NewProber() *Prober {
	return &Prober{
		HostMemory: hostMemory,
		GPUs:       nvidiaGPUs,
	}
}

// Collect builds the inventory. A host-memory failure is fatal since CPU
// placement is the fallback for everything else; accelerator probe failures
// only shrink the device list.
func (p *Prober) Collect() (*Inventory, error) {
	total, free, err := p.HostMemory()
	if err != nil {
		return nil, fmt.Errorf("host memory probe: %w", err)
	}
	inv := &Inventory{}
	if gpus, err := p.GPUs(); err == nil {
		inv.Devices = append(inv.Devices, gpus...)
	}
	inv.Devices = append(inv.Devices, Budget{
		ID:         "cpu",
		Kind:       KindCPU,
		Name:       "system memory",
		TotalBytes: total,
		FreeBytes:  free,
	})
	return inv, nil
}

func hostMemory() (uint64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.Available, nil
}

// parseNvidiaSMI decodes csv,noheader,nounits output of
// --query-gpu=index,name,memory.total,memory.free. Values are reported in
// MiB by the tool.
func parseNvidiaSMI(out string) ([]Budget, error) {
	var gpus []Budget
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 4 {
			return nil, fmt.Errorf("nvidia-smi: unexpected line %q", line)
		}
		idx := strings.TrimSpace(parts[0])
		totalMiB, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi: total %q: %w", parts[2], err)
		}
		freeMiB, err := strconv.ParseUint(strings.TrimSpace(parts[3]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi: free %q: %w", parts[3], err)
		}
		gpus = append(gpus, Budget{
			ID:         "gpu" + idx,
			Kind:       KindGPU,
			Name:       strings.TrimSpace(parts[1]),
			TotalBytes: totalMiB << 20,
			FreeBytes:  freeMiB << 20,
		})
	}
	return gpus, nil
}
