// Package estimate predicts the resident memory of a model at a given
// context size and assigns whole layers to devices under their free-memory
// budgets. Plans are conservative: a fit is never claimed when the predicted
// bytes would exceed a budget, since an out-of-memory crash inside the
// engine process is far harder to diagnose than mild under-allocation.
package estimate

import (
	"fmt"
	"strings"

	"engined/internal/devices"
	"engined/internal/gguf"
)

// Params are the caller-requested runtime dimensions.
type Params struct {
	ContextLength uint64
	BatchSize     uint64
	// Headroom is the fraction of each device's free memory left unused.
	Headroom float64
}

// DevicePlacement is one device's share of the plan.
type DevicePlacement struct {
	Device         devices.Budget `json:"device"`
	Layers         uint64         `json:"layers"`
	PredictedBytes uint64         `json:"predicted_bytes"`
}

// Placement is an ordered layer assignment, accelerators first and the CPU
// last. An infeasible placement is advisory: it still describes the best
// split found, but Check rejects it.
type Placement struct {
	Placements    []DevicePlacement `json:"placements"`
	TotalLayers   uint64            `json:"total_layers"`
	OverheadBytes uint64            `json:"overhead_bytes"`
	Feasible      bool              `json:"feasible"`

	Params Params `json:"params"`
}

// OffloadLayers returns the total layer count assigned to accelerators,
// suitable for the engine's -ngl flag.
func (p *Placement) OffloadLayers() uint64 {
	var n uint64
	for _, pl := range p.Placements {
		if pl.Device.Kind != devices.KindCPU {
			n += pl.Layers
		}
	}
	return n
}

// TensorSplit returns per-accelerator layer proportions for the engine's
// --tensor-split flag, or "" when at most one accelerator holds layers.
func (p *Placement) TensorSplit() string {
	var parts []string
	active := 0
	for _, pl := range p.Placements {
		if pl.Device.Kind == devices.KindCPU {
			continue
		}
		parts = append(parts, fmt.Sprintf("%d", pl.Layers))
		if pl.Layers > 0 {
			active++
		}
	}
	if active < 2 {
		return ""
	}
	return strings.Join(parts, ",")
}

// Signature is a stable digest of the placement-relevant configuration,
// used to detect drift between a running server and a new request.
func (p *Placement) Signature() string {
	split := make([]string, len(p.Placements))
	for i, pl := range p.Placements {
		split[i] = fmt.Sprintf("%s=%d", pl.Device.ID, pl.Layers)
	}
	return fmt.Sprintf("ctx=%d batch=%d %s",
		p.Params.ContextLength, p.Params.BatchSize, strings.Join(split, " "))
}

// Check returns an infeasibility error when the plan does not fit, carrying
// the attempted requirements so the caller can shrink them.
func (p *Placement) Check() error {
	if p.Feasible {
		return nil
	}
	var required, available uint64
	for _, pl := range p.Placements {
		required += pl.PredictedBytes
		available += usable(pl.Device, p.Params.Headroom)
	}
	return &InfeasibleError{
		ContextLength: p.Params.ContextLength,
		BatchSize:     p.Params.BatchSize,
		RequiredBytes: required,
		FreeBytes:     available,
	}
}

// Plan derives the context overhead from the model's attention geometry and
// greedily fills devices in inventory order.
func Plan(meta *gguf.Metadata, inv *devices.Inventory, params Params) *Placement {
	return build(meta, inv, params, ContextOverhead(meta, params.ContextLength, params.BatchSize))
}

// ContextOverhead estimates the fixed per-device cost of a context: the
// input scratch buffer, the compute graph buffer, and the 16-bit key-value
// cache. Derived from the community VRAM-calculator model.
func ContextOverhead(meta *gguf.Metadata, ctx, batch uint64) uint64 {
	if ctx == 0 {
		ctx = meta.ContextLength
	}
	if batch == 0 {
		batch = 512
	}
	input := float64(batch*3 + meta.EmbeddingLength*batch + batch*ctx + ctx)
	compute := (float64(ctx)/1024*2 + 0.75) * float64(meta.HeadCount) * 1024 * 1024
	nEmbdGQA := meta.EmbeddingLength / meta.GQA()
	kvCache := float64(2*nEmbdGQA*meta.LayerCount*ctx) * 2
	return uint64(input + compute + kvCache)
}

func usable(d devices.Budget, headroom float64) uint64 {
	if headroom < 0 || headroom >= 1 {
		headroom = 0
	}
	return uint64(float64(d.FreeBytes) * (1 - headroom))
}

// build walks layers in model order, filling each device until the next
// layer no longer fits, then spilling to the next. The CPU takes every
// leftover layer regardless of fit; feasibility records whether it actually
// had room.
func build(meta *gguf.Metadata, inv *devices.Inventory, params Params, overhead uint64) *Placement {
	plan := &Placement{
		TotalLayers:   meta.LayerCount,
		OverheadBytes: overhead,
		Feasible:      true,
		Params:        params,
	}

	layer := uint64(0)
	for _, dev := range inv.Devices {
		pl := DevicePlacement{Device: dev}
		budget := usable(dev, params.Headroom)

		if dev.Kind == devices.KindCPU {
			// Unlimited fallback: everything left lands here along with the
			// output tensors, but overflow marks the plan infeasible.
			pl.PredictedBytes = overhead + meta.OutputBytes
			for ; layer < meta.LayerCount; layer++ {
				pl.PredictedBytes += meta.LayerBytes[layer]
				pl.Layers++
			}
			if pl.PredictedBytes > budget {
				plan.Feasible = false
			}
			plan.Placements = append(plan.Placements, pl)
			continue
		}

		if overhead >= budget || layer == meta.LayerCount {
			// Either the context alone would not fit or there is nothing
			// left to place; the device carries nothing.
			plan.Placements = append(plan.Placements, pl)
			continue
		}
		pl.PredictedBytes = overhead
		for layer < meta.LayerCount && pl.PredictedBytes+meta.LayerBytes[layer] <= budget {
			pl.PredictedBytes += meta.LayerBytes[layer]
			pl.Layers++
			layer++
		}
		plan.Placements = append(plan.Placements, pl)
	}

	if layer < meta.LayerCount {
		// No CPU device in the inventory to absorb the remainder.
		plan.Feasible = false
	}
	return plan
}
