package estimate

import (
	"testing"

	"engined/internal/devices"
	"engined/internal/gguf"
)

const mb = uint64(1) << 20

func uniformModel(layers int, layerBytes uint64) *gguf.Metadata {
	m := &gguf.Metadata{
		Architecture:    "llama",
		LayerCount:      uint64(layers),
		ContextLength:   4096,
		EmbeddingLength: 4096,
		HeadCount:       32,
		HeadCountKV:     8,
	}
	for i := 0; i < layers; i++ {
		m.LayerBytes = append(m.LayerBytes, layerBytes)
	}
	return m
}

func inventory(gpuFree ...uint64) *devices.Inventory {
	inv := &devices.Inventory{}
	for i, free := range gpuFree {
		inv.Devices = append(inv.Devices, devices.Budget{
			ID: "gpu" + string(rune('0'+i)), Kind: devices.KindGPU,
			TotalBytes: free, FreeBytes: free,
		})
	}
	inv.Devices = append(inv.Devices, devices.Budget{
		ID: "cpu", Kind: devices.KindCPU,
		TotalBytes: 64 << 30, FreeBytes: 32 << 30,
	})
	return inv
}

func TestGreedyFillScenario(t *testing.T) {
	// 32 layers at 200MB, 1GB overhead, 4GB accelerator, 10% headroom:
	// usable 3.6GB leaves room for 13 layers, 19 spill to CPU.
	meta := uniformModel(32, 200*mb)
	plan := build(meta, inventory(4<<30), Params{ContextLength: 4096, BatchSize: 512, Headroom: 0.1}, 1<<30)

	if !plan.Feasible {
		t.Fatal("plan should be feasible")
	}
	if got := plan.Placements[0].Layers; got != 13 {
		t.Fatalf("accelerator layers = %d, want 13", got)
	}
	if got := plan.Placements[1].Layers; got != 19 {
		t.Fatalf("cpu layers = %d, want 19", got)
	}
	if plan.OffloadLayers() != 13 {
		t.Fatalf("offload = %d, want 13", plan.OffloadLayers())
	}
	if err := plan.Check(); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestBudgetNeverExceeded(t *testing.T) {
	meta := uniformModel(48, 350*mb)
	params := Params{ContextLength: 8192, BatchSize: 512, Headroom: 0.1}
	plan := build(meta, inventory(6<<30, 3<<30), params, 900*mb)

	var placed uint64
	for _, pl := range plan.Placements {
		placed += pl.Layers
		if pl.Device.Kind == devices.KindCPU {
			continue
		}
		budget := uint64(float64(pl.Device.FreeBytes) * 0.9)
		if pl.PredictedBytes > budget {
			t.Fatalf("%s: predicted %d exceeds usable %d", pl.Device.ID, pl.PredictedBytes, budget)
		}
	}
	if placed != meta.LayerCount {
		t.Fatalf("placed %d of %d layers", placed, meta.LayerCount)
	}
}

func TestOverheadTooLargeGivesZeroLayers(t *testing.T) {
	meta := uniformModel(8, 100*mb)
	plan := build(meta, inventory(1<<30), Params{Headroom: 0.1}, 2<<30)
	if got := plan.Placements[0].Layers; got != 0 {
		t.Fatalf("accelerator layers = %d, want 0", got)
	}
	if got := plan.Placements[1].Layers; got != 8 {
		t.Fatalf("cpu layers = %d, want 8", got)
	}
}

func TestNoUnnecessarySpread(t *testing.T) {
	// First accelerator holds everything; the second must stay empty.
	meta := uniformModel(4, 100*mb)
	plan := build(meta, inventory(8<<30, 8<<30), Params{Headroom: 0.1}, 512*mb)
	if plan.Placements[0].Layers != 4 {
		t.Fatalf("gpu0 layers = %d, want 4", plan.Placements[0].Layers)
	}
	if plan.Placements[1].Layers != 0 {
		t.Fatalf("gpu1 layers = %d, want 0", plan.Placements[1].Layers)
	}
	if plan.TensorSplit() != "" {
		t.Fatalf("tensor split = %q, want empty", plan.TensorSplit())
	}
}

func TestTensorSplitAcrossAccelerators(t *testing.T) {
	meta := uniformModel(16, 400*mb)
	plan := build(meta, inventory(3<<30, 3<<30), Params{Headroom: 0}, 512*mb)
	if plan.Placements[0].Layers == 0 || plan.Placements[1].Layers == 0 {
		t.Fatalf("expected both accelerators used: %+v", plan.Placements)
	}
	if plan.TensorSplit() == "" {
		t.Fatal("tensor split should not be empty")
	}
}

func TestInfeasibleWhenCPUOverflows(t *testing.T) {
	meta := uniformModel(16, 8<<30)
	inv := &devices.Inventory{Devices: []devices.Budget{
		{ID: "cpu", Kind: devices.KindCPU, TotalBytes: 8 << 30, FreeBytes: 4 << 30},
	}}
	plan := build(meta, inv, Params{ContextLength: 4096, Headroom: 0.1}, 1<<30)
	if plan.Feasible {
		t.Fatal("plan should be infeasible")
	}
	err := plan.Check()
	if !IsInfeasible(err) {
		t.Fatalf("want infeasible error, got %v", err)
	}
}

func TestSignatureChangesWithContext(t *testing.T) {
	meta := uniformModel(32, 200*mb)
	a := build(meta, inventory(4<<30), Params{ContextLength: 2048, BatchSize: 512, Headroom: 0.1}, 1<<30)
	b := build(meta, inventory(4<<30), Params{ContextLength: 4096, BatchSize: 512, Headroom: 0.1}, 1<<30)
	if a.Signature() == b.Signature() {
		t.Fatalf("signatures should differ: %q", a.Signature())
	}
}

func TestContextOverheadGrowsWithContext(t *testing.T) {
	meta := uniformModel(32, 200*mb)
	small := ContextOverhead(meta, 2048, 512)
	large := ContextOverhead(meta, 8192, 512)
	if small == 0 || large <= small {
		t.Fatalf("overhead small=%d large=%d", small, large)
	}
	// The 16-bit KV cache alone: 2 * (embed/gqa) * layers * ctx * 2 bytes.
	kv := 2 * (4096 / 4) * 32 * 2048 * 2
	if small < uint64(kv) {
		t.Fatalf("overhead %d below kv cache floor %d", small, kv)
	}
}
