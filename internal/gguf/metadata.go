package gguf

import (
	"strconv"
	"strings"
)

// Metadata is the structural summary of a model file used for placement
// decisions. It is derived once per file and never mutated afterward.
type Metadata struct {
	Architecture    string
	Quantization    string
	LayerCount      uint64
	ContextLength   uint64
	EmbeddingLength uint64
	HeadCount       uint64
	HeadCountKV     uint64
	HeadDimK        uint64
	HeadDimV        uint64
	FeedForward     uint64
	VocabSize       uint64

	// LayerBytes[i] is the stored size of repeating block i, in model order.
	// Always exactly LayerCount entries.
	LayerBytes []uint64
	// OutputBytes covers the non-repeating output tensors (output_norm plus
	// output, or token_embd when the output head is tied).
	OutputBytes uint64
	// TotalBytes is the stored size of all tensors.
	TotalBytes uint64
}

// GQA returns the grouped-query-attention factor (head_count / head_count_kv).
func (m *Metadata) GQA() uint64 {
	if m.HeadCountKV == 0 {
		return 1
	}
	return m.HeadCount / m.HeadCountKV
}

// Extract opens the file at path and derives its Metadata.
func Extract(path string) (*Metadata, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	return f.Metadata()
}

func (f *File) requiredUint(key string) (uint64, error) {
	v, ok := f.KV[key]
	if !ok {
		return 0, ErrSchema(key, "missing")
	}
	return v.Uint(key)
}

func (f *File) optionalUint(key string, def uint64) uint64 {
	v, ok := f.KV[key]
	if !ok {
		return def
	}
	u, err := v.Uint(key)
	if err != nil {
		return def
	}
	return u
}

// Metadata derives the typed metadata view from the decoded header. Unknown
// extra keys are ignored; required keys yield a schema error when missing or
// mistyped.
func (f *File) Metadata() (*Metadata, error) {
	archVal, ok := f.KV["general.architecture"]
	if !ok {
		return nil, ErrSchema("general.architecture", "missing")
	}
	arch, err := archVal.String("general.architecture")
	if err != nil {
		return nil, err
	}

	m := &Metadata{Architecture: arch}

	m.LayerCount, err = f.requiredUint(arch + ".block_count")
	if err != nil {
		return nil, err
	}
	if m.LayerCount == 0 {
		return nil, ErrSchema(arch+".block_count", "zero layers")
	}
	m.ContextLength, err = f.requiredUint(arch + ".context_length")
	if err != nil {
		return nil, err
	}
	m.EmbeddingLength, err = f.requiredUint(arch + ".embedding_length")
	if err != nil {
		return nil, err
	}
	m.HeadCount, err = f.requiredUint(arch + ".attention.head_count")
	if err != nil {
		return nil, err
	}
	if m.HeadCount == 0 {
		return nil, ErrSchema(arch+".attention.head_count", "zero heads")
	}

	m.HeadCountKV = f.optionalUint(arch+".attention.head_count_kv", m.HeadCount)
	headDim := m.EmbeddingLength / m.HeadCount
	m.HeadDimK = f.optionalUint(arch+".attention.key_length", headDim)
	m.HeadDimV = f.optionalUint(arch+".attention.value_length", headDim)
	m.FeedForward = f.optionalUint(arch+".feed_forward_length", 0)

	if toks, ok := f.KV["tokenizer.ggml.tokens"]; ok && toks.Kind == KindArray {
		m.VocabSize = uint64(len(toks.Arr))
	} else {
		m.VocabSize = f.optionalUint(arch+".vocab_size", 0)
	}

	m.Quantization = f.quantName()

	if err := f.layerSizes(m); err != nil {
		return nil, err
	}
	return m, nil
}

// quantName prefers the declared general.file_type label and falls back to
// the most common tensor type.
func (f *File) quantName() string {
	if v, ok := f.KV["general.file_type"]; ok {
		if ft, err := v.Uint("general.file_type"); err == nil {
			if name, ok := fileTypeNames[ft]; ok {
				return name
			}
		}
	}
	counts := make(map[Type]int)
	for _, t := range f.Tensors {
		counts[t.Type]++
	}
	var best Type
	bestN := 0
	for t, n := range counts {
		if n > bestN {
			best, bestN = t, n
		}
	}
	if bestN == 0 {
		return ""
	}
	return best.String()
}

// layerSizes groups tensors by their "blk.N" prefix and fills LayerBytes in
// model order. Blocks with no tensors of their own inherit the previous
// block's size; some models ship inconsistent per-block tensor sets.
func (f *File) layerSizes(m *Metadata) error {
	blocks := make(map[uint64]uint64)
	for _, t := range f.Tensors {
		m.TotalBytes += t.Bytes()
		name, rest, found := strings.Cut(t.Name, ".")
		if name == "blk" && found {
			idxStr, _, _ := strings.Cut(rest, ".")
			idx, err := strconv.ParseUint(idxStr, 10, 64)
			if err != nil {
				continue
			}
			blocks[idx] += t.Bytes()
			continue
		}
		switch name {
		case "output_norm", "output":
			m.OutputBytes += t.Bytes()
		}
	}
	if m.OutputBytes == 0 {
		// Tied embeddings: the token_embd matrix doubles as the output head.
		for _, t := range f.Tensors {
			if strings.HasPrefix(t.Name, "token_embd.") {
				m.OutputBytes += t.Bytes()
			}
		}
	}

	if len(blocks) == 0 {
		return ErrSchema("tensors", "no blk.* tensors present")
	}
	m.LayerBytes = make([]uint64, m.LayerCount)
	var last uint64
	for i := uint64(0); i < m.LayerCount; i++ {
		if sz, ok := blocks[i]; ok {
			last = sz
		}
		if last == 0 {
			return ErrSchema("tensors", "blk.0 has no measurable size")
		}
		m.LayerBytes[i] = last
	}
	return nil
}
