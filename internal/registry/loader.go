// Package registry discovers model files on disk and enriches them with
// header metadata.
package registry

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"engined/internal/common/fsutil"
	"engined/internal/gguf"
	"engined/pkg/types"
)

// LoadDir scans a directory for *.gguf files and builds a registry from
// filenames. The id is the full filename. Each file's header is read for
// quantization and geometry; files with unreadable headers stay listed with
// bare identity so the problem is visible rather than hidden.
func LoadDir(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		p := filepath.Join(abs, name)
		mdl := types.Model{ID: name, Name: name, Path: p}
		if meta, err := gguf.Extract(p); err != nil {
			log.Printf("registry event=bad_header file=%s err=%v", name, err)
		} else {
			mdl.Quant = meta.Quantization
			mdl.Family = meta.Architecture
			mdl.SizeBytes = meta.TotalBytes
			mdl.Layers = meta.LayerCount
			mdl.MaxContext = meta.ContextLength
		}
		models = append(models, mdl)
	}
	return models, nil
}
