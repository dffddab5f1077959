package manager

import "engined/pkg/types"

// ListModels returns a copy of the startup registry.
func (m *Manager) ListModels() []types.Model {
	out := make([]types.Model, len(m.cfg.Registry))
	copy(out, m.cfg.Registry)
	return out
}

// ResolveModel maps a model reference, either a registry id or a raw file
// path, to the on-disk path.
func (m *Manager) ResolveModel(ref string) (string, bool) {
	for _, mdl := range m.cfg.Registry {
		if mdl.ID == ref || mdl.Path == ref {
			return mdl.Path, true
		}
	}
	return ref, false
}
