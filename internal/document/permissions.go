package document

// Level is a per-module access level.
type Level string

const (
	LevelFull Level = "full"
	LevelRead Level = "read"
	LevelNone Level = "none"
)

// Known module identifiers. The module-permission map on a stored
// document always resolves to all of these keys; missing entries read
// as LevelNone.
const (
	ModuleA = "moduleA"
	ModuleB = "moduleB"
	ModuleC = "moduleC"
	ModuleD = "moduleD"
)

// ModulePermissions maps a module identifier to its access level.
type ModulePermissions map[string]Level

// DefaultModulePermissions returns the canonical fully-populated shape
// with every module set to LevelNone.
func DefaultModulePermissions() ModulePermissions {
	return ModulePermissions{
		ModuleA: LevelNone,
		ModuleB: LevelNone,
		ModuleC: LevelNone,
		ModuleD: LevelNone,
	}
}

// MergeModulePermissions layers patch over current over defaults.
// Later sources win; keys absent everywhere fall back to LevelNone.
// Pure and total: nil maps are treated as empty.
func MergeModulePermissions(current, patch, defaults ModulePermissions) ModulePermissions {
	out := make(ModulePermissions, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range current {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// EffectivePermissions applies the read-boundary role policy: a
// manager resolves every module to LevelFull regardless of stored
// values. The override is never written back, so demoting a manager
// does not require rewriting historical documents.
func EffectivePermissions(role Role, stored ModulePermissions) ModulePermissions {
	merged := MergeModulePermissions(stored, nil, DefaultModulePermissions())
	if role == RoleManager {
		for k := range merged {
			merged[k] = LevelFull
		}
	}
	return merged
}
