// Package runtime maps engine versions to runtime modules, provisions the
// modules on demand and starts them.
package runtime

import "strings"

// Module names an installable engine runtime.
type Module string

const (
	GodotV45 Module = "godot_v4_5"
	GodotV44 Module = "godot_v4_4"
	GodotV43 Module = "godot_v4_3"
	GodotV42 Module = "godot_v4_2"
	GodotV41 Module = "godot_v4_1"
	GodotV40 Module = "godot_v4_0"
	GodotV3X Module = "godot_v3_x"

	// DefaultModule is the newest runtime, used for unrecognised versions.
	DefaultModule = GodotV45
)

var versionTable = []struct {
	prefix string
	module Module
}{
	{"4.5", GodotV45},
	{"4.4", GodotV44},
	{"4.3", GodotV43},
	{"4.2", GodotV42},
	{"4.1", GodotV41},
	{"4.0", GodotV40},
	{"3.6", GodotV3X},
	{"3.7", GodotV3X},
}

// Modules lists every known module, newest first.
func Modules() []Module {
	return []Module{GodotV45, GodotV44, GodotV43, GodotV42, GodotV41, GodotV40, GodotV3X}
}

// Resolve maps an engine version to a module. "4.5" and "4.5.1" both select
// godot_v4_5; "4.50" does not. Unknown versions resolve to DefaultModule with
// matched=false.
func Resolve(version string) (m Module, matched bool) {
	v := strings.TrimPrefix(strings.TrimSpace(version), "v")
	for _, e := range versionTable {
		if v == e.prefix || strings.HasPrefix(v, e.prefix+".") {
			return e.module, true
		}
	}
	return DefaultModule, false
}

// Valid reports whether m is a known module.
func (m Module) Valid() bool {
	for _, k := range Modules() {
		if k == m {
			return true
		}
	}
	return false
}
