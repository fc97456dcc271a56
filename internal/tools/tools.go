// Package tools assembles the registries the daemon and CLI hand to the
// execution engine.
package tools

import (
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/engine"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/fsys"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/git"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/policy"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/terminal"
	"github.com/rs/zerolog/log"
)

// Deps configures the adapters behind the registries.
type Deps struct {
	// MaxOutput caps captured command output per stream. Zero uses the
	// terminal default.
	MaxOutput int
	// DoctorAllowlist overrides DefaultDoctorAllowlist when non-nil.
	DoctorAllowlist map[string][]string
}

// NewStandardRegistry returns every tool an agent plan may use. The
// registry is not frozen; engine.New freezes it.
func NewStandardRegistry(deps Deps) *engine.Registry {
	reg := engine.NewRegistry()
	reg.MustAdd(terminal.NewTool(deps.MaxOutput))
	reg.MustAdd(fsys.Tools()...)
	reg.MustAdd(git.Tools()...)
	reg.MustAdd(noteTool{})
	return reg
}

// NewReadOnlyRegistry returns the read category of the standard registry.
func NewReadOnlyRegistry(deps Deps) *engine.Registry {
	return NewStandardRegistry(deps).ReadOnly()
}

// NewDoctorRegistry returns the read-only tools plus doctor.command.
func NewDoctorRegistry(deps Deps) *engine.Registry {
	reg := engine.NewRegistry()
	reg.MustAdd(fsys.ReadTools()...)
	reg.MustAdd(git.ReadTools()...)
	doctor := newDoctorTool(deps.DoctorAllowlist, deps.MaxOutput)
	reg.MustAdd(doctor)
	log.Debug().Strs("allowlist", doctor.allowlisted()).Msg("doctor registry built")
	return reg
}

// ReadOnly reports whether every tool in reg is in the read category.
func ReadOnly(reg *engine.Registry) bool {
	for _, name := range reg.Names() {
		t, _ := reg.Get(name)
		if t.Category() != policy.CategoryRead {
			return false
		}
	}
	return true
}
