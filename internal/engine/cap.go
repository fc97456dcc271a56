package engine

import (
	"errors"
	"sync/atomic"
)

// ErrInvalidCap is returned when a tool is invoked without a live capability.
var ErrInvalidCap = errors.New("invalid engine capability")

type seal struct {
	tool    string
	revoked atomic.Bool
}

// Cap is the capability a tool must be handed to run. Only this package can
// mint one: the zero value and copies of a revoked Cap are rejected by Check.
// A Cap is bound to a single tool invocation and cannot be serialized.
type Cap struct {
	s *seal
}

func mint(tool string) Cap {
	return Cap{s: &seal{tool: tool}}
}

func (c Cap) revoke() {
	if c.s != nil {
		c.s.revoked.Store(true)
	}
}

// Valid reports whether c was minted by the engine and has not been revoked.
func (c Cap) Valid() bool {
	return c.s != nil && !c.s.revoked.Load()
}

// Check verifies that c is live and was minted for tool.
func (c Cap) Check(tool string) error {
	if !c.Valid() {
		return ErrInvalidCap
	}
	if c.s.tool != tool {
		return ErrInvalidCap
	}
	return nil
}

// IsEngineCap reports whether v is a live engine capability.
func IsEngineCap(v any) bool {
	switch c := v.(type) {
	case Cap:
		return c.Valid()
	case *Cap:
		return c != nil && c.Valid()
	default:
		return false
	}
}

// MarshalJSON always fails.
func (Cap) MarshalJSON() ([]byte, error) {
	return nil, errors.New("engine capability cannot be serialized")
}

// MarshalText always fails.
func (Cap) MarshalText() ([]byte, error) {
	return nil, errors.New("engine capability cannot be serialized")
}

func (Cap) String() string   { return "engine.Cap(redacted)" }
func (Cap) GoString() string { return "engine.Cap(redacted)" }
