package engine

import (
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// ErrBadInput marks a step input that does not match the tool's shape.
var ErrBadInput = errors.New("invalid tool input")

// DecodeInput decodes a step input into out. Unknown keys are rejected.
func DecodeInput(input map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
		TagName:     "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("build input decoder: %w", err)
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	return nil
}
