package config

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON string

// ErrSchema marks a config file that does not match the embedded schema.
var ErrSchema = errors.New("config schema validation failed")

var configSchema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("compile config schema: %v", err))
	}
	return s
}()

// ValidateSettings validates raw config file settings against the schema.
// Every violation is reported, sorted by field.
func ValidateSettings(settings map[string]any) error {
	result, err := configSchema.Validate(gojsonschema.NewGoLoader(settings))
	if err != nil {
		return fmt.Errorf("validate config schema: %w", err)
	}
	if result.Valid() {
		return nil
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, schemaErr := range result.Errors() {
		errs = append(errs, schemaErr.String())
	}
	sort.Strings(errs)
	return fmt.Errorf("%w: %s", ErrSchema, strings.Join(errs, "; "))
}
