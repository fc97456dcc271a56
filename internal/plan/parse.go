package plan

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/risk"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// ErrInvalidPlan marks any plan rejected at the parse or validation boundary.
var ErrInvalidPlan = errors.New("invalid plan")

//go:embed schema.json
var schemaJSON string

var schemaLoader = gojsonschema.NewStringLoader(schemaJSON)

// Parse decodes a JSON plan. The document is checked against the plan schema
// first, then decoded strictly, then validated. Step ids are assigned when absent.
func Parse(data []byte) (Plan, error) {
	if err := validateSchema(gojsonschema.NewBytesLoader(data)); err != nil {
		return Plan{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return Plan{}, fmt.Errorf("%w: decode: %v", ErrInvalidPlan, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Plan{}, fmt.Errorf("%w: trailing data after plan", ErrInvalidPlan)
	}
	p = assignIDs(p)
	if err := Validate(p, 0); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// ParseYAML decodes a YAML plan through the same boundary as Parse.
func ParseYAML(data []byte) (Plan, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Plan{}, fmt.Errorf("%w: decode yaml: %v", ErrInvalidPlan, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return Plan{}, fmt.Errorf("%w: yaml is not representable as json: %v", ErrInvalidPlan, err)
	}
	return Parse(raw)
}

// ParseFile reads a plan from disk; .yaml and .yml files are decoded as YAML.
func ParseFile(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return Parse(data)
	}
}

// ParseStep decodes a single step and wraps it in a one-step plan.
func ParseStep(data []byte, projectRoot string) (Plan, error) {
	var step json.RawMessage
	if err := json.Unmarshal(data, &step); err != nil {
		return Plan{}, fmt.Errorf("%w: decode step: %v", ErrInvalidPlan, err)
	}
	root, err := json.Marshal(projectRoot)
	if err != nil {
		return Plan{}, fmt.Errorf("%w: encode project root: %v", ErrInvalidPlan, err)
	}
	doc := fmt.Sprintf(`{"steps":[%s],"projectRoot":%s}`, step, root)
	return Parse([]byte(doc))
}

func validateSchema(doc gojsonschema.JSONLoader) error {
	result, err := gojsonschema.Validate(schemaLoader, doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, schemaErr := range result.Errors() {
		errs = append(errs, schemaErr.String())
	}
	sort.Strings(errs)
	return fmt.Errorf("%w: %s", ErrInvalidPlan, strings.Join(errs, "; "))
}

func assignIDs(p Plan) Plan {
	for i := range p.Steps {
		if p.Steps[i].ID == "" {
			p.Steps[i].ID = fmt.Sprintf("step-%d", i+1)
		}
		for j := range p.Steps[i].VerificationPlan {
			v := &p.Steps[i].VerificationPlan[j]
			if v.ID == "" {
				v.ID = fmt.Sprintf("%s.verify-%d", p.Steps[i].ID, j+1)
			}
		}
	}
	return p
}

// Validate checks structural rules that the schema cannot express.
// maxSteps <= 0 disables the length ceiling.
func Validate(p Plan, maxSteps int) error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrInvalidPlan)
	}
	if maxSteps > 0 && len(p.Steps) > maxSteps {
		return fmt.Errorf("%w: plan has %d steps, limit is %d", ErrInvalidPlan, len(p.Steps), maxSteps)
	}
	if strings.TrimSpace(p.ProjectRoot) == "" {
		return fmt.Errorf("%w: projectRoot is required", ErrInvalidPlan)
	}
	seen := make(map[string]struct{})
	for i, s := range p.Steps {
		if err := validateStep(s, seen); err != nil {
			return fmt.Errorf("%w: step %d: %v", ErrInvalidPlan, i+1, err)
		}
		for j, v := range s.VerificationPlan {
			if err := validateStep(v, seen); err != nil {
				return fmt.Errorf("%w: step %d verification %d: %v", ErrInvalidPlan, i+1, j+1, err)
			}
			if len(v.VerificationPlan) > 0 {
				return fmt.Errorf("%w: step %d verification %d: nested verification is not allowed", ErrInvalidPlan, i+1, j+1)
			}
			if v.NeedsConfirmation() {
				return fmt.Errorf("%w: step %d verification %d: verification steps cannot require confirmation", ErrInvalidPlan, i+1, j+1)
			}
		}
	}
	return nil
}

func validateStep(s Step, seen map[string]struct{}) error {
	if strings.TrimSpace(s.Tool) == "" {
		return errors.New("tool is required")
	}
	if s.ID != "" {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	switch s.RiskLevel {
	case "", risk.Low, risk.Medium, risk.High:
	default:
		return fmt.Errorf("unknown risk_level %q", s.RiskLevel)
	}
	return nil
}
