package tools

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/bobmcallan/cadence/internal/common"
)

// Example is a sample invocation shown during discovery.
type Example struct {
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Definition describes one tool. Definitions are immutable after package
// initialisation.
type Definition struct {
	Name           Name
	Description    string
	Params         Schema
	Result         Schema
	RequiredScopes []string
	// Write tools run through the consent/undo coordinator.
	Write bool
	// Idempotent handlers may be retried with the action id as key.
	Idempotent bool
	// Moderated tools pass their user text through the safety check.
	Moderated bool
	// Feature, when set, must be enabled for the caller's tier.
	Feature    string
	ErrorCodes []common.ErrorCode
	Examples   []Example

	newParams func() Params
}

// Summary is the discovery representation of a Definition.
type Summary struct {
	Name            string             `json:"name"`
	Description     string             `json:"description"`
	InputSchema     map[string]any     `json:"input_schema"`
	OutputSchema    map[string]any     `json:"output_schema"`
	RequiredScopes  []string           `json:"required_scopes"`
	RequiresConsent bool               `json:"requires_consent"`
	Feature         string             `json:"feature,omitempty"`
	ErrorCodes      []common.ErrorCode `json:"error_codes"`
	Examples        []Example          `json:"examples,omitempty"`
}

// Summary renders d for discovery.
func (d *Definition) Summary() Summary {
	return Summary{
		Name:            d.Name.String(),
		Description:     d.Description,
		InputSchema:     d.Params.JSONSchema(),
		OutputSchema:    d.Result.JSONSchema(),
		RequiredScopes:  slices.Clone(d.RequiredScopes),
		RequiresConsent: d.Write,
		Feature:         d.Feature,
		ErrorCodes:      slices.Clone(d.ErrorCodes),
		Examples:        d.Examples,
	}
}

// NewParams returns an empty parameter value of the tool's type.
func (d *Definition) NewParams() Params { return d.newParams() }

// Registry resolves tool names to definitions.
type Registry struct {
	defs [numNames]*Definition
}

// NewRegistry builds the registry over the package definitions table and
// panics if the table is inconsistent, which is a programming error.
func NewRegistry() *Registry {
	r := &Registry{}
	for i, d := range definitions {
		if d == nil {
			panic(fmt.Sprintf("tools: no definition for %s", Name(i)))
		}
		if d.Name != Name(i) {
			panic(fmt.Sprintf("tools: definition at %s is named %s", Name(i), d.Name))
		}
		r.defs[i] = d
	}
	return r
}

// Resolve looks up a tool by wire name.
func (r *Registry) Resolve(name string) (*Definition, error) {
	n, ok := ParseName(name)
	if !ok {
		return nil, common.Errorf(common.CodeNotFound, "unknown tool %q", name).
			WithDetail("available", r.names())
	}
	return r.defs[n], nil
}

// Get returns the definition for n.
func (r *Registry) Get(n Name) *Definition {
	if !n.Valid() {
		return nil
	}
	return r.defs[n]
}

// List returns every definition in declaration order.
func (r *Registry) List() []*Definition {
	return slices.Clone(r.defs[:])
}

// Decode validates raw against the tool's schema and returns typed params.
func (r *Registry) Decode(d *Definition, raw json.RawMessage) (Params, error) {
	values, errs := Validate(d.Params, raw)
	if len(errs) > 0 {
		fields := make([]string, 0, len(errs))
		for _, e := range errs {
			fields = append(fields, e.String())
		}
		return nil, common.Errorf(common.CodeValidation, "invalid parameters for %s", d.Name).
			WithDetail("errors", errs).
			WithDetail("fields", fields)
	}
	// values holds only JSON-native types, so this round trip cannot fail
	// for a well-formed schema.
	b, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode params for %s: %w", d.Name, err)
	}
	p := d.newParams()
	if err := json.Unmarshal(b, p); err != nil {
		return nil, fmt.Errorf("decode params for %s: %w", d.Name, err)
	}
	return p, nil
}

func (r *Registry) names() []string {
	out := make([]string, 0, numNames)
	for _, d := range r.defs {
		out = append(out, d.Name.String())
	}
	return out
}
