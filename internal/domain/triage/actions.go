package triage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ActionPreset is one selectable step on the intervention form.
type ActionPreset struct {
	Code  string `yaml:"code" json:"code"`
	Label string `yaml:"label" json:"label"`
}

// ActionCatalog is the closed set of action codes an intervention may carry.
type ActionCatalog struct {
	presets []ActionPreset
	byCode  map[string]ActionPreset
}

func NewActionCatalog(presets []ActionPreset) (*ActionCatalog, error) {
	c := &ActionCatalog{byCode: make(map[string]ActionPreset, len(presets))}
	for _, p := range presets {
		if p.Code == "" {
			return nil, fmt.Errorf("action preset with empty code")
		}
		if _, dup := c.byCode[p.Code]; dup {
			return nil, fmt.Errorf("duplicate action code %q", p.Code)
		}
		c.byCode[p.Code] = p
		c.presets = append(c.presets, p)
	}
	if len(c.presets) == 0 {
		return nil, fmt.Errorf("action catalog is empty")
	}
	return c, nil
}

func DefaultActionCatalog() *ActionCatalog {
	c, _ := NewActionCatalog([]ActionPreset{
		{Code: "CONTACT_ATTEMPT", Label: "Contact attempt"},
		{Code: "SAFETY_PLAN", Label: "Safety plan reviewed"},
		{Code: "EMERGENCY_REFERRAL", Label: "Emergency service / crisis line referral"},
		{Code: "GUARDIAN_CONTACT", Label: "Guardian contacted"},
		{Code: "SESSION_RESCHEDULE", Label: "Session rescheduled"},
		{Code: "SUPERVISION", Label: "Reported to supervisor"},
		{Code: "NO_ACTION", Label: "No action needed (reason in note)"},
	})
	return c
}

type actionCatalogFile struct {
	Actions []ActionPreset `yaml:"actions"`
}

// LoadActionCatalog reads presets from a YAML file of the form
//
//	actions:
//	  - code: CONTACT_ATTEMPT
//	    label: Contact attempt
func LoadActionCatalog(path string) (*ActionCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read action catalog: %w", err)
	}
	var f actionCatalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse action catalog %s: %w", path, err)
	}
	return NewActionCatalog(f.Actions)
}

func (c *ActionCatalog) Presets() []ActionPreset {
	out := make([]ActionPreset, len(c.presets))
	copy(out, c.presets)
	return out
}

func (c *ActionCatalog) Lookup(code string) (ActionPreset, bool) {
	p, ok := c.byCode[code]
	return p, ok
}
