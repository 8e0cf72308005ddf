// Package templates loads, validates, and serves versioned workflow
// templates. Published versions are immutable; a registry key is
// (market_role, version) and re-registering a key is a conflict.
package templates

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/enerflow/enerflow/internal/workflow/models"
)

// templateFile mirrors the on-disk YAML shape of a template definition.
type templateFile struct {
	ID         string     `yaml:"id"`
	Name       string     `yaml:"name"`
	MarketRole string     `yaml:"market_role"`
	Version    int        `yaml:"version"`
	Active     bool       `yaml:"active"`
	AllowEmpty bool       `yaml:"allow_empty"`
	Steps      []stepFile `yaml:"steps"`
	Rules      []ruleFile `yaml:"rules"`
}

type stepFile struct {
	ID                 string         `yaml:"id"`
	Name               string         `yaml:"name"`
	Type               string         `yaml:"type"`
	Config             map[string]any `yaml:"config"`
	Required           bool           `yaml:"required"`
	Order              int            `yaml:"order"`
	AllowedTransitions []string       `yaml:"allowed_transitions"`
	Compensation       string         `yaml:"compensation"`
	RequiredDelivery   bool           `yaml:"required_delivery"`
	TimeoutSeconds     int            `yaml:"timeout_seconds"`
}

type ruleFile struct {
	ID      string         `yaml:"id"`
	Kind    string         `yaml:"kind"`
	Config  map[string]any `yaml:"config"`
	Message string         `yaml:"message"`
}

// LoadFile parses and validates a single template YAML file.
func LoadFile(path string) (*models.WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes template YAML and validates the result.
func Parse(data []byte) (*models.WorkflowTemplate, error) {
	var tf templateFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse template yaml: %w", err)
	}

	t := &models.WorkflowTemplate{
		ID:          tf.ID,
		Name:        tf.Name,
		MarketRole:  models.MarketRole(tf.MarketRole),
		Version:     tf.Version,
		Active:      tf.Active,
		AllowEmpty:  tf.AllowEmpty,
		PublishedAt: time.Now().UTC(),
	}
	for _, s := range tf.Steps {
		t.Steps = append(t.Steps, models.StepDefinition{
			ID:                 s.ID,
			Name:               s.Name,
			Type:               models.StepType(s.Type),
			Config:             s.Config,
			Required:           s.Required,
			Order:              s.Order,
			AllowedTransitions: s.AllowedTransitions,
			Compensation:       s.Compensation,
			RequiredDelivery:   s.RequiredDelivery,
			TimeoutSeconds:     s.TimeoutSeconds,
		})
	}
	for _, r := range tf.Rules {
		t.Rules = append(t.Rules, models.TemplateRule{
			ID: r.ID, Kind: r.Kind, Config: r.Config, Message: r.Message,
		})
	}
	sort.SliceStable(t.Steps, func(i, j int) bool { return t.Steps[i].Order < t.Steps[j].Order })

	if err := Validate(t); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadDir loads every *.yaml and *.yml template from a directory. A missing
// directory yields an empty set, not an error, so a service without seed
// templates still starts.
func LoadDir(dir string) ([]*models.WorkflowTemplate, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read template dir %s: %w", dir, err)
	}

	var out []*models.WorkflowTemplate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		t, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Validate checks a template's structural invariants: valid role and version,
// unique step ids, known step types, and transitions that reference defined
// steps only.
func Validate(t *models.WorkflowTemplate) error {
	var fields []models.FieldError
	if t.ID == "" {
		fields = append(fields, models.FieldError{Field: "id", Message: "template id is required"})
	}
	if !t.MarketRole.IsValid() {
		fields = append(fields, models.FieldError{Field: "market_role", Message: fmt.Sprintf("unknown market role %q", t.MarketRole)})
	}
	if t.Version < 1 {
		fields = append(fields, models.FieldError{Field: "version", Message: "version must be >= 1"})
	}
	if len(t.Steps) == 0 && !t.AllowEmpty {
		fields = append(fields, models.FieldError{Field: "steps", Message: "template has no steps and allow_empty is not set"})
	}

	seen := make(map[string]struct{}, len(t.Steps))
	for _, s := range t.Steps {
		if s.ID == "" {
			fields = append(fields, models.FieldError{Field: "steps", Message: "step id is required"})
			continue
		}
		if _, dup := seen[s.ID]; dup {
			fields = append(fields, models.FieldError{Field: "steps." + s.ID, Message: "duplicate step id"})
		}
		seen[s.ID] = struct{}{}
		if !validStepType(s.Type) {
			fields = append(fields, models.FieldError{Field: "steps." + s.ID + ".type", Message: fmt.Sprintf("unknown step type %q", s.Type)})
		}
	}
	for _, s := range t.Steps {
		for _, to := range s.AllowedTransitions {
			if _, ok := seen[to]; !ok {
				fields = append(fields, models.FieldError{
					Field:   "steps." + s.ID + ".allowed_transitions",
					Message: fmt.Sprintf("transition target %q is not a defined step", to),
				})
			}
		}
	}

	if len(fields) > 0 {
		return models.ValidationError(fmt.Sprintf("template %s/v%d is invalid", t.MarketRole, t.Version), fields)
	}
	return nil
}

func validStepType(t models.StepType) bool {
	switch t {
	case models.StepTypeForm, models.StepTypeApproval, models.StepTypeAPICall,
		models.StepTypeNotification, models.StepTypeValidation, models.StepTypeDecision,
		models.StepTypeManual:
		return true
	default:
		return false
	}
}
