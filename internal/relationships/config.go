// Package relationships enforces parent/child invariants between two entity
// types. An ordered list of constraints is applied to the parent and child
// stores; each violated constraint is repaired with its configured strategy.
package relationships

import (
	"fmt"
	"strings"

	"segmentcore/pkg/domain"
)

// Kind enumerates the supported constraint kinds.
type Kind int

const (
	MaximumChildCount Kind = iota + 1
	MinimumChildCount
	ChildMustHaveParent
	ParentMustCoverChild
	ChildIntersectOneParent
)

var kindNames = map[Kind]string{
	MaximumChildCount:       "maximum_child_count",
	MinimumChildCount:       "minimum_child_count",
	ChildMustHaveParent:     "child_must_have_parent",
	ParentMustCoverChild:    "parent_must_cover_child",
	ChildIntersectOneParent: "child_intersect_one_parent",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a configuration name onto a Kind. Unknown names are rejected.
func ParseKind(name string) (Kind, error) {
	norm := strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == norm {
			return k, nil
		}
	}
	return 0, domain.ConfigError{Field: "constraint", Reason: fmt.Sprintf("unknown constraint %q", name)}
}

// Strategy is the repair action taken when a constraint is violated.
type Strategy int

const (
	RemoveChild Strategy = iota + 1
	RemoveParent
	CreateParent
	CreateChild
	ShrinkChild
)

var strategyNames = map[Strategy]string{
	RemoveChild:  "remove_child",
	RemoveParent: "remove_parent",
	CreateParent: "create_parent",
	CreateChild:  "create_child",
	ShrinkChild:  "shrink_child",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy maps a configuration name onto a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	norm := strings.ToLower(strings.TrimSpace(name))
	for s, n := range strategyNames {
		if n == norm {
			return s, nil
		}
	}
	return 0, domain.ConfigError{Field: "resolution", Reason: fmt.Sprintf("unknown resolution %q", name)}
}

var allowedStrategies = map[Kind][]Strategy{
	MaximumChildCount:       {RemoveChild, RemoveParent},
	MinimumChildCount:       {RemoveParent, CreateChild},
	ChildMustHaveParent:     {RemoveChild, CreateParent},
	ParentMustCoverChild:    {RemoveChild, ShrinkChild},
	ChildIntersectOneParent: {RemoveChild, ShrinkChild},
}

// Constraint is a validated (kind, value, strategy) triple.
type Constraint struct {
	Kind     Kind
	Value    int
	Strategy Strategy
}

func (c Constraint) String() string {
	switch c.Kind {
	case MaximumChildCount, MinimumChildCount:
		return fmt.Sprintf("%s(%d)/%s", c.Kind, c.Value, c.Strategy)
	default:
		return fmt.Sprintf("%s/%s", c.Kind, c.Strategy)
	}
}

// NewConstraint validates the strategy and value for kind.
func NewConstraint(kind Kind, strategy Strategy, value *int) (Constraint, error) {
	allowed, ok := allowedStrategies[kind]
	if !ok {
		return Constraint{}, domain.ConfigError{Field: "constraint", Reason: fmt.Sprintf("unknown constraint %s", kind)}
	}
	valid := false
	for _, s := range allowed {
		if s == strategy {
			valid = true
			break
		}
	}
	if !valid {
		return Constraint{}, domain.ConfigError{
			Field:  "resolution",
			Reason: fmt.Sprintf("%s cannot be resolved with %s", kind, strategy),
		}
	}
	c := Constraint{Kind: kind, Strategy: strategy}
	switch kind {
	case MaximumChildCount, MinimumChildCount:
		if value == nil {
			return Constraint{}, domain.ConfigError{Field: "value", Reason: fmt.Sprintf("%s requires a value", kind)}
		}
		if *value < 0 {
			return Constraint{}, domain.ConfigError{Field: "value", Reason: fmt.Sprintf("%s value must be >= 0, got %d", kind, *value)}
		}
		c.Value = *value
	}
	if kind == MinimumChildCount && strategy == CreateChild && c.Value != 1 {
		return Constraint{}, domain.ConfigError{Field: "value", Reason: "create_child only supports minimum_child_count of 1"}
	}
	return c, nil
}

// ConstraintConfig is the serialized form of one constraint.
type ConstraintConfig struct {
	Constraint string `json:"constraint" yaml:"constraint" validate:"required"`
	Value      *int   `json:"value,omitempty" yaml:"value,omitempty"`
	Resolution string `json:"resolution" yaml:"resolution" validate:"required"`
}

// Config is the serialized relationship configuration between two entity types.
type Config struct {
	ParentType             domain.EntityType  `json:"parent_type" yaml:"parent_type" validate:"required"`
	ChildType              domain.EntityType  `json:"child_type" yaml:"child_type" validate:"required,nefield=ParentType"`
	ChildCoverageThreshold float64            `json:"child_coverage_threshold" yaml:"child_coverage_threshold" validate:"gte=0,lte=1"`
	Constraints            []ConstraintConfig `json:"constraints" yaml:"constraints" validate:"dive"`
}

// Relationships is a validated Config.
type Relationships struct {
	ParentType             domain.EntityType
	ChildType              domain.EntityType
	ChildCoverageThreshold float64
	Constraints            []Constraint
}

// Parse validates cfg. Every constraint is checked before anything is
// returned, so a bad configuration never reaches the stores.
func Parse(cfg Config) (Relationships, error) {
	if cfg.ParentType == "" || cfg.ChildType == "" {
		return Relationships{}, domain.ConfigError{Field: "parent_type/child_type", Reason: "both entity types are required"}
	}
	if cfg.ParentType == cfg.ChildType {
		return Relationships{}, domain.ConfigError{Field: "child_type", Reason: "parent and child types must differ"}
	}
	if cfg.ChildCoverageThreshold < 0 || cfg.ChildCoverageThreshold > 1 {
		return Relationships{}, domain.ConfigError{
			Field:  "child_coverage_threshold",
			Reason: fmt.Sprintf("must be within [0,1], got %g", cfg.ChildCoverageThreshold),
		}
	}
	rel := Relationships{
		ParentType:             cfg.ParentType,
		ChildType:              cfg.ChildType,
		ChildCoverageThreshold: cfg.ChildCoverageThreshold,
	}
	for i, cc := range cfg.Constraints {
		kind, err := ParseKind(cc.Constraint)
		if err != nil {
			return Relationships{}, fmt.Errorf("constraint %d: %w", i, err)
		}
		strategy, err := ParseStrategy(cc.Resolution)
		if err != nil {
			return Relationships{}, fmt.Errorf("constraint %d: %w", i, err)
		}
		c, err := NewConstraint(kind, strategy, cc.Value)
		if err != nil {
			return Relationships{}, fmt.Errorf("constraint %d: %w", i, err)
		}
		rel.Constraints = append(rel.Constraints, c)
	}
	return rel, nil
}

// EntityTypes returns the parent and child type.
func (r Relationships) EntityTypes() []domain.EntityType {
	return []domain.EntityType{r.ParentType, r.ChildType}
}
