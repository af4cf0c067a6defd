// Package requirements defines the product requirements document that a
// discovery session builds, together with its JSON Schema and validation.
//
// The schema is reflected from the Go types with invopop/jsonschema, so the
// document model is the single source of truth for the interview tool
// definition, for store-side validation and for the exported spec.yaml.
package requirements

import (
	"fmt"
	"time"

	"github.com/jinzhu/copier"
)

// Status is the lifecycle stage of a product document.
type Status string

const (
	StatusDiscovery Status = "Discovery"
	StatusDrafted   Status = "Drafted"
	StatusCompleted Status = "Completed"
)

// Priority ranks a requirement.
type Priority string

const (
	P0 Priority = "P0"
	P1 Priority = "P1"
	P2 Priority = "P2"
)

// InitialVersion is the version of a freshly created document.
const InitialVersion = "0.1.0"

// Product is the requirements document.
type Product struct {
	// ID is assigned by the store and is not part of what the model edits.
	ID string `json:"id,omitempty" yaml:"id,omitempty" jsonschema_description:"Store identifier. Leave unchanged."`

	Name    string `json:"name" yaml:"name" jsonschema:"required,minLength=1" jsonschema_description:"Product name."`
	Version string `json:"version" yaml:"version" jsonschema:"required" jsonschema_description:"Semantic version of the document."`
	Status  Status `json:"status" yaml:"status" jsonschema:"required,enum=Discovery,enum=Drafted,enum=Completed" jsonschema_description:"Completed once the user confirms the requirements are final."`

	Vision               Vision       `json:"vision" yaml:"vision"`
	Personas             []Persona    `json:"personas" yaml:"personas"`
	Requirements         Requirements `json:"requirements" yaml:"requirements"`
	UserStories          []UserStory  `json:"user_stories" yaml:"user_stories"`
	TechnicalConstraints []string     `json:"technical_constraints" yaml:"technical_constraints"`
	SuccessMetrics       []string     `json:"success_metrics" yaml:"success_metrics"`

	UpdatedAt time.Time `json:"updated_at,omitzero" yaml:"updated_at,omitempty" jsonschema_description:"Set by the store."`
}

// Vision is the product's elevator pitch and goals.
type Vision struct {
	Summary string   `json:"summary" yaml:"summary"`
	Goals   []string `json:"goals" yaml:"goals"`
}

// Persona is a target user archetype.
type Persona struct {
	Name        string `json:"name" yaml:"name" jsonschema:"required,minLength=1"`
	Description string `json:"description" yaml:"description"`
}

// Requirements groups requirements by kind.
type Requirements struct {
	Functional    []Requirement `json:"functional" yaml:"functional"`
	NonFunctional []Requirement `json:"non_functional" yaml:"non_functional"`
	UIUX          []Requirement `json:"ui_ux" yaml:"ui_ux"`
}

// Requirement is a single numbered requirement.
type Requirement struct {
	ID          string   `json:"id" yaml:"id" jsonschema:"required,minLength=1" jsonschema_description:"Stable identifier such as FR-1."`
	Title       string   `json:"title" yaml:"title" jsonschema:"required"`
	Description string   `json:"description" yaml:"description"`
	Priority    Priority `json:"priority" yaml:"priority" jsonschema:"required,enum=P0,enum=P1,enum=P2"`
}

// UserStory is an "As a ..., I want to ..., so that ..." statement.
type UserStory struct {
	ID      string `json:"id" yaml:"id" jsonschema:"required,minLength=1"`
	AsA     string `json:"as_a" yaml:"as_a" jsonschema:"required"`
	IWantTo string `json:"i_want_to" yaml:"i_want_to" jsonschema:"required"`
	SoThat  string `json:"so_that" yaml:"so_that"`
}

// NewProduct returns an empty Discovery-stage document.
func NewProduct(name string) *Product {
	p := &Product{
		Name:    name,
		Version: InitialVersion,
		Status:  StatusDiscovery,
	}
	p.Normalize()
	return p
}

// Normalize replaces nil collections with empty ones so the document encodes
// as arrays rather than nulls.
func (p *Product) Normalize() {
	if p.Vision.Goals == nil {
		p.Vision.Goals = []string{}
	}
	if p.Personas == nil {
		p.Personas = []Persona{}
	}
	if p.Requirements.Functional == nil {
		p.Requirements.Functional = []Requirement{}
	}
	if p.Requirements.NonFunctional == nil {
		p.Requirements.NonFunctional = []Requirement{}
	}
	if p.Requirements.UIUX == nil {
		p.Requirements.UIUX = []Requirement{}
	}
	if p.UserStories == nil {
		p.UserStories = []UserStory{}
	}
	if p.TechnicalConstraints == nil {
		p.TechnicalConstraints = []string{}
	}
	if p.SuccessMetrics == nil {
		p.SuccessMetrics = []string{}
	}
}

// Clone returns a deep copy of p.
func (p *Product) Clone() (*Product, error) {
	out := &Product{}
	if err := copier.CopyWithOption(out, p, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("requirements: clone: %w", err)
	}
	out.UpdatedAt = p.UpdatedAt
	return out, nil
}
