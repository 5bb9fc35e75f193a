package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/taskorch/pkg/task"
)

// SpecFile is the document format of a spec file.
type SpecFile struct {
	// Specs are the root spec trees defined in the file.
	Specs []SpecDefinition `json:"specs" yaml:"specs" validate:"dive"`
}

// SpecDefinition is the file representation of a spec tree.
type SpecDefinition struct {
	// ID is the spec id, unique within its tree (e.g., "LOAD_TRADES").
	ID string `json:"id" yaml:"id" validate:"required"`

	// Description is free text.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Attributes are the values instances of the spec carry.
	Attributes []AttributeConfig `json:"attributes,omitempty" yaml:"attributes,omitempty" validate:"dive"`

	// Requires lists the event types the spec waits for.
	Requires []string `json:"requires,omitempty" yaml:"requires,omitempty" validate:"dive,required"`

	// Route is the worker route instances are scheduled on. Empty means the
	// task completes without being routed.
	Route string `json:"route,omitempty" yaml:"route,omitempty"`

	// SubTasks are the child specs in execution order.
	SubTasks []SpecDefinition `json:"subTasks,omitempty" yaml:"subTasks,omitempty" validate:"dive"`
}

// AttributeConfig is the file representation of an attribute definition.
type AttributeConfig struct {
	Name      string `json:"name" yaml:"name" validate:"required"`
	Argument  bool   `json:"argument,omitempty" yaml:"argument,omitempty"`
	Mandatory bool   `json:"mandatory,omitempty" yaml:"mandatory,omitempty"`
}

// Builder returns a task.Builder assembling the definition.
func (d SpecDefinition) Builder() *task.Builder {
	b := task.NewSpec(d.ID).Describe(d.Description)
	for _, a := range d.Attributes {
		var opts []task.AttributeOption
		if a.Argument {
			opts = append(opts, task.AsArgument())
		}
		if a.Mandatory {
			opts = append(opts, task.AsMandatory())
		}
		b.Attribute(a.Name, opts...)
	}
	if len(d.Requires) > 0 {
		b.Requires(d.Requires...)
	}
	if d.Route != "" {
		b.RouteTo(d.Route)
	}
	subs := make([]*task.Builder, 0, len(d.SubTasks))
	for _, sub := range d.SubTasks {
		subs = append(subs, sub.Builder())
	}
	if len(subs) > 0 {
		b.Sub(subs...)
	}
	return b
}

// ToSpec builds and validates the spec tree.
func (d SpecDefinition) ToSpec() (*task.Spec, error) {
	return d.Builder().Build()
}

// FromSpec converts a spec tree back to its file representation.
func FromSpec(s *task.Spec) SpecDefinition {
	d := SpecDefinition{
		ID:          s.ID,
		Description: s.Description,
	}
	for _, a := range s.Attributes {
		d.Attributes = append(d.Attributes, AttributeConfig{Name: a.Name, Argument: a.TaskArgument, Mandatory: a.Mandatory})
	}
	for _, p := range s.PreConditions {
		d.Requires = append(d.Requires, p.Name)
	}
	if s.Action.Kind == task.ActionRoute {
		d.Route = s.Action.Route
	}
	for _, sub := range s.SubTasks {
		d.SubTasks = append(d.SubTasks, FromSpec(sub))
	}
	return d
}

// ParsedSpecs is the outcome of loading spec files.
type ParsedSpecs struct {
	// Specs are the root spec trees that loaded cleanly.
	Specs []*task.Spec `json:"specs"`

	// SourceFiles are the files that were read.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the files were parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists every problem found.
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err joins the validation errors, or returns nil when there are none.
func (p *ParsedSpecs) Err() error {
	if len(p.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(p.Errors))
	for _, e := range p.Errors {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path to the error (e.g., "specs[0].subTasks[1]").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", loc, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}
