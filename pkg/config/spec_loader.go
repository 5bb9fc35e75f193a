package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/taskorch/pkg/task"
)

// Format is a spec file format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatOf returns the format of path by extension.
func FormatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json":
		return FormatJSON, true
	case ".cue":
		return FormatCUE, true
	default:
		return "", false
	}
}

// SpecLoader reads spec trees from YAML, JSON and CUE files.
type SpecLoader struct {
	ctx       *cue.Context
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewSpecLoader creates a new spec loader.
func NewSpecLoader(logger zerolog.Logger) *SpecLoader {
	return &SpecLoader{
		ctx:       cuecontext.New(),
		validator: validator.New(),
		logger:    logger.With().Str("component", "spec-loader").Logger(),
	}
}

// Load parses every spec file under paths. Directories are walked
// recursively and files with an unknown extension in them are skipped.
// Problems with the content are reported in ParsedSpecs.Errors; the error
// return is for unreadable sources.
func (l *SpecLoader) Load(ctx context.Context, paths []string) (*ParsedSpecs, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	files, err := l.collectFiles(paths)
	if err != nil {
		return nil, err
	}

	parsed := &ParsedSpecs{
		SourceFiles: files,
		ParsedAt:    time.Now(),
	}
	seen := make(map[string]string)

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", file, err)
		}
		format, _ := FormatOf(file)

		specs, errs := l.parse(data, format, file)
		parsed.Errors = append(parsed.Errors, errs...)
		for _, spec := range specs {
			if other, dup := seen[spec.ID]; dup {
				parsed.Errors = append(parsed.Errors, ValidationError{
					File:    file,
					Path:    spec.ID,
					Message: fmt.Sprintf("root spec %s already defined in %s", spec.ID, other),
				})
				continue
			}
			seen[spec.ID] = file
			parsed.Specs = append(parsed.Specs, spec)
		}
	}

	l.logger.Info().
		Int("specs", len(parsed.Specs)).
		Int("files", len(files)).
		Int("errors", len(parsed.Errors)).
		Msg("Specs loaded")

	return parsed, nil
}

// LoadSpecs is Load failing on any validation error.
func (l *SpecLoader) LoadSpecs(ctx context.Context, paths []string) ([]*task.Spec, error) {
	parsed, err := l.Load(ctx, paths)
	if err != nil {
		return nil, err
	}
	if err := parsed.Err(); err != nil {
		return nil, fmt.Errorf("invalid specs: %w", err)
	}
	return parsed.Specs, nil
}

// ParseInline parses spec content of the given format.
func (l *SpecLoader) ParseInline(content []byte, format Format) *ParsedSpecs {
	specs, errs := l.parse(content, format, "inline")
	return &ParsedSpecs{
		Specs:       specs,
		SourceFiles: []string{"inline"},
		ParsedAt:    time.Now(),
		Errors:      errs,
	}
}

// collectFiles expands paths into the spec files to read, in walk order.
func (l *SpecLoader) collectFiles(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", path, err)
		}

		if !info.IsDir() {
			if _, ok := FormatOf(path); !ok {
				return nil, fmt.Errorf("unsupported file type: %s", path)
			}
			files = append(files, path)
			continue
		}

		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if _, ok := FormatOf(p); ok {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk directory %s: %w", path, err)
		}
	}
	return files, nil
}

func (l *SpecLoader) parse(data []byte, format Format, filename string) ([]*task.Spec, []ValidationError) {
	var defs []SpecDefinition
	var errs []ValidationError

	switch format {
	case FormatYAML:
		var file SpecFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, []ValidationError{{File: filename, Message: fmt.Sprintf("failed to parse YAML: %v", err)}}
		}
		defs = file.Specs
	case FormatJSON:
		var file SpecFile
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&file); err != nil {
			return nil, []ValidationError{{File: filename, Message: fmt.Sprintf("failed to parse JSON: %v", err)}}
		}
		defs = file.Specs
	case FormatCUE:
		defs, errs = l.parseCUE(data, filename)
		if len(errs) > 0 {
			return nil, errs
		}
	default:
		return nil, []ValidationError{{File: filename, Message: fmt.Sprintf("unsupported format %q", format)}}
	}

	var specs []*task.Spec
	for i, def := range defs {
		path := fmt.Sprintf("specs[%d]", i)
		if def.ID != "" {
			path = def.ID
		}

		if err := l.validator.Struct(def); err != nil {
			errs = append(errs, ValidationError{File: filename, Path: path, Message: fmt.Sprintf("validation failed: %v", err)})
			continue
		}

		spec, err := def.ToSpec()
		if err != nil {
			errs = append(errs, ValidationError{File: filename, Path: path, Message: err.Error()})
			continue
		}
		specs = append(specs, spec)
	}
	return specs, errs
}

// parseCUE reads the specs field of a CUE document, either a list of spec
// definitions or a struct keyed by spec id.
func (l *SpecLoader) parseCUE(data []byte, filename string) ([]SpecDefinition, []ValidationError) {
	val := l.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, l.convertCUEErrors(err)
	}

	specsVal := val.LookupPath(cue.ParsePath("specs"))
	if !specsVal.Exists() {
		return nil, []ValidationError{{File: filename, Path: "specs", Message: "no specs field"}}
	}

	var defs []SpecDefinition
	var errs []ValidationError

	switch specsVal.Kind() {
	case cue.StructKind:
		iter, err := specsVal.Fields()
		if err != nil {
			return nil, []ValidationError{{File: filename, Path: "specs", Message: fmt.Sprintf("failed to iterate specs: %v", err)}}
		}
		for iter.Next() {
			var def SpecDefinition
			if err := iter.Value().Decode(&def); err != nil {
				errs = append(errs, ValidationError{
					File:    filename,
					Path:    fmt.Sprintf("specs.%s", iter.Selector()),
					Message: fmt.Sprintf("failed to decode spec: %v", err),
				})
				continue
			}
			if def.ID == "" {
				def.ID = iter.Selector().String()
			}
			defs = append(defs, def)
		}
	case cue.ListKind:
		list, err := specsVal.List()
		if err != nil {
			return nil, []ValidationError{{File: filename, Path: "specs", Message: fmt.Sprintf("failed to list specs: %v", err)}}
		}
		idx := 0
		for list.Next() {
			var def SpecDefinition
			if err := list.Value().Decode(&def); err != nil {
				errs = append(errs, ValidationError{
					File:    filename,
					Path:    fmt.Sprintf("specs[%d]", idx),
					Message: fmt.Sprintf("failed to decode spec: %v", err),
				})
			} else {
				defs = append(defs, def)
			}
			idx++
		}
	default:
		return nil, []ValidationError{{File: filename, Path: "specs", Message: fmt.Sprintf("specs must be a list or struct, got %s", specsVal.Kind())}}
	}

	return defs, errs
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (l *SpecLoader) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range cueerrors.Errors(err) {
		pos := cueerrors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Message: cueerrors.Details(e, nil),
		})
	}

	return validationErrors
}
