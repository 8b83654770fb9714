package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var goalNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)

// Loader reads goal catalogs from YAML, JSON and CUE sources. Every source is
// checked against the #Catalog schema and the struct tags before it is merged.
type Loader struct {
	cue       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
	mu        sync.Mutex
}

// NewLoader creates a catalog loader.
func NewLoader() *Loader {
	return &Loader{
		cue:       cuecontext.New(),
		schemas:   NewSchemaRegistry(),
		validator: newValidator(),
	}
}

// Schemas returns the schema registry used by the loader.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads and merges catalogs from files and directories. Directories are
// walked for .cue, .yaml, .yml and .json files in lexical order.
func (l *Loader) Load(ctx context.Context, sources ...string) (*Catalog, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no catalog sources provided")
	}

	var files []string
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}
		if !info.IsDir() {
			files = append(files, source)
			continue
		}
		found, err := catalogFiles(source)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, fmt.Errorf("no catalog files found in %s", source)
		}
		files = append(files, found...)
	}

	merged := &Catalog{}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		cat, err := l.Parse(file, data)
		if err != nil {
			return nil, err
		}
		merged.Merge(cat)
	}
	return merged, nil
}

// Parse decodes one catalog document. The format is chosen by the file extension;
// anything that is not .cue is read as YAML, which includes JSON.
func (l *Loader) Parse(file string, data []byte) (*Catalog, error) {
	var (
		doc []byte
		err error
	)
	if strings.EqualFold(filepath.Ext(file), ".cue") {
		doc, err = l.cueToJSON(file, data)
	} else {
		doc, err = yamlToJSON(file, data)
	}
	if err != nil {
		return nil, err
	}

	if err := l.schemas.ValidateJSON(CatalogSchema, file, doc); err != nil {
		return nil, err
	}

	var cat Catalog
	if err := json.Unmarshal(doc, &cat); err != nil {
		return nil, ValidationError{File: file, Message: err.Error()}
	}
	if err := l.validate(file, &cat); err != nil {
		return nil, err
	}
	if err := resolveConditionFiles(&cat, filepath.Dir(file)); err != nil {
		return nil, err
	}
	return &cat, nil
}

// ParseYAML decodes an inline YAML catalog.
func (l *Loader) ParseYAML(content string) (*Catalog, error) {
	return l.Parse("inline.yaml", []byte(content))
}

// ParseCUE decodes an inline CUE catalog.
func (l *Loader) ParseCUE(content string) (*Catalog, error) {
	return l.Parse("inline.cue", []byte(content))
}

// cueToJSON evaluates a CUE source and exports it as JSON.
func (l *Loader) cueToJSON(file string, data []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	val := l.cue.CompileBytes(data, cue.Filename(file))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err, file)
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err, file)
	}
	out, err := val.MarshalJSON()
	if err != nil {
		return nil, convertCUEErrors(err, file)
	}
	return out, nil
}

// yamlToJSON decodes YAML into generic values and re-encodes them as JSON.
func yamlToJSON(file string, data []byte) ([]byte, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, ValidationError{File: file, Message: err.Error()}
	}
	if raw == nil {
		return nil, ValidationError{File: file, Message: "empty catalog"}
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, ValidationError{File: file, Message: err.Error()}
	}
	return out, nil
}

// validate applies the struct tags.
func (l *Loader) validate(file string, cat *Catalog) error {
	err := l.validator.Struct(cat)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationError{File: file, Message: err.Error()}
	}
	errs := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, ValidationError{
			File:    file,
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed on %q", fe.Tag()),
		})
	}
	return errs
}

// resolveConditionFiles inlines condition scripts stored next to the catalog.
func resolveConditionFiles(cat *Catalog, baseDir string) error {
	for i := range cat.Conditions {
		cond := &cat.Conditions[i]
		if cond.File == "" {
			continue
		}
		path := cond.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		script, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("condition %s: %w", cond.Name, err)
		}
		cond.Script = string(script)
		cond.File = ""
	}
	return nil
}

// catalogFiles walks a directory for catalog documents.
func catalogFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".cue", ".yaml", ".yml", ".json":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory %s: %w", dir, err)
	}
	return files, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error, file string) error {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:    file,
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() == file {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		return ValidationError{File: file, Message: err.Error()}
	}
	return out
}

// newValidator returns a validator with the goal name rule registered.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("goalname", func(fl validator.FieldLevel) bool {
		return goalNamePattern.MatchString(fl.Field().String())
	})
	return v
}
