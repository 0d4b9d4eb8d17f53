package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"segmentcore/internal/compile"
	"segmentcore/internal/relationships"
	"segmentcore/pkg/domain"
)

var validate = validator.New()

// File is the on-disk compile configuration. JSON files are accepted as
// well since YAML is a superset.
type File struct {
	EntityTypes   []domain.EntityType   `yaml:"entity_types" validate:"min=1,max=2,unique,dive,required"`
	MinDistance   float64               `yaml:"min_distance" validate:"gte=0"`
	MinFinalArea  float64               `yaml:"min_final_area" validate:"gte=0"`
	FuseZ         bool                  `yaml:"fuse_z"`
	ReplicateZ    []int32               `yaml:"replicate_z" validate:"unique"`
	Relationships *relationships.Config `yaml:"relationships,omitempty" validate:"omitempty"`
}

// Load reads, decodes and validates the configuration file at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("config %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a configuration document. Unknown keys are
// rejected.
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, domain.ConfigError{Reason: err.Error()}
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks field constraints and the relationship contract.
func (f File) Validate() error {
	if err := validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return domain.ConfigError{Field: fieldPath(fe.Namespace()), Reason: fmt.Sprintf("failed %q check", fe.Tag())}
		}
		return domain.ConfigError{Reason: err.Error()}
	}
	if f.Relationships != nil {
		if _, err := relationships.Parse(*f.Relationships); err != nil {
			return err
		}
	}
	return nil
}

// Settings converts the file into compiler settings.
func (f File) Settings() (compile.Settings, error) {
	if err := f.Validate(); err != nil {
		return compile.Settings{}, err
	}
	s := compile.Settings{
		EntityTypes:  append([]domain.EntityType(nil), f.EntityTypes...),
		MinDistance:  f.MinDistance,
		MinFinalArea: f.MinFinalArea,
		FuseZ:        f.FuseZ,
		ReplicateZ:   append([]int32(nil), f.ReplicateZ...),
	}
	if f.Relationships != nil {
		rel, err := relationships.Parse(*f.Relationships)
		if err != nil {
			return compile.Settings{}, err
		}
		s.Relationships = &rel
	}
	return s, nil
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
