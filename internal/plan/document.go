// Package plan turns plan descriptions, from a YAML document or from command
// line options, into executable plans whose stages are prepared and whose
// metadata bus is frozen.
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/stage"

	"gopkg.in/yaml.v3"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// ModuleDescriptor identifies one configured stage
type ModuleDescriptor struct {
	Kind stage.Kind
	Name string
	Args map[string]interface{}
}

// Descriptor is one plan before it is built
type Descriptor struct {
	ID           string
	Name         string
	Reader       ModuleDescriptor
	Transformers []ModuleDescriptor
	Writer       ModuleDescriptor
	PostBackups  []ModuleDescriptor
}

// documentPlan is one item of the plan document
type documentPlan struct {
	Name         string      `yaml:"name"`
	ID           string      `yaml:"id"`
	Reader       *moduleRef  `yaml:"reader"`
	Transformers []chainItem `yaml:"transformers"`
	Writer       *moduleRef  `yaml:"writer"`
	PostBackup   []chainItem `yaml:"post-backup"`
}

type moduleRef struct {
	Module string                 `yaml:"module"`
	Args   map[string]interface{} `yaml:"args"`
}

// chainItem is either a bare module name or a single-key mapping
// `name: {args: {...}}`
type chainItem struct {
	name string
	args map[string]interface{}
}

func (c *chainItem) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		c.name = node.Value
		return nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: a module entry must hold exactly one module", node.Line)
		}
		c.name = node.Content[0].Value
		body := node.Content[1]
		if body.Kind == yaml.ScalarNode && body.Tag == "!!null" {
			return nil
		}
		if body.Kind != yaml.MappingNode {
			return fmt.Errorf("line %d: module %s must be followed by its args", body.Line, c.name)
		}
		for i := 0; i < len(body.Content); i += 2 {
			key := body.Content[i]
			if key.Value != "args" {
				return fmt.Errorf("line %d: unknown field %q in module %s, only args is accepted", key.Line, key.Value, c.name)
			}
			if err := body.Content[i+1].Decode(&c.args); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("line %d: a module entry must be a name or a mapping", node.Line)
	}
}

// LoadDocument reads the plan document at path
func LoadDocument(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewUserError(fmt.Sprintf("Unable to read config file [%s]", path)).WithContext("cause", err.Error())
	}
	return ParseDocument(bytes.NewReader(data))
}

// ParseDocument decodes and validates a plan document: a list of plans with
// unique alphanumeric ids, each with a reader and a writer
func ParseDocument(r io.Reader) ([]Descriptor, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var plans []documentPlan
	if err := decoder.Decode(&plans); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, apperrors.NewUserError("Validation error on config file: the document is empty")
		}
		return nil, apperrors.NewAppError(apperrors.ErrorTypeUser, "Validation error on config file: "+err.Error(), err)
	}

	seen := make(map[string]bool, len(plans))
	descriptors := make([]Descriptor, 0, len(plans))
	for i, p := range plans {
		if err := p.validate(i); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, apperrors.NewUserError(fmt.Sprintf("Backup id must be unique, [%s] is used more than once", p.ID))
		}
		seen[p.ID] = true
		descriptors = append(descriptors, p.descriptor())
	}
	return descriptors, nil
}

func (p documentPlan) validate(index int) error {
	invalid := func(format string, args ...interface{}) error {
		return apperrors.NewUserError(fmt.Sprintf("Validation error on config file, plan %d: %s", index, fmt.Sprintf(format, args...)))
	}

	if p.ID == "" {
		return invalid("id is required")
	}
	if !idPattern.MatchString(p.ID) {
		return invalid("id [%s] must only contain letters and digits", p.ID)
	}
	if p.Reader == nil || p.Reader.Module == "" {
		return invalid("reader module is required")
	}
	if p.Writer == nil || p.Writer.Module == "" {
		return invalid("writer module is required")
	}
	for _, item := range append(append([]chainItem{}, p.Transformers...), p.PostBackup...) {
		if item.name == "" {
			return invalid("module name must not be empty")
		}
	}
	return nil
}

func (p documentPlan) descriptor() Descriptor {
	d := Descriptor{
		ID:     p.ID,
		Name:   p.Name,
		Reader: ModuleDescriptor{Kind: stage.KindReader, Name: p.Reader.Module, Args: p.Reader.Args},
		Writer: ModuleDescriptor{Kind: stage.KindWriter, Name: p.Writer.Module, Args: p.Writer.Args},
	}
	for _, item := range p.Transformers {
		d.Transformers = append(d.Transformers, ModuleDescriptor{Kind: stage.KindTransformer, Name: item.name, Args: item.args})
	}
	for _, item := range p.PostBackup {
		d.PostBackups = append(d.PostBackups, ModuleDescriptor{Kind: stage.KindPostBackup, Name: item.name, Args: item.args})
	}
	return d
}
