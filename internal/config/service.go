// Package config loads the service definition and the packaging settings.
//
// The service file is read once and validated up front; the resulting
// Service value is never mutated afterwards and is handed to the pipeline
// at call time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PresetsField is the custom option holding the compiler presets.
const PresetsField = "babelPresets"

// DefaultServiceFile is the file name used when none is given.
const DefaultServiceFile = "serverless.yml"

// Error is a fatal configuration problem. Message is user facing.
type Error struct {
	Field   string
	Source  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Function is one function declared by the service.
type Function struct {
	// Key is the function's key under `functions`.
	Key string

	// Name is the explicit `name:` override, if any.
	Name string
}

// Service is the validated subset of the service file the packager needs.
type Service struct {
	Name         string
	Stage        string
	Individually bool

	// Functions are kept in declaration order.
	Functions []Function

	// Presets is never empty on a Service returned by Load or Parse.
	Presets []string

	// Source is the file the service was loaded from.
	Source string
}

// Load reads and validates the service file at path.
func Load(path string) (*Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{
			Source:  path,
			Message: fmt.Sprintf("config load failed (%s): %v", path, err),
			Err:     err,
		}
	}
	return Parse(data, path)
}

type rawService struct {
	Service  yaml.Node `yaml:"service"`
	Provider struct {
		Stage string `yaml:"stage"`
	} `yaml:"provider"`
	Package struct {
		Individually bool `yaml:"individually"`
	} `yaml:"package"`
	Functions yaml.Node `yaml:"functions"`
	Custom    yaml.Node `yaml:"custom"`
}

type rawFunction struct {
	Name string `yaml:"name"`
}

// Parse decodes and validates a service definition. source names the file
// in error messages.
func Parse(data []byte, source string) (*Service, error) {
	var raw rawService
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &Error{
			Source:  source,
			Message: fmt.Sprintf("config parse failed (%s): %v", source, err),
			Err:     err,
		}
	}

	svc := &Service{
		Stage:        strings.TrimSpace(raw.Provider.Stage),
		Individually: raw.Package.Individually,
		Source:       source,
	}
	if svc.Stage == "" {
		svc.Stage = "dev"
	}

	presets, err := parsePresets(&raw.Custom, source)
	if err != nil {
		return nil, err
	}
	svc.Presets = presets

	name, err := serviceName(&raw.Service)
	if err != nil {
		return nil, &Error{Field: "service", Source: source, Message: fmt.Sprintf("%s: %v", fileName(source), err)}
	}
	svc.Name = name

	functions, err := parseFunctions(&raw.Functions)
	if err != nil {
		return nil, &Error{Field: "functions", Source: source, Message: fmt.Sprintf("%s: %v", fileName(source), err)}
	}
	svc.Functions = functions

	if err := svc.Validate(); err != nil {
		return nil, err
	}
	return svc, nil
}

// Validate re-checks the invariants of a Service. It is safe to call any
// number of times and always fails the same way for the same value.
func (s *Service) Validate() error {
	if s == nil {
		return &Error{Message: "service configuration is missing"}
	}
	if len(s.Presets) == 0 {
		return missingPresets(s.Source)
	}
	for _, p := range s.Presets {
		if strings.TrimSpace(p) == "" {
			return notAnArray(s.Source)
		}
	}
	if strings.TrimSpace(s.Name) == "" {
		return &Error{Field: "service", Source: s.Source, Message: fmt.Sprintf("%s: service name is required", fileName(s.Source))}
	}
	return nil
}

// Function looks a function up by key.
func (s *Service) Function(key string) (Function, bool) {
	for _, f := range s.Functions {
		if f.Key == key {
			return f, true
		}
	}
	return Function{}, false
}

// ArtifactName is the bundle name of a function packaged on its own.
func (s *Service) ArtifactName(f Function) string {
	if f.Name != "" {
		return f.Name
	}
	return s.Name + "-" + f.Key
}

func serviceName(n *yaml.Node) (string, error) {
	n = resolve(n)
	switch n.Kind {
	case yaml.ScalarNode:
		if v := strings.TrimSpace(n.Value); v != "" {
			return v, nil
		}
	case yaml.MappingNode:
		if v := mappingValue(n, "name"); v != nil && v.Kind == yaml.ScalarNode && strings.TrimSpace(v.Value) != "" {
			return strings.TrimSpace(v.Value), nil
		}
	}
	return "", fmt.Errorf("`service` name is required")
}

func parseFunctions(n *yaml.Node) ([]Function, error) {
	n = resolve(n)
	if n.Kind == 0 || isNull(n) {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("`functions` must be a mapping")
	}
	out := make([]Function, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := strings.TrimSpace(n.Content[i].Value)
		var rf rawFunction
		if body := resolve(n.Content[i+1]); !isNull(body) {
			if err := body.Decode(&rf); err != nil {
				return nil, fmt.Errorf("function %q: %w", key, err)
			}
		}
		out = append(out, Function{Key: key, Name: strings.TrimSpace(rf.Name)})
	}
	return out, nil
}

func parsePresets(custom *yaml.Node, source string) ([]string, error) {
	custom = resolve(custom)
	if custom.Kind != yaml.MappingNode {
		return nil, missingPresets(source)
	}
	v := mappingValue(custom, PresetsField)
	if v == nil {
		return nil, missingPresets(source)
	}
	if v.Kind != yaml.SequenceNode || len(v.Content) == 0 {
		return nil, notAnArray(source)
	}
	presets := make([]string, 0, len(v.Content))
	for _, item := range v.Content {
		item = resolve(item)
		if item.Kind != yaml.ScalarNode || isNull(item) || strings.TrimSpace(item.Value) == "" {
			return nil, notAnArray(source)
		}
		presets = append(presets, item.Value)
	}
	return presets, nil
}

func missingPresets(source string) error {
	return &Error{
		Field:  PresetsField,
		Source: source,
		Message: fmt.Sprintf("For the serverless-babel-plugin you need to define `%s` as custom configuration in your %s",
			PresetsField, fileName(source)),
	}
}

func notAnArray(source string) error {
	return &Error{
		Field:   PresetsField,
		Source:  source,
		Message: fmt.Sprintf("`%s` in your %s must be an Array of preset names", PresetsField, fileName(source)),
	}
}

func fileName(source string) string {
	if source == "" {
		return DefaultServiceFile
	}
	return filepath.Base(source)
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return resolve(n.Content[i+1])
		}
	}
	return nil
}

func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	if n == nil {
		return &yaml.Node{}
	}
	return n
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null"
}
