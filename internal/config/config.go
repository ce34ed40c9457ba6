package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/stackdrift/stackctl/internal/envvars"
)

// LoadOptions describes parameters that influence template rendering of stack.yaml.
type LoadOptions struct {
	// UserVars are inline variables for template rendering.
	UserVars envvars.Vars
	// VarFiles lists additional .env-style files to load before rendering.
	VarFiles []string
}

// document mirrors the structure of stack.yaml after template rendering.
type document struct {
	Project  string        `yaml:"project"`
	EnvFiles []string      `yaml:"envFiles"`
	Services []ServiceSpec `yaml:"services"`
}

// rawHeader is a minimal struct used to extract envFiles before templating.
type rawHeader struct {
	EnvFiles []string `yaml:"envFiles"`
}

// Load reads stack.yaml, renders it as a Go template against the merged
// variable map, decodes it strictly and validates the result into a Topology.
func Load(path string, opts LoadOptions) (*Topology, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("spec path is empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve spec path: %w", err)
	}

	rawBytes, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read spec %q: %w", absPath, err)
	}

	var header rawHeader
	if err := yaml.Unmarshal(rawBytes, &header); err != nil {
		return nil, &MalformedSpecError{Reason: fmt.Sprintf("parse top-level fields: %v", err)}
	}

	baseDir := filepath.Dir(absPath)

	envFileVars, err := envvars.LoadFiles(baseDir, header.EnvFiles)
	if err != nil {
		return nil, err
	}

	varFileVars := make(envvars.Vars)
	for _, vf := range opts.VarFiles {
		if strings.TrimSpace(vf) == "" {
			continue
		}
		vars, err := envvars.LoadFile(vf)
		if err != nil {
			return nil, fmt.Errorf("load var-file %q: %w", vf, err)
		}
		varFileVars = envvars.Merge(varFileVars, vars)
	}

	envMap := envvars.Merge(envvars.FromOS(), envFileVars, varFileVars, opts.UserVars)

	rendered, err := renderTemplate(absPath, rawBytes, envMap)
	if err != nil {
		return nil, err
	}

	return Parse(rendered)
}

// Parse decodes rendered stack YAML strictly and validates it into a Topology.
func Parse(rendered []byte) (*Topology, error) {
	dec := yaml.NewDecoder(bytes.NewReader(rendered))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &MalformedSpecError{Reason: "document is empty"}
		}
		return nil, &MalformedSpecError{Reason: err.Error()}
	}

	if len(doc.Services) == 0 {
		return nil, &MalformedSpecError{Reason: "no services declared"}
	}

	topo := &Topology{
		Project:  strings.TrimSpace(doc.Project),
		Services: make(map[string]ServiceSpec, len(doc.Services)),
		Order:    make([]string, 0, len(doc.Services)),
	}

	for i, svc := range doc.Services {
		if err := validateService(i, svc); err != nil {
			return nil, err
		}
		if _, exists := topo.Services[svc.ID]; exists {
			return nil, &DuplicateServiceError{ID: svc.ID}
		}
		topo.Services[svc.ID] = svc
		topo.Order = append(topo.Order, svc.ID)
	}

	for _, id := range topo.Order {
		for _, dep := range topo.Services[id].DependsOn {
			if _, ok := topo.Services[dep]; !ok {
				return nil, &UnknownDependencyError{Service: id, Dependency: dep}
			}
		}
	}

	return topo, nil
}

// validateService checks the declaration of a single service entry.
func validateService(index int, svc ServiceSpec) error {
	if strings.TrimSpace(svc.ID) == "" {
		return &MalformedSpecError{Reason: fmt.Sprintf("services[%d] is missing required field %q", index, "id")}
	}
	if strings.TrimSpace(svc.Image) == "" {
		return &MalformedSpecError{Service: svc.ID, Reason: fmt.Sprintf("missing required field %q", "image")}
	}
	for _, p := range svc.Ports {
		if p.Internal <= 0 || p.Internal > 65535 {
			return &MalformedSpecError{Service: svc.ID, Reason: fmt.Sprintf("internal port %d is out of range", p.Internal)}
		}
		if p.External < 0 || p.External > 65535 {
			return &MalformedSpecError{Service: svc.ID, Reason: fmt.Sprintf("external port %d is out of range", p.External)}
		}
	}
	switch svc.Restart {
	case "", RestartNo, RestartAlways, RestartOnFailure, RestartUnlessStopped:
	default:
		return &MalformedSpecError{Service: svc.ID, Reason: fmt.Sprintf("unknown restart policy %q", svc.Restart)}
	}
	if slices.Contains(svc.DependsOn, svc.ID) {
		return &MalformedSpecError{Service: svc.ID, Reason: "depends_on references the service itself"}
	}
	return nil
}

// renderTemplate renders the stack document using the merged variable map.
func renderTemplate(name string, raw []byte, envMap envvars.Vars) ([]byte, error) {
	tmpl, err := template.New(filepath.Base(name)).Funcs(buildFuncMap(envMap)).Parse(string(raw))
	if err != nil {
		return nil, &MalformedSpecError{Reason: fmt.Sprintf("parse template: %v", err)}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any{"Env": envMap}); err != nil {
		return nil, &MalformedSpecError{Reason: fmt.Sprintf("execute template: %v", err)}
	}
	return buf.Bytes(), nil
}

// buildFuncMap constructs the set of template functions available in stack.yaml.
func buildFuncMap(envMap envvars.Vars) template.FuncMap {
	return template.FuncMap{
		"default": funcDefault,
		"toLower": strings.ToLower,
		"join":    strings.Join,
		"envOr": func(key, def string) string {
			if v, ok := envMap[key]; ok && v != "" {
				return v
			}
			return def
		},
	}
}

// funcDefault returns def when value is empty or whitespace, otherwise value.
func funcDefault(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}
