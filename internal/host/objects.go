package host

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
)

// ObjectsFile is the YAML layout of a host objects file.
//
//	objects:
//	  - name: Porch
//	    properties:
//	      Light: false
//	      LastRing: ""
//	    methods:
//	      Doorbell:
//	        set: Porch.LastRing
//	      Chime:
//	        log: true
type ObjectsFile struct {
	Objects []ObjectDefinition `yaml:"objects"`
}

// ObjectDefinition declares one object.
type ObjectDefinition struct {
	Name       string                      `yaml:"name"`
	Properties map[string]any              `yaml:"properties"`
	Methods    map[string]MethodDefinition `yaml:"methods"`
}

// MethodDefinition declares what a method does when called.
type MethodDefinition struct {
	// Set writes the call's "value" argument to the referenced property.
	Set string `yaml:"set"`

	// Log writes the call's arguments to the log.
	Log bool `yaml:"log"`
}

// LoadObjectsFile reads object definitions from path.
func LoadObjectsFile(path string) ([]ObjectDefinition, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config
	if err != nil {
		return nil, fmt.Errorf("reading objects file: %w", err)
	}
	var f ObjectsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing objects file: %w", err)
	}
	seen := make(map[string]bool, len(f.Objects))
	for _, def := range f.Objects {
		if seen[def.Name] {
			return nil, fmt.Errorf("%w: duplicate object %q", ErrInvalidDefinition, def.Name)
		}
		seen[def.Name] = true
		for name, m := range def.Methods {
			if m.Set == "" && !m.Log {
				return nil, fmt.Errorf("%w: %s.%s has no action", ErrInvalidDefinition, def.Name, name)
			}
			if m.Set != "" {
				if _, _, ok := device.SplitReference(m.Set); !ok {
					return nil, fmt.Errorf("%w: %s.%s set target %q", ErrInvalidDefinition, def.Name, name, m.Set)
				}
			}
		}
	}
	return f.Objects, nil
}

// Load defines every object in defs.
func (r *Registry) Load(defs []ObjectDefinition) error {
	for _, def := range defs {
		methods := make(map[string]MethodFunc, len(def.Methods))
		for name, m := range def.Methods {
			methods[name] = r.buildMethod(def.Name, name, m)
		}
		if err := r.Define(def.Name, normaliseValues(def.Properties), methods); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) buildMethod(objName, method string, m MethodDefinition) MethodFunc {
	return func(args map[string]any, source string) {
		if m.Log {
			r.logger.Info("host method called", "object", objName, "method", method, "source", source, "args", args)
		}
		if m.Set == "" {
			return
		}
		target, prop, _ := device.SplitReference(m.Set)
		if err := r.UpdateProperty(target, prop, args["value"], objName); err != nil {
			r.logger.Warn("host method write failed", "object", objName, "method", method, "target", m.Set, "error", err)
		}
	}
}

// normaliseValues converts YAML integers to float64 so that values compare
// equal to JSON-decoded and rounded device values.
func normaliseValues(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		case uint64:
			out[k] = float64(n)
		default:
			out[k] = v
		}
	}
	return out
}
