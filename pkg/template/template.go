package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// TemplateType represents the type of app entry to generate
type TemplateType string

const (
	TypeWeb     TemplateType = "web"
	TypeWebapp  TemplateType = "webapp"
	TypeAPI     TemplateType = "api"
	TypeService TemplateType = "service"
	TypeWorker  TemplateType = "worker"
	TypePython  TemplateType = "python"
	TypeSimple  TemplateType = "simple"
	TypeBasic   TemplateType = "basic"
)

// AppTemplate is one entry of an ecosystem file's apps list.
type AppTemplate struct {
	Name             string            `json:"name" yaml:"name" toml:"name"`
	Cwd              string            `json:"cwd" yaml:"cwd" toml:"cwd"`
	Script           string            `json:"script" yaml:"script" toml:"script"`
	Args             []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Interpreter      string            `json:"interpreter,omitempty" yaml:"interpreter,omitempty" toml:"interpreter,omitempty"`
	Instances        int               `json:"instances,omitempty" yaml:"instances,omitempty" toml:"instances,omitempty"`
	AutoRestart      bool              `json:"autorestart" yaml:"autorestart" toml:"autorestart"`
	MaxMemoryRestart string            `json:"max_memory_restart,omitempty" yaml:"max_memory_restart,omitempty" toml:"max_memory_restart,omitempty"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	OutFile          string            `json:"out_file,omitempty" yaml:"out_file,omitempty" toml:"out_file,omitempty"`
	ErrorFile        string            `json:"error_file,omitempty" yaml:"error_file,omitempty" toml:"error_file,omitempty"`
	LogDateFormat    string            `json:"log_date_format,omitempty" yaml:"log_date_format,omitempty" toml:"log_date_format,omitempty"`
	MergeLogs        bool              `json:"merge_logs,omitempty" yaml:"merge_logs,omitempty" toml:"merge_logs,omitempty"`
	Time             bool              `json:"time,omitempty" yaml:"time,omitempty" toml:"time,omitempty"`
}

// Ecosystem is the document written by Render.
type Ecosystem struct {
	Apps []AppTemplate `json:"apps" yaml:"apps" toml:"apps"`
}

// Generator provides template generation functionality
type Generator struct {
	// Cwd is written into every generated app; "." when empty.
	Cwd string
}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{Cwd: "."}
}

// Generate creates an app entry based on the specified type and name
func (g *Generator) Generate(templateType TemplateType, name string) (*AppTemplate, error) {
	var t *AppTemplate
	switch templateType {
	case TypeWeb, TypeWebapp:
		t = g.generateWebTemplate(name)
	case TypeAPI, TypeService:
		t = g.generateAPITemplate(name)
	case TypeWorker:
		t = g.generateWorkerTemplate(name)
	case TypePython:
		t = g.generatePythonTemplate(name)
	case TypeSimple, TypeBasic:
		t = g.generateSimpleTemplate(name)
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: %s)", templateType, strings.Join(g.GetSupportedTypes(), ", "))
	}
	t.Cwd = g.Cwd
	if t.Cwd == "" {
		t.Cwd = "."
	}
	return t, nil
}

// Render encodes apps as an ecosystem file. format is json, yaml, yml or
// toml, or a file name whose extension selects one of them.
func (g *Generator) Render(format string, apps ...AppTemplate) ([]byte, error) {
	doc := Ecosystem{Apps: apps}
	switch f := normaliseFormat(format); f {
	case "json":
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal template: %w", err)
		}
		return append(data, '\n'), nil
	case "yaml":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to marshal template: %w", err)
		}
		_ = enc.Close()
		return buf.Bytes(), nil
	case "toml":
		data, err := toml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal template: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported format %q (supported: json, yaml, toml)", format)
	}
}

func normaliseFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	if ext := filepath.Ext(f); ext != "" {
		f = ext[1:]
	}
	if f == "yml" {
		f = "yaml"
	}
	return f
}

// GetSupportedTypes returns a list of all supported template types
func (g *Generator) GetSupportedTypes() []string {
	return []string{
		string(TypeWeb),
		string(TypeAPI),
		string(TypeWorker),
		string(TypePython),
		string(TypeSimple),
	}
}

// Helper functions to create specific templates

func (g *Generator) generateWebTemplate(name string) *AppTemplate {
	return &AppTemplate{
		Name:             name,
		Script:           "server.js",
		Interpreter:      "node",
		Instances:        2,
		AutoRestart:      true,
		MaxMemoryRestart: "512M",
		Env: map[string]string{
			"NODE_ENV": "production",
			"PORT":     "8000",
		},
		MergeLogs: true,
		Time:      true,
	}
}

func (g *Generator) generateAPITemplate(name string) *AppTemplate {
	return &AppTemplate{
		Name:             name,
		Script:           "./api-server",
		Args:             []string{"--port", "3000"},
		AutoRestart:      true,
		MaxMemoryRestart: "1G",
		Env: map[string]string{
			"LOG_LEVEL": "info",
		},
		Time: true,
	}
}

func (g *Generator) generateWorkerTemplate(name string) *AppTemplate {
	return &AppTemplate{
		Name:             name,
		Script:           "./worker",
		AutoRestart:      true,
		MaxMemoryRestart: "2G",
		Env: map[string]string{
			"WORKER_THREADS": "4",
		},
		LogDateFormat: "YYYY-MM-DD HH:mm:ss Z",
		Time:          true,
	}
}

func (g *Generator) generatePythonTemplate(name string) *AppTemplate {
	return &AppTemplate{
		Name:        name,
		Script:      "main.py",
		Interpreter: "python3",
		AutoRestart: true,
		Env: map[string]string{
			"PYTHONUNBUFFERED": "1",
		},
		Time: true,
	}
}

func (g *Generator) generateSimpleTemplate(name string) *AppTemplate {
	return &AppTemplate{
		Name:        name,
		Script:      "echo",
		Args:        []string{"Hello from " + name},
		AutoRestart: false,
	}
}
