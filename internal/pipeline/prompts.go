package pipeline

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Prompts holds the instruction template of each stage
type Prompts struct {
	Generate string `yaml:"generate"`
	Refine   string `yaml:"refine"`
	Restyle  string `yaml:"restyle"`
	Enhance  string `yaml:"enhance"`
}

// promptData is the value stage templates are executed with
type promptData struct {
	Instructions string
	RegionCount  int
	Artifact     string
	SubmitURL    string
	FormID       string
	ProgressID   string
	Context      string
}

type templates map[Stage]*template.Template

// DefaultPrompts returns the embedded stage instructions
func DefaultPrompts() (*Prompts, error) {
	var p Prompts
	if err := yaml.Unmarshal(defaultPrompts, &p); err != nil {
		return nil, fmt.Errorf("failed to parse embedded prompts: %w", err)
	}
	return &p, nil
}

// LoadPrompts returns the embedded prompts overlaid with the non-empty
// entries of the YAML file at path. An empty path returns the defaults.
func LoadPrompts(path string) (*Prompts, error) {
	p, err := DefaultPrompts()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file: %w", err)
	}
	var override Prompts
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse prompts file %s: %w", path, err)
	}

	for dst, src := range map[*string]string{
		&p.Generate: override.Generate,
		&p.Refine:   override.Refine,
		&p.Restyle:  override.Restyle,
		&p.Enhance:  override.Enhance,
	} {
		if strings.TrimSpace(src) != "" {
			*dst = src
		}
	}
	return p, nil
}

func (p *Prompts) compile() (templates, error) {
	out := make(templates, 4)
	for stage, text := range map[Stage]string{
		StageGenerate: p.Generate,
		StageRefine:   p.Refine,
		StageRestyle:  p.Restyle,
		StageEnhance:  p.Enhance,
	} {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("prompt for stage %s is empty", stage)
		}
		tmpl, err := template.New(string(stage)).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("invalid prompt for stage %s: %w", stage, err)
		}
		out[stage] = tmpl
	}
	return out, nil
}

func (t templates) render(stage Stage, data promptData) (string, error) {
	var b strings.Builder
	if err := t[stage].Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", stage, err)
	}
	return b.String(), nil
}
