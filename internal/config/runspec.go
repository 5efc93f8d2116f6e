package config

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// RunSpec describes a research run seed file: the run identity plus the
// sources to attach before the job is enqueued.
type RunSpec struct {
	Tenant      string       `yaml:"tenant"`
	Name        string       `yaml:"name"`
	RequestedBy string       `yaml:"requested_by"`
	URLs        []string     `yaml:"urls"`
	PDFs        []string     `yaml:"pdfs"`
	Texts       []TextSource `yaml:"texts"`
	Lists       []string     `yaml:"lists"`
	Proposal    string       `yaml:"proposal"`
}

// TextSource is an inline text document in a run seed file.
type TextSource struct {
	Title   string `yaml:"title"`
	Content string `yaml:"content"`
}

// LoadRunSpec parses a run seed file.
func LoadRunSpec(path string) (*RunSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read run spec %s", path)
	}

	var spec RunSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, eris.Wrapf(err, "config: parse run spec %s", path)
	}

	if spec.Tenant == "" {
		return nil, eris.New("config: run spec: tenant is required")
	}
	if spec.Name == "" {
		return nil, eris.New("config: run spec: name is required")
	}
	if len(spec.URLs)+len(spec.PDFs)+len(spec.Texts)+len(spec.Lists) == 0 && spec.Proposal == "" {
		return nil, eris.New("config: run spec: at least one source is required")
	}

	return &spec, nil
}
