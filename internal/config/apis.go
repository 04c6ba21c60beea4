package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/quote-monitor/internal/model"
)

// apisFile is the descriptor file document. JSON files parse too, since
// JSON is a YAML subset.
type apisFile struct {
	APIs []model.APIDescriptor `yaml:"apis"`
}

// LoadAPIs reads descriptors from path.
func LoadAPIs(path string) ([]model.APIDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read apis file %s", path)
	}
	var doc apisFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "config: parse apis file %s", path)
	}
	for i := range doc.APIs {
		if err := doc.APIs[i].Validate(); err != nil {
			return nil, eris.Wrapf(err, "config: apis file %s entry %d", path, i)
		}
	}
	return doc.APIs, nil
}

// Descriptors returns the inline descriptors followed by those from the
// descriptors file. A missing file is skipped; duplicate names are an error.
func (m MonitorConfig) Descriptors() ([]model.APIDescriptor, error) {
	out := make([]model.APIDescriptor, 0, len(m.APIs))
	out = append(out, m.APIs...)

	if m.APIsFile != "" {
		fromFile, err := LoadAPIs(m.APIsFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			out = append(out, fromFile...)
		}
	}

	seen := make(map[string]bool, len(out))
	for _, d := range out {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.Name] {
			return nil, eris.Errorf("config: duplicate api %q", d.Name)
		}
		seen[d.Name] = true
	}
	return out, nil
}
