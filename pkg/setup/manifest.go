package setup

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ManifestPath is where the manifest lands on the instance.
const ManifestPath = "/tmp/studio/setup-manifest.yaml"

// Model is a weight file the setup pass downloads.
type Model struct {
	Name string `yaml:"name" mapstructure:"name"`
	URL  string `yaml:"url" mapstructure:"url"`
	// Dir is the folder under the server's models directory, e.g. "checkpoints".
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// Manifest describes what the setup script installs. It is rendered to YAML
// and uploaded before the script runs.
type Manifest struct {
	InstanceID    string  `yaml:"instance_id"`
	InstallDir    string  `yaml:"install_dir"`
	InferencePort int     `yaml:"inference_port"`
	Models        []Model `yaml:"models"`
}

// Render encodes the manifest with two-space indentation; the setup script
// reads model entries line by line and relies on that layout.
func (m Manifest) Render() ([]byte, error) {
	if m.InferencePort <= 0 {
		return nil, fmt.Errorf("manifest: inference port must be positive")
	}
	for _, model := range m.Models {
		if model.Name == "" || model.URL == "" || model.Dir == "" {
			return nil, fmt.Errorf("manifest: model entries need name, url and dir")
		}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
