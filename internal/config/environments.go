package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pi-agent/relay/model"
)

// environmentsFile is the YAML shape of RELAY_ENVIRONMENTS_FILE.
type environmentsFile struct {
	Environments []environmentSpec `yaml:"environments"`
}

type environmentSpec struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	SandboxType  string `yaml:"sandbox_type"`
	Image        string `yaml:"image"`
	WorkerURL    string `yaml:"worker_url"`
	SecretID     string `yaml:"secret_id"`
	ResourceTier string `yaml:"resource_tier"`
	Default      bool   `yaml:"default"`
}

// LoadEnvironments parses an environment template file. The templates
// are upserted into the store at startup so operators can version them
// alongside deployment config.
func LoadEnvironments(path string) ([]model.Environment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading environments file: %w", err)
	}

	var file environmentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing environments file: %w", err)
	}

	defaults := 0
	envs := make([]model.Environment, 0, len(file.Environments))
	for i, spec := range file.Environments {
		if spec.ID == "" {
			return nil, fmt.Errorf("environment %d: id is required", i)
		}
		if spec.Name == "" {
			return nil, fmt.Errorf("environment %q: name is required", spec.ID)
		}
		switch spec.SandboxType {
		case "mock", "docker", "cloudflare":
		default:
			return nil, fmt.Errorf("environment %q: unknown sandbox_type %q", spec.ID, spec.SandboxType)
		}
		if spec.Default {
			defaults++
		}
		envs = append(envs, model.Environment{
			ID:           spec.ID,
			Name:         spec.Name,
			SandboxType:  spec.SandboxType,
			Image:        spec.Image,
			WorkerURL:    spec.WorkerURL,
			SecretID:     spec.SecretID,
			ResourceTier: spec.ResourceTier,
			IsDefault:    spec.Default,
		})
	}
	if defaults > 1 {
		return nil, fmt.Errorf("environments file declares %d defaults, want at most one", defaults)
	}
	return envs, nil
}
