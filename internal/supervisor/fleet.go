package supervisor

import (
	"fmt"
	"os"
	"validation-backend/internal/core/types"

	"gopkg.in/yaml.v2"
)

type WorkerSpec struct {
	Name        string   `yaml:"name"`
	Queues      []string `yaml:"queues"`
	Concurrency int      `yaml:"concurrency"`
}

type fleetFile struct {
	Workers []WorkerSpec `yaml:"workers"`
}

func (s WorkerSpec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("worker name is required")
	}
	if s.Concurrency < 1 {
		return fmt.Errorf("worker %s: concurrency must be positive, got %d", s.Name, s.Concurrency)
	}
	if len(s.Queues) == 0 {
		return fmt.Errorf("worker %s: at least one queue is required", s.Name)
	}
	for _, q := range s.Queues {
		if !types.IsKnownQueue(q) {
			return fmt.Errorf("worker %s: unknown queue '%s'", s.Name, q)
		}
	}
	return nil
}

// LoadFleet reads worker specs from a YAML file of the form
//
//	workers:
//	  - name: validation
//	    queues: [validation_queue, priority_queue]
//	    concurrency: 2
func LoadFleet(path string) ([]WorkerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading fleet file: %w", err)
	}
	return ParseFleet(data)
}

func ParseFleet(data []byte) ([]WorkerSpec, error) {
	var fleet fleetFile
	if err := yaml.UnmarshalStrict(data, &fleet); err != nil {
		return nil, fmt.Errorf("error parsing fleet file: %w", err)
	}
	if len(fleet.Workers) == 0 {
		return nil, fmt.Errorf("fleet file defines no workers")
	}

	seen := make(map[string]bool)
	for i := range fleet.Workers {
		if fleet.Workers[i].Concurrency == 0 {
			fleet.Workers[i].Concurrency = 1
		}
		if err := fleet.Workers[i].validate(); err != nil {
			return nil, err
		}
		if seen[fleet.Workers[i].Name] {
			return nil, fmt.Errorf("duplicate worker name '%s'", fleet.Workers[i].Name)
		}
		seen[fleet.Workers[i].Name] = true
	}
	return fleet.Workers, nil
}
