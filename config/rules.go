package config

import (
	"fmt"
	"os"

	"fulfillment-service/internal/models"

	"gopkg.in/yaml.v3"
)

// RulesFile is the optional YAML override for the delivery rule tables
type RulesFile struct {
	SLAMinutes  map[string]int    `yaml:"sla_minutes"`
	Progress    map[string]int    `yaml:"progress"`
	Labels      map[string]string `yaml:"labels"`
	TemplateETA string            `yaml:"template_eta"`
	MaxRetries  *int              `yaml:"max_retries"`
}

// LoadRules reads a rules file and merges it into cfg. Keys absent from the file keep
// their current values.
func LoadRules(path string, cfg *DeliveryConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read rules file: %w", err)
	}
	return ApplyRules(data, cfg)
}

// ApplyRules merges YAML rule data into cfg
func ApplyRules(data []byte, cfg *DeliveryConfig) error {
	var rf RulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("failed to parse rules file: %w", err)
	}

	if cfg.SLAMinutes == nil {
		cfg.SLAMinutes = make(map[models.ProductType]int)
	}
	for k, v := range rf.SLAMinutes {
		if v < 0 {
			return fmt.Errorf("negative sla_minutes for %s", k)
		}
		cfg.SLAMinutes[models.ProductType(k)] = v
	}

	if cfg.Progress == nil {
		cfg.Progress = DefaultProgress()
	}
	for k, v := range rf.Progress {
		if v < 0 || v > 100 {
			return fmt.Errorf("progress for %s out of range: %d", k, v)
		}
		cfg.Progress[models.DeliveryState(k)] = v
	}

	if cfg.Labels == nil {
		cfg.Labels = DefaultLabels()
	}
	for k, v := range rf.Labels {
		cfg.Labels[models.DeliveryState(k)] = v
	}

	if rf.TemplateETA != "" {
		cfg.TemplateETA = rf.TemplateETA
	}
	if rf.MaxRetries != nil {
		cfg.MaxRetries = *rf.MaxRetries
	}
	return nil
}
