package detect

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/templetwo/threshold-protocols/pkg/faults"
)

// Config mirrors the threshold configuration document:
//
//	metrics:
//	  - name: file_count
//	    threshold: 100
//	    enabled: true
type Config struct {
	Metrics []MetricConfig `yaml:"metrics"`
}

// MetricConfig configures one threshold.
type MetricConfig struct {
	Name        string  `yaml:"name"`
	Threshold   float64 `yaml:"threshold"`
	Enabled     bool    `yaml:"enabled"`
	Description string  `yaml:"description"`
}

// LoadConfig parses a threshold configuration document and applies it to
// the detector. Metric names may use dashes or underscores; unknown
// names fail the load.
func (d *Detector) LoadConfig(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("detect: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("detect: parse config: %w", err)
	}
	if len(cfg.Metrics) == 0 {
		return fmt.Errorf("detect: config declares no metrics: %w", faults.ErrInvalidArgument)
	}
	for _, mc := range cfg.Metrics {
		name := Metric(strings.ReplaceAll(mc.Name, "-", "_"))
		if err := d.SetThreshold(Threshold{
			Metric:      name,
			Limit:       mc.Threshold,
			Enabled:     mc.Enabled,
			Description: mc.Description,
		}); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfigFile loads a threshold configuration from disk.
func (d *Detector) LoadConfigFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("detect: open config: %w", err)
	}
	defer f.Close()
	return d.LoadConfig(f)
}
