package session

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every option recognised by the download core (spec §6).
// Durations are expressed in whole seconds in the YAML file to keep it
// human-editable, and converted to time.Duration by the BlockTimeout,
// ConnectTimeout and ChokePeriod accessors.
type Config struct {
	PipelineDepth    int `yaml:"pipeline_depth"`
	BlockTimeoutS    int `yaml:"block_timeout_s"`
	ConnectTimeoutS  int `yaml:"connect_timeout_s"`
	ChokePeriodS     int `yaml:"choke_period_s"`
	UnchokeBaseSlots int `yaml:"unchoke_base_slots"`
	OptimisticEvery  int `yaml:"optimistic_every"`
	DownloadDir      string `yaml:"download_dir"`
}

// DefaultConfig returns the §6 defaults.
func DefaultConfig() Config {
	return Config{
		PipelineDepth:    50,
		BlockTimeoutS:    10,
		ConnectTimeoutS:  5,
		ChokePeriodS:     10,
		UnchokeBaseSlots: 4,
		OptimisticEvery:  3,
		DownloadDir:      ".",
	}
}

// LoadConfig reads and parses a YAML config file, starting from the §6
// defaults so an omitted field keeps its default rather than zeroing out.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("session: reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("session: parsing config %q: %w", path, err)
	}
	return cfg, nil
}

func (c Config) BlockTimeout() time.Duration   { return time.Duration(c.BlockTimeoutS) * time.Second }
func (c Config) ConnectTimeout() time.Duration { return time.Duration(c.ConnectTimeoutS) * time.Second }
func (c Config) ChokePeriod() time.Duration    { return time.Duration(c.ChokePeriodS) * time.Second }
