package tuning

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"shipyard.ai/internal/sim/terrain/store"
)

type Tuning struct {
	WorldID string `yaml:"world_id" toml:"world_id"`
	Seed    int64  `yaml:"seed" toml:"seed"`

	TickRateHz     int `yaml:"tick_rate_hz" toml:"tick_rate_hz"`
	SaveEveryTicks int `yaml:"save_every_ticks" toml:"save_every_ticks"`
	LoopQueue      int `yaml:"loop_queue" toml:"loop_queue"`

	DefaultClaimRadius int32 `yaml:"default_claim_radius" toml:"default_claim_radius"`
	MaxClaimRadius     int32 `yaml:"max_claim_radius" toml:"max_claim_radius"`

	WorldGen WorldGen `yaml:"world_gen" toml:"world_gen"`
	Logging  Logging  `yaml:"logging" toml:"logging"`
	Observer Observer `yaml:"observer" toml:"observer"`
}

type WorldGen struct {
	BiomeRegionSize             int `yaml:"biome_region_size" toml:"biome_region_size"`
	SpawnClearRadius            int `yaml:"spawn_clear_radius" toml:"spawn_clear_radius"`
	OreClusterProbScalePermille int `yaml:"ore_cluster_prob_scale_permille" toml:"ore_cluster_prob_scale_permille"`
	SprinkleStonePermille       int `yaml:"sprinkle_stone_permille" toml:"sprinkle_stone_permille"`
	SprinkleDirtPermille        int `yaml:"sprinkle_dirt_permille" toml:"sprinkle_dirt_permille"`
}

type Logging struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "json" or "console"
}

type Observer struct {
	Listen string `yaml:"listen" toml:"listen"`
	// QueueSize bounds the per-subscriber outbound queue.
	QueueSize int `yaml:"queue_size" toml:"queue_size"`
}

func Defaults() Tuning {
	return Tuning{
		WorldID:            "shipyard-1",
		Seed:               1337,
		TickRateHz:         5,
		SaveEveryTicks:     3000,
		LoopQueue:          64,
		DefaultClaimRadius: 1,
		MaxClaimRadius:     8,
		WorldGen: WorldGen{
			BiomeRegionSize:             64,
			SpawnClearRadius:            6,
			OreClusterProbScalePermille: 1000,
			SprinkleStonePermille:       20,
			SprinkleDirtPermille:        20,
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
		Observer: Observer{
			Listen:    ":8080",
			QueueSize: 256,
		},
	}
}

// Load reads a YAML or TOML (by extension) file over Defaults and validates the result.
// StoreParams returns the terrain parameters for the shared world store.
func (t Tuning) StoreParams() store.Params {
	return store.Params{
		Seed:                        t.Seed,
		BiomeRegionSize:             t.WorldGen.BiomeRegionSize,
		SpawnClearRadius:            t.WorldGen.SpawnClearRadius,
		OreClusterProbScalePermille: t.WorldGen.OreClusterProbScalePermille,
		SprinkleStonePermille:       t.WorldGen.SprinkleStonePermille,
		SprinkleDirtPermille:        t.WorldGen.SprinkleDirtPermille,
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("read tuning %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(raw, &t)
	default:
		err = yaml.Unmarshal(raw, &t)
	}
	if err != nil {
		return t, fmt.Errorf("parse tuning %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning %s: %w", path, err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	if t.TickRateHz <= 0 {
		errs = append(errs, fmt.Errorf("tick_rate_hz must be > 0, got %d", t.TickRateHz))
	}
	if t.SaveEveryTicks < 0 {
		errs = append(errs, fmt.Errorf("save_every_ticks must be >= 0, got %d", t.SaveEveryTicks))
	}
	if t.DefaultClaimRadius < 0 || t.MaxClaimRadius < 0 {
		errs = append(errs, fmt.Errorf("claim radii must be >= 0, got default=%d max=%d", t.DefaultClaimRadius, t.MaxClaimRadius))
	}
	if t.DefaultClaimRadius > t.MaxClaimRadius {
		errs = append(errs, fmt.Errorf("default_claim_radius %d exceeds max_claim_radius %d", t.DefaultClaimRadius, t.MaxClaimRadius))
	}
	return errors.Join(errs...)
}
