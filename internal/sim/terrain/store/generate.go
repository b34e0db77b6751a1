package store

import (
	"shipyard.ai/internal/sim/claim"
	"shipyard.ai/internal/sim/terrain/gen"
)

type ore struct {
	block    uint16
	clusters gen.Clusters
}

// terrain is the generator for ordinary cells, derived once from Params.
type terrain struct {
	spawnClear int
	regions    gen.Regions
	// Checked in order: rarer ores win over common ones.
	ores     []ore
	forest   gen.Clusters
	desert   gen.Clusters
	plains   gen.Clusters
	sprinkle gen.Field
	stone    int
	dirt     int
}

func newTerrain(p Params) *terrain {
	f := gen.NewField(p.Seed)
	oreAt := func(salt uint64, block uint16, spacing, radius, permille int) ore {
		return ore{block: block, clusters: gen.Clusters{
			Field:    f.Salt(salt),
			Spacing:  spacing,
			Radius:   radius,
			Permille: gen.Scale(permille, p.OreClusterProbScalePermille),
		}}
	}
	stone := gen.Clamp(p.SprinkleStonePermille)
	return &terrain{
		spawnClear: p.SpawnClearRadius,
		regions:    gen.Regions{Field: f.Salt(1), Size: p.BiomeRegionSize},
		ores: []ore{
			oreAt(101, CrystalOre, 192, 2, 200),
			oreAt(102, IronOre, 128, 3, 450),
			oreAt(103, CopperOre, 128, 3, 450),
			oreAt(104, CoalOre, 64, 4, 650),
		},
		forest:   gen.Clusters{Field: f.Salt(201), Spacing: 48, Radius: 4, Permille: 450},
		desert:   gen.Clusters{Field: f.Salt(301), Spacing: 48, Radius: 3, Permille: 550},
		plains:   gen.Clusters{Field: f.Salt(401), Spacing: 48, Radius: 3, Permille: 400},
		sprinkle: f.Salt(999),
		stone:    stone,
		dirt:     min(stone+gen.Clamp(p.SprinkleDirtPermille), 1000),
	}
}

func (t *terrain) fill(c *Cell) {
	baseX := int(c.Pos.X) * claim.CellSide
	baseZ := int(c.Pos.Z) * claim.CellSide
	for z := 0; z < claim.CellSide; z++ {
		for x := 0; x < claim.CellSide; x++ {
			c.Blocks[index(x, z)] = t.blockAt(baseX+x, baseZ+z)
		}
	}
}

func (t *terrain) blockAt(x, z int) uint16 {
	if gen.InDisc(x, z, t.spawnClear) {
		return Air
	}
	for _, o := range t.ores {
		if o.clusters.Contains(x, z) {
			return o.block
		}
	}

	biome := t.regions.BiomeAt(x, z)
	switch {
	case biome == gen.Forest && t.forest.Contains(x, z):
		return Log
	case biome == gen.Desert && t.desert.Contains(x, z):
		return Sand
	case biome == gen.Plains && t.plains.Contains(x, z):
		return Dirt
	}

	switch roll := t.sprinkle.Permille(x, z); {
	case roll < t.stone:
		return Stone
	case roll < t.dirt:
		if biome == gen.Desert {
			return Sand
		}
		return Dirt
	}
	return Air
}
