package store

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"

	"github.com/google/uuid"

	"shipyard.ai/internal/sim/claim"
)

// Palette ids for the blocks ordinary generation produces.
const (
	Air uint16 = iota
	Dirt
	Grass
	Sand
	Stone
	Gravel
	Log
	CoalOre
	IronOre
	CopperOre
	CrystalOre
)

var blockNames = [...]string{
	Air:        "air",
	Dirt:       "dirt",
	Grass:      "grass",
	Sand:       "sand",
	Stone:      "stone",
	Gravel:     "gravel",
	Log:        "log",
	CoalOre:    "coal_ore",
	IronOre:    "iron_ore",
	CopperOre:  "copper_ore",
	CrystalOre: "crystal_ore",
}

// BlockName returns the palette name of b, or "block_<id>" for ids outside it.
func BlockName(b uint16) string {
	if int(b) < len(blockNames) {
		return blockNames[b]
	}
	return "block_" + strconv.Itoa(int(b))
}

// BlockByName is the inverse of BlockName for palette blocks.
func BlockByName(name string) (uint16, bool) {
	for id, n := range blockNames {
		if n == name {
			return uint16(id), true
		}
	}
	return 0, false
}

const cellArea = claim.CellSide * claim.CellSide

type Flags uint8

const (
	// FlagPopulated marks a cell generation must not touch again.
	FlagPopulated Flags = 1 << iota
	FlagLit
	// FlagClaimed marks a cell owned by a claimant rather than the ordinary grid.
	FlagClaimed
)

// TileEntity is opaque per-block state carried alongside a cell's blocks.
type TileEntity struct {
	LX   int    `json:"lx"`
	LZ   int    `json:"lz"`
	Kind string `json:"kind"`
	Data []byte `json:"data,omitempty"`
}

type Cell struct {
	Pos    claim.Cell
	Blocks []uint16 // len = 16*16, x fastest
	Tiles  map[int]TileEntity
	Flags  Flags
	Owner  uuid.UUID

	unsaved bool
	// tilesLost is set when the saved tiles could not be read; backends
	// must then leave their stored tiles alone.
	tilesLost bool
	rehash    bool
	hash      [32]byte
}

func newCell(pos claim.Cell) *Cell {
	return &Cell{
		Pos:    pos,
		Blocks: make([]uint16, cellArea),
		rehash: true,
	}
}

func index(x, z int) int {
	return x + z*claim.CellSide
}

func (c *Cell) Get(x, z int) uint16 {
	return c.Blocks[index(x, z)]
}

func (c *Cell) Set(x, z int, b uint16) {
	i := index(x, z)
	if c.Blocks[i] == b {
		return
	}
	c.Blocks[i] = b
	c.rehash = true
	c.unsaved = true
}

func (c *Cell) Tile(x, z int) (TileEntity, bool) {
	t, ok := c.Tiles[index(x, z)]
	return t, ok
}

func (c *Cell) SetTile(t TileEntity) {
	if c.Tiles == nil {
		c.Tiles = map[int]TileEntity{}
	}
	c.Tiles[index(t.LX, t.LZ)] = t
	c.unsaved = true
}

func (c *Cell) Has(f Flags) bool {
	return c.Flags&f == f
}

// MarkUnsaved schedules the cell for the next Flush.
func (c *Cell) MarkUnsaved() {
	c.unsaved = true
}

func (c *Cell) Unsaved() bool {
	return c.unsaved
}

// TilesLost reports that Tiles is not the saved tile set because it could
// not be read.
func (c *Cell) TilesLost() bool {
	return c.tilesLost
}

func (c *Cell) Digest() [32]byte {
	if c.rehash || c.hash == ([32]byte{}) {
		h := sha256.New()
		var tmp [2]byte
		for _, v := range c.Blocks {
			binary.LittleEndian.PutUint16(tmp[:], v)
			h.Write(tmp[:])
		}
		copy(c.hash[:], h.Sum(nil))
		c.rehash = false
	}
	return c.hash
}
