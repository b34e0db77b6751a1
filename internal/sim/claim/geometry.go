// Package claim describes the square region of cells a claimant owns.
package claim

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
)

// CellSide is the number of fine-grained world units along one side of a cell.
const CellSide = 16

const cellShift = 4

var ErrInvalidGeometry = errors.New("invalid claim geometry")

// Cell is the coordinate of one cell on the 2D grid.
type Cell struct {
	X int32
	Z int32
}

func (c Cell) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Z)
}

// CellOf returns the cell containing a fine-grained world coordinate.
// The arithmetic shift floors toward negative infinity.
func CellOf(worldX, worldZ int32) Cell {
	return Cell{X: worldX >> cellShift, Z: worldZ >> cellShift}
}

// LocalOf returns the position of a world coordinate inside its cell.
func LocalOf(worldX, worldZ int32) (lx, lz int) {
	return int(worldX & (CellSide - 1)), int(worldZ & (CellSide - 1))
}

// Geometry is an immutable square claim: every cell within Radius of the
// center on both axes, bounds inclusive.
type Geometry struct {
	centerX int32
	centerZ int32
	radius  int32
}

func New(centerX, centerZ, radius int32) (Geometry, error) {
	if radius < 0 {
		return Geometry{}, fmt.Errorf("%w: negative radius %d", ErrInvalidGeometry, radius)
	}
	lo, hi := int64(math.MinInt32), int64(math.MaxInt32)
	r := int64(radius)
	if int64(centerX)-r < lo || int64(centerX)+r > hi || int64(centerZ)-r < lo || int64(centerZ)+r > hi {
		return Geometry{}, fmt.Errorf("%w: bounds of %d:%d:%d overflow int32", ErrInvalidGeometry, centerX, centerZ, radius)
	}
	return Geometry{centerX: centerX, centerZ: centerZ, radius: radius}, nil
}

func (g Geometry) CenterX() int32 { return g.centerX }
func (g Geometry) CenterZ() int32 { return g.centerZ }
func (g Geometry) Radius() int32  { return g.radius }

func (g Geometry) MinX() int32 { return g.centerX - g.radius }
func (g Geometry) MaxX() int32 { return g.centerX + g.radius }
func (g Geometry) MinZ() int32 { return g.centerZ - g.radius }
func (g Geometry) MaxZ() int32 { return g.centerZ + g.radius }

// Dimension is the number of cells along one side.
func (g Geometry) Dimension() int {
	return int(g.radius)*2 + 1
}

func (g Geometry) LengthX() int { return int(g.MaxX()) - int(g.MinX()) + 1 }
func (g Geometry) LengthZ() int { return int(g.MaxZ()) - int(g.MinZ()) + 1 }

// Count is the total number of cells covered.
func (g Geometry) Count() int {
	d := g.Dimension()
	return d * d
}

func (g Geometry) ContainsCell(x, z int32) bool {
	return x >= g.MinX() && x <= g.MaxX() && z >= g.MinZ() && z <= g.MaxZ()
}

func (g Geometry) Contains(c Cell) bool {
	return g.ContainsCell(c.X, c.Z)
}

// ContainsPoint reports whether the cell holding a fine-grained world
// coordinate lies inside the claim.
func (g Geometry) ContainsPoint(worldX, worldZ int32) bool {
	return g.Contains(CellOf(worldX, worldZ))
}

// ToRelative translates absolute cell coordinates into claim-relative ones.
// No bounds check is performed.
func (g Geometry) ToRelative(x, z int32) (rx, rz int32) {
	return x - g.MinX(), z - g.MinZ()
}

func (g Geometry) ToAbsolute(rx, rz int32) (x, z int32) {
	return rx + g.MinX(), rz + g.MinZ()
}

// Overlaps reports whether the two claims share at least one cell.
func (g Geometry) Overlaps(o Geometry) bool {
	return g.MinX() <= o.MaxX() && o.MinX() <= g.MaxX() && g.MinZ() <= o.MaxZ() && o.MinZ() <= g.MaxZ()
}

// Cells yields every covered cell, x fastest then z. Each call starts over.
func (g Geometry) Cells() iter.Seq[Cell] {
	return func(yield func(Cell) bool) {
		d := g.Dimension()
		minX, minZ := g.MinX(), g.MinZ()
		for i := 0; i < d*d; i++ {
			c := Cell{X: minX + int32(i%d), Z: minZ + int32(i/d)}
			if !yield(c) {
				return
			}
		}
	}
}

// CenterPoint is the fine-grained world coordinate of the claim's center cell origin.
func (g Geometry) CenterPoint() (worldX, worldZ int64) {
	return int64(g.centerX) * CellSide, int64(g.centerZ) * CellSide
}

func (g Geometry) String() string {
	return fmt.Sprintf("%d:%d:%d", g.centerX, g.centerZ, g.radius)
}

// Fields is the persisted form of a Geometry.
type Fields struct {
	CenterX int32 `json:"centerX" yaml:"centerX"`
	CenterZ int32 `json:"centerZ" yaml:"centerZ"`
	Radius  int32 `json:"radius" yaml:"radius"`
}

func (g Geometry) Fields() Fields {
	return Fields{CenterX: g.centerX, CenterZ: g.centerZ, Radius: g.radius}
}

func FromFields(f Fields) (Geometry, error) {
	return New(f.CenterX, f.CenterZ, f.Radius)
}

func (g Geometry) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Fields())
}

func (g *Geometry) UnmarshalJSON(b []byte) error {
	var f Fields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	v, err := FromFields(f)
	if err != nil {
		return err
	}
	*g = v
	return nil
}
