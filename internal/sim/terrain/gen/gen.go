// Package gen is the seeded noise behind ordinary, unclaimed terrain.
//
// Every value is a pure function of the seed and the world coordinate, so a
// cell generated on one host is identical on any other.
package gen

// Field is a 2D white-noise field. Distinct salts of the same seed are
// independent fields.
type Field struct {
	seed uint64
}

func NewField(seed int64) Field {
	return Field{seed: splitmix(uint64(seed))}
}

// Salt derives an independent field for one feature (an ore, a biome layer).
func (f Field) Salt(salt uint64) Field {
	return Field{seed: splitmix(f.seed ^ salt)}
}

// At returns the raw noise at (x, z).
func (f Field) At(x, z int) uint64 {
	packed := uint64(uint32(int32(x)))<<32 | uint64(uint32(int32(z)))
	return splitmix(f.seed ^ splitmix(packed))
}

// Permille returns the noise at (x, z) reduced to [0, 1000).
func (f Field) Permille(x, z int) int {
	return int(f.At(x, z) % 1000)
}

func splitmix(v uint64) uint64 {
	v += 0x9e3779b97f4a7c15
	v = (v ^ (v >> 30)) * 0xbf58476d1ce4e5b9
	v = (v ^ (v >> 27)) * 0x94d049bb133111eb
	return v ^ (v >> 31)
}

type Biome uint8

const (
	Plains Biome = iota
	Forest
	Desert
)

func (b Biome) String() string {
	switch b {
	case Forest:
		return "forest"
	case Desert:
		return "desert"
	default:
		return "plains"
	}
}

// Regions assigns one biome to every Size×Size square of world coordinates.
type Regions struct {
	Field Field
	Size  int
}

func (r Regions) BiomeAt(x, z int) Biome {
	size := max(r.Size, 1)
	return Biome(r.Field.At(floorDiv(x, size), floorDiv(z, size)) % 3)
}

// Clusters scatters round blobs of the given radius, at most one per
// Spacing×Spacing square. Permille is the chance a square holds a blob.
type Clusters struct {
	Field    Field
	Spacing  int
	Radius   int
	Permille int
}

func (c Clusters) Contains(x, z int) bool {
	if c.Spacing <= 0 || c.Radius <= 0 || c.Permille <= 0 {
		return false
	}
	sx, sz := floorDiv(x, c.Spacing), floorDiv(z, c.Spacing)
	// A blob centred in a neighbouring square can still reach (x, z).
	for nz := sz - 1; nz <= sz+1; nz++ {
		for nx := sx - 1; nx <= sx+1; nx++ {
			h := c.Field.At(nx, nz)
			if int(h%1000) >= c.Permille {
				continue
			}
			cx := nx*c.Spacing + int((h>>16)%uint64(c.Spacing))
			cz := nz*c.Spacing + int((h>>40)%uint64(c.Spacing))
			if InDisc(x-cx, z-cz, c.Radius) {
				return true
			}
		}
	}
	return false
}

// InDisc reports whether the offset (dx, dz) lies within radius of the origin.
// A non-positive radius is an empty disc.
func InDisc(dx, dz, radius int) bool {
	if radius <= 0 {
		return false
	}
	x, z, r := int64(dx), int64(dz), int64(radius)
	return x*x+z*z <= r*r
}

// Scale multiplies a per-mille chance by a per-mille factor, rounding to
// nearest and capping at 1000. A non-positive factor leaves p unchanged.
func Scale(p, factor int) int {
	if factor <= 0 {
		return Clamp(p)
	}
	return Clamp((p*factor + 500) / 1000)
}

// Clamp limits a per-mille value to [0, 1000].
func Clamp(p int) int {
	return min(max(p, 0), 1000)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && (a < 0) != (b < 0) {
		q--
	}
	return q
}
