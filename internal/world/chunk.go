package world

import (
	"fmt"
	"strings"
	"sync"

	"github.com/annel0/tileblend/internal/terrain"
	"github.com/annel0/tileblend/internal/terrain/graph"
	"github.com/annel0/tileblend/internal/vec"
)

const (
	// ChunkSize сторона чанка в тайлах
	ChunkSize = vec.ChunkSize
	// CornerSize сторона сетки углов: углы лежат между тайлами, их на один больше
	CornerSize = ChunkSize + 1
)

// EditMode определяет, что хранится в сетке углов: биомы или поверхности.
type EditMode uint8

const (
	EditBiome EditMode = iota
	EditTerrain
)

func (m EditMode) String() string {
	switch m {
	case EditBiome:
		return "biome"
	case EditTerrain:
		return "terrain"
	default:
		return fmt.Sprintf("edit_mode(%d)", uint8(m))
	}
}

func (m EditMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *EditMode) UnmarshalText(text []byte) error {
	parsed, err := ParseEditMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseEditMode разбирает режим; пустая строка: biome.
func ParseEditMode(s string) (EditMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "biome":
		return EditBiome, nil
	case "terrain":
		return EditTerrain, nil
	default:
		return 0, fmt.Errorf("unknown edit mode %q", s)
	}
}

// Valid известен ли режим.
func (m EditMode) Valid() bool {
	return m == EditBiome || m == EditTerrain
}

// validValue проверяет, что значение угла допустимо для режима.
func (m EditMode) validValue(v uint8) bool {
	if m == EditTerrain {
		return terrain.TerrainID(v).Valid()
	}
	return terrain.BiomeID(v).Valid()
}

// asBiome приводит значение угла к биому (для правил соседства).
func (m EditMode) asBiome(v uint8) terrain.BiomeID {
	if m == EditTerrain {
		return terrain.TerrainToBiome(terrain.TerrainID(v))
	}
	return terrain.BiomeID(v)
}

// fromBiome приводит биом к значению угла режима.
func (m EditMode) fromBiome(b terrain.BiomeID) uint8 {
	if m == EditTerrain {
		return uint8(terrain.BiomeToTerrain(b))
	}
	return uint8(b)
}

// fromTerrain приводит поверхность к значению угла режима.
func (m EditMode) fromTerrain(t terrain.TerrainID) uint8 {
	if m == EditTerrain {
		return uint8(t)
	}
	return uint8(terrain.TerrainToBiome(t))
}

// derive вычисляет поверхность тайла по четырём углам.
func (m EditMode) derive(nw, ne, sw, se uint8) terrain.TerrainID {
	if m == EditTerrain {
		return graph.DeriveTerrainIDFromCorners(
			terrain.TerrainID(nw), terrain.TerrainID(ne), terrain.TerrainID(sw), terrain.TerrainID(se))
	}
	return terrain.BiomeToTerrain(graph.DeriveTerrainFromCorners(
		terrain.BiomeID(nw), terrain.BiomeID(ne), terrain.BiomeID(sw), terrain.BiomeID(se)))
}

// Chunk участок мира 16x16 тайлов с сеткой углов 17x17.
//
// Инвариант: каждый не-авторский тайл равен поверхности, выведенной из его
// четырёх углов. Авторские тайлы заданы напрямую через SetTile и сохраняют
// значение, пока их углы не перекрасят.
type Chunk struct {
	Coords vec.Vec2 // Координаты чанка в мире
	Mode   EditMode

	Tiles    [ChunkSize][ChunkSize]terrain.TerrainID // Tiles[x][y]
	Corners  [CornerSize][CornerSize]uint8           // Corners[x][y], BiomeID или TerrainID
	Authored [ChunkSize][ChunkSize]bool

	Version uint64 // Растёт при каждом изменении; ключ кеша смешивания
	Dirty   bool   // Есть несохранённые изменения

	Mu sync.RWMutex
}

// NewChunk создаёт чанк, все углы которого равны fill.
func NewChunk(coords vec.Vec2, mode EditMode, fill uint8) *Chunk {
	c := &Chunk{Coords: coords, Mode: mode}
	for x := 0; x < CornerSize; x++ {
		for y := 0; y < CornerSize; y++ {
			c.Corners[x][y] = fill
		}
	}
	c.rederiveAllLocked()
	return c
}

// NewBiomeChunk чанк в режиме биомов, залитый одним биомом.
func NewBiomeChunk(coords vec.Vec2, fill terrain.BiomeID) *Chunk {
	return NewChunk(coords, EditBiome, uint8(fill))
}

// NewTerrainChunk чанк в режиме поверхностей.
func NewTerrainChunk(coords vec.Vec2, fill terrain.TerrainID) *Chunk {
	return NewChunk(coords, EditTerrain, uint8(fill))
}

// Tile возвращает поверхность тайла по локальным координатам
func (c *Chunk) Tile(local vec.Vec2) terrain.TerrainID {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	return c.Tiles[local.X][local.Y]
}

// Corner возвращает сырое значение угла (0..16 по каждой оси)
func (c *Chunk) Corner(x, y int) uint8 {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	return c.Corners[x][y]
}

// CornerBiome значение угла как биом
func (c *Chunk) CornerBiome(x, y int) terrain.BiomeID {
	return c.Mode.asBiome(c.Corner(x, y))
}

// CornerTerrain значение угла как поверхность
func (c *Chunk) CornerTerrain(x, y int) terrain.TerrainID {
	v := c.Corner(x, y)
	if c.Mode == EditTerrain {
		return terrain.TerrainID(v)
	}
	return terrain.BiomeToTerrain(terrain.BiomeID(v))
}

// IsAuthored true, если тайл задан напрямую
func (c *Chunk) IsAuthored(local vec.Vec2) bool {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	return c.Authored[local.X][local.Y]
}

// CurrentVersion возвращает версию под блокировкой
func (c *Chunk) CurrentVersion() uint64 {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	return c.Version
}

// IsDirty есть ли несохранённые изменения
func (c *Chunk) IsDirty() bool {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	return c.Dirty
}

// MarkSaved сбрасывает флаг изменений, если с момента снимка версии
// savedVersion чанк не менялся.
func (c *Chunk) MarkSaved(savedVersion uint64) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if c.Version == savedVersion {
		c.Dirty = false
	}
}

// derivedLocked поверхность тайла по углам
func (c *Chunk) derivedLocked(x, y int) terrain.TerrainID {
	return c.Mode.derive(c.Corners[x][y], c.Corners[x+1][y], c.Corners[x][y+1], c.Corners[x+1][y+1])
}

// rederiveTileLocked пересчитывает тайл. force снимает авторский флаг.
func (c *Chunk) rederiveTileLocked(x, y int, force bool) bool {
	if c.Authored[x][y] && !force {
		return false
	}
	c.Authored[x][y] = false
	t := c.derivedLocked(x, y)
	if c.Tiles[x][y] == t {
		return false
	}
	c.Tiles[x][y] = t
	return true
}

func (c *Chunk) rederiveAllLocked() {
	for x := 0; x < ChunkSize; x++ {
		for y := 0; y < ChunkSize; y++ {
			c.rederiveTileLocked(x, y, false)
		}
	}
}

// touchLocked фиксирует изменение
func (c *Chunk) touchLocked() {
	c.Version++
	c.Dirty = true
}

// CheckConsistency проверяет инвариант тайлы/углы; nil если всё согласовано.
func (c *Chunk) CheckConsistency() error {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	for x := 0; x < ChunkSize; x++ {
		for y := 0; y < ChunkSize; y++ {
			if c.Authored[x][y] {
				continue
			}
			if want := c.derivedLocked(x, y); c.Tiles[x][y] != want {
				return fmt.Errorf("chunk %v tile (%d,%d): %s, corners give %s", c.Coords, x, y, c.Tiles[x][y], want)
			}
		}
	}
	return nil
}
