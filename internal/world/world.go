package world

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/annel0/tileblend/internal/terrain"
	"github.com/annel0/tileblend/internal/terrain/blend"
	"github.com/annel0/tileblend/internal/vec"
)

var (
	// ErrChunkNotLoaded чанк не загружен в память
	ErrChunkNotLoaded = errors.New("chunk not loaded")
	// ErrOutOfBounds локальные координаты вне чанка
	ErrOutOfBounds = errors.New("coordinates out of bounds")
	// ErrInvalidValue значение угла или тайла не подходит к режиму
	ErrInvalidValue = errors.New("invalid corner value")
	// ErrModeMismatch чанк сохранён в другом режиме редактирования
	ErrModeMismatch = errors.New("edit mode mismatch")
)

// WorldManager хранит загруженные чанки и согласует общие углы между ними.
type WorldManager struct {
	chunks map[vec.Vec2]*Chunk
	mode   EditMode
	fill   uint8 // Значение углов новых чанков

	mu     sync.RWMutex // Карта чанков
	editMu sync.Mutex   // Правки выполняются строго по одной
}

// NewWorldManager создаёт пустой мир. Новые чанки заливаются defaultBiome
// (в режиме terrain соответствующей поверхностью).
func NewWorldManager(mode EditMode, defaultBiome terrain.BiomeID) *WorldManager {
	return &WorldManager{
		chunks: make(map[vec.Vec2]*Chunk),
		mode:   mode,
		fill:   mode.fromBiome(defaultBiome),
	}
}

// Mode режим редактирования мира
func (wm *WorldManager) Mode() EditMode {
	return wm.mode
}

// GetChunk возвращает загруженный чанк
func (wm *WorldManager) GetChunk(coords vec.Vec2) (*Chunk, bool) {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	c, ok := wm.chunks[coords]
	return c, ok
}

// EnsureChunk возвращает чанк, создавая его при отсутствии. Общие углы нового
// чанка берутся у уже загруженных соседей.
func (wm *WorldManager) EnsureChunk(coords vec.Vec2) *Chunk {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	if c, ok := wm.chunks[coords]; ok {
		return c
	}
	c := NewChunk(coords, wm.mode, wm.fill)
	wm.adoptSeamsLocked(c)
	wm.chunks[coords] = c
	return c
}

// AddChunk добавляет чанк (например, загруженный из хранилища).
// Существующий чанк с теми же координатами заменяется.
func (wm *WorldManager) AddChunk(c *Chunk) error {
	if c.Mode != wm.mode {
		return fmt.Errorf("chunk %v is %s, world is %s: %w", c.Coords, c.Mode, wm.mode, ErrModeMismatch)
	}
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.chunks[c.Coords] = c
	return nil
}

// RemoveChunk выгружает чанк из памяти
func (wm *WorldManager) RemoveChunk(coords vec.Vec2) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	delete(wm.chunks, coords)
}

// ChunkCoords координаты загруженных чанков в стабильном порядке
func (wm *WorldManager) ChunkCoords() []vec.Vec2 {
	wm.mu.RLock()
	out := make([]vec.Vec2, 0, len(wm.chunks))
	for c := range wm.chunks {
		out = append(out, c)
	}
	wm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

// DirtyChunks чанки с несохранёнными изменениями
func (wm *WorldManager) DirtyChunks() []*Chunk {
	var out []*Chunk
	for _, coords := range wm.ChunkCoords() {
		if c, ok := wm.GetChunk(coords); ok && c.IsDirty() {
			out = append(out, c)
		}
	}
	return out
}

// TileAt поверхность тайла по мировым координатам
func (wm *WorldManager) TileAt(pos vec.Vec2) (terrain.TerrainID, bool) {
	c, ok := wm.GetChunk(pos.ToChunkCoords())
	if !ok {
		return 0, false
	}
	return c.Tile(pos.LocalInChunk()), true
}

// Neighborhood окрестность 3x3 тайла. Соседи в незагруженных чанках
// читаются как сам центральный тайл.
func (wm *WorldManager) Neighborhood(pos vec.Vec2) (blend.Neighborhood, error) {
	center, ok := wm.TileAt(pos)
	if !ok {
		return blend.Neighborhood{}, fmt.Errorf("tile %v: %w", pos, ErrChunkNotLoaded)
	}
	at := func(dx, dy int) terrain.TerrainID {
		if t, ok := wm.TileAt(pos.Offset(dx, dy)); ok {
			return t
		}
		return center
	}
	return blend.Neighborhood{
		Center: center,
		N:      at(0, -1),
		NE:     at(1, -1),
		E:      at(1, 0),
		SE:     at(1, 1),
		S:      at(0, 1),
		SW:     at(-1, 1),
		W:      at(-1, 0),
		NW:     at(-1, -1),
	}, nil
}

// CornerAt значение угла по мировым координатам углов. Угол (x, y)
// это северо-западный угол тайла (x, y).
// Если владелец не загружен, читается копия у соседа.
func (wm *WorldManager) CornerAt(pos vec.Vec2) (uint8, bool) {
	for _, cp := range cornerCopies(pos) {
		if c, ok := wm.GetChunk(cp.chunk); ok {
			return c.Corner(cp.x, cp.y), true
		}
	}
	return 0, false
}

// cornerCopy место хранения угла в конкретном чанке
type cornerCopy struct {
	chunk vec.Vec2
	x, y  int
}

// cornerCopies все места, где хранится мировой угол pos: владелец и до трёх
// соседей слева и сверху, у которых этот угол лежит на правом или нижнем краю.
func cornerCopies(pos vec.Vec2) []cornerCopy {
	owner := pos.ToChunkCoords()
	local := pos.LocalInChunk()

	copies := []cornerCopy{{chunk: owner, x: local.X, y: local.Y}}
	if local.X == 0 {
		copies = append(copies, cornerCopy{chunk: owner.Add(vec.Vec2{X: -1}), x: ChunkSize, y: local.Y})
	}
	if local.Y == 0 {
		copies = append(copies, cornerCopy{chunk: owner.Add(vec.Vec2{Y: -1}), x: local.X, y: ChunkSize})
	}
	if local.X == 0 && local.Y == 0 {
		copies = append(copies, cornerCopy{chunk: owner.Add(vec.Vec2{X: -1, Y: -1}), x: ChunkSize, y: ChunkSize})
	}
	return copies
}

// CornerChunks координаты чанков, хранящих копию мирового угла pos.
func CornerChunks(pos vec.Vec2) []vec.Vec2 {
	copies := cornerCopies(pos)
	out := make([]vec.Vec2, len(copies))
	for i, cp := range copies {
		out[i] = cp.chunk
	}
	return out
}

// adoptSeamsLocked копирует в новый чанк углы общих границ загруженных
// соседей. Вызывается под wm.mu.
func (wm *WorldManager) adoptSeamsLocked(c *Chunk) {
	origin := c.Coords.ChunkOrigin()
	adopted := false
	for x := 0; x < CornerSize; x++ {
		for y := 0; y < CornerSize; y++ {
			if x != 0 && y != 0 && x != ChunkSize && y != ChunkSize {
				continue
			}
			pos := origin.Add(vec.Vec2{X: x, Y: y})
			for _, cp := range cornerCopies(pos) {
				if cp.chunk == c.Coords {
					continue
				}
				src, ok := wm.chunks[cp.chunk]
				if !ok {
					continue
				}
				src.Mu.RLock()
				v := src.Corners[cp.x][cp.y]
				src.Mu.RUnlock()
				c.Corners[x][y] = v
				adopted = true
				break
			}
		}
	}
	if adopted {
		c.rederiveAllLocked()
	}
}
