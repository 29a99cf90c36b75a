package world

import (
	"fmt"
	"sort"

	"github.com/annel0/tileblend/internal/terrain"
	"github.com/annel0/tileblend/internal/terrain/graph"
	"github.com/annel0/tileblend/internal/vec"
)

// EditResult что изменила одна правка. Все координаты мировые.
type EditResult struct {
	Chunks  []vec.Vec2 `json:"chunks"`  // Чанки, версия которых выросла
	Corners []vec.Vec2 `json:"corners"` // Углы с новым значением, включая починку соседства
	Tiles   []vec.Vec2 `json:"tiles"`   // Тайлы с новой поверхностью
}

// Empty true, если правка ничего не изменила
func (r *EditResult) Empty() bool {
	return len(r.Chunks) == 0
}

// tileOffsets тайлы, касающиеся угла; угол (x, y) это NW угол тайла (x, y)
var tileOffsets = [4]vec.Vec2{{X: -1, Y: -1}, {X: 0, Y: -1}, {X: -1, Y: 0}, {X: 0, Y: 0}}

// edit накапливает изменения одной правки
type edit struct {
	wm      *WorldManager
	chunks  map[vec.Vec2]struct{}
	corners map[vec.Vec2]struct{}
	tiles   map[vec.Vec2]struct{}
}

func newEdit(wm *WorldManager) *edit {
	return &edit{
		wm:      wm,
		chunks:  make(map[vec.Vec2]struct{}),
		corners: make(map[vec.Vec2]struct{}),
		tiles:   make(map[vec.Vec2]struct{}),
	}
}

// setCorner пишет значение во все загруженные копии угла
func (e *edit) setCorner(pos vec.Vec2, v uint8) bool {
	changed := false
	for _, cp := range cornerCopies(pos) {
		c, ok := e.wm.GetChunk(cp.chunk)
		if !ok {
			continue
		}
		c.Mu.Lock()
		if c.Corners[cp.x][cp.y] != v {
			c.Corners[cp.x][cp.y] = v
			e.chunks[cp.chunk] = struct{}{}
			changed = true
		}
		c.Mu.Unlock()
	}
	if changed {
		e.corners[pos] = struct{}{}
	}
	return changed
}

// repairAround чинит восемь соседних углов, которые не могут касаться value.
// Только для режима биомов.
func (e *edit) repairAround(pos vec.Vec2, value uint8) {
	if e.wm.mode != EditBiome {
		return
	}
	painted := terrain.BiomeID(value)
	for _, n := range pos.Neighbors() {
		cur, ok := e.wm.CornerAt(n)
		if !ok {
			continue
		}
		nb := terrain.BiomeID(cur)
		if graph.IsValidAdjacency(painted, nb) {
			continue
		}
		fix := graph.GetValidFallback(painted, nb)
		if !graph.IsValidAdjacency(painted, fix) {
			// Глубокая вода рядом с сушей: мелководье допустимо с любым биомом.
			fix = terrain.BiomeShallowWater
		}
		e.setCorner(n, uint8(fix))
	}
}

// rederive пересчитывает тайлы вокруг изменённых углов.
// force снимает авторский флаг с затронутых тайлов.
func (e *edit) rederive(force bool) {
	for pos := range e.corners {
		for _, off := range tileOffsets {
			tile := pos.Add(off)
			c, ok := e.wm.GetChunk(tile.ToChunkCoords())
			if !ok {
				continue
			}
			l := tile.LocalInChunk()
			c.Mu.Lock()
			wasAuthored := c.Authored[l.X][l.Y]
			if c.rederiveTileLocked(l.X, l.Y, force) {
				e.tiles[tile] = struct{}{}
				e.chunks[c.Coords] = struct{}{}
			} else if force && wasAuthored {
				e.chunks[c.Coords] = struct{}{}
			}
			c.Mu.Unlock()
		}
	}
}

// finish поднимает версии затронутых чанков и собирает результат
func (e *edit) finish() *EditResult {
	for coords := range e.chunks {
		if c, ok := e.wm.GetChunk(coords); ok {
			c.Mu.Lock()
			c.touchLocked()
			c.Mu.Unlock()
		}
	}
	return &EditResult{
		Chunks:  sortedPositions(e.chunks),
		Corners: sortedPositions(e.corners),
		Tiles:   sortedPositions(e.tiles),
	}
}

func sortedPositions(set map[vec.Vec2]struct{}) []vec.Vec2 {
	out := make([]vec.Vec2, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

// PaintCorner задаёт значение мирового угла pos (BiomeID или TerrainID по
// режиму мира). Обновляет все копии угла на границах чанков, в режиме биомов
// чинит соседние углы и пересчитывает затронутые тайлы. Авторский флаг
// затронутых тайлов снимается.
func (wm *WorldManager) PaintCorner(pos vec.Vec2, value uint8) (*EditResult, error) {
	if !wm.mode.validValue(value) {
		return nil, fmt.Errorf("corner %v value %d in %s mode: %w", pos, value, wm.mode, ErrInvalidValue)
	}

	wm.editMu.Lock()
	defer wm.editMu.Unlock()

	// Достаточно любого загруженного чанка, хранящего копию угла.
	if _, ok := wm.CornerAt(pos); !ok {
		return nil, fmt.Errorf("corner %v: %w", pos, ErrChunkNotLoaded)
	}

	e := newEdit(wm)
	e.setCorner(pos, value)
	e.repairAround(pos, value)
	e.rederive(true)
	return e.finish(), nil
}

// PaintBiome рисует биом в угол; в режиме terrain биом переводится в поверхность.
func (wm *WorldManager) PaintBiome(pos vec.Vec2, b terrain.BiomeID) (*EditResult, error) {
	if !b.Valid() {
		return nil, fmt.Errorf("biome %d: %w", uint8(b), ErrInvalidValue)
	}
	return wm.PaintCorner(pos, wm.mode.fromBiome(b))
}

// SetTile задаёт поверхность тайла напрямую. Тайл помечается авторским,
// его четыре угла получают соответствующее значение, соседние
// не-авторские тайлы пересчитываются.
func (wm *WorldManager) SetTile(pos vec.Vec2, t terrain.TerrainID) (*EditResult, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("tile %v terrain %d: %w", pos, uint8(t), ErrInvalidValue)
	}

	wm.editMu.Lock()
	defer wm.editMu.Unlock()

	c, ok := wm.GetChunk(pos.ToChunkCoords())
	if !ok {
		return nil, fmt.Errorf("tile %v: %w", pos, ErrChunkNotLoaded)
	}

	e := newEdit(wm)
	l := pos.LocalInChunk()
	c.Mu.Lock()
	if !c.Authored[l.X][l.Y] || c.Tiles[l.X][l.Y] != t {
		e.chunks[c.Coords] = struct{}{}
	}
	if c.Tiles[l.X][l.Y] != t {
		e.tiles[pos] = struct{}{}
	}
	c.Authored[l.X][l.Y] = true
	c.Tiles[l.X][l.Y] = t
	c.Mu.Unlock()

	v := wm.mode.fromTerrain(t)
	corners := [4]vec.Vec2{pos, pos.Add(vec.Vec2{X: 1}), pos.Add(vec.Vec2{Y: 1}), pos.Add(vec.Vec2{X: 1, Y: 1})}
	for _, cp := range corners {
		e.setCorner(cp, v)
	}
	for _, cp := range corners {
		e.repairAround(cp, v)
	}
	e.rederive(false)
	return e.finish(), nil
}
