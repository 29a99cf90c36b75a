package world

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/annel0/tileblend/internal/terrain"
	"github.com/annel0/tileblend/internal/terrain/blend"
	"github.com/annel0/tileblend/internal/vec"
	"golang.org/x/sync/errgroup"
)

// ChunkBlend результат смешивания всех тайлов чанка
type ChunkBlend struct {
	Coords  vec.Vec2                              `json:"coords"`
	Version uint64                                `json:"version"`
	Stamp   uint64                                `json:"stamp"` // WindowStamp на момент расчёта
	Tiles   [ChunkSize][ChunkSize]blend.TileBlend `json:"tiles"` // Tiles[x][y]
}

// LayerCount общее число слоёв в чанке
func (cb *ChunkBlend) LayerCount() int {
	n := 0
	for x := range cb.Tiles {
		for y := range cb.Tiles[x] {
			n += len(cb.Tiles[x][y].Layers)
		}
	}
	return n
}

// window тайлы чанка с каймой в один тайл из соседних чанков.
// known[x][y] == false для каймы в незагруженных чанках.
type window struct {
	tiles [ChunkSize + 2][ChunkSize + 2]terrain.TerrainID
	known [ChunkSize + 2][ChunkSize + 2]bool
}

// WindowStamp отпечаток версий чанка и восьми соседей. Смешивание краевых
// тайлов зависит от соседей, поэтому ключ кеша строится по отпечатку, а не
// только по версии самого чанка. Загрузка или выгрузка соседа тоже меняет отпечаток.
func (wm *WorldManager) WindowStamp(coords vec.Vec2) (uint64, error) {
	if _, ok := wm.GetChunk(coords); !ok {
		return 0, fmt.Errorf("chunk %v: %w", coords, ErrChunkNotLoaded)
	}
	h := fnv.New64a()
	var buf [9]byte
	for _, n := range coords.Window() {
		c, ok := wm.GetChunk(n)
		buf[0] = 0
		binary.LittleEndian.PutUint64(buf[1:], 0)
		if ok {
			buf[0] = 1
			binary.LittleEndian.PutUint64(buf[1:], c.CurrentVersion())
		}
		h.Write(buf[:])
	}
	return h.Sum64(), nil
}

// snapshotWindow копирует тайлы под блокировками, чтобы смешивание шло без них
func (wm *WorldManager) snapshotWindow(coords vec.Vec2) (*window, uint64, error) {
	center, ok := wm.GetChunk(coords)
	if !ok {
		return nil, 0, fmt.Errorf("chunk %v: %w", coords, ErrChunkNotLoaded)
	}

	w := &window{}
	center.Mu.RLock()
	version := center.Version
	for x := 0; x < ChunkSize; x++ {
		for y := 0; y < ChunkSize; y++ {
			w.tiles[x+1][y+1] = center.Tiles[x][y]
			w.known[x+1][y+1] = true
		}
	}
	center.Mu.RUnlock()

	origin := coords.ChunkOrigin()
	for wx := 0; wx < ChunkSize+2; wx++ {
		for wy := 0; wy < ChunkSize+2; wy++ {
			if wx != 0 && wy != 0 && wx != ChunkSize+1 && wy != ChunkSize+1 {
				continue
			}
			if t, ok := wm.TileAt(origin.Offset(wx-1, wy-1)); ok {
				w.tiles[wx][wy] = t
				w.known[wx][wy] = true
			}
		}
	}
	return w, version, nil
}

// neighborhood окрестность тайла (x, y) чанка; неизвестные соседи равны центру
func (w *window) neighborhood(x, y int) blend.Neighborhood {
	cx, cy := x+1, y+1
	center := w.tiles[cx][cy]
	at := func(dx, dy int) terrain.TerrainID {
		if w.known[cx+dx][cy+dy] {
			return w.tiles[cx+dx][cy+dy]
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
	}
}

// ComputeChunkBlend вычисляет смешивание всех тайлов чанка
func (wm *WorldManager) ComputeChunkBlend(coords vec.Vec2, g *blend.Graph, opts blend.Options) (*ChunkBlend, error) {
	// Отпечаток снимается до копирования: данные могут оказаться новее
	// отпечатка, но никогда не старее.
	stamp, err := wm.WindowStamp(coords)
	if err != nil {
		return nil, err
	}
	w, version, err := wm.snapshotWindow(coords)
	if err != nil {
		return nil, err
	}
	cb := &ChunkBlend{Coords: coords, Version: version, Stamp: stamp}
	for x := 0; x < ChunkSize; x++ {
		for y := 0; y < ChunkSize; y++ {
			cb.Tiles[x][y] = blend.ComputeTileBlend(w.neighborhood(x, y), g, opts)
		}
	}
	return cb, nil
}

// ComputeBlends считает смешивание нескольких чанков параллельно.
// workers <= 0: без ограничения. Результат не зависит от числа воркеров.
func (wm *WorldManager) ComputeBlends(ctx context.Context, coords []vec.Vec2, g *blend.Graph, opts blend.Options, workers int) (map[vec.Vec2]*ChunkBlend, error) {
	eg, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		eg.SetLimit(workers)
	}

	var mu sync.Mutex
	out := make(map[vec.Vec2]*ChunkBlend, len(coords))

	for _, c := range coords {
		c := c
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			cb, err := wm.ComputeChunkBlend(c, g, opts)
			if err != nil {
				return err
			}
			mu.Lock()
			out[c] = cb
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
