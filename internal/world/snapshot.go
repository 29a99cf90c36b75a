package world

import (
	"fmt"

	"github.com/annel0/tileblend/internal/terrain"
	"github.com/annel0/tileblend/internal/vec"
)

// SnapshotFormat текущая версия формата снимка чанка
const SnapshotFormat = 1

// ChunkSnapshot плоское представление чанка для хранилища и API.
// Сетки развёрнуты по x: индекс x*size+y.
type ChunkSnapshot struct {
	Format   int      `json:"format"`
	Coords   vec.Vec2 `json:"coords"`
	Mode     EditMode `json:"mode"`
	Version  uint64   `json:"version"`
	Corners  []byte   `json:"corners"`
	Tiles    []byte   `json:"tiles"`
	Authored []byte   `json:"authored"` // 0/1 на тайл
}

// Snapshot копирует состояние чанка
func (c *Chunk) Snapshot() *ChunkSnapshot {
	c.Mu.RLock()
	defer c.Mu.RUnlock()

	s := &ChunkSnapshot{
		Format:   SnapshotFormat,
		Coords:   c.Coords,
		Mode:     c.Mode,
		Version:  c.Version,
		Corners:  make([]byte, CornerSize*CornerSize),
		Tiles:    make([]byte, ChunkSize*ChunkSize),
		Authored: make([]byte, ChunkSize*ChunkSize),
	}
	for x := 0; x < CornerSize; x++ {
		for y := 0; y < CornerSize; y++ {
			s.Corners[x*CornerSize+y] = c.Corners[x][y]
		}
	}
	for x := 0; x < ChunkSize; x++ {
		for y := 0; y < ChunkSize; y++ {
			s.Tiles[x*ChunkSize+y] = uint8(c.Tiles[x][y])
			if c.Authored[x][y] {
				s.Authored[x*ChunkSize+y] = 1
			}
		}
	}
	return s
}

// Restore собирает чанк из снимка. Не-авторские тайлы пересчитываются по углам.
func (s *ChunkSnapshot) Restore() (*Chunk, error) {
	if s.Format != SnapshotFormat {
		return nil, fmt.Errorf("snapshot format %d, want %d", s.Format, SnapshotFormat)
	}
	if !s.Mode.Valid() {
		return nil, fmt.Errorf("snapshot %v: %s: %w", s.Coords, s.Mode, ErrInvalidValue)
	}
	if len(s.Corners) != CornerSize*CornerSize || len(s.Tiles) != ChunkSize*ChunkSize || len(s.Authored) != ChunkSize*ChunkSize {
		return nil, fmt.Errorf("snapshot %v: bad grid sizes (%d corners, %d tiles, %d authored)",
			s.Coords, len(s.Corners), len(s.Tiles), len(s.Authored))
	}

	c := &Chunk{Coords: s.Coords, Mode: s.Mode, Version: s.Version}
	for x := 0; x < CornerSize; x++ {
		for y := 0; y < CornerSize; y++ {
			v := s.Corners[x*CornerSize+y]
			if !s.Mode.validValue(v) {
				return nil, fmt.Errorf("snapshot %v corner (%d,%d)=%d: %w", s.Coords, x, y, v, ErrInvalidValue)
			}
			c.Corners[x][y] = v
		}
	}
	for x := 0; x < ChunkSize; x++ {
		for y := 0; y < ChunkSize; y++ {
			t := terrain.TerrainID(s.Tiles[x*ChunkSize+y])
			if !t.Valid() {
				return nil, fmt.Errorf("snapshot %v tile (%d,%d)=%d: %w", s.Coords, x, y, uint8(t), ErrInvalidValue)
			}
			c.Tiles[x][y] = t
			c.Authored[x][y] = s.Authored[x*ChunkSize+y] != 0
		}
	}
	c.rederiveAllLocked()
	return c, nil
}
