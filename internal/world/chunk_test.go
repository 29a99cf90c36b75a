package world

import (
	"encoding/json"
	"testing"

	"github.com/annel0/tileblend/internal/terrain"
	"github.com/annel0/tileblend/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChunkUniform(t *testing.T) {
	c := NewBiomeChunk(vec.Vec2{X: 2, Y: -1}, terrain.BiomeForest)

	assert.Equal(t, EditBiome, c.Mode)
	assert.Equal(t, terrain.BiomeForest, c.CornerBiome(16, 16))
	assert.Equal(t, terrain.Grass, c.CornerTerrain(0, 0), "лес на углах даёт траву")
	for x := 0; x < ChunkSize; x++ {
		for y := 0; y < ChunkSize; y++ {
			assert.Equal(t, terrain.Grass, c.Tile(vec.Vec2{X: x, Y: y}))
		}
	}
	assert.NoError(t, c.CheckConsistency())
	assert.Zero(t, c.CurrentVersion())
	assert.False(t, c.IsDirty())
}

func TestNewTerrainChunk(t *testing.T) {
	c := NewTerrainChunk(vec.Vec2{}, terrain.Road)
	assert.Equal(t, terrain.Road, c.Tile(vec.Vec2{X: 5, Y: 5}))
	assert.Equal(t, terrain.Road, c.CornerTerrain(3, 3))
	assert.Equal(t, terrain.BiomeGrass, c.CornerBiome(3, 3))
}

func TestParseEditMode(t *testing.T) {
	m, err := ParseEditMode("")
	require.NoError(t, err)
	assert.Equal(t, EditBiome, m)

	m, err = ParseEditMode(" Terrain ")
	require.NoError(t, err)
	assert.Equal(t, EditTerrain, m)

	_, err = ParseEditMode("voxel")
	assert.Error(t, err)

	data, err := json.Marshal(EditTerrain)
	require.NoError(t, err)
	assert.JSONEq(t, `"terrain"`, string(data))
}

func TestSnapshotRoundTrip(t *testing.T) {
	wm := NewWorldManager(EditBiome, terrain.BiomeGrass)
	c := wm.EnsureChunk(vec.Vec2{})
	_, err := wm.PaintBiome(vec.Vec2{X: 4, Y: 4}, terrain.BiomeSand)
	require.NoError(t, err)
	_, err = wm.SetTile(vec.Vec2{X: 10, Y: 10}, terrain.Road)
	require.NoError(t, err)

	snap := c.Snapshot()
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded ChunkSnapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	restored, err := decoded.Restore()
	require.NoError(t, err)

	assert.Equal(t, c.Corners, restored.Corners)
	assert.Equal(t, c.Tiles, restored.Tiles)
	assert.Equal(t, c.Authored, restored.Authored)
	assert.Equal(t, c.Version, restored.Version)
	assert.True(t, restored.IsAuthored(vec.Vec2{X: 10, Y: 10}))
	assert.NoError(t, restored.CheckConsistency())
}

func TestSnapshotRestoreRejectsGarbage(t *testing.T) {
	snap := NewBiomeChunk(vec.Vec2{}, terrain.BiomeGrass).Snapshot()

	bad := *snap
	bad.Format = 99
	_, err := bad.Restore()
	assert.Error(t, err, "неизвестная версия формата")

	bad = *snap
	bad.Tiles = bad.Tiles[:10]
	_, err = bad.Restore()
	assert.Error(t, err, "обрезанная сетка")

	bad = *snap
	bad.Corners = append([]byte(nil), snap.Corners...)
	bad.Corners[0] = 200
	_, err = bad.Restore()
	assert.ErrorIs(t, err, ErrInvalidValue)

	bad = *snap
	bad.Mode = EditMode(7)
	_, err = bad.Restore()
	assert.ErrorIs(t, err, ErrInvalidValue, "неизвестный режим")
	assert.NotErrorIs(t, err, ErrModeMismatch)
}
