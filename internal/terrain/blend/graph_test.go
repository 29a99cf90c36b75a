package blend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/annel0/tileblend/internal/terrain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleGraph = `
base_mode: nw
pairs:
  - overlay: shallow_water
    base: deep_water
    sheet_index: 1
    sheet_key: me-autotile-01
    asset_path: assets/tilesets/me-autotile-01.png
  - overlay: grass
    base: sand
    sheet_index: 4
    sheet_key: me-autotile-04
    asset_path: assets/tilesets/me-autotile-04.png
    alpha: true
`

func TestParseGraph(t *testing.T) {
	g, mode, err := ParseGraph([]byte(sampleGraph))
	require.NoError(t, err)
	assert.Equal(t, terrain.BaseNW, mode)
	assert.Equal(t, 2, g.Len())

	e, ok := g.GetBlend(terrain.Grass, terrain.Sand)
	require.True(t, ok)
	assert.True(t, e.IsAlpha)
	assert.Equal(t, 4, e.SheetIndex)
	assert.Equal(t, "me-autotile-04", e.SheetKey)

	// Пара упорядочена: обратного направления нет.
	_, ok = g.GetBlend(terrain.Sand, terrain.Grass)
	assert.False(t, ok)

	pairs := g.Pairs()
	require.Len(t, pairs, 2)
	assert.Equal(t, terrain.ShallowWater, pairs[0].Overlay)
	assert.Equal(t, terrain.Grass, pairs[1].Overlay)
}

func TestParseGraphErrors(t *testing.T) {
	cases := map[string]string{
		"unknown overlay": "pairs:\n  - overlay: lava\n    base: sand\n",
		"unknown base":    "pairs:\n  - overlay: sand\n    base: lava\n",
		"self pair":       "pairs:\n  - overlay: sand\n    base: sand\n",
		"duplicate":       "pairs:\n  - overlay: grass\n    base: sand\n  - overlay: grass\n    base: sand\n",
		"bad mode":        "base_mode: random\n",
		"bad yaml":        "pairs: [",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParseGraph([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blends.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleGraph), 0o644))

	g, _, err := LoadGraph(path)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())

	_, _, err = LoadGraph(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestShippedGraph(t *testing.T) {
	g, mode, err := LoadGraph(filepath.Join("..", "..", "..", "assets", "blends.yaml"))
	require.NoError(t, err)
	assert.Equal(t, terrain.BaseDepth, mode)
	assert.Equal(t, 10, g.Len())

	e, ok := g.GetBlend(terrain.Road, terrain.Grass)
	require.True(t, ok)
	assert.True(t, e.IsAlpha)
	_, ok = g.GetBlend(terrain.Grass, terrain.Road)
	assert.False(t, ok, "пары направленные")
}

func TestRegisterReplaces(t *testing.T) {
	g := NewGraph()
	g.Register(terrain.Road, terrain.Grass, Entry{SheetKey: "old"})
	g.Register(terrain.Road, terrain.Grass, Entry{SheetKey: "new"})
	e, ok := g.GetBlend(terrain.Road, terrain.Grass)
	require.True(t, ok)
	assert.Equal(t, "new", e.SheetKey)
	assert.Equal(t, 1, g.Len())
}
