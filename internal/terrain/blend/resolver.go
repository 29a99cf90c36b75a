package blend

import (
	"sort"

	"github.com/annel0/tileblend/internal/terrain"
	"github.com/annel0/tileblend/internal/terrain/bitmask"
	"github.com/annel0/tileblend/internal/terrain/blob"
)

// Options неизменяемая конфигурация резолвера, передаётся при каждом вызове.
type Options struct {
	BaseMode terrain.BaseMode
}

// DefaultOptions режим по глубине.
func DefaultOptions() Options {
	return Options{BaseMode: terrain.BaseDepth}
}

// Neighborhood поверхность тайла и восьми его соседей. Север: меньший Y.
type Neighborhood struct {
	Center terrain.TerrainID `json:"center"`
	N      terrain.TerrainID `json:"n"`
	NE     terrain.TerrainID `json:"ne"`
	E      terrain.TerrainID `json:"e"`
	SE     terrain.TerrainID `json:"se"`
	S      terrain.TerrainID `json:"s"`
	SW     terrain.TerrainID `json:"sw"`
	W      terrain.TerrainID `json:"w"`
	NW     terrain.TerrainID `json:"nw"`
}

// Uniform окрестность, где все девять клеток одинаковы.
func Uniform(t terrain.TerrainID) Neighborhood {
	return Neighborhood{Center: t, N: t, NE: t, E: t, SE: t, S: t, SW: t, W: t, NW: t}
}

// cells порядок обнаружения: центр, затем по часовой стрелке от севера.
func (nb Neighborhood) cells() [9]terrain.TerrainID {
	return [9]terrain.TerrainID{nb.Center, nb.N, nb.NE, nb.E, nb.SE, nb.S, nb.SW, nb.W, nb.NW}
}

// Layer один слой перехода; слои рисуются поверх базы в порядке списка.
type Layer struct {
	Overlay terrain.TerrainID `json:"overlay"`
	Depth   int               `json:"depth"`
	Entry   Entry             `json:"entry"`
	RawMask bitmask.Mask      `json:"raw_mask"`
	Mask    bitmask.Mask      `json:"mask"`
	Col     int               `json:"col"`
	Row     int               `json:"row"`
}

// TileBlend результат для одного тайла.
type TileBlend struct {
	Base   terrain.TerrainID `json:"base"`
	Layers []Layer           `json:"layers,omitempty"`
}

// ComputeDirectMask выставляет бит для каждого соседа, совпадающего с target.
func ComputeDirectMask(n, ne, e, se, s, sw, w, nw, target terrain.TerrainID) bitmask.Mask {
	var m bitmask.Mask
	if n == target {
		m |= bitmask.N
	}
	if w == target {
		m |= bitmask.W
	}
	if e == target {
		m |= bitmask.E
	}
	if s == target {
		m |= bitmask.S
	}
	if nw == target {
		m |= bitmask.NW
	}
	if ne == target {
		m |= bitmask.NE
	}
	if sw == target {
		m |= bitmask.SW
	}
	if se == target {
		m |= bitmask.SE
	}
	return m
}

// DirectMask маска соседей окрестности, совпадающих с target.
func (nb Neighborhood) DirectMask(target terrain.TerrainID) bitmask.Mask {
	return ComputeDirectMask(nb.N, nb.NE, nb.E, nb.SE, nb.S, nb.SW, nb.W, nb.NW, target)
}

// ComputeTileBlend строит базу и упорядоченный список слоёв перехода.
// Функция чистая: читает только окрестность и реестр.
func ComputeTileBlend(nb Neighborhood, g *Graph, opts Options) TileBlend {
	distinct := distinctTerrains(nb)

	base := selectBase(nb, distinct, opts.BaseMode)
	if len(distinct) == 1 {
		return TileBlend{Base: base}
	}

	overlays := make([]terrain.TerrainID, 0, len(distinct)-1)
	for _, t := range distinct {
		if t != base {
			overlays = append(overlays, t)
		}
	}
	if opts.BaseMode != terrain.BaseNW {
		sort.SliceStable(overlays, func(i, j int) bool {
			return terrain.Less(overlays[i], overlays[j])
		})
	}

	var layers []Layer
	for _, overlay := range overlays {
		entry, ok := g.GetBlend(overlay, base)
		if !ok {
			continue
		}
		// Альфа-арт не проецируется на тайл чужой поверхности.
		if entry.IsAlpha && overlay != nb.Center {
			continue
		}

		raw := nb.DirectMask(overlay)
		canon := bitmask.Canonicalize(raw)
		if canon == 0 {
			continue
		}

		col, row := blob.GetSprite(raw)
		layers = append(layers, Layer{
			Overlay: overlay,
			Depth:   overlay.Depth(),
			Entry:   entry,
			RawMask: raw,
			Mask:    canon,
			Col:     col,
			Row:     row,
		})
	}

	sortLayers(layers, opts.BaseMode)
	return TileBlend{Base: base, Layers: layers}
}

func distinctTerrains(nb Neighborhood) []terrain.TerrainID {
	out := make([]terrain.TerrainID, 0, 9)
	for _, t := range nb.cells() {
		seen := false
		for _, d := range out {
			if d == t {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, t)
		}
	}
	return out
}

func selectBase(nb Neighborhood, distinct []terrain.TerrainID, mode terrain.BaseMode) terrain.TerrainID {
	if mode == terrain.BaseNW {
		return nb.NW
	}
	base := distinct[0]
	for _, t := range distinct[1:] {
		if terrain.Less(t, base) {
			base = t
		}
	}
	return base
}

// sortLayers: парные (непрозрачные) слои раньше альфа-слоёв; в режиме depth
// внутри каждой группы: по возрастанию глубины.
func sortLayers(layers []Layer, mode terrain.BaseMode) {
	sort.SliceStable(layers, func(i, j int) bool {
		ai, aj := layers[i].Entry.IsAlpha, layers[j].Entry.IsAlpha
		if ai != aj {
			return !ai
		}
		if mode == terrain.BaseNW {
			return false
		}
		return terrain.Less(layers[i].Overlay, layers[j].Overlay)
	})
}
