// Package blend держит реестр пар переходов и собирает слои тайла.
package blend

import (
	"fmt"
	"os"
	"sort"

	"github.com/annel0/tileblend/internal/terrain"
	"gopkg.in/yaml.v3"
)

// Entry ссылка на лист переходов для пары (overlay, base).
//
// IsAlpha означает арт с частичным покрытием: он рассчитан на то, что под ним уже
// лежит "родная" поверхность overlay, поэтому рисуется только на тайлах этой
// поверхности.
type Entry struct {
	SheetIndex int    `json:"sheet_index" yaml:"sheet_index"`
	SheetKey   string `json:"sheet_key" yaml:"sheet_key"`
	AssetPath  string `json:"asset_path" yaml:"asset_path"`
	IsAlpha    bool   `json:"is_alpha" yaml:"alpha"`
}

// Pair упорядоченная пара поверхностей.
type Pair struct {
	Overlay terrain.TerrainID `json:"overlay"`
	Base    terrain.TerrainID `json:"base"`
}

// Graph реестр пар. Заполняется один раз при старте; после этого только
// чтение, поэтому один экземпляр можно делить между горутинами.
type Graph struct {
	entries map[Pair]Entry
}

// NewGraph создаёт пустой реестр.
func NewGraph() *Graph {
	return &Graph{entries: make(map[Pair]Entry)}
}

// Register добавляет или заменяет запись для пары.
func (g *Graph) Register(overlay, base terrain.TerrainID, e Entry) {
	g.entries[Pair{Overlay: overlay, Base: base}] = e
}

// GetBlend ищет запись для пары. Отсутствие записи: штатная ситуация.
func (g *Graph) GetBlend(overlay, base terrain.TerrainID) (Entry, bool) {
	if g == nil {
		return Entry{}, false
	}
	e, ok := g.entries[Pair{Overlay: overlay, Base: base}]
	return e, ok
}

// Len количество зарегистрированных пар.
func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.entries)
}

// PairEntry пара вместе с записью, для выдачи наружу.
type PairEntry struct {
	Pair
	Entry
}

// Pairs возвращает все записи, отсортированные по (overlay, base).
func (g *Graph) Pairs() []PairEntry {
	if g == nil {
		return nil
	}
	out := make([]PairEntry, 0, len(g.entries))
	for p, e := range g.entries {
		out = append(out, PairEntry{Pair: p, Entry: e})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Overlay != out[j].Overlay {
			return out[i].Overlay < out[j].Overlay
		}
		return out[i].Base < out[j].Base
	})
	return out
}

// yamlPair плоское представление записи в файле ассетов.
type yamlPair struct {
	Overlay    string `yaml:"overlay"`
	Base       string `yaml:"base"`
	SheetIndex int    `yaml:"sheet_index"`
	SheetKey   string `yaml:"sheet_key"`
	AssetPath  string `yaml:"asset_path"`
	Alpha      bool   `yaml:"alpha"`
}

type yamlGraph struct {
	BaseMode string     `yaml:"base_mode"`
	Pairs    []yamlPair `yaml:"pairs"`
}

// ParseGraph разбирает YAML и возвращает реестр и режим выбора базы из файла.
func ParseGraph(data []byte) (*Graph, terrain.BaseMode, error) {
	var raw yamlGraph
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, "", fmt.Errorf("parse blend graph: %w", err)
	}

	mode, err := terrain.ParseBaseMode(raw.BaseMode)
	if err != nil {
		return nil, "", err
	}

	g := NewGraph()
	for i, p := range raw.Pairs {
		overlay, err := terrain.ParseTerrainID(p.Overlay)
		if err != nil {
			return nil, "", fmt.Errorf("pair %d: overlay: %w", i, err)
		}
		base, err := terrain.ParseTerrainID(p.Base)
		if err != nil {
			return nil, "", fmt.Errorf("pair %d: base: %w", i, err)
		}
		if overlay == base {
			return nil, "", fmt.Errorf("pair %d: overlay and base are both %s", i, overlay)
		}
		if _, dup := g.GetBlend(overlay, base); dup {
			return nil, "", fmt.Errorf("pair %d: duplicate pair %s/%s", i, overlay, base)
		}
		g.Register(overlay, base, Entry{
			SheetIndex: p.SheetIndex,
			SheetKey:   p.SheetKey,
			AssetPath:  p.AssetPath,
			IsAlpha:    p.Alpha,
		})
	}
	return g, mode, nil
}

// LoadGraph читает реестр из файла.
func LoadGraph(path string) (*Graph, terrain.BaseMode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read blend graph %s: %w", path, err)
	}
	return ParseGraph(data)
}
