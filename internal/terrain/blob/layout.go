// Package blob описывает раскладку 47 blob-форм на листе автотайлов 12x4
// и табличный поиск спрайта для любой из 256 масок.
package blob

import (
	"fmt"

	"github.com/annel0/tileblend/internal/terrain/bitmask"
)

// Размеры листа в ячейках.
const (
	SheetCols = 12
	SheetRows = 4
)

// Entry одна ячейка листа: каноническая маска и её позиция.
type Entry struct {
	Mask bitmask.Mask `json:"mask"`
	Col  int          `json:"col"`
	Row  int          `json:"row"`
}

// Cell позиция на листе.
type Cell struct {
	Col int `json:"col"`
	Row int `json:"row"`
}

var (
	// IslandCell изолированный тайл (маска 0).
	IslandCell = Cell{Col: 0, Row: 0}
	// CenterCell полностью окружённый тайл (маска 255).
	CenterCell = Cell{Col: 1, Row: 0}
	// UnusedCell единственная пустая ячейка листа.
	UnusedCell = Cell{Col: 11, Row: 3}
)

// layout подогнан под лист ME autotile. Строка 0 держит остров, центр и формы
// со всеми кардиналами, строки 1-2 углы и Т-образные формы, строка 3
// краевая с одиночными кардиналами и коридорами.
var layout = [bitmask.CanonicalCount]Entry{
	{0, 0, 0}, {255, 1, 0}, {15, 2, 0}, {31, 3, 0}, {47, 4, 0}, {79, 5, 0},
	{143, 6, 0}, {63, 7, 0}, {95, 8, 0}, {159, 9, 0}, {111, 10, 0}, {175, 11, 0},

	{207, 0, 1}, {127, 1, 1}, {191, 2, 1}, {223, 3, 1}, {239, 4, 1}, {3, 5, 1},
	{19, 6, 1}, {5, 7, 1}, {37, 8, 1}, {10, 9, 1}, {74, 10, 1}, {12, 11, 1},

	{140, 0, 2}, {7, 1, 2}, {23, 2, 2}, {39, 3, 2}, {55, 4, 2}, {11, 5, 2},
	{27, 6, 2}, {75, 7, 2}, {91, 8, 2}, {13, 9, 2}, {45, 10, 2}, {141, 11, 2},

	{1, 0, 3}, {2, 1, 3}, {4, 2, 3}, {8, 3, 3}, {6, 4, 3}, {9, 5, 3},
	{14, 6, 3}, {78, 7, 3}, {142, 8, 3}, {206, 9, 3}, {173, 10, 3},
}

// lookup[raw] = row*256 + col для канонической формы raw.
var lookup [256]uint16

func init() {
	lookup = buildLookup(layout[:])
}

// buildLookup собирает таблицу на 256 масок. Отсутствие канонической маски
// в раскладке: ошибка программиста, поэтому panic.
func buildLookup(entries []Entry) [256]uint16 {
	byMask := make(map[bitmask.Mask]Entry, len(entries))
	for _, e := range entries {
		byMask[e.Mask] = e
	}

	var out [256]uint16
	for raw := 0; raw < 256; raw++ {
		canon := bitmask.Canonicalize(bitmask.Mask(raw))
		e, ok := byMask[canon]
		if !ok {
			panic(fmt.Sprintf("blob: canonical mask %d (from raw %d) has no sheet cell", canon, raw))
		}
		out[raw] = uint16(e.Row)*256 + uint16(e.Col)
	}
	return out
}

// GetSprite возвращает позицию спрайта для произвольной маски.
func GetSprite(raw bitmask.Mask) (col, row int) {
	packed := lookup[raw]
	return int(packed & 0xFF), int(packed >> 8)
}

// CellFor то же, что GetSprite, но в виде Cell.
func CellFor(raw bitmask.Mask) Cell {
	col, row := GetSprite(raw)
	return Cell{Col: col, Row: row}
}

// Entries возвращает копию раскладки.
func Entries() []Entry {
	out := make([]Entry, len(layout))
	copy(out, layout[:])
	return out
}
