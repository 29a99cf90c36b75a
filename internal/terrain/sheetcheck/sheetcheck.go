// Package sheetcheck восстанавливает раскладку масок по картинке листа
// автотайлов и сверяет её с таблицей blob.
//
// Каждая ячейка сравнивается с ячейкой полного окружения (маска 255) в (1,0).
// Средняя середина стороны отличается от эталона, когда кардинального соседа
// нет; угол 4x4 отличается, когда нет диагонального. Пороги подбираются по
// наибольшему разрыву в распределении отличий, отдельно для сторон и углов.
package sheetcheck

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sort"

	"github.com/annel0/tileblend/internal/terrain/bitmask"
	"github.com/annel0/tileblend/internal/terrain/blob"
)

// TileSize сторона ячейки в пикселях.
const TileSize = 16

// transparentPenalty отличие прозрачного пикселя от любого цвета эталона.
const transparentPenalty = 10000

var (
	ErrSheetSize    = errors.New("sheetcheck: sheet is smaller than 12x4 tiles")
	ErrNoReference  = errors.New("sheetcheck: reference cell (1,0) is empty")
	errNoCandidates = errors.New("sheetcheck: no non-empty cells")
)

type region struct{ x, y, w, h int }

// Середины сторон без углов; порядок N, W, E, S.
var edgeRegions = [4]region{
	{3, 0, 10, 3},
	{0, 3, 3, 10},
	{13, 3, 3, 10},
	{3, 13, 10, 3},
}

// Углы 4x4; порядок NW, NE, SW, SE.
var cornerRegions = [4]region{
	{0, 0, 4, 4},
	{12, 0, 4, 4},
	{0, 12, 4, 4},
	{12, 12, 4, 4},
}

// CellReport разбор одной ячейки.
type CellReport struct {
	Cell    blob.Cell    `json:"cell"`
	Empty   bool         `json:"empty"`
	Mask    bitmask.Mask `json:"mask"`
	Edges   [4]float64   `json:"edges"`   // N, W, E, S
	Corners [4]float64   `json:"corners"` // NW, NE, SW, SE
}

// Report результат разбора листа.
type Report struct {
	Cells           []CellReport         `json:"cells"` // построчно
	EdgeThreshold   float64              `json:"edge_threshold"`
	CornerThreshold float64              `json:"corner_threshold"`
	Unused          []blob.Cell          `json:"unused"`
	Missing         []bitmask.Mask       `json:"missing,omitempty"`
	Unexpected      []bitmask.Mask       `json:"unexpected,omitempty"`
	Duplicated      map[bitmask.Mask]int `json:"duplicated,omitempty"`
}

// OK истинно, если на листе ровно 47 канонических масок без повторов.
func (r *Report) OK() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0 && len(r.Duplicated) == 0
}

// Layout восстановленная раскладка, отсортированная по маске.
func (r *Report) Layout() []blob.Entry {
	out := make([]blob.Entry, 0, len(r.Cells))
	for _, c := range r.Cells {
		if c.Empty {
			continue
		}
		out = append(out, blob.Entry{Mask: c.Mask, Col: c.Cell.Col, Row: c.Cell.Row})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Mask < out[j].Mask })
	return out
}

// Mismatch маска, найденная не в той ячейке.
type Mismatch struct {
	Mask     bitmask.Mask `json:"mask"`
	Expected blob.Cell    `json:"expected"`
	Actual   blob.Cell    `json:"actual"`
}

// Compare сверяет восстановленную раскладку с ожидаемой.
func (r *Report) Compare(expected []blob.Entry) []Mismatch {
	want := make(map[bitmask.Mask]blob.Cell, len(expected))
	for _, e := range expected {
		want[e.Mask] = blob.Cell{Col: e.Col, Row: e.Row}
	}
	var out []Mismatch
	for _, e := range r.Layout() {
		exp, ok := want[e.Mask]
		got := blob.Cell{Col: e.Col, Row: e.Row}
		if ok && exp != got {
			out = append(out, Mismatch{Mask: e.Mask, Expected: exp, Actual: got})
		}
	}
	return out
}

// Analyze разбирает лист 12x4 ячеек по 16 пикселей, начиная с левого верхнего угла.
func Analyze(img image.Image) (*Report, error) {
	b := img.Bounds()
	if b.Dx() < blob.SheetCols*TileSize || b.Dy() < blob.SheetRows*TileSize {
		return nil, fmt.Errorf("%w: got %dx%d", ErrSheetSize, b.Dx(), b.Dy())
	}

	cells := make([][]color.NRGBA, 0, blob.SheetCols*blob.SheetRows)
	for row := 0; row < blob.SheetRows; row++ {
		for col := 0; col < blob.SheetCols; col++ {
			cells = append(cells, readCell(img, b.Min.X+col*TileSize, b.Min.Y+row*TileSize))
		}
	}

	ref := cells[blob.CenterCell.Row*blob.SheetCols+blob.CenterCell.Col]
	if isEmpty(ref) {
		return nil, ErrNoReference
	}

	rep := &Report{Cells: make([]CellReport, len(cells))}
	var edgeDiffs, cornerDiffs []float64
	for i, px := range cells {
		cr := CellReport{Cell: blob.Cell{Col: i % blob.SheetCols, Row: i / blob.SheetCols}}
		if isEmpty(px) {
			cr.Empty = true
			rep.Unused = append(rep.Unused, cr.Cell)
			rep.Cells[i] = cr
			continue
		}
		for k, reg := range edgeRegions {
			cr.Edges[k] = regionDiff(px, ref, reg)
		}
		for k, reg := range cornerRegions {
			cr.Corners[k] = regionDiff(px, ref, reg)
		}
		edgeDiffs = append(edgeDiffs, cr.Edges[:]...)
		cornerDiffs = append(cornerDiffs, cr.Corners[:]...)
		rep.Cells[i] = cr
	}
	if len(edgeDiffs) == 0 {
		return nil, errNoCandidates
	}

	rep.EdgeThreshold = gapThreshold(edgeDiffs)
	rep.CornerThreshold = gapThreshold(cornerDiffs)

	for i := range rep.Cells {
		if !rep.Cells[i].Empty {
			rep.Cells[i].Mask = classify(&rep.Cells[i], rep.EdgeThreshold, rep.CornerThreshold)
		}
	}
	rep.validate()
	return rep, nil
}

func classify(cr *CellReport, edgeT, cornerT float64) bitmask.Mask {
	n := cr.Edges[0] < edgeT
	w := cr.Edges[1] < edgeT
	e := cr.Edges[2] < edgeT
	s := cr.Edges[3] < edgeT

	var m bitmask.Mask
	if n {
		m |= bitmask.N
	}
	if w {
		m |= bitmask.W
	}
	if e {
		m |= bitmask.E
	}
	if s {
		m |= bitmask.S
	}
	// Диагональ различима только при обоих соседних кардиналах.
	if n && w && cr.Corners[0] < cornerT {
		m |= bitmask.NW
	}
	if n && e && cr.Corners[1] < cornerT {
		m |= bitmask.NE
	}
	if s && w && cr.Corners[2] < cornerT {
		m |= bitmask.SW
	}
	if s && e && cr.Corners[3] < cornerT {
		m |= bitmask.SE
	}
	return m
}

func (r *Report) validate() {
	counts := make(map[bitmask.Mask]int)
	for _, c := range r.Cells {
		if !c.Empty {
			counts[c.Mask]++
		}
	}
	for _, m := range bitmask.CanonicalMasks() {
		if counts[m] == 0 {
			r.Missing = append(r.Missing, m)
		}
	}
	for m, n := range counts {
		if !bitmask.IsCanonical(m) {
			r.Unexpected = append(r.Unexpected, m)
		}
		if n > 1 {
			if r.Duplicated == nil {
				r.Duplicated = make(map[bitmask.Mask]int)
			}
			r.Duplicated[m] = n
		}
	}
	sort.Slice(r.Unexpected, func(i, j int) bool { return r.Unexpected[i] < r.Unexpected[j] })
}

// gapThreshold середина наибольшего разрыва в отсортированных значениях.
func gapThreshold(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	maxGap, gapIdx := 0.0, 0
	for i := 1; i < len(sorted); i++ {
		if gap := sorted[i] - sorted[i-1]; gap > maxGap {
			maxGap, gapIdx = gap, i
		}
	}
	if gapIdx > 0 {
		return (sorted[gapIdx-1] + sorted[gapIdx]) / 2
	}
	// Все значения равны: либо все совпадают с эталоном, либо все отличаются.
	if last := sorted[len(sorted)-1]; last > 0 {
		return last / 2
	}
	return 1
}

func readCell(img image.Image, x0, y0 int) []color.NRGBA {
	px := make([]color.NRGBA, 0, TileSize*TileSize)
	for dy := 0; dy < TileSize; dy++ {
		for dx := 0; dx < TileSize; dx++ {
			px = append(px, color.NRGBAModel.Convert(img.At(x0+dx, y0+dy)).(color.NRGBA))
		}
	}
	return px
}

func isEmpty(px []color.NRGBA) bool {
	for _, p := range px {
		if p.A >= 128 {
			return false
		}
	}
	return true
}

func regionDiff(px, ref []color.NRGBA, reg region) float64 {
	total := 0.0
	for dy := 0; dy < reg.h; dy++ {
		for dx := 0; dx < reg.w; dx++ {
			idx := (reg.y+dy)*TileSize + reg.x + dx
			if px[idx].A < 128 {
				total += transparentPenalty
				continue
			}
			total += colorDist(px[idx], ref[idx])
		}
	}
	return total / float64(reg.w*reg.h)
}

func colorDist(a, b color.NRGBA) float64 {
	dr := float64(a.R) - float64(b.R)
	dg := float64(a.G) - float64(b.G)
	db := float64(a.B) - float64(b.B)
	return dr*dr + dg*dg + db*db
}
