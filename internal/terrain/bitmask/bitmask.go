// Package bitmask содержит арифметику 8-соседних масок для blob-автотайлов.
//
// Бит выставлен, если сосед в этом направлении "такой же". Диагональный бит
// имеет смысл только при обоих прилегающих кардинальных битах; маска, где это
// выполняется, называется канонической. Из 256 масок канонических ровно 47.
package bitmask

// Mask 8-битная маска соседства.
type Mask uint8

const (
	N  Mask = 1
	W  Mask = 2
	E  Mask = 4
	S  Mask = 8
	NW Mask = 16
	NE Mask = 32
	SW Mask = 64
	SE Mask = 128

	Cardinals Mask = N | W | E | S
	Diagonals Mask = NW | NE | SW | SE
	Full      Mask = 255
)

// CanonicalCount количество канонических масок.
const CanonicalCount = 47

// diagonal описывает диагональный бит и два кардинала, которые его поддерживают.
type diagonal struct {
	bit  Mask
	need Mask
}

var diagonals = [4]diagonal{
	{NW, N | W},
	{NE, N | E},
	{SW, S | W},
	{SE, S | E},
}

// Has проверяет, выставлены ли все биты bits.
func (m Mask) Has(bits Mask) bool {
	return m&bits == bits
}

// Canonicalize оставляет кардиналы как есть и сбрасывает диагонали без опоры.
func Canonicalize(m Mask) Mask {
	out := m & Cardinals
	for _, d := range diagonals {
		if m&d.bit != 0 && m.Has(d.need) {
			out |= d.bit
		}
	}
	return out
}

// IsCanonical true, если Canonicalize(m) == m.
func IsCanonical(m Mask) bool {
	return Canonicalize(m) == m
}

// Convexify включает каждую диагональ, у которой выставлены оба кардинала,
// независимо от исходного значения бита.
func Convexify(m Mask) Mask {
	out := m & Cardinals
	for _, d := range diagonals {
		if m.Has(d.need) {
			out |= d.bit
		}
	}
	return out
}

// ComputeCornerMask строит маску по четырём углам тайла в режиме AND:
// кардинал выставлен, только если совпадают оба угла этого ребра.
// Даёт не более 10 выпуклых форм.
func ComputeCornerMask(nw, ne, sw, se bool) Mask {
	return fromEdges(nw && ne, nw && sw, ne && se, sw && se, nw, ne, sw, se)
}

// ComputeBlendMask строит маску в режиме OR: кардинал выставлен, если совпадает
// хотя бы один угол ребра. Только так получаются вогнутые формы.
func ComputeBlendMask(nw, ne, sw, se bool) Mask {
	return fromEdges(nw || ne, nw || sw, ne || se, sw || se, nw, ne, sw, se)
}

func fromEdges(n, w, e, s, nw, ne, sw, se bool) Mask {
	var m Mask
	if n {
		m |= N
	}
	if w {
		m |= W
	}
	if e {
		m |= E
	}
	if s {
		m |= S
	}
	if n && w && nw {
		m |= NW
	}
	if n && e && ne {
		m |= NE
	}
	if s && w && sw {
		m |= SW
	}
	if s && e && se {
		m |= SE
	}
	return Canonicalize(m)
}

// CanonicalMasks возвращает все 47 канонических масок по возрастанию.
func CanonicalMasks() []Mask {
	out := make([]Mask, 0, CanonicalCount)
	for i := 0; i < 256; i++ {
		if IsCanonical(Mask(i)) {
			out = append(out, Mask(i))
		}
	}
	return out
}
