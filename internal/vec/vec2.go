// Package vec целочисленные координаты тайлов, углов и чанков.
package vec

import (
	"fmt"
	"strconv"
	"strings"
)

// ChunkSize сторона чанка в тайлах.
const ChunkSize = 16

const chunkShift = 4 // log2(ChunkSize)

// Vec2 координаты тайла, угла или чанка.
type Vec2 struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ToChunkCoords чанк, которому принадлежит тайл (деление с округлением вниз).
func (v Vec2) ToChunkCoords() Vec2 {
	return Vec2{X: v.X >> chunkShift, Y: v.Y >> chunkShift}
}

// LocalInChunk координаты внутри чанка, 0..15 и для отрицательных.
func (v Vec2) LocalInChunk() Vec2 {
	return Vec2{X: v.X & (ChunkSize - 1), Y: v.Y & (ChunkSize - 1)}
}

// ChunkOrigin левый верхний тайл чанка.
func (v Vec2) ChunkOrigin() Vec2 {
	return Vec2{X: v.X << chunkShift, Y: v.Y << chunkShift}
}

func (v Vec2) Add(other Vec2) Vec2 {
	return Vec2{X: v.X + other.X, Y: v.Y + other.Y}
}

func (v Vec2) Offset(dx, dy int) Vec2 {
	return Vec2{X: v.X + dx, Y: v.Y + dy}
}

// Window окно 3x3 вокруг v построчно с севера, центр под индексом 4.
func (v Vec2) Window() [9]Vec2 {
	var out [9]Vec2
	i := 0
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			out[i] = v.Offset(dx, dy)
			i++
		}
	}
	return out
}

// Neighbors восемь соседей v в порядке Window без центра.
func (v Vec2) Neighbors() [8]Vec2 {
	w := v.Window()
	var out [8]Vec2
	copy(out[:4], w[:4])
	copy(out[4:], w[5:])
	return out
}

// Key строковый ключ "x:y" для хранилищ.
func (v Vec2) Key() string {
	return strconv.Itoa(v.X) + ":" + strconv.Itoa(v.Y)
}

// ParseKey разбирает ключ, записанный Key.
func ParseKey(s string) (Vec2, error) {
	xs, ys, ok := strings.Cut(s, ":")
	if !ok {
		return Vec2{}, fmt.Errorf("vec: bad key %q", s)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return Vec2{}, fmt.Errorf("vec: bad key %q: %w", s, err)
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return Vec2{}, fmt.Errorf("vec: bad key %q: %w", s, err)
	}
	return Vec2{X: x, Y: y}, nil
}

func (v Vec2) String() string {
	return fmt.Sprintf("(%d,%d)", v.X, v.Y)
}
