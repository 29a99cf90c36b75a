// Package graph задаёт правила соседства биомов и вывод поверхности тайла по углам.
package graph

import "github.com/annel0/tileblend/internal/terrain"

// IsValidAdjacency проверяет, могут ли два биома касаться друг друга.
// Глубокая вода граничит только с мелководьем и с собой: переход вода→суша
// всегда идёт через кольцо мелководья. Мелководье граничит со всем,
// сухопутные биомы: друг с другом.
func IsValidAdjacency(a, b terrain.BiomeID) bool {
	if a == b {
		return true
	}
	if a == terrain.BiomeDeepWater {
		return b == terrain.BiomeShallowWater
	}
	if b == terrain.BiomeDeepWater {
		return a == terrain.BiomeShallowWater
	}
	return true
}

// GetValidFallback возвращает биом, который можно поставить вместо neighbor
// рядом с current. Если пара допустима, neighbor возвращается без изменений.
// Отвергнутая глубокая вода заменяется мелководьем, всё прочее: травой.
func GetValidFallback(current, neighbor terrain.BiomeID) terrain.BiomeID {
	if IsValidAdjacency(current, neighbor) {
		return neighbor
	}
	if neighbor == terrain.BiomeDeepWater {
		return terrain.BiomeShallowWater
	}
	return terrain.BiomeGrass
}
