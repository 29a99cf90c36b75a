package graph

import "github.com/annel0/tileblend/internal/terrain"

// biomePriority порядок разрешения ничьих (меньше → слабее).
// Суша выигрывает у воды и песка, густая растительность у травы.
var biomePriority = map[terrain.BiomeID]int{
	terrain.BiomeDeepWater:    0,
	terrain.BiomeShallowWater: 1,
	terrain.BiomeSand:         2,
	terrain.BiomeGrass:        3,
	terrain.BiomeForest:       4,
	terrain.BiomeDenseForest:  5,
}

// Priority возвращает приоритет биома при ничьей. Неизвестные значения слабее всех.
func Priority(b terrain.BiomeID) int {
	if p, ok := biomePriority[b]; ok {
		return p
	}
	return -1
}

// DeriveTerrainFromCorners выбирает биом тайла по четырём углам: единогласие,
// затем большинство, затем ничья среди лидеров по Priority.
// Результат зависит только от мультимножества углов.
func DeriveTerrainFromCorners(nw, ne, sw, se terrain.BiomeID) terrain.BiomeID {
	return plurality([4]terrain.BiomeID{nw, ne, sw, se}, func(a, b terrain.BiomeID) bool {
		pa, pb := Priority(a), Priority(b)
		if pa != pb {
			return pa > pb
		}
		return a > b
	})
}

// DeriveTerrainIDFromCorners то же для сетки углов в режиме поверхностей.
// Ничья решается в пользу большей глубины.
func DeriveTerrainIDFromCorners(nw, ne, sw, se terrain.TerrainID) terrain.TerrainID {
	return plurality([4]terrain.TerrainID{nw, ne, sw, se}, func(a, b terrain.TerrainID) bool {
		return terrain.Less(b, a)
	})
}

// plurality возвращает значение с наибольшим числом голосов; среди равных
// побеждает то, для которого stronger(x, остальные) истинно.
func plurality[T comparable](corners [4]T, stronger func(a, b T) bool) T {
	var (
		values [4]T
		counts [4]int
		n      int
	)
	for _, c := range corners {
		found := false
		for i := 0; i < n; i++ {
			if values[i] == c {
				counts[i]++
				found = true
				break
			}
		}
		if !found {
			values[n] = c
			counts[n] = 1
			n++
		}
	}

	best := 0
	for i := 1; i < n; i++ {
		switch {
		case counts[i] > counts[best]:
			best = i
		case counts[i] == counts[best] && stronger(values[i], values[best]):
			best = i
		}
	}
	return values[best]
}
