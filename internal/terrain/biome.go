package terrain

import (
	"fmt"
	"strings"
)

// BiomeID грубая классификация, с которой работает редактор углов.
type BiomeID uint8

const (
	BiomeDeepWater    BiomeID = iota // 0
	BiomeShallowWater                // 1
	BiomeSand                        // 2
	BiomeGrass                       // 3
	BiomeForest                      // 4
	BiomeDenseForest                 // 5

	biomeCount
)

var biomeNames = [biomeCount]string{
	BiomeDeepWater:    "deep_water",
	BiomeShallowWater: "shallow_water",
	BiomeSand:         "sand",
	BiomeGrass:        "grass",
	BiomeForest:       "forest",
	BiomeDenseForest:  "dense_forest",
}

// Valid сообщает, входит ли значение в перечисление.
func (b BiomeID) Valid() bool {
	return b < biomeCount
}

func (b BiomeID) String() string {
	if !b.Valid() {
		return fmt.Sprintf("biome(%d)", uint8(b))
	}
	return biomeNames[b]
}

// IsWater true для обоих водных биомов.
func (b BiomeID) IsWater() bool {
	return b == BiomeDeepWater || b == BiomeShallowWater
}

func (b BiomeID) MarshalText() ([]byte, error) {
	if !b.Valid() {
		return nil, fmt.Errorf("unknown biome id %d", uint8(b))
	}
	return []byte(b.String()), nil
}

func (b *BiomeID) UnmarshalText(text []byte) error {
	id, err := ParseBiomeID(string(text))
	if err != nil {
		return err
	}
	*b = id
	return nil
}

// ParseBiomeID разбирает имя биома без учёта регистра.
func ParseBiomeID(name string) (BiomeID, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for id, n := range biomeNames {
		if n == key {
			return BiomeID(id), nil
		}
	}
	return 0, fmt.Errorf("unknown biome %q", name)
}

// AllBiomes возвращает все биомы по порядку.
func AllBiomes() []BiomeID {
	out := make([]BiomeID, 0, biomeCount)
	for b := BiomeID(0); b < biomeCount; b++ {
		out = append(out, b)
	}
	return out
}

// BiomeToTerrain переводит биом редактора в поверхность рендера.
// Лес и густой лес на уровне поверхности становятся травой.
func BiomeToTerrain(b BiomeID) TerrainID {
	switch b {
	case BiomeDeepWater:
		return DeepWater
	case BiomeShallowWater:
		return ShallowWater
	case BiomeSand:
		return Sand
	case BiomeGrass, BiomeForest, BiomeDenseForest:
		return Grass
	default:
		return Grass
	}
}

// TerrainToBiome обратное преобразование; всё, чему нет пары, становится травой.
func TerrainToBiome(t TerrainID) BiomeID {
	switch t {
	case DeepWater:
		return BiomeDeepWater
	case ShallowWater:
		return BiomeShallowWater
	case Sand, SandLight:
		return BiomeSand
	case Grass:
		return BiomeGrass
	default:
		return BiomeGrass
	}
}
