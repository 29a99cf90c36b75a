package terrain

import (
	"fmt"
	"strings"
)

// TerrainID идентификатор типа поверхности, который видит рендер.
// Порядок перечисления используется как вторичный ключ сортировки при равной глубине.
type TerrainID uint8

const (
	DeepWater    TerrainID = iota // 0
	ShallowWater                  // 1
	Sand                          // 2
	SandLight                     // 3
	Grass                         // 4
	DirtLight                     // 5
	DirtWarm                      // 6
	Road                          // 7

	terrainCount
)

// depths приоритет поверхности: чем меньше, тем "фундаментальнее" слой.
// Вода самая глубокая, суша выше, дороги поверх всего.
var depths = [terrainCount]int{
	DeepWater:    0,
	ShallowWater: 10,
	Sand:         20,
	SandLight:    25,
	Grass:        30,
	DirtLight:    40,
	DirtWarm:     45,
	Road:         50,
}

var terrainNames = [terrainCount]string{
	DeepWater:    "deep_water",
	ShallowWater: "shallow_water",
	Sand:         "sand",
	SandLight:    "sand_light",
	Grass:        "grass",
	DirtLight:    "dirt_light",
	DirtWarm:     "dirt_warm",
	Road:         "road",
}

// Valid сообщает, входит ли значение в перечисление.
func (t TerrainID) Valid() bool {
	return t < terrainCount
}

// Depth возвращает приоритет поверхности. Для неизвестных значений берётся приоритет травы.
func (t TerrainID) Depth() int {
	if !t.Valid() {
		return depths[Grass]
	}
	return depths[t]
}

// String возвращает snake_case имя поверхности.
func (t TerrainID) String() string {
	if !t.Valid() {
		return fmt.Sprintf("terrain(%d)", uint8(t))
	}
	return terrainNames[t]
}

// MarshalText кодирует поверхность именем (JSON/YAML).
func (t TerrainID) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown terrain id %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText разбирает имя поверхности.
func (t *TerrainID) UnmarshalText(text []byte) error {
	id, err := ParseTerrainID(string(text))
	if err != nil {
		return err
	}
	*t = id
	return nil
}

// ParseTerrainID разбирает имя поверхности без учёта регистра.
func ParseTerrainID(name string) (TerrainID, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for id, n := range terrainNames {
		if n == key {
			return TerrainID(id), nil
		}
	}
	return 0, fmt.Errorf("unknown terrain %q", name)
}

// Less задаёт полный порядок: по глубине, при равенстве по порядку перечисления.
func Less(a, b TerrainID) bool {
	da, db := a.Depth(), b.Depth()
	if da != db {
		return da < db
	}
	return a < b
}

// AllTerrains возвращает все значения перечисления по порядку.
func AllTerrains() []TerrainID {
	out := make([]TerrainID, 0, terrainCount)
	for t := TerrainID(0); t < terrainCount; t++ {
		out = append(out, t)
	}
	return out
}

// BaseMode определяет способ выбора базового слоя тайла.
type BaseMode string

const (
	// BaseDepth: база это поверхность с наименьшей глубиной в окрестности.
	BaseDepth BaseMode = "depth"
	// BaseNW: база это поверхность северо-западного соседа.
	BaseNW BaseMode = "nw"
)

// ParseBaseMode разбирает режим; пустая строка означает BaseDepth.
func ParseBaseMode(s string) (BaseMode, error) {
	switch BaseMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", BaseDepth:
		return BaseDepth, nil
	case BaseNW:
		return BaseNW, nil
	default:
		return "", fmt.Errorf("unknown base mode %q", s)
	}
}
