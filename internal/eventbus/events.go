package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/annel0/tileblend/internal/vec"
	"github.com/google/uuid"
)

// ErrBusClosed шина закрыта
var ErrBusClosed = errors.New("event bus closed")

const (
	// EventTerrainEdited правка углов или тайлов мира
	EventTerrainEdited = "TerrainEdited"

	terrainEditedVersion = 1
)

// ChunkVersion версия чанка после правки
type ChunkVersion struct {
	Coords  vec.Vec2 `json:"coords"`
	Version uint64   `json:"version"`
}

// TerrainEdited полезная нагрузка события EventTerrainEdited.
type TerrainEdited struct {
	Kind     string         `json:"kind"` // corner | tile | reset
	Position vec.Vec2       `json:"position"`
	Value    string         `json:"value"` // Имя биома или поверхности
	Chunks   []ChunkVersion `json:"chunks"`
	Corners  int            `json:"corners_changed"`
	Tiles    int            `json:"tiles_changed"`
	Actor    string         `json:"actor,omitempty"`
}

// NewTerrainEditedEnvelope упаковывает правку в конверт с новым UUID.
func NewTerrainEditedEnvelope(source, correlationID string, ev TerrainEdited) (*Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", EventTerrainEdited, err)
	}
	return &Envelope{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Source:        source,
		EventType:     EventTerrainEdited,
		Version:       terrainEditedVersion,
		CorrelationID: correlationID,
		Priority:      5, // Правки не отбрасываются при переполнении
		Payload:       payload,
		Metadata:      map[string]string{"kind": ev.Kind},
	}, nil
}

// DecodeTerrainEdited извлекает полезную нагрузку из конверта.
func DecodeTerrainEdited(ev *Envelope) (*TerrainEdited, error) {
	if ev.EventType != EventTerrainEdited {
		return nil, fmt.Errorf("unexpected event type %q", ev.EventType)
	}
	if ev.Version != terrainEditedVersion {
		return nil, fmt.Errorf("%s: unsupported version %d", EventTerrainEdited, ev.Version)
	}
	var out TerrainEdited
	if err := json.Unmarshal(ev.Payload, &out); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", EventTerrainEdited, err)
	}
	return &out, nil
}
