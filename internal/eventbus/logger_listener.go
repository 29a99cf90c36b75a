package eventbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/annel0/tileblend/internal/logging"
)

// StartLoggingListener подписывается на все события и пишет их в logger.
// Правки идут в DEBUG одной строкой, нераспознанные события в WARN.
func StartLoggingListener(ctx context.Context, bus EventBus, logger *logging.Logger) (Subscription, error) {
	sub, err := bus.Subscribe(ctx, Filter{}, func(_ context.Context, ev *Envelope) {
		line, ok := describe(ev)
		if !ok {
			logger.Warn("[EventBus] %s", line)
			return
		}
		logger.Debug("[EventBus] %s", line)
	})
	if err != nil {
		return nil, err
	}
	logger.Info("[EventBus] журнал событий включён")
	return sub, nil
}

// describe однострочное описание события; false, если разобрать не удалось.
func describe(ev *Envelope) (string, bool) {
	head := fmt.Sprintf("%s %s от %s", ev.ID, ev.EventType, ev.Source)
	if ev.EventType != EventTerrainEdited {
		return fmt.Sprintf("%s: неизвестный тип, %dB", head, len(ev.Payload)), false
	}
	te, err := DecodeTerrainEdited(ev)
	if err != nil {
		return fmt.Sprintf("%s: %v", head, err), false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s (%d,%d)=%s углов=%d тайлов=%d", head,
		te.Kind, te.Position.X, te.Position.Y, te.Value, te.Corners, te.Tiles)
	for _, cv := range te.Chunks {
		fmt.Fprintf(&b, " [%d,%d]v%d", cv.Coords.X, cv.Coords.Y, cv.Version)
	}
	if te.Actor != "" {
		fmt.Fprintf(&b, " автор=%s", te.Actor)
	}
	return b.String(), true
}
