package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/annel0/tileblend/internal/eventbus"
)

const (
	defaultNATSURL = "nats://127.0.0.1:4222"
	timeFormat     = "2006-01-02T15:04:05Z"
)

func main() {
	var (
		natsURL    = flag.String("nats", defaultNATSURL, "NATS server URL")
		stream     = flag.String("stream", "TERRAIN", "JetStream stream name")
		command    = flag.String("cmd", "tail", "Command: tail, stats, types")
		eventTypes = flag.String("types", "", "Event types filter (comma-separated)")
		sources    = flag.String("sources", "", "Source nodes filter (comma-separated)")
		since      = flag.String("since", "1h", "Skip events older than this (e.g., 1h, 30m)")
		limit      = flag.Int("limit", 100, "Maximum number of events")
		follow     = flag.Bool("follow", false, "Follow new events (like tail -f)")
		window     = flag.Duration("for", 3*time.Second, "How long stats collects retained events")
	)
	flag.Parse()

	if *command == "types" {
		showTypes()
		return
	}

	sinceTime, err := parseSinceTime(*since, time.Now())
	if err != nil {
		log.Fatalf("❌ Invalid since: %v", err)
	}

	bus, err := eventbus.NewJetStreamBus(*natsURL, *stream, 0)
	if err != nil {
		log.Fatalf("❌ Failed to connect to NATS: %v", err)
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	filter := eventbus.Filter{
		Types:   parseStringList(*eventTypes),
		Sources: parseStringList(*sources),
		Since:   sinceTime,
	}

	switch *command {
	case "tail":
		if err := tailEvents(ctx, bus, filter, *limit, *follow); err != nil {
			log.Fatalf("❌ Tail failed: %v", err)
		}

	case "stats":
		if err := showStats(ctx, bus, filter, *window); err != nil {
			log.Fatalf("❌ Stats failed: %v", err)
		}

	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: tail, stats, types")
		os.Exit(1)
	}
}

// tailEvents выводит сохранённые события стрима и, с -follow, новые
func tailEvents(ctx context.Context, bus eventbus.EventBus, f eventbus.Filter, limit int, follow bool) error {
	fmt.Printf("🎬 Tailing events (limit: %d, follow: %v)\n", limit, follow)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	eventCount := 0
	sub, err := bus.Subscribe(ctx, f, func(_ context.Context, ev *eventbus.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		if !follow && eventCount >= limit {
			return
		}
		printEvent(ev)
		eventCount++
		if !follow && eventCount >= limit {
			cancel()
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	if follow {
		<-ctx.Done()
	} else {
		// Без -follow ждём, пока стрим отдаст сохранённое, или лимита.
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
	}

	mu.Lock()
	fmt.Printf("\n📊 Total events: %d\n", eventCount)
	mu.Unlock()
	return nil
}

// showStats считает события по типам и источникам
func showStats(ctx context.Context, bus eventbus.EventBus, f eventbus.Filter, window time.Duration) error {
	fmt.Println("📊 Event statistics")

	var mu sync.Mutex
	byType := make(map[string]int)
	bySource := make(map[string]int)
	total := 0
	sub, err := bus.Subscribe(ctx, f, func(_ context.Context, ev *eventbus.Envelope) {
		mu.Lock()
		byType[ev.EventType]++
		bySource[ev.Source]++
		total++
		mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(window):
	}
	sub.Unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("Since: %s\n", f.Since.UTC().Format(timeFormat))
	fmt.Printf("Total events: %d\n", total)
	printCounts("By event type", byType)
	printCounts("By source", bySource)
	return nil
}

func printCounts(title string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("\n%s:\n", title)
	for _, k := range keys {
		fmt.Printf("  %s: %d events\n", k, counts[k])
	}
}

// showTypes выводит известные типы событий
func showTypes() {
	fmt.Println("📋 Available event types")
	fmt.Printf("Type: %s\n", eventbus.EventTerrainEdited)
	fmt.Println("  Description: corner or tile edit with the chunk versions it bumped")
}

// printEvent выводит событие в читаемом формате
func printEvent(ev *eventbus.Envelope) {
	timestamp := ev.Timestamp.Format("15:04:05")
	fmt.Printf("[%s] %s [%s] %s\n", timestamp, ev.Source, ev.EventType, ev.ID)

	switch ev.EventType {
	case eventbus.EventTerrainEdited:
		te, err := eventbus.DecodeTerrainEdited(ev)
		if err != nil {
			fmt.Printf("  ⚠️  %v\n", err)
			return
		}
		fmt.Printf("  %s (%d,%d) = %s by %q: corners %d, tiles %d, chunks %d\n",
			te.Kind, te.Position.X, te.Position.Y, te.Value, te.Actor,
			te.Corners, te.Tiles, len(te.Chunks))
	}
}

// parseStringList парсит строку с разделителями-запятыми
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseSinceTime парсит относительное время типа "1h", "30m"
func parseSinceTime(since string, from time.Time) (time.Time, error) {
	if since == "" {
		return time.Time{}, nil
	}

	duration, err := time.ParseDuration(since)
	if err != nil {
		// Пробуем парсить как абсолютное время
		return time.Parse(timeFormat, since)
	}

	return from.Add(-duration), nil
}
