// Package service связывает мир, хранилище, кеш смешивания и шину событий.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/annel0/tileblend/internal/cache"
	"github.com/annel0/tileblend/internal/eventbus"
	"github.com/annel0/tileblend/internal/logging"
	"github.com/annel0/tileblend/internal/metrics"
	"github.com/annel0/tileblend/internal/terrain"
	"github.com/annel0/tileblend/internal/terrain/blend"
	"github.com/annel0/tileblend/internal/vec"
	"github.com/annel0/tileblend/internal/world"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/annel0/tileblend/internal/service"

func chunkAttrs(coords vec.Vec2) trace.SpanStartOption {
	return trace.WithAttributes(attribute.Int("chunk.x", coords.X), attribute.Int("chunk.y", coords.Y))
}

// endSpan закрывает спан, отмечая ошибку.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ChunkStore постоянное хранилище чанков.
type ChunkStore interface {
	SaveChunk(chunk *world.Chunk) error
	LoadChunk(coords vec.Vec2) (*world.Chunk, bool, error)
	DeleteChunk(coords vec.Vec2) error
	ListChunks() ([]vec.Vec2, error)
}

// Config параметры сервиса.
type Config struct {
	Graph    *blend.Graph
	Blend    blend.Options
	CacheTTL time.Duration
	Workers  int    // Параллелизм ChunkBlends
	Source   string // Источник событий в конверте
}

// EditMeta кто и в рамках какого запроса правит мир.
type EditMeta struct {
	Actor         string
	CorrelationID string
}

// Deps зависимости сервиса. Store, Cache, Bus и Metrics могут быть nil.
type Deps struct {
	World   *world.WorldManager
	Store   ChunkStore
	Cache   cache.CacheRepo
	Bus     eventbus.EventBus
	Metrics *metrics.BlendMetrics
	Logger  *logging.Logger
	// Tracing по умолчанию глобальный провайдер OpenTelemetry.
	Tracing trace.TracerProvider
}

// TerrainService операции над террейном для внешних слоёв (REST, инструменты).
type TerrainService struct {
	world   *world.WorldManager
	store   ChunkStore
	cache   cache.CacheRepo
	bus     eventbus.EventBus
	metrics *metrics.BlendMetrics
	logger  *logging.Logger
	tracer  trace.Tracer
	cfg     Config

	loadMu sync.Mutex // Загрузка чанков из хранилища

	keysMu   sync.Mutex
	lastKeys map[vec.Vec2]string // Последний записанный ключ кеша по чанку
}

// NewTerrainService создаёт сервис.
func NewTerrainService(deps Deps, cfg Config) *TerrainService {
	if cfg.Graph == nil {
		cfg.Graph = blend.NewGraph()
	}
	if cfg.Blend.BaseMode == "" {
		cfg.Blend = blend.DefaultOptions()
	}
	if cfg.Source == "" {
		cfg.Source = "tileblend"
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetWorldLogger()
	}
	tp := deps.Tracing
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TerrainService{
		tracer:   tp.Tracer(tracerName),
		world:    deps.World,
		store:    deps.Store,
		cache:    deps.Cache,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		logger:   logger,
		cfg:      cfg,
		lastKeys: make(map[vec.Vec2]string),
	}
}

// World мир сервиса
func (s *TerrainService) World() *world.WorldManager {
	return s.world
}

// Graph реестр пар смешивания
func (s *TerrainService) Graph() *blend.Graph {
	return s.cfg.Graph
}

// BlendOptions параметры резолвера
func (s *TerrainService) BlendOptions() blend.Options {
	return s.cfg.Blend
}

// Chunk возвращает чанк, при необходимости загружая его из хранилища или
// создавая новый.
func (s *TerrainService) Chunk(ctx context.Context, coords vec.Vec2) (*world.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c, ok := s.world.GetChunk(coords); ok {
		return c, nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	c, ok, err := s.loadLocked(coords)
	if err != nil {
		return nil, err
	}
	if ok {
		return c, nil
	}
	return s.world.EnsureChunk(coords), nil
}

// loadLocked загружает чанк из хранилища, если его ещё нет в памяти.
// Вызывается под loadMu.
func (s *TerrainService) loadLocked(coords vec.Vec2) (*world.Chunk, bool, error) {
	if c, ok := s.world.GetChunk(coords); ok {
		return c, true, nil
	}
	if s.store == nil {
		return nil, false, nil
	}
	c, ok, err := s.store.LoadChunk(coords)
	if err != nil {
		return nil, false, fmt.Errorf("load chunk %v: %w", coords, err)
	}
	if !ok {
		return nil, false, nil
	}
	if err := s.world.AddChunk(c); err != nil {
		return nil, false, err
	}
	s.logger.Debug("Чанк %v загружен из хранилища (v%d)", coords, c.CurrentVersion())
	return c, true, nil
}

// loadNeighbors подтягивает из хранилища сохранённых соседей чанка, чтобы
// краевые тайлы смешивались с настоящими данными. Новые чанки не создаются.
func (s *TerrainService) loadNeighbors(coords vec.Vec2) error {
	if s.store == nil {
		return nil
	}
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	for _, n := range coords.Neighbors() {
		if _, _, err := s.loadLocked(n); err != nil {
			return err
		}
	}
	return nil
}

// ensureCorners гарантирует загрузку всех чанков, хранящих углы прямоугольника
// [min, max] (в координатах углов).
func (s *TerrainService) ensureCorners(ctx context.Context, min, max vec.Vec2) error {
	seen := make(map[vec.Vec2]struct{})
	for x := min.X; x <= max.X; x++ {
		for y := min.Y; y <= max.Y; y++ {
			for _, cc := range world.CornerChunks(vec.Vec2{X: x, Y: y}) {
				if _, ok := seen[cc]; ok {
					continue
				}
				seen[cc] = struct{}{}
				if _, err := s.Chunk(ctx, cc); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// PaintCorner рисует в мировой угол биом (режим biome) или поверхность
// (режим terrain), заданные именем.
func (s *TerrainService) PaintCorner(ctx context.Context, pos vec.Vec2, value string, meta EditMeta) (res *world.EditResult, err error) {
	ctx, span := s.tracer.Start(ctx, "terrain.PaintCorner", trace.WithAttributes(
		attribute.Int("corner.x", pos.X), attribute.Int("corner.y", pos.Y), attribute.String("value", value)))
	defer func() { endSpan(span, err) }()

	// Починка затрагивает кольцо соседних углов.
	if err := s.ensureCorners(ctx, pos.Offset(-1, -1), pos.Offset(1, 1)); err != nil {
		return nil, err
	}

	var name string
	switch s.world.Mode() {
	case world.EditBiome:
		b, perr := terrain.ParseBiomeID(value)
		if perr != nil {
			return nil, fmt.Errorf("%w: %v", world.ErrInvalidValue, perr)
		}
		name = b.String()
		res, err = s.world.PaintBiome(pos, b)
	default:
		t, perr := terrain.ParseTerrainID(value)
		if perr != nil {
			return nil, fmt.Errorf("%w: %v", world.ErrInvalidValue, perr)
		}
		name = t.String()
		res, err = s.world.PaintCorner(pos, uint8(t))
	}
	if err != nil {
		return nil, err
	}
	s.afterEdit(ctx, "corner", pos, name, res, meta)
	return res, nil
}

// SetTile задаёт авторскую поверхность тайла.
func (s *TerrainService) SetTile(ctx context.Context, pos vec.Vec2, value string, meta EditMeta) (res *world.EditResult, err error) {
	ctx, span := s.tracer.Start(ctx, "terrain.SetTile", trace.WithAttributes(
		attribute.Int("tile.x", pos.X), attribute.Int("tile.y", pos.Y), attribute.String("value", value)))
	defer func() { endSpan(span, err) }()

	t, err := terrain.ParseTerrainID(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", world.ErrInvalidValue, err)
	}
	// Четыре угла тайла и кольцо вокруг них.
	if err := s.ensureCorners(ctx, pos.Offset(-1, -1), pos.Offset(2, 2)); err != nil {
		return nil, err
	}
	res, err = s.world.SetTile(pos, t)
	if err != nil {
		return nil, err
	}
	s.afterEdit(ctx, "tile", pos, t.String(), res, meta)
	return res, nil
}

// afterEdit метрики, инвалидация кеша и событие. Ошибки здесь не отменяют
// уже применённую правку, поэтому только логируются.
func (s *TerrainService) afterEdit(ctx context.Context, kind string, pos vec.Vec2, value string, res *world.EditResult, meta EditMeta) {
	if res.Empty() {
		return
	}
	s.metrics.Edit(kind)
	s.invalidateAround(ctx, res.Chunks)

	if s.bus == nil {
		return
	}
	ev := eventbus.TerrainEdited{
		Kind:     kind,
		Position: pos,
		Value:    value,
		Corners:  len(res.Corners),
		Tiles:    len(res.Tiles),
		Actor:    meta.Actor,
	}
	for _, cc := range res.Chunks {
		if c, ok := s.world.GetChunk(cc); ok {
			ev.Chunks = append(ev.Chunks, eventbus.ChunkVersion{Coords: cc, Version: c.CurrentVersion()})
		}
	}
	env, err := eventbus.NewTerrainEditedEnvelope(s.cfg.Source, meta.CorrelationID, ev)
	if err != nil {
		s.logger.Error("Событие %s не собрано: %v", eventbus.EventTerrainEdited, err)
		return
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		s.logger.Warn("Событие %s не опубликовано: %v", env.ID, err)
	}
}

// invalidateAround удаляет из кеша последние результаты изменённых чанков и
// их соседей: краевые тайлы соседей зависят от изменённых тайлов.
func (s *TerrainService) invalidateAround(ctx context.Context, chunks []vec.Vec2) {
	if s.cache == nil {
		return
	}
	keys := make(map[vec.Vec2]string)
	s.keysMu.Lock()
	for _, cc := range chunks {
		for _, n := range cc.Window() {
			if k, ok := s.lastKeys[n]; ok {
				keys[n] = k
				delete(s.lastKeys, n)
			}
		}
	}
	s.keysMu.Unlock()

	for cc, k := range keys {
		if err := s.cache.Invalidate(ctx, k); err != nil {
			s.logger.Warn("Инвалидация %s (чанк %v): %v", k, cc, err)
		}
	}
}

func (s *TerrainService) rememberKey(coords vec.Vec2, key string) {
	s.keysMu.Lock()
	s.lastKeys[coords] = key
	s.keysMu.Unlock()
}

func (s *TerrainService) blendKey(coords vec.Vec2, stamp uint64) string {
	return cache.BlendKey(coords, stamp, s.cfg.Blend.BaseMode)
}

// ChunkBlend смешивание чанка через кеш. Ключ кеша включает отпечаток версий
// чанка и соседей, поэтому устаревший результат не возвращается.
func (s *TerrainService) ChunkBlend(ctx context.Context, coords vec.Vec2) (cb *world.ChunkBlend, err error) {
	ctx, span := s.tracer.Start(ctx, "terrain.ChunkBlend", chunkAttrs(coords))
	defer func() { endSpan(span, err) }()

	if _, err := s.Chunk(ctx, coords); err != nil {
		return nil, err
	}
	if err := s.loadNeighbors(coords); err != nil {
		return nil, err
	}
	stamp, err := s.world.WindowStamp(coords)
	if err != nil {
		return nil, err
	}

	if cb, ok := s.cached(ctx, coords, stamp); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cb, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	start := time.Now()
	cb, err = s.world.ComputeChunkBlend(coords, s.cfg.Graph, s.cfg.Blend)
	if err != nil {
		return nil, err
	}
	took := time.Since(start)
	s.metrics.ObserveChunk(cb, took)
	logging.LogChunkBlend(coords.X, coords.Y, cb.Version, cb.LayerCount(), took)

	s.put(ctx, cb)
	return cb, nil
}

// cached читает результат из кеша; любые сбои кеша считаются промахом.
func (s *TerrainService) cached(ctx context.Context, coords vec.Vec2, stamp uint64) (*world.ChunkBlend, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, err := s.cache.Get(ctx, s.blendKey(coords, stamp))
	if err != nil {
		if !cache.IsCacheMiss(err) {
			s.logger.Warn("Кеш смешивания недоступен: %v", err)
		}
		s.metrics.CacheMiss()
		return nil, false
	}
	var cb world.ChunkBlend
	if err := json.Unmarshal(data, &cb); err != nil {
		s.logger.Warn("Повреждённая запись кеша для %v: %v", coords, err)
		s.metrics.CacheMiss()
		return nil, false
	}
	s.metrics.CacheHit()
	return &cb, true
}

// put кладёт результат в кеш под отпечатком, с которым он был посчитан.
func (s *TerrainService) put(ctx context.Context, cb *world.ChunkBlend) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(cb)
	if err != nil {
		s.logger.Error("Сериализация смешивания %v: %v", cb.Coords, err)
		return
	}
	key := s.blendKey(cb.Coords, cb.Stamp)
	if err := s.cache.Set(ctx, key, data, s.cfg.CacheTTL); err != nil {
		s.logger.Warn("Запись в кеш %s: %v", key, err)
		return
	}
	s.rememberKey(cb.Coords, key)
}

// ChunkBlends смешивание набора чанков: попадания берутся из кеша одним
// BatchGet, промахи считаются параллельно и пишутся одним BatchSet.
func (s *TerrainService) ChunkBlends(ctx context.Context, coords []vec.Vec2) (out map[vec.Vec2]*world.ChunkBlend, err error) {
	ctx, span := s.tracer.Start(ctx, "terrain.ChunkBlends", trace.WithAttributes(attribute.Int("chunks", len(coords))))
	defer func() { endSpan(span, err) }()

	stamps := make(map[vec.Vec2]uint64, len(coords))
	for _, cc := range coords {
		if _, err := s.Chunk(ctx, cc); err != nil {
			return nil, err
		}
	}
	for _, cc := range coords {
		if err := s.loadNeighbors(cc); err != nil {
			return nil, err
		}
	}
	for _, cc := range coords {
		stamp, err := s.world.WindowStamp(cc)
		if err != nil {
			return nil, err
		}
		stamps[cc] = stamp
	}

	out = make(map[vec.Vec2]*world.ChunkBlend, len(coords))
	missing := coords
	if s.cache != nil {
		keys := make([]string, 0, len(coords))
		for _, cc := range coords {
			keys = append(keys, s.blendKey(cc, stamps[cc]))
		}
		hits, err := s.cache.BatchGet(ctx, keys)
		if err != nil {
			s.logger.Warn("Пакетное чтение кеша: %v", err)
			hits = nil
		}
		missing = nil
		for _, cc := range coords {
			data, ok := hits[s.blendKey(cc, stamps[cc])]
			var cb world.ChunkBlend
			if ok && json.Unmarshal(data, &cb) == nil {
				s.metrics.CacheHit()
				out[cc] = &cb
				continue
			}
			s.metrics.CacheMiss()
			missing = append(missing, cc)
		}
	}
	span.SetAttributes(attribute.Int("cache.misses", len(missing)))
	if len(missing) == 0 {
		return out, nil
	}

	start := time.Now()
	computed, err := s.world.ComputeBlends(ctx, missing, s.cfg.Graph, s.cfg.Blend, s.cfg.Workers)
	if err != nil {
		return nil, err
	}
	perChunk := time.Since(start) / time.Duration(len(missing))

	items := make(map[string][]byte, len(computed))
	for cc, cb := range computed {
		out[cc] = cb
		s.metrics.ObserveChunk(cb, perChunk)
		if s.cache == nil {
			continue
		}
		data, err := json.Marshal(cb)
		if err != nil {
			s.logger.Error("Сериализация смешивания %v: %v", cc, err)
			continue
		}
		items[s.blendKey(cc, cb.Stamp)] = data
	}
	if s.cache != nil && len(items) > 0 {
		if err := s.cache.BatchSet(ctx, items, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("Пакетная запись кеша: %v", err)
		} else {
			for cc, cb := range computed {
				s.rememberKey(cc, s.blendKey(cc, cb.Stamp))
			}
		}
	}
	return out, nil
}

// Flush сохраняет изменённые чанки. Возвращает число сохранённых чанков;
// ошибки отдельных чанков собираются в одну.
func (s *TerrainService) Flush(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	saved := 0
	var errs []error
	for _, c := range s.world.DirtyChunks() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.store.SaveChunk(c); err != nil {
			errs = append(errs, fmt.Errorf("save chunk %v: %w", c.Coords, err))
			continue
		}
		saved++
	}
	if saved > 0 {
		s.logger.Debug("Сохранено чанков: %d", saved)
	}
	return saved, errors.Join(errs...)
}

// Preload поднимает в память все сохранённые чанки. Уже загруженные
// чанки не перечитываются.
func (s *TerrainService) Preload(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	coords, err := s.store.ListChunks()
	if err != nil {
		return 0, fmt.Errorf("list chunks: %w", err)
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	loaded := 0
	for _, cc := range coords {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		if _, ok := s.world.GetChunk(cc); ok {
			continue
		}
		if _, ok, err := s.loadLocked(cc); err != nil {
			return loaded, err
		} else if ok {
			loaded++
		}
	}
	s.logger.Info("Предзагружено чанков: %d из %d", loaded, len(coords))
	return loaded, nil
}

// ResetChunk выгружает чанк и удаляет его снимок. При следующем обращении
// чанк создаётся заново с заливкой по умолчанию и швами загруженных соседей.
func (s *TerrainService) ResetChunk(ctx context.Context, coords vec.Vec2, meta EditMeta) (err error) {
	ctx, span := s.tracer.Start(ctx, "terrain.ResetChunk", chunkAttrs(coords))
	defer func() { endSpan(span, err) }()

	s.loadMu.Lock()
	if s.store != nil {
		if err := s.store.DeleteChunk(coords); err != nil {
			s.loadMu.Unlock()
			return fmt.Errorf("delete chunk %v: %w", coords, err)
		}
	}
	s.world.RemoveChunk(coords)
	s.loadMu.Unlock()

	s.metrics.Edit("reset")
	s.invalidateAround(ctx, []vec.Vec2{coords})
	s.logger.Info("Чанк %v сброшен (%s)", coords, meta.Actor)

	if s.bus == nil {
		return nil
	}
	env, err := eventbus.NewTerrainEditedEnvelope(s.cfg.Source, meta.CorrelationID, eventbus.TerrainEdited{
		Kind:     "reset",
		Position: coords,
		Chunks:   []eventbus.ChunkVersion{{Coords: coords}},
		Actor:    meta.Actor,
	})
	if err != nil {
		s.logger.Error("Событие %s не собрано: %v", eventbus.EventTerrainEdited, err)
		return nil
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		s.logger.Warn("Событие %s не опубликовано: %v", env.ID, err)
	}
	return nil
}

// RunAutosave периодически вызывает Flush до отмены контекста.
func (s *TerrainService) RunAutosave(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Flush(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Автосохранение: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
