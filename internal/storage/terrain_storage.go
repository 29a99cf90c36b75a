package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/annel0/tileblend/internal/logging"
	"github.com/annel0/tileblend/internal/vec"
	"github.com/annel0/tileblend/internal/world"
	"github.com/dgraph-io/badger/v3"
	"github.com/klauspost/compress/zstd"
)

// ErrNotReady хранилище закрыто или не открыто
var ErrNotReady = errors.New("storage not ready")

const chunkKeyPrefix = "terrain:chunk:"

// TerrainStorage хранит снимки чанков в BadgerDB, сжатые zstd.
type TerrainStorage struct {
	db      *badger.DB
	dbPath  string
	mutex   sync.RWMutex
	isReady bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *logging.Logger
}

// NewTerrainStorage открывает хранилище в dataPath/terrain
func NewTerrainStorage(dataPath string) (*TerrainStorage, error) {
	dbPath := filepath.Join(dataPath, "terrain")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB
	return openStorage(opts, dbPath)
}

// NewInMemoryTerrainStorage хранилище без диска, для тестов и демо
func NewInMemoryTerrainStorage() (*TerrainStorage, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openStorage(opts, "")
}

func openStorage(opts badger.Options, dbPath string) (*TerrainStorage, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &TerrainStorage{
		db:      db,
		dbPath:  dbPath,
		isReady: true,
		encoder: encoder,
		decoder: decoder,
		logger:  logging.GetStorageLogger(),
	}, nil
}

// Close закрывает хранилище данных
func (ts *TerrainStorage) Close() error {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	if !ts.isReady {
		return nil
	}

	ts.isReady = false
	ts.decoder.Close()
	ts.encoder.Close()
	return ts.db.Close()
}

func chunkKey(coords vec.Vec2) []byte {
	return []byte(chunkKeyPrefix + coords.Key())
}

func parseChunkKey(key []byte) (vec.Vec2, error) {
	return vec.ParseKey(strings.TrimPrefix(string(key), chunkKeyPrefix))
}

// SaveChunk сохраняет снимок чанка и снимает с него флаг изменений
func (ts *TerrainStorage) SaveChunk(chunk *world.Chunk) error {
	ts.mutex.RLock()
	defer ts.mutex.RUnlock()

	if !ts.isReady {
		return ErrNotReady
	}

	snap := chunk.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal chunk %v: %w", snap.Coords, err)
	}
	compressed := ts.encoder.EncodeAll(data, nil)

	err = ts.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(snap.Coords), compressed)
	})
	if err != nil {
		return fmt.Errorf("save chunk %v: %w", snap.Coords, err)
	}

	chunk.MarkSaved(snap.Version)
	ts.logger.Debug("Чанк %v сохранён: версия %d, %d -> %d байт", snap.Coords, snap.Version, len(data), len(compressed))
	return nil
}

// LoadChunk загружает чанк. ok == false, если чанк ещё не сохранялся.
func (ts *TerrainStorage) LoadChunk(coords vec.Vec2) (chunk *world.Chunk, ok bool, err error) {
	ts.mutex.RLock()
	defer ts.mutex.RUnlock()

	if !ts.isReady {
		return nil, false, ErrNotReady
	}

	var compressed []byte
	err = ts.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(coords))
		if err != nil {
			return err
		}
		compressed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read chunk %v: %w", coords, err)
	}

	data, err := ts.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("decompress chunk %v: %w", coords, err)
	}

	var snap world.ChunkSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("unmarshal chunk %v: %w", coords, err)
	}
	chunk, err = snap.Restore()
	if err != nil {
		return nil, false, fmt.Errorf("restore chunk %v: %w", coords, err)
	}
	return chunk, true, nil
}

// DeleteChunk удаляет снимок; отсутствие чанка не ошибка
func (ts *TerrainStorage) DeleteChunk(coords vec.Vec2) error {
	ts.mutex.RLock()
	defer ts.mutex.RUnlock()

	if !ts.isReady {
		return ErrNotReady
	}

	return ts.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(chunkKey(coords))
	})
}

// ListChunks координаты всех сохранённых чанков
func (ts *TerrainStorage) ListChunks() ([]vec.Vec2, error) {
	ts.mutex.RLock()
	defer ts.mutex.RUnlock()

	if !ts.isReady {
		return nil, ErrNotReady
	}

	var out []vec.Vec2
	err := ts.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(chunkKeyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			coords, err := parseChunkKey(it.Item().Key())
			if err != nil {
				ts.logger.Warn("Некорректный ключ чанка %q: %v", it.Item().Key(), err)
				continue
			}
			out = append(out, coords)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	return out, nil
}
