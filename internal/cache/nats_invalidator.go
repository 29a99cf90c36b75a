package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/tileblend/internal/logging"
	"github.com/nats-io/nats.go"
)

// ErrInvalidatorClosed возвращается при публикации после Close.
var ErrInvalidatorClosed = errors.New("invalidator closed")

// InvalidatorConfig содержит конфигурацию NATS invalidator.
type InvalidatorConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`

	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`

	// Ключ, уже разосланный или принятый в этом окне, повторно не обрабатывается.
	DedupeWindow time.Duration `yaml:"dedupe_window"`

	// Ключи копятся не дольше BatchInterval и не больше MaxBatch за сообщение.
	BatchInterval time.Duration `yaml:"batch_interval"`
	MaxBatch      int           `yaml:"max_batch"`

	PublishTimeout time.Duration `yaml:"publish_timeout"`

	Logger *logging.Logger `yaml:"-"`
}

func (c InvalidatorConfig) withDefaults() InvalidatorConfig {
	if c.Subject == "" {
		c.Subject = "tileblend.cache.invalidation"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 10
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.DedupeWindow == 0 {
		c.DedupeWindow = 5 * time.Second
	}
	if c.BatchInterval == 0 {
		c.BatchInterval = 10 * time.Millisecond
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 64
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.GetCacheLogger()
	}
	return c
}

// InvalidationMessage пачка ключей, устаревших после правки на узле NodeID.
// Одна правка угла задевает окна до девяти чанков, поэтому ключи одной
// правки обычно уходят одним сообщением.
type InvalidationMessage struct {
	Keys      []string  `json:"keys"`
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id"`
}

// NATSInvalidator рассылает ключи устаревших результатов смешивания между
// узлами сервиса, чтобы локальные MemoryCache не отдавали их после правки
// на другом узле.
type NATSInvalidator struct {
	conn   *nats.Conn
	cfg    InvalidatorConfig
	nodeID string
	log    *logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending []string
	queued  map[string]struct{}
	recent  map[string]time.Time
	sub     *nats.Subscription
	handler InvalidationHandler
	closed  bool

	kick   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	publishedKeys atomic.Int64
	messages      atomic.Int64
	receivedKeys  atomic.Int64
	errorsCount   atomic.Int64
}

// NewNATSInvalidator подключается к NATS и запускает отправку пачек.
// nodeID отличает собственные сообщения от чужих.
func NewNATSInvalidator(config *InvalidatorConfig, nodeID string) (*NATSInvalidator, error) {
	n := newInvalidator(*config, nodeID)

	conn, err := nats.Connect(n.cfg.NATSURL,
		nats.Name("tileblend-cache/"+nodeID),
		nats.MaxReconnects(n.cfg.MaxReconnects),
		nats.ReconnectWait(n.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.log.Warn("NATS отключён: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.log.Info("NATS переподключён к %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	n.conn = conn

	n.wg.Add(1)
	go n.flushLoop()

	n.log.Info("Инвалидация кеша через NATS %s (subject %s, узел %s)", n.cfg.NATSURL, n.cfg.Subject, nodeID)
	return n, nil
}

func newInvalidator(config InvalidatorConfig, nodeID string) *NATSInvalidator {
	cfg := config.withDefaults()
	return &NATSInvalidator{
		cfg:    cfg,
		nodeID: nodeID,
		log:    cfg.Logger,
		now:    time.Now,
		queued: make(map[string]struct{}),
		recent: make(map[string]time.Time),
		kick:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// PublishInvalidation ставит ключ в очередь. Сообщение уходит по таймеру
// пачки или сразу, если пачка заполнилась.
func (n *NATSInvalidator) PublishInvalidation(ctx context.Context, key string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrInvalidatorClosed
	}
	if !n.enqueueLocked(key) {
		n.mu.Unlock()
		return nil
	}
	full := len(n.pending) >= n.cfg.MaxBatch
	n.mu.Unlock()

	if full {
		select {
		case n.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// enqueueLocked добавляет ключ в пачку, если он не стоит в ней и не
// рассылался в окне дедупликации.
func (n *NATSInvalidator) enqueueLocked(key string) bool {
	if _, ok := n.queued[key]; ok {
		return false
	}
	if n.seenLocked(key) {
		return false
	}
	n.queued[key] = struct{}{}
	n.pending = append(n.pending, key)
	return true
}

// takeBatchLocked забирает накопленные ключи и помечает их разосланными.
func (n *NATSInvalidator) takeBatchLocked() []string {
	if len(n.pending) == 0 {
		return nil
	}
	batch := n.pending
	n.pending = nil
	now := n.now()
	for _, k := range batch {
		delete(n.queued, k)
		n.recent[k] = now
	}
	return batch
}

// Flush немедленно отправляет накопленные ключи.
func (n *NATSInvalidator) Flush(ctx context.Context) error {
	n.mu.Lock()
	batch := n.takeBatchLocked()
	n.mu.Unlock()
	return n.send(ctx, batch)
}

func (n *NATSInvalidator) send(ctx context.Context, batch []string) error {
	if len(batch) == 0 {
		return nil
	}
	for len(batch) > 0 {
		size := len(batch)
		if size > n.cfg.MaxBatch {
			size = n.cfg.MaxBatch
		}
		data, err := json.Marshal(InvalidationMessage{
			Keys:      batch[:size],
			Timestamp: n.now(),
			NodeID:    n.nodeID,
		})
		if err != nil {
			n.errorsCount.Add(1)
			return fmt.Errorf("failed to marshal invalidation message: %w", err)
		}
		if err := n.conn.Publish(n.cfg.Subject, data); err != nil {
			n.errorsCount.Add(1)
			n.log.Error("Не удалось разослать %d ключей: %v", size, err)
			return fmt.Errorf("failed to publish invalidation: %w", err)
		}
		n.publishedKeys.Add(int64(size))
		n.messages.Add(1)
		batch = batch[size:]
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.PublishTimeout)
	defer cancel()
	if err := n.conn.FlushWithContext(ctx); err != nil {
		n.errorsCount.Add(1)
		return fmt.Errorf("failed to flush invalidation: %w", err)
	}
	return nil
}

func (n *NATSInvalidator) flushLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.BatchInterval)
	defer ticker.Stop()
	prune := time.NewTicker(n.cfg.DedupeWindow)
	defer prune.Stop()

	for {
		select {
		case <-ticker.C:
		case <-n.kick:
		case <-prune.C:
			n.pruneRecent()
			continue
		case <-n.stopCh:
			return
		}
		if err := n.Flush(context.Background()); err != nil {
			n.log.Warn("Пачка инвалидаций не отправлена: %v", err)
		}
	}
}

// SubscribeInvalidations подписывается на чужие инвалидации. handler
// вызывается для каждого ключа.
func (n *NATSInvalidator) SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub != nil {
		return fmt.Errorf("already subscribed to invalidations")
	}
	sub, err := n.conn.Subscribe(n.cfg.Subject, func(msg *nats.Msg) {
		n.handleMessage(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to invalidations: %w", err)
	}
	n.sub = sub
	n.handler = handler

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		select {
		case <-ctx.Done():
		case <-n.stopCh:
		}
		n.unsubscribe()
	}()

	n.log.Info("Подписка на инвалидации: %s", n.cfg.Subject)
	return nil
}

// handleMessage применяет чужую пачку. Свои сообщения и ключи, уже
// обработанные в окне дедупликации, пропускаются.
func (n *NATSInvalidator) handleMessage(data []byte) {
	var msg InvalidationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		n.errorsCount.Add(1)
		n.log.Error("Некорректное сообщение инвалидации: %v", err)
		return
	}
	if msg.NodeID == n.nodeID {
		return
	}

	n.mu.Lock()
	handler := n.handler
	fresh := make([]string, 0, len(msg.Keys))
	now := n.now()
	for _, k := range msg.Keys {
		if n.seenLocked(k) {
			continue
		}
		n.recent[k] = now
		fresh = append(fresh, k)
	}
	n.mu.Unlock()

	n.receivedKeys.Add(int64(len(fresh)))
	if handler == nil {
		return
	}
	for _, k := range fresh {
		if err := handler(k); err != nil {
			n.errorsCount.Add(1)
			n.log.Error("Инвалидация %s от %s не применена: %v", k, msg.NodeID, err)
		}
	}
	n.log.Debug("Узел %s: инвалидировано %d ключей", msg.NodeID, len(fresh))
}

func (n *NATSInvalidator) seenLocked(key string) bool {
	at, ok := n.recent[key]
	return ok && n.now().Sub(at) < n.cfg.DedupeWindow
}

func (n *NATSInvalidator) pruneRecent() {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	for k, at := range n.recent {
		if now.Sub(at) >= n.cfg.DedupeWindow {
			delete(n.recent, k)
		}
	}
}

func (n *NATSInvalidator) unsubscribe() {
	n.mu.Lock()
	sub := n.sub
	n.sub = nil
	n.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		n.log.Warn("Отписка от инвалидаций: %v", err)
	}
}

// Close отправляет остаток очереди и закрывает соединение. Повторный вызов безопасен.
func (n *NATSInvalidator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	close(n.stopCh)
	n.wg.Wait()

	err := n.Flush(context.Background())
	n.unsubscribe()
	n.conn.Close()
	n.log.Info("NATS invalidator закрыт")
	return err
}

// GetMetrics возвращает счётчики invalidator.
func (n *NATSInvalidator) GetMetrics() map[string]interface{} {
	m := map[string]interface{}{
		"published_count": n.publishedKeys.Load(),
		"messages_count":  n.messages.Load(),
		"received_count":  n.receivedKeys.Load(),
		"errors_count":    n.errorsCount.Load(),
	}
	if n.conn != nil {
		m["connected"] = n.conn.IsConnected()
	}
	return m
}
