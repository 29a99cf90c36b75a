package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/annel0/tileblend/internal/eventbus"
	"github.com/annel0/tileblend/internal/logging"
)

// OutboundWebhook представляет исходящий webhook
type OutboundWebhook struct {
	ID           uint64     `json:"id"`
	Name         string     `json:"name" binding:"required"`
	URL          string     `json:"url" binding:"required,url"`
	Secret       string     `json:"secret,omitempty"`
	Events       []string   `json:"events" binding:"required"` // Типы событий шины или "*"
	Active       bool       `json:"active"`
	Timeout      int        `json:"timeout"` // Таймаут в секундах
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
	FailureCount int        `json:"failure_count"`
}

// OutboundWebhookEvent тело запроса к webhook'у
type OutboundWebhookEvent struct {
	ID            string          `json:"id"`
	EventType     string          `json:"event_type"`
	Timestamp     int64           `json:"timestamp"`
	ServerID      string          `json:"server_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// OutboundWebhookManager рассылает события шины по зарегистрированным webhook'ам.
type OutboundWebhookManager struct {
	webhooks   map[uint64]*OutboundWebhook
	eventQueue chan OutboundWebhookEvent
	mu         sync.RWMutex
	nextID     uint64
	httpClient *http.Client
	serverID   string
	retryDelay time.Duration
	logger     *logging.Logger

	sub      eventbus.Subscription
	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// NewOutboundWebhookManager создает новый менеджер исходящих webhook'ов
func NewOutboundWebhookManager(serverID string, logger *logging.Logger) *OutboundWebhookManager {
	if logger == nil {
		logger = logging.GetAPILogger()
	}
	manager := &OutboundWebhookManager{
		webhooks:   make(map[uint64]*OutboundWebhook),
		eventQueue: make(chan OutboundWebhookEvent, 1000),
		nextID:     1,
		serverID:   serverID,
		retryDelay: time.Second,
		logger:     logger,
		done:       make(chan struct{}),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	manager.wg.Add(1)
	go manager.eventWorker()

	return manager
}

// Attach подписывает менеджер на все события шины.
func (owm *OutboundWebhookManager) Attach(ctx context.Context, bus eventbus.EventBus) error {
	sub, err := bus.Subscribe(ctx, eventbus.Filter{}, func(ctx context.Context, ev *eventbus.Envelope) {
		owm.Enqueue(ev)
	})
	if err != nil {
		return err
	}
	owm.mu.Lock()
	owm.sub = sub
	owm.mu.Unlock()
	return nil
}

// AddWebhook добавляет новый webhook
func (owm *OutboundWebhookManager) AddWebhook(webhook OutboundWebhook) *OutboundWebhook {
	owm.mu.Lock()
	defer owm.mu.Unlock()

	webhook.ID = owm.nextID
	owm.nextID++
	webhook.CreatedAt = time.Now()
	webhook.Active = true

	if webhook.Timeout == 0 {
		webhook.Timeout = 30
	}
	if webhook.RetryCount == 0 {
		webhook.RetryCount = 3
	}

	owm.webhooks[webhook.ID] = &webhook
	cp := webhook
	return &cp
}

// GetWebhooks возвращает копии всех webhook'ов, упорядоченные по ID
func (owm *OutboundWebhookManager) GetWebhooks() []OutboundWebhook {
	owm.mu.RLock()
	defer owm.mu.RUnlock()

	webhooks := make([]OutboundWebhook, 0, len(owm.webhooks))
	for _, webhook := range owm.webhooks {
		webhooks = append(webhooks, *webhook)
	}
	sort.Slice(webhooks, func(i, j int) bool { return webhooks[i].ID < webhooks[j].ID })
	return webhooks
}

// GetWebhook возвращает копию webhook'а по ID
func (owm *OutboundWebhookManager) GetWebhook(id uint64) (OutboundWebhook, bool) {
	owm.mu.RLock()
	defer owm.mu.RUnlock()

	webhook, exists := owm.webhooks[id]
	if !exists {
		return OutboundWebhook{}, false
	}
	return *webhook, true
}

// DeleteWebhook удаляет webhook
func (owm *OutboundWebhookManager) DeleteWebhook(id uint64) bool {
	owm.mu.Lock()
	defer owm.mu.Unlock()

	_, exists := owm.webhooks[id]
	if !exists {
		return false
	}

	delete(owm.webhooks, id)
	return true
}

// Enqueue ставит событие шины в очередь отправки
func (owm *OutboundWebhookManager) Enqueue(ev *eventbus.Envelope) {
	event := OutboundWebhookEvent{
		ID:            ev.ID,
		EventType:     ev.EventType,
		Timestamp:     ev.Timestamp.Unix(),
		ServerID:      owm.serverID,
		CorrelationID: ev.CorrelationID,
		Data:          json.RawMessage(ev.Payload),
	}
	if len(event.Data) == 0 {
		event.Data = json.RawMessage("null")
	}

	select {
	case <-owm.done:
		return
	default:
	}

	select {
	case owm.eventQueue <- event:
		owm.logger.Debug("📤 Событие %s добавлено в очередь webhook'ов", ev.EventType)
	default:
		owm.logger.Warn("⚠️  Очередь webhook'ов переполнена, событие %s пропущено", ev.EventType)
	}
}

// eventWorker обрабатывает события из очереди
func (owm *OutboundWebhookManager) eventWorker() {
	defer owm.wg.Done()
	for {
		select {
		case event := <-owm.eventQueue:
			owm.processEvent(event)
		case <-owm.done:
			return
		}
	}
}

// processEvent обрабатывает одно событие
func (owm *OutboundWebhookManager) processEvent(event OutboundWebhookEvent) {
	owm.mu.RLock()
	webhooks := make([]*OutboundWebhook, 0)
	for _, webhook := range owm.webhooks {
		if webhook.Active && isSubscribedToEvent(webhook, event.EventType) {
			webhooks = append(webhooks, webhook)
		}
	}
	owm.mu.RUnlock()

	for _, webhook := range webhooks {
		owm.wg.Add(1)
		go func(w *OutboundWebhook) {
			defer owm.wg.Done()
			owm.sendToWebhook(w, event)
		}(webhook)
	}
}

// isSubscribedToEvent проверяет, подписан ли webhook на событие
func isSubscribedToEvent(webhook *OutboundWebhook, eventType string) bool {
	for _, subscribedEvent := range webhook.Events {
		if subscribedEvent == eventType || subscribedEvent == "*" {
			return true
		}
	}
	return false
}

// sendToWebhook отправляет событие конкретному webhook'у
func (owm *OutboundWebhookManager) sendToWebhook(webhook *OutboundWebhook, event OutboundWebhookEvent) {
	jsonData, err := json.Marshal(event)
	if err != nil {
		owm.logger.Error("❌ Ошибка маршалинга события для webhook %s: %v", webhook.Name, err)
		return
	}

	owm.mu.RLock()
	name, url, secret := webhook.Name, webhook.URL, webhook.Secret
	timeout, retries := webhook.Timeout, webhook.RetryCount
	owm.mu.RUnlock()

	success := false
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * owm.retryDelay):
			case <-owm.done:
				return
			}
		}
		if owm.deliver(url, secret, timeout, event, jsonData) {
			success = true
			owm.logger.Debug("✅ Событие %s отправлено в webhook %s", event.EventType, name)
			break
		}
		owm.logger.Warn("⚠️  Webhook %s: попытка %d/%d не удалась", name, attempt+1, retries+1)
	}

	owm.mu.Lock()
	now := time.Now()
	webhook.LastUsed = &now
	if !success {
		webhook.FailureCount++
	}
	owm.mu.Unlock()
}

// deliver одна попытка доставки; true при ответе 2xx
func (owm *OutboundWebhookManager) deliver(url, secret string, timeout int, event OutboundWebhookEvent, body []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		owm.logger.Error("❌ Ошибка создания запроса к %s: %v", url, err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tileblend/1.0")
	req.Header.Set("X-Event-Type", event.EventType)
	req.Header.Set("X-Event-ID", event.ID)
	req.Header.Set("X-Server-ID", event.ServerID)
	if secret != "" {
		req.Header.Set("X-Webhook-Signature", generateSignature(body, secret))
	}

	resp, err := owm.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// generateSignature генерирует HMAC подпись
func generateSignature(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// GetEventTypes возвращает типы событий, на которые можно подписаться
func (owm *OutboundWebhookManager) GetEventTypes() []string {
	return []string{eventbus.EventTerrainEdited, "*"}
}

// Close отписывается от шины и дожидается текущих отправок
func (owm *OutboundWebhookManager) Close() {
	owm.stopOnce.Do(func() {
		owm.mu.RLock()
		sub := owm.sub
		owm.mu.RUnlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		close(owm.done)
		owm.wg.Wait()
	})
}
