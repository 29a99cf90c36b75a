package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/annel0/tileblend/internal/logging"
	nats "github.com/nats-io/nats.go"
)

// subjectPrefix префикс субъектов: terrain.<EventType>
const subjectPrefix = "terrain"

func subjectFor(eventType string) string {
	return subjectPrefix + "." + eventType
}

// JetStreamBus реализует EventBus поверх NATS JetStream. Правки хранятся в
// стриме retention часов, так что event-cli может просмотреть недавнюю
// историю, а узлы сервиса получают только новые события.
type JetStreamBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
	log    *logging.Logger

	published atomic.Uint64
	consumed  atomic.Uint64
	dropped   atomic.Uint64
	pending   atomic.Int64
}

// NewJetStreamBus подключается к NATS и создаёт стрим, если его нет.
// Нулевой retention хранит события без ограничения по времени.
func NewJetStreamBus(url, stream string, retention time.Duration) (*JetStreamBus, error) {
	if stream == "" {
		stream = "TERRAIN"
	}
	log := logging.GetComponentLogger(logging.ComponentEvents)

	nc, err := nats.Connect(url,
		nats.Name("tileblend-events"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("JetStream: соединение потеряно: %v", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	if err := ensureStream(js, stream, retention); err != nil {
		nc.Close()
		return nil, err
	}

	log.Info("JetStream: %s, стрим %s", url, stream)
	return &JetStreamBus{nc: nc, js: js, stream: stream, log: log}, nil
}

func ensureStream(js nats.JetStreamContext, stream string, retention time.Duration) error {
	_, err := js.StreamInfo(stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", stream, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       stream,
		Subjects:   []string{subjectPrefix + ".*"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     retention,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", stream, err)
	}
	return nil
}

// Publish пишет конверт в terrain.<EventType>. ID конверта служит
// Nats-Msg-Id, и повторная отправка той же правки в окне Duplicates
// стримом отбрасывается.
func (jb *JetStreamBus) Publish(ctx context.Context, ev *Envelope) error {
	data, err := json.Marshal(ev)
	if err != nil {
		jb.dropped.Add(1)
		return fmt.Errorf("marshal envelope: %w", err)
	}
	subj := subjectFor(ev.EventType)
	ack, err := jb.js.Publish(subj, data, nats.Context(ctx), nats.MsgId(ev.ID))
	if err != nil {
		jb.dropped.Add(1)
		return fmt.Errorf("jetstream publish %s: %w", subj, err)
	}
	if ack.Duplicate {
		jb.log.Debug("JetStream: %s уже в стриме", ev.ID)
		return nil
	}
	jb.published.Add(1)
	return nil
}

// Subscribe создаёт упорядоченный эфемерный consumer. Без Filter.Since
// доставляются только новые события, с ним история стрима начиная с Since.
// Подписка снимается вместе с ctx.
func (jb *JetStreamBus) Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error) {
	subj := subjectPrefix + ".*"
	if len(f.Types) == 1 {
		subj = subjectFor(f.Types[0])
	}

	start := nats.DeliverNew()
	if !f.Since.IsZero() {
		start = nats.StartTime(f.Since)
	}

	s, err := jb.js.Subscribe(subj, func(msg *nats.Msg) {
		jb.pending.Add(1)
		defer jb.pending.Add(-1)

		var ev Envelope
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			jb.dropped.Add(1)
			jb.log.Warn("JetStream: некорректное сообщение в %s: %v", msg.Subject, err)
			return
		}
		if !matchFilter(&ev, f) {
			return
		}
		h(ctx, &ev)
		jb.consumed.Add(1)
	}, nats.OrderedConsumer(), start, nats.BindStream(jb.stream))
	if err != nil {
		return nil, fmt.Errorf("jetstream subscribe %s: %w", subj, err)
	}

	sub := &jetSub{s: s}
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return sub, nil
}

type jetSub struct {
	s    *nats.Subscription
	done atomic.Bool
}

func (j *jetSub) Unsubscribe() {
	if j.done.CompareAndSwap(false, true) {
		_ = j.s.Unsubscribe()
	}
}

// Metrics счётчики шины. InFlight число обработчиков, работающих сейчас.
func (jb *JetStreamBus) Metrics() Stats {
	return Stats{
		Published: jb.published.Load(),
		Consumed:  jb.consumed.Load(),
		Dropped:   jb.dropped.Load(),
		InFlight:  int(jb.pending.Load()),
	}
}

// Close дожидается отправки буфера и закрывает соединение.
func (jb *JetStreamBus) Close() error {
	if err := jb.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}
