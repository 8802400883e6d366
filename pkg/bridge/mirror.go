package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"github.com/arzzra/callbridge/pkg/callevent"
)

// Mirror получает копию каждого доставленного события
type Mirror interface {
	Publish(ev callevent.Event) error
	Close() error
}

// publisher часть amqp.Channel, которая нужна зеркалу
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPMirror публикует события JSON сообщениями в durable очередь
type AMQPMirror struct {
	conn   *amqp.Connection
	ch     publisher
	queue  string
	logger *slog.Logger
}

// DialAMQP подключается к брокеру и объявляет очередь
func DialAMQP(url, queue string) (*AMQPMirror, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к AMQP: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка открытия канала AMQP: %w", err)
	}
	q, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("ошибка объявления очереди %s: %w", queue, err)
	}

	m := newAMQPMirror(ch, q.Name)
	m.conn = conn
	m.logger.Info("AMQP зеркало событий подключено",
		slog.String("queue", q.Name),
		slog.Int("consumers", q.Consumers),
	)
	return m, nil
}

func newAMQPMirror(ch publisher, queue string) *AMQPMirror {
	return &AMQPMirror{
		ch:     ch,
		queue:  queue,
		logger: slog.Default().With(slog.String("component", "amqp-mirror")),
	}
}

func (m *AMQPMirror) Publish(ev callevent.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ошибка сериализации события: %w", err)
	}
	err = m.ch.Publish(
		"",      // exchange по умолчанию
		m.queue, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.Timestamp,
			Type:         string(ev.Type),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("ошибка публикации в %s: %w", m.queue, err)
	}
	return nil
}

func (m *AMQPMirror) Close() error {
	err := m.ch.Close()
	if m.conn != nil {
		if cerr := m.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// mirrorPump публикует события в зеркало из своей горутины; актор сессии
// брокер не ждет. При переполнении очереди событие теряется.
type mirrorPump struct {
	mirror Mirror
	queue  chan callevent.Event
	done   chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	dropped int
}

func newMirrorPump(m Mirror, size int, logger *slog.Logger) *mirrorPump {
	p := &mirrorPump{
		mirror: m,
		queue:  make(chan callevent.Event, size),
		done:   make(chan struct{}),
		logger: logger,
	}
	go p.run()
	return p
}

func (p *mirrorPump) push(ev callevent.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.dropped++
		p.logger.Warn("очередь зеркала переполнена, событие отброшено",
			slog.String("type", string(ev.Type)),
			slog.String("call_id", ev.CallID),
			slog.Int("dropped", p.dropped),
		)
	}
}

func (p *mirrorPump) run() {
	defer close(p.done)
	for ev := range p.queue {
		if err := p.mirror.Publish(ev); err != nil {
			p.logger.Warn("Зеркало не приняло событие",
				slog.String("type", string(ev.Type)),
				slog.Any("error", err),
			)
		}
	}
}

// Close дожидается публикации уже принятых событий и закрывает зеркало
func (p *mirrorPump) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
	return p.mirror.Close()
}
