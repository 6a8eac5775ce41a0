package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/training-portal/internal/session"
)

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type dialFunc func(url string) (channel, io.Closer, error)

func dialAMQP(url string) (channel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, conn, nil
}

// Publisher sends session events to RabbitMQ.  Notify never blocks the
// session: events are buffered and dropped when the buffer is full or the
// broker is unreachable.
type Publisher struct {
	url     string
	queue   string
	log     echo.Logger
	events  chan SessionEvent
	dial    dialFunc
	retry   time.Duration
	dropped atomic.Int64
}

// NewPublisher returns a publisher; call Run to start delivering.
func NewPublisher(url, queue string, buffer int, logger echo.Logger) *Publisher {
	if queue == "" {
		queue = DefaultQueue
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Publisher{
		url:    url,
		queue:  queue,
		log:    logger,
		events: make(chan SessionEvent, buffer),
		dial:   dialAMQP,
		retry:  5 * time.Second,
	}
}

var _ session.Notifier = (*Publisher)(nil)

// Notify implements session.Notifier.
func (p *Publisher) Notify(_ context.Context, t session.Transition) {
	select {
	case p.events <- FromTransition(t):
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns how many events were not delivered.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Run delivers buffered events until ctx is done.  The connection is opened
// lazily and reopened after a failure, at most once per retry interval;
// events arriving while the broker is down are dropped.
func (p *Publisher) Run(ctx context.Context) {
	var (
		ch         channel
		conn       io.Closer
		lastFailed time.Time
	)
	closeConn := func() {
		if ch != nil {
			_ = ch.Close()
		}
		if conn != nil {
			_ = conn.Close()
		}
		ch, conn = nil, nil
	}
	defer closeConn()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			if ch == nil {
				if time.Since(lastFailed) < p.retry {
					p.dropped.Add(1)
					continue
				}
				var err error
				if ch, conn, err = p.connect(); err != nil {
					p.log.Warnf("rabbitmq: connect failed: %v", err)
					lastFailed = time.Now()
					p.dropped.Add(1)
					continue
				}
			}
			if err := p.publish(ctx, ch, ev); err != nil {
				p.log.Warnf("rabbitmq: publish failed: %v", err)
				p.dropped.Add(1)
				closeConn()
				lastFailed = time.Now()
			}
		}
	}
}

func (p *Publisher) connect() (channel, io.Closer, error) {
	ch, conn, err := p.dial(p.url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	// Durable so events survive broker restarts.
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("queue declare: %w", err)
	}
	return ch, conn, nil
}

func (p *Publisher) publish(ctx context.Context, ch channel, ev SessionEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         "session." + ev.Reason,
		Body:         body,
	})
}
