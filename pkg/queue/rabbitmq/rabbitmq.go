package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/velotest/velotest/pkg/queue"
)

const (
	accountingExchange = "accounting_events_exchange"
	exchangeType       = "direct"
	reconcileQueue     = "accounting.reconcile"
	contentTypeJSON    = "application/json"
)

// Ensure Publisher implements queue.Publisher interface at compile time
var _ queue.Publisher = (*Publisher)(nil)

// Publisher emits accounting reconciliation events to RabbitMQ. Channels are
// opened per publish; only the connection is shared.
type Publisher struct {
	conn   *amqp.Connection
	logger *slog.Logger
}

// NewPublisher connects to RabbitMQ and declares the accounting exchange.
func NewPublisher(url string, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	logger.Info("RabbitMQ connection established")

	closeChan := make(chan *amqp.Error)
	conn.NotifyClose(closeChan)
	go func() {
		amqpErr := <-closeChan
		if amqpErr != nil {
			logger.Error("RabbitMQ connection closed unexpectedly", slog.String("error", amqpErr.Error()))
		} else {
			logger.Info("RabbitMQ connection closed normally")
		}
	}()

	p := &Publisher{conn: conn, logger: logger}
	if err := p.declareTopology(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// declareTopology ensures the exchange and the reconcile queue exist, using a
// temporary channel.
func (p *Publisher) declareTopology() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel for topology declare: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		accountingExchange, // name
		exchangeType,       // type
		true,               // durable
		false,              // auto-deleted
		false,              // internal
		false,              // no-wait
		nil,                // arguments
	); err != nil {
		return fmt.Errorf("failed to declare exchange '%s': %w", accountingExchange, err)
	}

	if _, err := ch.QueueDeclare(
		reconcileQueue, // name
		true,           // durable
		false,          // delete when unused
		false,          // exclusive
		false,          // no-wait
		nil,            // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue '%s': %w", reconcileQueue, err)
	}
	if err := ch.QueueBind(reconcileQueue, reconcileQueue, accountingExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue '%s': %w", reconcileQueue, err)
	}

	p.logger.Info("Declared accounting exchange", slog.String("exchange", accountingExchange))
	return nil
}

// PublishAccountingEvent emits one reconciliation event. The message is
// persistent so the audit job sees it across broker restarts.
func (p *Publisher) PublishAccountingEvent(ctx context.Context, event queue.AccountingEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal accounting event: %w", err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel for publish: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx,
		accountingExchange, // exchange
		reconcileQueue,     // routing key
		false,              // mandatory
		false,              // immediate
		amqp.Publishing{
			ContentType:  contentTypeJSON,
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish accounting event for run %s: %w", event.TestRunID, err)
	}
	p.logger.Info("Published accounting reconciliation event",
		slog.String("test_run_id", event.TestRunID),
		slog.String("owner_id", event.OwnerID),
	)
	return nil
}

// Close closes the RabbitMQ connection.
func (p *Publisher) Close() error {
	p.logger.Info("Closing RabbitMQ connection")
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Error("Failed to close RabbitMQ connection", slog.String("error", err.Error()))
			return err
		}
	}
	return nil
}
