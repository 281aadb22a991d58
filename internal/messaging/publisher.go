// Package messaging publishes ledger events to a message broker.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// ErrPublisherClosed is returned by Publish after Close
var ErrPublisherClosed = errors.New("publisher closed")

// Publisher sends ledger events to downstream consumers
type Publisher interface {
	Publish(ctx context.Context, event *types.Event) error
	PublishTransaction(ctx context.Context, network types.Network, tx types.Transaction) error
	PublishAccounts(ctx context.Context, network types.Network, accounts []types.Account) error
	Close() error
}

// TransactionObserved is the payload of a transaction.observed event
type TransactionObserved struct {
	Network     types.Network         `json:"network"`
	Transaction types.TransactionView `json:"transaction"`
}

// AccountsUpdated is the payload of an accounts.updated event
type AccountsUpdated struct {
	Network  types.Network       `json:"network"`
	Accounts []types.AccountView `json:"accounts"`
}

// NewTransactionEvent builds a transaction.observed event
func NewTransactionEvent(network types.Network, tx types.Transaction) *types.Event {
	return &types.Event{
		Type: types.EventTypeTransactionObserved,
		Payload: TransactionObserved{
			Network:     network,
			Transaction: types.NewTransactionView(tx),
		},
		Timestamp: time.Now(),
		Source:    string(network),
	}
}

// NewAccountsEvent builds an accounts.updated event
func NewAccountsEvent(network types.Network, accounts []types.Account) *types.Event {
	return &types.Event{
		Type: types.EventTypeAccountsUpdated,
		Payload: AccountsUpdated{
			Network:  network,
			Accounts: types.NewAccountViews(accounts),
		},
		Timestamp: time.Now(),
		Source:    string(network),
	}
}

// RoutingKey is the topic an event is published under, e.g. transaction.observed.main
func RoutingKey(event *types.Event) string {
	return fmt.Sprintf("%s.%s", event.Type, event.Source)
}

// RabbitMQPublisher publishes persistent JSON messages to a topic exchange
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	exchange string
	logger   *logrus.Logger

	mu      sync.Mutex
	channel *amqp.Channel
}

// NewRabbitMQPublisher connects to url and declares the exchange
func NewRabbitMQPublisher(url, exchange string, logger *logrus.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	p := &RabbitMQPublisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		logger:   logger,
	}
	go p.watchConnection(conn)

	return p, nil
}

func (p *RabbitMQPublisher) watchConnection(conn *amqp.Connection) {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	for err := range notify {
		if err != nil {
			p.logger.WithFields(logrus.Fields{
				"code":   err.Code,
				"reason": err.Reason,
			}).Error("RabbitMQ connection closed")
		}
	}
}

// Publish sends event to the exchange under RoutingKey(event)
func (p *RabbitMQPublisher) Publish(ctx context.Context, event *types.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := RoutingKey(event)
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    event.Timestamp,
		MessageId:    uuid.NewString(),
		Type:         event.Type,
		DeliveryMode: amqp.Persistent,
	}

	p.mu.Lock()
	if p.channel == nil {
		p.mu.Unlock()
		return ErrPublisherClosed
	}
	err = p.channel.Publish(p.exchange, key, false, false, msg)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"event_type":  event.Type,
		"routing_key": key,
		"message_id":  msg.MessageId,
	}).Debug("Event published")

	return nil
}

func (p *RabbitMQPublisher) PublishTransaction(ctx context.Context, network types.Network, tx types.Transaction) error {
	return p.Publish(ctx, NewTransactionEvent(network, tx))
}

func (p *RabbitMQPublisher) PublishAccounts(ctx context.Context, network types.Network, accounts []types.Account) error {
	return p.Publish(ctx, NewAccountsEvent(network, accounts))
}

// Close closes the channel and the connection
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

// NoOpPublisher discards every event
type NoOpPublisher struct{}

func (NoOpPublisher) Publish(ctx context.Context, event *types.Event) error { return nil }

func (NoOpPublisher) PublishTransaction(ctx context.Context, network types.Network, tx types.Transaction) error {
	return nil
}

func (NoOpPublisher) PublishAccounts(ctx context.Context, network types.Network, accounts []types.Account) error {
	return nil
}

func (NoOpPublisher) Close() error { return nil }
