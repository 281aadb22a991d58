package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/igwedaniel/ledgerwatch/internal/config"
	"github.com/igwedaniel/ledgerwatch/internal/messaging"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var bindings = []string{
	types.EventTypeTransactionObserved + ".*",
	types.EventTypeAccountsUpdated + ".*",
}

type envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// Listener prints ledger events from the exchange
type Listener struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     config.RabbitMQConfig
	logger  *logrus.Logger
}

func NewListener(cfg config.RabbitMQConfig, logger *logrus.Logger) (*Listener, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.Qos(cfg.PrefetchCount, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch count: %w", err)
	}

	return &Listener{conn: conn, channel: channel, cfg: cfg, logger: logger}, nil
}

// Start binds an exclusive queue to every ledger event and consumes until ctx is done
func (l *Listener) Start(ctx context.Context) (<-chan struct{}, error) {
	if err := l.channel.ExchangeDeclare(l.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	name := fmt.Sprintf("%s.tx-listener.%d", l.cfg.QueuePrefix, os.Getpid())
	queue, err := l.channel.QueueDeclare(name, false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, key := range bindings {
		if err := l.channel.QueueBind(queue.Name, key, l.cfg.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	msgs, err := l.channel.ConsumeWithContext(ctx, queue.Name, "", false, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	l.logger.WithFields(logrus.Fields{
		"exchange": l.cfg.Exchange,
		"queue":    queue.Name,
		"bindings": bindings,
	}).Info("Listener started")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				l.handle(msg)
				if err := msg.Ack(false); err != nil {
					l.logger.Warnf("Failed to ack message: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return done, nil
}

func (l *Listener) handle(msg amqp.Delivery) {
	received := time.Now()

	var env envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		l.logger.WithFields(logrus.Fields{
			"error": err,
			"body":  string(msg.Body),
		}).Error("Failed to parse event envelope")
		return
	}

	log := l.logger.WithFields(logrus.Fields{
		"routing_key": msg.RoutingKey,
		"message_id":  msg.MessageId,
		"network":     env.Source,
		"delay":       received.Sub(env.Timestamp),
	})

	switch env.Type {
	case types.EventTypeTransactionObserved:
		var p messaging.TransactionObserved
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.WithField("error", err).Error("Failed to parse transaction payload")
			return
		}
		tx := p.Transaction
		log.WithFields(logrus.Fields{
			"hash":      tx.Hash,
			"sender":    tx.Sender,
			"recipient": tx.Recipient,
			"value":     tx.Value,
			"state":     tx.State,
			"block":     tx.BlockHeight,
		}).Info("Transaction observed")

	case types.EventTypeAccountsUpdated:
		var p messaging.AccountsUpdated
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.WithField("error", err).Error("Failed to parse accounts payload")
			return
		}
		for _, acc := range p.Accounts {
			log.WithFields(logrus.Fields{
				"address": acc.Address,
				"label":   acc.Label,
				"type":    acc.Type,
				"balance": acc.Balance,
			}).Info("Account")
		}

	default:
		log.WithField("type", env.Type).Debug("Ignoring unknown event")
	}
}

func (l *Listener) Close() error {
	if l.channel != nil {
		l.channel.Close()
	}
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	if cfg.RabbitMQ.URL == "" {
		logger.Fatal("rabbitmq.url is not set (RABBITMQ_URL)")
	}

	listener, err := NewListener(cfg.RabbitMQ, logger)
	if err != nil {
		logger.Fatalf("Failed to create listener: %v", err)
	}
	defer listener.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done, err := listener.Start(ctx)
	if err != nil {
		logger.Fatalf("Failed to start listener: %v", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case <-done:
		logger.Warn("Delivery channel closed")
	}
	logger.Info("Listener stopped")
}
