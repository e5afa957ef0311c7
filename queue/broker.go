// Package queue implements the Broker Controller: connection and channel
// lifecycle, exchange/queue topology declaration, and publish/consume
// operations for the tool-execution pipeline's AMQP transport.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"picturas.eve.evalgo.org/wireprotocol"
)

// ErrUnknownToolProcedure is returned by PublishRequest when no tool route
// is configured for the request's procedure.
var ErrUnknownToolProcedure = errors.New("unknown tool procedure")

// ErrConsumerClosed is returned by ResultsConsumer.Next once the broker's
// delivery channel has been closed (connection lost or Close called).
var ErrConsumerClosed = errors.New("results consumer closed")

// ToolRoute binds a procedure name to the durable queue and routing key it
// is published under.
type ToolRoute struct {
	Procedure  string
	QueueName  string
	RoutingKey string
}

// BrokerConfig configures the exchange/queue topology and connection
// parameters for the Broker Controller.
type BrokerConfig struct {
	URL               string
	Exchange          string
	ResultsQueue      string
	ResultsRoutingKey string
	Prefetch          int
	Tools             []ToolRoute
}

// Broker owns the AMQP connection, its single channel, and the declared
// exchange/queue topology described in BrokerConfig.
type Broker struct {
	conn        AMQPConnection
	ch          AMQPChannel
	config      BrokerConfig
	routingKeys map[string]string
	log         *logrus.Entry
}

// NewBroker dials the broker, opens one channel, sets the prefetch bound,
// and declares the full exchange/queue topology. The sequence is idempotent:
// re-running it against an already-configured broker re-declares the same
// durable entities without error.
func NewBroker(config BrokerConfig, dialer AMQPDialer, log *logrus.Entry) (*Broker, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "broker_controller")

	conn, err := dialer.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(config.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	if err := ch.ExchangeDeclare(config.Exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", config.Exchange, err)
	}

	routingKeys := make(map[string]string, len(config.Tools))
	for _, tool := range config.Tools {
		if _, err := ch.QueueDeclare(tool.QueueName, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("declare queue %q: %w", tool.QueueName, err)
		}
		if err := ch.QueueBind(tool.QueueName, tool.RoutingKey, config.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("bind queue %q: %w", tool.QueueName, err)
		}
		routingKeys[tool.Procedure] = tool.RoutingKey
		log.WithFields(logrus.Fields{"queue": tool.QueueName, "routing_key": tool.RoutingKey}).Info("declared tool queue")
	}

	if _, err := ch.QueueDeclare(config.ResultsQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare results queue: %w", err)
	}
	if err := ch.QueueBind(config.ResultsQueue, config.ResultsRoutingKey, config.Exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("bind results queue: %w", err)
	}

	return &Broker{
		conn:        conn,
		ch:          ch,
		config:      config,
		routingKeys: routingKeys,
		log:         log,
	}, nil
}

// HasRoute reports whether procedure has a declared tool queue. Callers
// that build a request chain ahead of time use this to validate every step
// before dispatching the first one.
func (b *Broker) HasRoute(procedure string) bool {
	_, ok := b.routingKeys[procedure]
	return ok
}

// Ping verifies the broker connection is still usable by inspecting the
// results queue, a cheap round trip that fails fast if the channel or
// connection has dropped.
func (b *Broker) Ping() error {
	_, err := b.ch.QueueInspect(b.config.ResultsQueue)
	return err
}

// PublishRequest looks up the routing key for the request's procedure and
// publishes the serialized request to the shared exchange.
func (b *Broker) PublishRequest(req wireprotocol.RequestMessage) error {
	key, ok := b.routingKeys[string(req.Procedure)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToolProcedure, req.Procedure)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	if err := b.ch.Publish(b.config.Exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		return fmt.Errorf("publish request: %w", err)
	}

	b.log.WithFields(logrus.Fields{"message_id": req.MessageID, "procedure": req.Procedure, "routing_key": key}).Debug("published request")
	return nil
}

// PublishResponse publishes a response to the results routing key on the
// shared exchange.
func (b *Broker) PublishResponse(resp wireprotocol.ResponseMessage) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	if err := b.ch.Publish(b.config.Exchange, b.config.ResultsRoutingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		return fmt.Errorf("publish response: %w", err)
	}

	b.log.WithFields(logrus.Fields{"message_id": resp.MessageID, "correlation_id": resp.CorrelationID, "status": resp.Status}).Debug("published response")
	return nil
}

// ConsumeTool registers a consumer on a tool's queue, yielding raw
// deliveries for the Tool Worker to decode and acknowledge itself.
func (b *Broker) ConsumeTool(queueName, consumerTag string) (<-chan amqp.Delivery, error) {
	return b.ch.Consume(queueName, consumerTag, false, false, false, false, nil)
}

// ResultsConsumer is a pull-style stream of decoded ResponseMessages from
// the results queue.
type ResultsConsumer struct {
	deliveries <-chan amqp.Delivery
	log        *logrus.Entry
}

// CreateResultsConsumer registers a consumer on the results queue with a
// server-assigned consumer tag.
func (b *Broker) CreateResultsConsumer() (*ResultsConsumer, error) {
	deliveries, err := b.ch.Consume(b.config.ResultsQueue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume results queue: %w", err)
	}
	return &ResultsConsumer{deliveries: deliveries, log: b.log}, nil
}

// Next advances the results stream, deserializing and acknowledging the
// next delivery. A malformed payload is returned as an error and left
// unacknowledged (it will be redelivered); ctx cancellation returns the
// context's error without consuming a delivery.
func (rc *ResultsConsumer) Next(ctx context.Context) (wireprotocol.ResponseMessage, error) {
	select {
	case <-ctx.Done():
		return wireprotocol.ResponseMessage{}, ctx.Err()
	case delivery, ok := <-rc.deliveries:
		if !ok {
			return wireprotocol.ResponseMessage{}, ErrConsumerClosed
		}

		var resp wireprotocol.ResponseMessage
		if err := json.Unmarshal(delivery.Body, &resp); err != nil {
			return wireprotocol.ResponseMessage{}, fmt.Errorf("malformed response message: %w", err)
		}

		if err := delivery.Ack(false); err != nil {
			rc.log.WithError(err).Warn("failed to ack results delivery")
		}

		return resp, nil
	}
}

// Close closes the broker's channel and connection.
func (b *Broker) Close() error {
	var firstErr error
	if b.ch != nil {
		if err := b.ch.Close(); err != nil {
			firstErr = err
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
