// Package toolworker implements the Tool Worker: one goroutine per
// configured tool consumes its durable queue, applies the matching image
// operation through a bounded worker pool, and publishes the result back to
// the Broker Controller's results queue.
package toolworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"picturas.eve.evalgo.org/imageops"
	"picturas.eve.evalgo.org/queue"
	"picturas.eve.evalgo.org/wireprotocol"
)

// Config configures one Tool Worker instance: which queue it consumes and
// how it identifies itself in published responses.
type Config struct {
	Route        queue.ToolRoute
	ConsumerTag  string
	Microservice string
	PoolSize     int
}

// Worker consumes deliveries for a single tool queue and drives them through
// imageops via a bounded pool.
type Worker struct {
	broker *queue.Broker
	pool   *Pool
	config Config
	log    *logrus.Entry
}

// New constructs a Worker bound to broker, spinning up its own processing
// pool of config.PoolSize goroutines.
func New(broker *queue.Broker, config Config, log *logrus.Entry) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		broker: broker,
		pool:   NewPool(config.PoolSize),
		config: config,
		log:    log.WithField("tool", config.Route.Procedure),
	}
}

// Run consumes the worker's queue until ctx is cancelled or the broker
// closes the delivery channel.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.broker.ConsumeTool(w.config.Route.QueueName, w.config.ConsumerTag)
	if err != nil {
		return fmt.Errorf("consume %s: %w", w.config.Route.QueueName, err)
	}

	for {
		select {
		case <-ctx.Done():
			w.pool.Close()
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				w.pool.Close()
				return nil
			}
			d := delivery
			w.pool.Submit(func() { w.handleDelivery(d) })
		}
	}
}

func (w *Worker) handleDelivery(d amqp.Delivery) {
	start := time.Now()

	var req wireprotocol.RequestMessage
	if err := json.Unmarshal(d.Body, &req); err != nil {
		w.log.WithError(err).Warn("discarding malformed request delivery")
		if err := d.Ack(false); err != nil {
			w.log.WithError(err).Warn("failed to ack malformed delivery")
		}
		return
	}

	log := w.log.WithFields(logrus.Fields{"message_id": req.MessageID, "input": req.InputImageURI})

	resp := w.process(req, start)

	if err := w.broker.PublishResponse(resp); err != nil {
		log.WithError(err).Error("failed to publish response")
	}
	if err := d.Ack(false); err != nil {
		log.WithError(err).Warn("failed to ack delivery")
	}
}

func (w *Worker) process(req wireprotocol.RequestMessage, start time.Time) wireprotocol.ResponseMessage {
	elapsed := func() float64 { return time.Since(start).Seconds() }

	raw, err := os.ReadFile(req.InputImageURI)
	if err != nil {
		return wireprotocol.NewErrorResponse(uuid.NewString(), req.MessageID, wireprotocol.ErrorCodeImageOpen, err.Error(), elapsed(), w.config.Microservice)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return wireprotocol.NewErrorResponse(uuid.NewString(), req.MessageID, wireprotocol.ErrorCodeImageOpen, err.Error(), elapsed(), w.config.Microservice)
	}
	img = imageops.CorrectOrientation(img, raw)

	result, err := imageops.Apply(req.Procedure, req.Params, img)
	if err != nil {
		return wireprotocol.NewErrorResponse(uuid.NewString(), req.MessageID, wireprotocol.ErrorCodeToolApplyFailure, err.Error(), elapsed(), w.config.Microservice)
	}

	if req.Procedure.ProducesText() {
		return wireprotocol.NewTextResponse(uuid.NewString(), req.MessageID, result.Text, elapsed(), w.config.Microservice)
	}

	if req.OutputImageURI == "" {
		return wireprotocol.NewErrorResponse(uuid.NewString(), req.MessageID, wireprotocol.ErrorCodeMissingOutput, "request has no outputImageURI", elapsed(), w.config.Microservice)
	}

	if err := os.MkdirAll(filepath.Dir(req.OutputImageURI), 0o755); err != nil {
		return wireprotocol.NewErrorResponse(uuid.NewString(), req.MessageID, wireprotocol.ErrorCodeImageSave, err.Error(), elapsed(), w.config.Microservice)
	}

	out, err := os.Create(req.OutputImageURI)
	if err != nil {
		return wireprotocol.NewErrorResponse(uuid.NewString(), req.MessageID, wireprotocol.ErrorCodeImageSave, err.Error(), elapsed(), w.config.Microservice)
	}
	defer out.Close()

	if err := png.Encode(out, result.Image); err != nil {
		return wireprotocol.NewErrorResponse(uuid.NewString(), req.MessageID, wireprotocol.ErrorCodeImageSave, err.Error(), elapsed(), w.config.Microservice)
	}

	return wireprotocol.NewImageResponse(uuid.NewString(), req.MessageID, req.OutputImageURI, elapsed(), w.config.Microservice)
}
