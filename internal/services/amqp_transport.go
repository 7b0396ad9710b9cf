package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
)

const (
	amqpPrefetch    = 10
	amqpMaxPriority = 9
)

var amqpDialRetry = lib.RetryConfig{MaxAttempts: 5, InitialBackoffMs: 500, MaxBackoffMs: 5000}

// Message header names carried next to the JSON body
const (
	HeaderJobID         = "JobId"
	HeaderSplitSize     = "SplitSize"
	HeaderTaskIndex     = "TaskIndex"
	HeaderActionIndex   = "ActionIndex"
	HeaderMediaID       = "MediaId"
	HeaderEmptySplit    = "EmptySplit"
	HeaderSuppressBcast = "SuppressBroadcast"
)

// AMQPTransport publishes work units to per-algorithm request queues and
// consumes worker responses from a single response queue
type AMQPTransport struct {
	conn          *amqp.Connection
	ch            *amqp.Channel
	responseQueue string
	responses     chan models.WorkResponse
	logger        *lib.Logger

	mu       sync.Mutex
	declared map[string]bool
	torn     *tombstones
	done     chan struct{}
	closed   bool
}

// NewAMQPTransport connects to the broker, declares the response queue and
// starts consuming it. Dialing is retried while the broker is unreachable.
func NewAMQPTransport(ctx context.Context, url string, responseQueue string, logger *lib.Logger) (*AMQPTransport, error) {
	if logger == nil {
		logger = lib.DefaultLogger
	}
	var conn *amqp.Connection
	attempt := 0
	err := lib.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		c, err := amqp.Dial(url)
		if err != nil {
			lib.LogRetry(logger, "dial broker", attempt, amqpDialRetry.MaxAttempts, err)
			attempt++
			return err
		}
		conn = c
		return nil
	}, amqpDialRetry, lib.IsNetworkError)
	if err != nil {
		return nil, lib.ErrNetworkUnreachable(url, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(responseQueue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", responseQueue, err)
	}
	if err := ch.Qos(amqpPrefetch, 0, false); err != nil {
		logger.Warn("Failed to set prefetch", "error", err)
	}

	deliveries, err := ch.Consume(responseQueue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to consume %s: %w", responseQueue, err)
	}

	t := &AMQPTransport{
		conn:          conn,
		ch:            ch,
		responseQueue: responseQueue,
		responses:     make(chan models.WorkResponse, amqpPrefetch),
		logger:        logger,
		declared:      map[string]bool{responseQueue: true},
		torn:          newTombstones(tombstoneGrace),
		done:          make(chan struct{}),
	}
	go t.consume(deliveries)
	return t, nil
}

func (t *AMQPTransport) Dispatch(ctx context.Context, units []models.WorkUnit) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, fmt.Errorf("transport is closed")
	}

	for sent, unit := range units {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := t.declare(unit.Destination); err != nil {
			return sent, err
		}
		msg, err := publishingFor(unit, t.responseQueue)
		if err != nil {
			return sent, err
		}
		if err := t.ch.Publish("", unit.Destination, false, false, msg); err != nil {
			return sent, fmt.Errorf("failed to publish to %s: %w", unit.Destination, err)
		}
	}
	return len(units), nil
}

// declare makes sure a request queue exists. Callers hold t.mu.
func (t *AMQPTransport) declare(queue string) error {
	if t.declared[queue] {
		return nil
	}
	args := amqp.Table{"x-max-priority": int32(amqpMaxPriority)}
	if _, err := t.ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	t.declared[queue] = true
	return nil
}

func (t *AMQPTransport) consume(deliveries <-chan amqp.Delivery) {
	defer close(t.responses)
	for d := range deliveries {
		resp, err := decodeResponse(d.Body, d.CorrelationId, d.Headers)
		if err != nil {
			t.logger.Warn("Dropping malformed response", "error", err)
			_ = d.Nack(false, false)
			continue
		}
		if t.isTornDown(resp.JobID) {
			_ = d.Ack(false)
			continue
		}
		select {
		case t.responses <- resp:
			_ = d.Ack(false)
		case <-t.done:
			_ = d.Nack(false, true)
			return
		}
	}
}

func (t *AMQPTransport) Responses() <-chan models.WorkResponse {
	return t.responses
}

func (t *AMQPTransport) Teardown(_ context.Context, jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.torn.add(jobID)
	return nil
}

func (t *AMQPTransport) isTornDown(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.torn.has(jobID)
}

func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.done)
	if t.ch != nil {
		_ = t.ch.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// publishingFor encodes a unit as a persistent JSON message
func publishingFor(unit models.WorkUnit, replyTo string) (amqp.Publishing, error) {
	body, err := json.Marshal(unit)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode work unit: %w", err)
	}
	priority := unit.Priority
	if priority < 0 {
		priority = 0
	}
	if priority > amqpMaxPriority {
		priority = amqpMaxPriority
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Priority:      uint8(priority),
		CorrelationId: unit.CorrelationID,
		ReplyTo:       replyTo,
		Headers:       unitHeaders(unit),
		Body:          body,
	}, nil
}

// unitHeaders copies the routing fields of a unit into message headers
func unitHeaders(unit models.WorkUnit) amqp.Table {
	return amqp.Table{
		HeaderJobID:       unit.JobID,
		HeaderSplitSize:   int32(unit.SplitSize),
		HeaderTaskIndex:   int32(unit.TaskIndex),
		HeaderActionIndex: int32(unit.ActionIndex),
		HeaderMediaID:     unit.MediaID,
		HeaderEmptySplit:  unit.EmptySplit,
	}
}

// decodeResponse reads a worker response. Routing fields missing from the
// body are taken from the message properties and headers.
func decodeResponse(body []byte, correlationID string, headers amqp.Table) (models.WorkResponse, error) {
	var resp models.WorkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("invalid response body: %w", err)
	}
	if resp.CorrelationID == "" {
		resp.CorrelationID = correlationID
	}
	if resp.JobID == "" {
		resp.JobID, _ = headers[HeaderJobID].(string)
	}
	if resp.SplitSize == 0 {
		resp.SplitSize = headerInt(headers, HeaderSplitSize)
	}
	if resp.MediaID == 0 {
		resp.MediaID = int64(headerInt(headers, HeaderMediaID))
	}
	if v, ok := headers[HeaderTaskIndex]; ok && resp.TaskIndex == 0 {
		resp.TaskIndex = toInt(v)
	}
	if v, ok := headers[HeaderActionIndex]; ok && resp.ActionIndex == 0 {
		resp.ActionIndex = toInt(v)
	}
	if v, ok := headers[HeaderSuppressBcast].(bool); ok && v {
		resp.SuppressBroadcast = true
	}
	if v, ok := headers[HeaderEmptySplit].(bool); ok && v {
		resp.EmptySplit = true
	}

	if resp.CorrelationID == "" || resp.JobID == "" {
		return resp, fmt.Errorf("response without correlation id or job id")
	}
	if resp.SplitSize < 1 {
		return resp, fmt.Errorf("response %s has invalid split size %d", resp.CorrelationID, resp.SplitSize)
	}
	return resp, nil
}

func headerInt(headers amqp.Table, key string) int {
	v, ok := headers[key]
	if !ok {
		return 0
	}
	return toInt(v)
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
