// Package natsbridge delivers resume signals published on NATS to a
// flowgraph engine.
//
// A Message naming an instance and activity resumes that activity only;
// a Message with just a correlation key signals every idle instance
// awaiting it. When the publisher used request/reply, the outcome is sent
// back as a JSON Reply.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/petrijr/flowgraph/pkg/api"
	"github.com/petrijr/flowgraph/pkg/worker"
)

const (
	DefaultSubject = "flowgraph.signals"
	DefaultQueue   = "flowgraph"
)

// ErrInvalidMessage is returned for messages that cannot be dispatched.
var ErrInvalidMessage = errors.New("invalid signal message")

// Message is the JSON body of a signal.
type Message struct {
	CorrelationKey string `json:"correlation_key"`
	InstanceID     string `json:"instance_id,omitempty"`
	ActivityID     string `json:"activity_id,omitempty"`
	Payload        any    `json:"payload,omitempty"`
}

// Result is the outcome of one resumed instance.
type Result struct {
	InstanceID string         `json:"instance_id"`
	Code       api.ResultCode `json:"code"`
	Status     api.Status     `json:"status"`
}

// Reply is sent to the reply subject of a request.
type Reply struct {
	TaskID  string   `json:"task_id,omitempty"`
	Results []Result `json:"results,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Config configures a Bridge.
type Config struct {
	// Subject to subscribe to. Defaults to DefaultSubject.
	Subject string
	// Queue group shared by all bridges of a deployment, so each message
	// is handled once. Defaults to DefaultQueue.
	Queue string
	// HandlerTimeout bounds the engine call made for one message.
	// Defaults to 30s.
	HandlerTimeout time.Duration
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Bridge subscribes to a NATS subject and turns messages into Resume or
// Signal calls.
type Bridge struct {
	nc     *nats.Conn
	engine api.Engine
	worker *worker.Worker
	cfg    Config
}

// New creates a Bridge calling eng directly.
func New(nc *nats.Conn, eng api.Engine, cfg Config) *Bridge {
	return &Bridge{nc: nc, engine: eng, cfg: cfg.withDefaults()}
}

// NewQueued creates a Bridge that enqueues a task on w for every message
// instead of running the pass on the NATS delivery goroutine.
func NewQueued(nc *nats.Conn, w *worker.Worker, cfg Config) *Bridge {
	return &Bridge{nc: nc, worker: w, cfg: cfg.withDefaults()}
}

// Subscribe starts consuming messages. Drain or unsubscribe the returned
// subscription to stop.
func (b *Bridge) Subscribe() (*nats.Subscription, error) {
	sub, err := b.nc.QueueSubscribe(b.cfg.Subject, b.cfg.Queue, b.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", b.cfg.Subject, err)
	}
	return sub, nil
}

func (b *Bridge) handle(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
	defer cancel()

	reply, err := b.Process(ctx, msg.Data)
	if err != nil {
		b.cfg.Logger.Error("signal_failed",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()),
		)
		reply.Error = err.Error()
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		b.cfg.Logger.Error("signal_reply_encode_failed", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		b.cfg.Logger.Warn("signal_reply_failed", slog.String("error", err.Error()))
	}
}

// Process decodes and dispatches one message body.
func (b *Bridge) Process(ctx context.Context, data []byte) (Reply, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.InstanceID != "" && m.ActivityID == "" {
		return Reply{}, fmt.Errorf("%w: instance_id requires activity_id", ErrInvalidMessage)
	}
	if m.InstanceID == "" && m.CorrelationKey == "" {
		return Reply{}, fmt.Errorf("%w: correlation_key is required", ErrInvalidMessage)
	}

	if b.worker != nil {
		return b.enqueue(ctx, m)
	}

	if m.InstanceID != "" {
		res, err := b.engine.Resume(ctx, m.InstanceID, m.ActivityID, m.CorrelationKey, m.Payload)
		reply := Reply{}
		if res != nil {
			reply.Results = []Result{result(res)}
		}
		return reply, err
	}

	results, err := b.engine.Signal(ctx, m.CorrelationKey, m.Payload)
	reply := Reply{Results: make([]Result, 0, len(results))}
	for _, res := range results {
		reply.Results = append(reply.Results, result(res))
	}
	return reply, err
}

func (b *Bridge) enqueue(ctx context.Context, m Message) (Reply, error) {
	var (
		id  string
		err error
	)
	if m.InstanceID != "" {
		id, err = b.worker.EnqueueResume(ctx, m.InstanceID, m.ActivityID, m.CorrelationKey, m.Payload)
	} else {
		id, err = b.worker.EnqueueSignal(ctx, m.CorrelationKey, m.Payload)
	}
	if err != nil {
		return Reply{}, fmt.Errorf("enqueue signal: %w", err)
	}
	return Reply{TaskID: id}, nil
}

func result(res *api.RunResult) Result {
	r := Result{Code: res.Code}
	if res.Instance != nil {
		r.InstanceID = res.Instance.ID
		r.Status = res.Instance.Status
	}
	return r
}
