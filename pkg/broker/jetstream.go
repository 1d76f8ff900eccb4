package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
)

const (
	taskStream    = "ENGRAM_TASKS"
	deadStream    = "ENGRAM_DEAD"
	taskSubjects  = "engram.tasks.>"
	deadSubjects  = "engram.dead.>"
	taskSubjectNS = "engram.tasks."
	deadSubjectNS = "engram.dead."
)

// JetStreamBroker implements Broker on NATS JetStream work queues.
// Each queue is a filtered durable consumer on one stream; leasing is
// the consumer's AckWait, retry delay is a NAK with delay, and burial
// republishes onto a dead letter stream before terminating delivery.
type JetStreamBroker struct {
	logger    *log.Logger
	js        jetstream.JetStream
	consumers map[string]jetstream.Consumer
	cfg       JetStreamConfig
}

type JetStreamConfig struct {
	// Queues to provision consumers for.
	Queues []string
	// Visibility is how long a leased task stays invisible before the
	// server redelivers it (consumer AckWait). Must exceed the hard
	// task limit or a slow task gets double-executed.
	Visibility time.Duration
	// MaxDeliver caps total deliveries (first attempt plus retries).
	MaxDeliver int
}

func NewJetStreamBroker(ctx context.Context, logger *log.Logger, nc *nats.Conn, cfg JetStreamConfig) (*JetStreamBroker, error) {
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{QueueFree, QueuePro}
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 5 * time.Minute
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 4
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, errors.Wrap(err, "creating jetstream context")
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      taskStream,
		Subjects:  []string{taskSubjects},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating task stream")
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     deadStream,
		Subjects: []string{deadSubjects},
		Storage:  jetstream.FileStorage,
		MaxAge:   14 * 24 * time.Hour,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating dead letter stream")
	}

	b := &JetStreamBroker{
		logger:    logger,
		js:        js,
		consumers: make(map[string]jetstream.Consumer, len(cfg.Queues)),
		cfg:       cfg,
	}

	for _, queue := range cfg.Queues {
		consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       "workers_" + queue,
			FilterSubject: taskSubjectNS + queue,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       cfg.Visibility,
			MaxDeliver:    cfg.MaxDeliver,
			MaxAckPending: -1,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "creating consumer for queue %s", queue)
		}
		b.consumers[queue] = consumer
	}

	logger.Info("task broker ready", "queues", cfg.Queues, "visibility", cfg.Visibility, "max_deliver", cfg.MaxDeliver)
	return b, nil
}

func (b *JetStreamBroker) Enqueue(ctx context.Context, task *Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	if _, ok := b.consumers[task.Queue]; !ok {
		return errors.Errorf("unknown queue %q", task.Queue)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "encoding task")
	}
	_, err = b.js.Publish(ctx, taskSubjectNS+task.Queue, data)
	if err != nil {
		return errors.Wrapf(err, "publishing task to %s", task.Queue)
	}
	b.logger.Debug("task enqueued", "task_id", task.ID, "kind", task.Kind, "queue", task.Queue)
	return nil
}

func (b *JetStreamBroker) Dequeue(ctx context.Context, queue string, maxWait time.Duration) (Delivery, error) {
	consumer, ok := b.consumers[queue]
	if !ok {
		return nil, errors.Errorf("unknown queue %q", queue)
	}
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}

	batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, errors.Wrapf(err, "fetching from %s", queue)
	}

	var msg jetstream.Msg
	for m := range batch.Messages() {
		msg = m
	}
	if err := batch.Error(); err != nil {
		return nil, errors.Wrapf(err, "draining fetch from %s", queue)
	}
	if msg == nil {
		return nil, nil
	}

	var task Task
	if err := json.Unmarshal(msg.Data(), &task); err != nil {
		// A poisoned envelope can never execute; send it straight to
		// the dead letter stream.
		b.logger.Error("undecodable task envelope, burying", "queue", queue, "error", err)
		_, _ = b.js.Publish(ctx, deadSubjectNS+queue, msg.Data())
		_ = msg.Term()
		return nil, nil
	}

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	return &jsDelivery{broker: b, msg: msg, task: &task, attempt: attempt}, nil
}

func (b *JetStreamBroker) Close() {}

type jsDelivery struct {
	broker  *JetStreamBroker
	msg     jetstream.Msg
	task    *Task
	attempt int
}

func (d *jsDelivery) Task() *Task  { return d.task }
func (d *jsDelivery) Attempt() int { return d.attempt }

func (d *jsDelivery) Ack() error {
	return d.msg.Ack()
}

func (d *jsDelivery) Retry(delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}

func (d *jsDelivery) Bury() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, err := json.Marshal(d.task)
	if err != nil {
		data = d.msg.Data()
	}
	if _, err := d.broker.js.Publish(ctx, deadSubjectNS+d.task.Queue, data); err != nil {
		return errors.Wrap(err, "publishing to dead letter stream")
	}
	d.broker.logger.Warn("task buried", "task_id", d.task.ID, "kind", d.task.Kind, "queue", d.task.Queue, "attempt", d.attempt)
	return d.msg.Term()
}

func (d *jsDelivery) Extend() error {
	return d.msg.InProgress()
}
