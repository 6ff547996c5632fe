// Package jobevents publishes job lifecycle transitions to Kafka.
package jobevents

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// Event is the JSON value of one message. Messages are keyed by JobID.
type Event struct {
	JobID    string    `json:"job_id"`
	Kind     string    `json:"kind"`
	Status   string    `json:"status"`
	Progress float64   `json:"progress"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Sink receives lifecycle events. Publish must not block.
type Sink interface {
	Publish(ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

type Config struct {
	Brokers []string
	Topic   string
	// Queue bounds the events buffered ahead of the producer; 0 means 1024.
	Queue int
}

// Publisher forwards events to a sarama async producer from a single
// goroutine. When the buffer is full new events are dropped and counted.
type Publisher struct {
	topic   string
	queue   chan Event
	prod    sarama.AsyncProducer
	log     *slog.Logger
	dropped atomic.Int64
	done    chan struct{}
}

func NewPublisher(cfg Config, log *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("jobevents: brokers and topic are required")
	}
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.ClientID = "nongview"
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Return.Errors = true
	// one job, one partition: consumers see its transitions in order
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	prod, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("jobevents: producer for %v: %w", cfg.Brokers, err)
	}
	return start(prod, cfg.Topic, cfg.Queue, log), nil
}

func start(prod sarama.AsyncProducer, topic string, queue int, log *slog.Logger) *Publisher {
	if queue <= 0 {
		queue = 1024
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	p := &Publisher{
		topic: topic,
		queue: make(chan Event, queue),
		prod:  prod,
		log:   log.With("component", "jobevents", "topic", topic),
		done:  make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Publisher) run() {
	defer close(p.done)
	errs := p.prod.Errors()
	for {
		select {
		case ev, ok := <-p.queue:
			if !ok {
				p.prod.AsyncClose()
				for err := range errs {
					p.failed(err)
				}
				return
			}
			msg, err := p.message(ev)
			if err != nil {
				p.log.Warn("event not encodable", "job_id", ev.JobID, "err", err)
				continue
			}
			// keep draining errors while the producer applies backpressure
			for sent := false; !sent; {
				select {
				case p.prod.Input() <- msg:
					sent = true
				case err := <-errs:
					p.failed(err)
				}
			}
		case err := <-errs:
			p.failed(err)
		}
	}
}

func (p *Publisher) message(ev Event) (*sarama.ProducerMessage, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.JobID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(ev.Kind)},
			{Key: []byte("status"), Value: []byte(ev.Status)},
		},
		Timestamp: ev.At,
	}, nil
}

func (p *Publisher) failed(err *sarama.ProducerError) {
	if err == nil {
		return
	}
	var id string
	if err.Msg != nil && err.Msg.Key != nil {
		if k, encErr := err.Msg.Key.Encode(); encErr == nil {
			id = string(k)
		}
	}
	p.log.Warn("event not delivered", "job_id", id, "err", err.Err)
}

// Publish enqueues ev without blocking. Lifecycle state is persisted by the
// job store before events are emitted, so a dropped event loses nothing.
func (p *Publisher) Publish(ev Event) {
	select {
	case p.queue <- ev:
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			p.log.Warn("event queue full, dropping", "job_id", ev.JobID, "dropped_total", n)
		}
	}
}

// Dropped reports how many events Publish discarded.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Close flushes queued events and shuts the producer down. Delivery
// failures during the flush are logged, not returned.
func (p *Publisher) Close() error {
	close(p.queue)
	<-p.done
	return nil
}
