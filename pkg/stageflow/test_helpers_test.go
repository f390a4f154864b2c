package stageflow_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/illmade-knight/go-speechflow/pkg/stageflow"
)

// ====================================================================================
// This file contains fakes for the broker-facing interfaces in this package,
// shared by the processor, push consumer, quarantine, and log sink tests.
// ====================================================================================

// ackRecorder implements amqp.Acknowledger and tracks the disposition of each
// delivery so tests can assert the exactly-one-of-ack/nack invariant.
type ackRecorder struct {
	mu       sync.Mutex
	acks     int
	nacks    int
	requeues []bool
}

func (r *ackRecorder) Ack(_ uint64, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks++
	return nil
}

func (r *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nacks++
	r.requeues = append(r.requeues, requeue)
	return nil
}

func (r *ackRecorder) Reject(_ uint64, requeue bool) error {
	return r.Nack(0, false, requeue)
}

func (r *ackRecorder) Acks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acks
}

func (r *ackRecorder) Nacks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nacks
}

func (r *ackRecorder) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acks + r.nacks
}

func (r *ackRecorder) LastRequeue() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requeues) == 0 {
		return false
	}
	return r.requeues[len(r.requeues)-1]
}

// newDelivery builds a delivery whose disposition lands in the recorder.
func newDelivery(recorder *ackRecorder, tag uint64, body []byte) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: recorder,
		DeliveryTag:  tag,
		Body:         body,
	}
}

// fakeChannel is a scripted stageflow.BrokerChannel. Deliveries are queued
// with push; publishes are recorded per queue; declare and publish errors can
// be injected per queue name.
type fakeChannel struct {
	mu         sync.Mutex
	deliveries []amqp.Delivery
	published  map[string][]amqp.Publishing
	publishErr map[string]error
	declareErr map[string]error
	getErr     error
	consumeCh  chan amqp.Delivery
	consumeErr error
	qosErr     error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		published:  make(map[string][]amqp.Publishing),
		publishErr: make(map[string]error),
		declareErr: make(map[string]error),
	}
}

func (c *fakeChannel) push(d amqp.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = append(c.deliveries, d)
}

func (c *fakeChannel) Get(_ string, _ bool) (amqp.Delivery, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return amqp.Delivery{}, false, c.getErr
	}
	if len(c.deliveries) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := c.deliveries[0]
	c.deliveries = c.deliveries[1:]
	return d, true, nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.publishErr[key]; err != nil {
		return err
	}
	c.published[key] = append(c.published[key], msg)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.declareErr[name]; err != nil {
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) Consume(_, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	if c.consumeCh == nil {
		c.consumeCh = make(chan amqp.Delivery, 16)
	}
	return c.consumeCh, nil
}

func (c *fakeChannel) Qos(_, _ int, _ bool) error {
	return c.qosErr
}

// publishedBodies returns the payloads published to a queue.
func (c *fakeChannel) publishedBodies(queue string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	bodies := make([][]byte, 0, len(c.published[queue]))
	for _, msg := range c.published[queue] {
		bodies = append(bodies, msg.Body)
	}
	return bodies
}

// logEntries decodes the entries published to the log queue.
func (c *fakeChannel) logEntries(t *testing.T, queue string) []stageflow.LogEntry {
	t.Helper()
	var entries []stageflow.LogEntry
	for _, body := range c.publishedBodies(queue) {
		var entry stageflow.LogEntry
		if err := json.Unmarshal(body, &entry); err != nil {
			t.Fatalf("log queue carried a non-LogEntry payload: %v", err)
		}
		entries = append(entries, entry)
	}
	return entries
}

// stubSource is a scripted stageflow.ChannelSource.
type stubSource struct {
	mu       sync.Mutex
	ch       stageflow.BrokerChannel
	err      error
	backoffs int
	discards int
}

func (s *stubSource) Channel(_ context.Context) (stageflow.BrokerChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.ch, nil
}

func (s *stubSource) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discards++
}

func (s *stubSource) Backoff(_ context.Context) {
	s.mu.Lock()
	s.backoffs++
	s.mu.Unlock()
	time.Sleep(time.Millisecond)
}

func (s *stubSource) Backoffs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoffs
}

func (s *stubSource) Discards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discards
}

func (s *stubSource) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
