package stageflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-speechflow/pkg/stageflow"
)

func startPushConsumer(t *testing.T, c *stageflow.PushConsumer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("push consumer did not stop after cancellation")
		}
	})
}

func TestNewPushConsumer_Validation(t *testing.T) {
	source := &stubSource{ch: newFakeChannel()}
	sink := stageflow.NewLogSink(testLogQueue, zerolog.Nop())
	handler := func(_ context.Context, _ stageflow.BrokerChannel, _ amqp.Delivery) {}

	_, err := stageflow.NewPushConsumer("", source, handler, sink, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue name is required")

	_, err = stageflow.NewPushConsumer("TTS_output", nil, handler, sink, zerolog.Nop())
	require.Error(t, err)

	_, err = stageflow.NewPushConsumer("TTS_output", source, nil, sink, zerolog.Nop())
	require.Error(t, err)

	_, err = stageflow.NewPushConsumer("TTS_output", source, handler, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestPushConsumer_DispatchesDeliveries(t *testing.T) {
	ch := newFakeChannel()
	source := &stubSource{ch: ch}
	sink := stageflow.NewLogSink(testLogQueue, zerolog.Nop())

	var mu sync.Mutex
	var handled []string
	handler := func(_ context.Context, _ stageflow.BrokerChannel, d amqp.Delivery) {
		mu.Lock()
		handled = append(handled, string(d.Body))
		mu.Unlock()
		_ = d.Ack(false)
	}

	consumer, err := stageflow.NewPushConsumer("TTS_output", source, handler, sink, zerolog.Nop())
	require.NoError(t, err)
	startPushConsumer(t, consumer)

	// Wait for the subscription before pushing, then deliveries flow through
	// the handler in order.
	recorder := &ackRecorder{}
	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.consumeCh != nil
	}, 2*time.Second, 5*time.Millisecond)

	ch.consumeCh <- newDelivery(recorder, 1, []byte(`{"data":{"s3_url":"http://files/a.wav"}}`))
	ch.consumeCh <- newDelivery(recorder, 2, []byte(`{"data":{"s3_url":"http://files/b.wav"}}`))

	require.Eventually(t, func() bool {
		return recorder.Acks() == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, handled, 2)
	assert.Contains(t, handled[0], "a.wav")
	assert.Contains(t, handled[1], "b.wav")
}

func TestPushConsumer_ConnectionFailureBacksOff(t *testing.T) {
	source := &stubSource{ch: newFakeChannel()}
	source.SetError(errors.New("dial tcp: connection refused"))
	sink := stageflow.NewLogSink(testLogQueue, zerolog.Nop())
	handler := func(_ context.Context, _ stageflow.BrokerChannel, _ amqp.Delivery) {}

	consumer, err := stageflow.NewPushConsumer("TTS_output", source, handler, sink, zerolog.Nop())
	require.NoError(t, err)
	startPushConsumer(t, consumer)

	require.Eventually(t, func() bool {
		return source.Backoffs() >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPushConsumer_StreamClosedDiscardsConnection(t *testing.T) {
	ch := newFakeChannel()
	source := &stubSource{ch: ch}
	sink := stageflow.NewLogSink(testLogQueue, zerolog.Nop())
	handler := func(_ context.Context, _ stageflow.BrokerChannel, _ amqp.Delivery) {}

	consumer, err := stageflow.NewPushConsumer("TTS_output", source, handler, sink, zerolog.Nop())
	require.NoError(t, err)
	startPushConsumer(t, consumer)

	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.consumeCh != nil
	}, 2*time.Second, 5*time.Millisecond)

	close(ch.consumeCh)

	require.Eventually(t, func() bool {
		return source.Discards() >= 1
	}, 2*time.Second, 5*time.Millisecond, "a closed stream must tear the connection down")
}

func TestPushConsumer_QosFailureDiscardsConnection(t *testing.T) {
	ch := newFakeChannel()
	ch.qosErr = errors.New("channel closed")
	source := &stubSource{ch: ch}
	sink := stageflow.NewLogSink(testLogQueue, zerolog.Nop())
	handler := func(_ context.Context, _ stageflow.BrokerChannel, _ amqp.Delivery) {}

	consumer, err := stageflow.NewPushConsumer("TTS_output", source, handler, sink, zerolog.Nop())
	require.NoError(t, err)
	startPushConsumer(t, consumer)

	require.Eventually(t, func() bool {
		return source.Discards() >= 1
	}, 2*time.Second, 5*time.Millisecond)
}
