package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"invoiceimport/internal/importer/domain"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type declared struct {
	kind string
	name string
	args amqp.Table
}

type fakeTopology struct {
	calls []declared
	fail  string
}

func (f *fakeTopology) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.calls = append(f.calls, declared{kind: "exchange", name: name})
	if name == f.fail {
		return errors.New("refused")
	}
	return nil
}

func (f *fakeTopology) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.calls = append(f.calls, declared{kind: "queue", name: name, args: args})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeTopology) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.calls = append(f.calls, declared{kind: "bind", name: name + "<-" + exchange + ":" + key})
	return nil
}

func testTopology() Topology {
	return Topology{
		AuditExchange:   "audit",
		AuditRoutingKey: "invoice",
		AuditQueue:      "invoice.audit",
		StagingExchange: "invoice.staging",
		ArrivalQueue:    "invoice.arrivals",
	}
}

func TestTopology_Declare(t *testing.T) {
	ch := &fakeTopology{}
	require.NoError(t, testTopology().Declare(ch))

	var binds []string
	var arrivalArgs amqp.Table
	for _, c := range ch.calls {
		if c.kind == "bind" {
			binds = append(binds, c.name)
		}
		if c.kind == "queue" && c.name == "invoice.arrivals" {
			arrivalArgs = c.args
		}
	}

	assert.ElementsMatch(t, []string{
		"invoice.audit<-audit:invoice",
		"invoice.arrivals.dlq<-invoice.staging.dlx:#",
		"invoice.arrivals<-invoice.staging:object.created",
	}, binds)
	assert.Equal(t, "invoice.staging.dlx", arrivalArgs["x-dead-letter-exchange"])
}

func TestTopology_DeclareStopsOnError(t *testing.T) {
	ch := &fakeTopology{fail: "invoice.staging.dlx"}
	err := testTopology().Declare(ch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dlx")
}

type fakeConfirmChannel struct {
	confirms   chan amqp.Confirmation
	published  []amqp.Publishing
	nack       bool
	silent     bool
	publishErr error
}

func (f *fakeConfirmChannel) Confirm(bool) error { return nil }

func (f *fakeConfirmChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeConfirmChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	if !f.silent {
		f.confirms <- amqp.Confirmation{DeliveryTag: uint64(len(f.published)), Ack: !f.nack}
	}
	return nil
}

func TestConfirmPublisher(t *testing.T) {
	t.Run("acked", func(t *testing.T) {
		ch := &fakeConfirmChannel{}
		p, err := NewConfirmPublisher(ch, time.Second)
		require.NoError(t, err)
		require.NoError(t, p.Publish(context.Background(), "x", "k", amqp.Publishing{Body: []byte("a")}))
		assert.Len(t, ch.published, 1)
	})

	t.Run("nacked", func(t *testing.T) {
		p, err := NewConfirmPublisher(&fakeConfirmChannel{nack: true}, time.Second)
		require.NoError(t, err)
		assert.ErrorIs(t, p.Publish(context.Background(), "x", "k", amqp.Publishing{}), ErrPublishNacked)
	})

	t.Run("no confirmation", func(t *testing.T) {
		p, err := NewConfirmPublisher(&fakeConfirmChannel{silent: true}, 20*time.Millisecond)
		require.NoError(t, err)
		assert.ErrorIs(t, p.Publish(context.Background(), "x", "k", amqp.Publishing{}), ErrConfirmTimeout)
	})

	t.Run("publish error", func(t *testing.T) {
		p, err := NewConfirmPublisher(&fakeConfirmChannel{publishErr: amqp.ErrClosed}, time.Second)
		require.NoError(t, err)
		assert.ErrorIs(t, p.Publish(context.Background(), "x", "k", amqp.Publishing{}), amqp.ErrClosed)
	})
}

type recordedPublish struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []recordedPublish
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, exchange, key string, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, recordedPublish{exchange: exchange, key: key, msg: msg})
	return nil
}

func TestAuditSink_Emit(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewAuditSink(pub, "audit", "invoice", "invoiced")
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	err := sink.Emit(context.Background(), domain.AuditEvent{
		Reason:        "invoice number is not valid",
		TransactionId: "tx-1",
		Time:          at,
	})
	require.NoError(t, err)
	require.Len(t, pub.sent, 1)

	got := pub.sent[0]
	assert.Equal(t, "audit", got.exchange)
	assert.Equal(t, "invoice", got.key)
	assert.Equal(t, "invoice", got.msg.Type)
	assert.Equal(t, "invoiced", got.msg.AppId)
	assert.Equal(t, at, got.msg.Timestamp)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, "tx-1", got.msg.Headers["transactionId"])
	assert.JSONEq(t, `{"reason":"invoice number is not valid"}`, string(got.msg.Body))
}

func TestAuditSink_EmitError(t *testing.T) {
	sink := NewAuditSink(&fakePublisher{err: ErrPublishNacked}, "audit", "invoice", "invoiced")
	err := sink.Emit(context.Background(), domain.AuditEvent{Reason: "x"})
	assert.ErrorIs(t, err, ErrPublishNacked)
}

func TestArrivalPublisher_ObjectCreated(t *testing.T) {
	pub := &fakePublisher{}
	require.NoError(t, NewArrivalPublisher(pub, "invoice.staging").ObjectCreated(context.Background(), "tx-9"))

	require.Len(t, pub.sent, 1)
	assert.Equal(t, "invoice.staging", pub.sent[0].exchange)
	assert.Equal(t, ArrivalRoutingKey, pub.sent[0].key)
	assert.JSONEq(t, `{"key":"tx-9"}`, string(pub.sent[0].msg.Body))
}

// settlement records how each delivery was acknowledged.
type settlement struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcker struct {
	mu      sync.Mutex
	settled []settlement
	done    chan struct{}
}

func newFakeAcker() *fakeAcker {
	return &fakeAcker{done: make(chan struct{}, 16)}
}

func (a *fakeAcker) record(s settlement) error {
	a.mu.Lock()
	a.settled = append(a.settled, s)
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error { return a.record(settlement{tag: tag, ack: true}) }
func (a *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	return a.record(settlement{tag: tag, requeue: requeue})
}
func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.record(settlement{tag: tag, requeue: requeue})
}

func (a *fakeAcker) wait(t *testing.T, n int) []settlement {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-a.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for settlement %d", i+1)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]settlement(nil), a.settled...)
}

type fakeConsumeChannel struct {
	deliveries chan amqp.Delivery
	prefetch   int
}

func (f *fakeConsumeChannel) Qos(prefetch, _ int, _ bool) error {
	f.prefetch = prefetch
	return nil
}

func (f *fakeConsumeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

type scriptedHandler struct {
	mu   sync.Mutex
	keys []string
	errs map[string]error
}

func (h *scriptedHandler) HandleObjectArrival(_ context.Context, key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys = append(h.keys, key)
	return h.errs[key]
}

func arrival(acker amqp.Acknowledger, tag uint64, key string, redelivered bool) amqp.Delivery {
	body, _ := json.Marshal(arrivalMessage{Key: key})
	return amqp.Delivery{Acknowledger: acker, DeliveryTag: tag, Body: body, Redelivered: redelivered}
}

func TestArrivalConsumer_Settlement(t *testing.T) {
	acker := newFakeAcker()
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery, 8)}
	handler := &scriptedHandler{errs: map[string]error{"bad": errors.New("store unavailable")}}
	consumer := NewArrivalConsumer(ch, "invoice.arrivals", handler, 1)

	ch.deliveries <- arrival(acker, 1, "good", false)
	ch.deliveries <- arrival(acker, 2, "bad", false)
	ch.deliveries <- arrival(acker, 3, "bad", true)
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 4, Body: []byte("not json")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	settled := acker.wait(t, 4)
	cancel()
	require.NoError(t, <-done)

	byTag := map[uint64]settlement{}
	for _, s := range settled {
		byTag[s.tag] = s
	}
	assert.True(t, byTag[1].ack)
	assert.False(t, byTag[2].ack)
	assert.True(t, byTag[2].requeue, "first failure is requeued")
	assert.False(t, byTag[3].ack)
	assert.False(t, byTag[3].requeue, "second failure is dead-lettered")
	assert.False(t, byTag[4].ack)
	assert.False(t, byTag[4].requeue, "malformed body is dead-lettered")
	assert.Equal(t, 1, ch.prefetch)
	assert.Equal(t, []string{"good", "bad", "bad"}, handler.keys)
}

func TestArrivalConsumer_ChannelClosed(t *testing.T) {
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery)}
	close(ch.deliveries)
	consumer := NewArrivalConsumer(ch, "q", &scriptedHandler{}, 4)
	assert.ErrorIs(t, consumer.Run(context.Background()), ErrChannelClosed)
}

func TestAuditConsumer_AcksEverything(t *testing.T) {
	acker := newFakeAcker()
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery, 2)}
	ch.deliveries <- amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  1,
		Body:         []byte(`{"reason":"timeout"}`),
		Headers:      amqp.Table{"transactionId": "tx-1"},
	}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte("{")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewAuditConsumer(ch, "invoice.audit").Run(ctx) }()

	settled := acker.wait(t, 2)
	cancel()
	require.NoError(t, <-done)

	for _, s := range settled {
		assert.True(t, s.ack)
	}
}
