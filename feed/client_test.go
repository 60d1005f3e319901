package feed

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"spikewatch/event"
)

type testMessage struct {
	topic   string
	payload []byte
}

func (m testMessage) Duplicate() bool { return false }
func (m testMessage) Qos() byte       { return 0 }
func (m testMessage) Retained() bool  { return false }
func (m testMessage) Topic() string   { return m.topic }
func (m testMessage) MessageID() uint16 {
	return 0
}
func (m testMessage) Payload() []byte { return m.payload }
func (m testMessage) Ack()            {}

type recordingSink struct {
	events []event.Event
	accept bool
}

func (s *recordingSink) Submit(ev event.Event) bool {
	if !s.accept {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func newTestClient(sink event.Sink, maxPayload int) *Client {
	return NewClient(Options{
		Broker:     "localhost",
		Port:       1883,
		Queue:      1,
		MaxPayload: maxPayload,
		Logger:     log.New(io.Discard, "", 0),
	}, sink)
}

func TestMessageHandlerDropsOversizePayload(t *testing.T) {
	client := newTestClient(nil, 4)

	client.messageHandler(nil, testMessage{payload: make([]byte, 10)})

	select {
	case <-client.processing:
		t.Fatalf("expected oversize payload to be dropped")
	default:
	}
	if client.Stats().Dropped != 1 {
		t.Fatalf("expected one drop, got %+v", client.Stats())
	}
}

func TestMessageHandlerDropsWhenQueueFull(t *testing.T) {
	client := newTestClient(nil, 0)
	client.messageHandler(nil, testMessage{payload: []byte("a")})
	client.messageHandler(nil, testMessage{payload: []byte("b")})
	if len(client.processing) != 1 || client.Stats().Dropped != 1 {
		t.Fatalf("expected one queued and one dropped, got queue=%d stats=%+v", len(client.processing), client.Stats())
	}
}

func TestHandlePayloadForwardsEvents(t *testing.T) {
	sink := &recordingSink{accept: true}
	client := newTestClient(sink, 0)

	trig, _ := event.NewTrigger(1, 10)
	first, _ := EncodeTrigger(1, trig)
	second, _ := EncodeTimestamp(4, 500)

	client.handlePayload(first)
	client.handlePayload(second)
	client.handlePayload([]byte("garbage"))

	if len(sink.events) != 2 {
		t.Fatalf("expected 2 forwarded events, got %d", len(sink.events))
	}
	if sink.events[0].Kind() != event.KindTrigger || sink.events[1].Kind() != event.KindTimestamp {
		t.Fatalf("unexpected event order %v", sink.events)
	}
	st := client.Stats()
	if st.Received != 3 || st.DecodeErrors != 1 || st.Gaps != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestHandlePayloadCountsSinkRejects(t *testing.T) {
	client := newTestClient(&recordingSink{accept: false}, 0)
	payload, _ := EncodeTimestamp(1, 1)
	client.handlePayload(payload)
	if client.Stats().Dropped != 1 {
		t.Fatalf("expected rejected submit to count as a drop, got %+v", client.Stats())
	}
}

func TestPublishWhileDisconnectedIsNoop(t *testing.T) {
	client := newTestClient(nil, 0)
	if err := client.Publish(Result{}); err != nil {
		t.Fatalf("expected nil error while disconnected, got %v", err)
	}
	if client.Topic(TypeSpikes) != "spikewatch/spikes" {
		t.Fatalf("unexpected topic %q", client.Topic(TypeSpikes))
	}
}

func TestClientOptionsRetryFirstConnect(t *testing.T) {
	opts := newTestClient(nil, 0).clientOptions()
	if !opts.ConnectRetry || !opts.AutoReconnect {
		t.Fatalf("expected connect retry and auto reconnect, got retry=%v auto=%v", opts.ConnectRetry, opts.AutoReconnect)
	}
	if opts.ConnectTimeout != defaultConnectTimeout {
		t.Fatalf("expected connect timeout %v, got %v", defaultConnectTimeout, opts.ConnectTimeout)
	}
}

func TestConnectReportsPendingWhenBrokerIsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	client := NewClient(Options{
		Broker:         "127.0.0.1",
		Port:           port,
		ConnectTimeout: 300 * time.Millisecond,
		Logger:         log.New(io.Discard, "", 0),
	}, nil)
	if err := client.Connect(); !errors.Is(err, ErrConnectPending) {
		t.Fatalf("expected ErrConnectPending, got %v", err)
	}
	if client.IsConnected() {
		t.Fatalf("expected client to be disconnected")
	}
}

type stubToken struct {
	done chan struct{}
}

func (t *stubToken) Wait() bool {
	<-t.done
	return true
}

func (t *stubToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *stubToken) Done() <-chan struct{} { return t.done }
func (t *stubToken) Error() error          { return nil }

// stubBroker holds every publish until release is closed.
type stubBroker struct {
	mqtt.Client
	release chan struct{}
	mu      sync.Mutex
	topics  []string
}

func (b *stubBroker) IsConnected() bool { return true }

func (b *stubBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	b.topics = append(b.topics, topic)
	b.mu.Unlock()
	return &stubToken{done: b.release}
}

func (b *stubBroker) Unsubscribe(topics ...string) mqtt.Token {
	done := make(chan struct{})
	close(done)
	return &stubToken{done: done}
}

func (b *stubBroker) Disconnect(quiesce uint) {}

func (b *stubBroker) published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishDoesNotWaitForBroker(t *testing.T) {
	broker := &stubBroker{release: make(chan struct{})}
	client := NewClient(Options{PublishQueue: 2, Logger: log.New(io.Discard, "", 0)}, nil)
	client.client = broker
	client.start()

	start := time.Now()
	if err := client.Publish(Result{Channel: 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, "the sender to pick up the first result", func() bool { return broker.published() == 1 })
	for i := 0; i < 2; i++ {
		if err := client.Publish(Result{Channel: 1}); err != nil {
			t.Fatalf("Publish %d: %v", i+2, err)
		}
	}
	if err := client.Publish(Result{Channel: 1}); !errors.Is(err, ErrPublishQueueFull) {
		t.Fatalf("expected ErrPublishQueueFull, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected Publish to return while the broker is stalled, took %v", elapsed)
	}

	close(broker.release)
	waitFor(t, "queued results to reach the broker", func() bool { return broker.published() == 3 })
	if got := broker.topics[0]; got != "spikewatch/spikes" {
		t.Fatalf("expected spikes topic, got %q", got)
	}
	client.Stop()
	if got := client.Stats().Published; got != 3 {
		t.Fatalf("expected 3 published results, got %d", got)
	}
}
