// Package feed connects the acquisition pipeline to an MQTT broker.
//
// Topic Structure:
//   {prefix}/data   - sample blocks (JSON header line + float32 body)
//   {prefix}/event  - TTL and timestamp events
//   {prefix}/param  - operator parameter changes
//   {prefix}/spikes - analysed trigger windows published by this process
//
// Every message is one JSON header line, optionally followed by a binary
// body of header.data_size bytes. See Decode for the accepted shapes.
package feed

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"spikewatch/event"
	"spikewatch/internal/ratelimit"
)

const (
	defaultQueue          = 256
	defaultPublishQueue   = 64
	defaultMaxPayload     = 16 << 20
	defaultConnectTimeout = 10 * time.Second
	publishTimeout        = 2 * time.Second
)

var (
	// ErrConnectPending is returned by Connect when the broker did not answer
	// within the connect timeout. Paho keeps retrying in the background.
	ErrConnectPending = errors.New("feed: broker not reachable yet")
	// ErrPublishQueueFull is returned by Publish when the sender is behind.
	ErrPublishQueueFull = errors.New("feed: publish queue full")
)

// Options configures a Client.
type Options struct {
	Broker      string
	Port        int
	TopicPrefix string
	ClientID    string
	QoS         byte
	// Queue bounds the number of undecoded payloads waiting for the decoder.
	Queue int
	// PublishQueue bounds the results waiting for the broker.
	PublishQueue int
	// MaxPayload drops larger messages before decoding. Zero uses 16 MiB.
	MaxPayload     int
	ConnectTimeout time.Duration
	Logger         *log.Logger
}

// Client subscribes to the data, event and param topics and forwards decoded
// events to a Sink. Paho delivers callbacks on its own goroutines; the client
// hands payloads to a single decoder goroutine so message order is kept.
type Client struct {
	opts       Options
	sink       event.Sink
	logger     *log.Logger
	client     mqtt.Client
	processing chan []byte
	results    chan Result
	seq        Sequence
	published  atomic.Int64
	received   atomic.Uint64
	decodeErrs atomic.Uint64
	gaps       atomic.Uint64

	dropLog    ratelimit.Counter
	errLog     ratelimit.Counter
	publishLog ratelimit.Counter

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Stats is a point-in-time view of client counters.
type Stats struct {
	Received     uint64
	DecodeErrors uint64
	Dropped      uint64
	Gaps         uint64
	Published    int64
	PublishFail  uint64
}

// NewClient builds a client. Connect must be called before messages flow.
func NewClient(opts Options, sink event.Sink) *Client {
	if opts.Queue <= 0 {
		opts.Queue = defaultQueue
	}
	if opts.PublishQueue <= 0 {
		opts.PublishQueue = defaultPublishQueue
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = defaultMaxPayload
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "spikewatch"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		opts:       opts,
		sink:       sink,
		logger:     logger,
		processing: make(chan []byte, opts.Queue),
		results:    make(chan Result, opts.PublishQueue),
		dropLog:    ratelimit.NewCounter(10 * time.Second),
		errLog:     ratelimit.NewCounter(10 * time.Second),
		publishLog: ratelimit.NewCounter(10 * time.Second),
		done:       make(chan struct{}),
	}
}

// Topic returns the full topic for a message type.
func (c *Client) Topic(kind string) string {
	return c.opts.TopicPrefix + "/" + kind
}

func (c *Client) brokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.opts.Broker, c.opts.Port)
}

// clientOptions retries the first connect as well as later ones; paho's
// auto-reconnect alone only covers connections that were once up.
func (c *Client) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.brokerURL())

	clientID := c.opts.ClientID
	if clientID == "" {
		clientID = "spikewatch"
	}
	opts.SetClientID(fmt.Sprintf("%s-%d", clientID, time.Now().Unix()))

	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(c.opts.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	return opts
}

// Connect starts the decoder and publisher and dials the broker. When the
// broker does not answer within the connect timeout it returns
// ErrConnectPending; the subscription is set up once paho gets through.
func (c *Client) Connect() error {
	c.client = mqtt.NewClient(c.clientOptions())
	c.start()

	c.logger.Printf("Feed: connecting to MQTT broker at %s...", c.brokerURL())
	token := c.client.Connect()
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		return fmt.Errorf("%w: %s", ErrConnectPending, c.brokerURL())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("feed: connect %s: %w", c.brokerURL(), err)
	}
	c.logger.Println("Feed: connected")
	return nil
}

func (c *Client) start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.decodeLoop()
		go c.publishLoop()
	})
}

func (c *Client) onConnect(client mqtt.Client) {
	filters := map[string]byte{
		c.Topic(TypeData):  c.opts.QoS,
		c.Topic(TypeEvent): c.opts.QoS,
		c.Topic(TypeParam): c.opts.QoS,
	}
	token := client.SubscribeMultiple(filters, c.messageHandler)
	if token.Wait() && token.Error() != nil {
		c.logger.Printf("Feed: subscribe failed: %v", token.Error())
		return
	}
	c.logger.Printf("Feed: subscribed to %s/{data,event,param}", c.opts.TopicPrefix)
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Printf("Feed: connection lost: %v (will reconnect)", err)
}

// messageHandler runs on paho's goroutine and only queues the payload.
func (c *Client) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	if len(payload) > c.opts.MaxPayload {
		if total, ok := c.dropLog.Inc(); ok {
			c.logger.Printf("Feed: dropping %d byte payload on %s (limit %d, total drops %d)",
				len(payload), msg.Topic(), c.opts.MaxPayload, total)
		}
		return
	}
	select {
	case c.processing <- payload:
	default:
		if total, ok := c.dropLog.Inc(); ok {
			c.logger.Printf("Feed: decode queue full, dropping message (total drops %d)", total)
		}
	}
}

func (c *Client) decodeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.processing:
			c.handlePayload(payload)
		}
	}
}

// handlePayload decodes one message and forwards its event.
func (c *Client) handlePayload(payload []byte) {
	c.received.Add(1)
	hdr, ev, err := Decode(payload)
	if err != nil {
		c.decodeErrs.Add(1)
		if _, ok := c.errLog.Inc(); ok {
			c.logger.Printf("Feed: decode failed: %v", err)
		}
		if errors.Is(err, ErrMalformed) {
			return
		}
		ev = nil
	}
	if missed := c.seq.Observe(hdr.MessageNo); missed > 0 {
		c.gaps.Add(uint64(missed))
		c.logger.Printf("Feed: missing %d message(s) before #%d", missed, hdr.MessageNo)
	}
	if ev == nil {
		return
	}
	if c.sink != nil && !c.sink.Submit(ev) {
		if total, ok := c.dropLog.Inc(); ok {
			c.logger.Printf("Feed: pipeline busy, dropped %s event (total drops %d)", ev.Kind(), total)
		}
	}
}

// Publish queues an analysed window for {prefix}/spikes and returns without
// waiting for the broker. It is a no-op while disconnected and fails with
// ErrPublishQueueFull when the sender is behind.
func (c *Client) Publish(r Result) error {
	if !c.IsConnected() {
		return nil
	}
	select {
	case c.results <- r:
		return nil
	default:
		return ErrPublishQueueFull
	}
}

func (c *Client) publishLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case r := <-c.results:
			if err := c.send(r); err != nil {
				if total, ok := c.publishLog.Inc(); ok {
					c.logger.Printf("Feed: publish failed: %v (total failures %d)", err, total)
				}
			}
		}
	}
}

func (c *Client) send(r Result) error {
	payload, err := EncodeResult(c.published.Add(1), r)
	if err != nil {
		return err
	}
	token := c.client.Publish(c.Topic(TypeSpikes), c.opts.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("feed: publish timed out")
	}
	return token.Error()
}

// Stats returns the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		Received:     c.received.Load(),
		DecodeErrors: c.decodeErrs.Load(),
		Dropped:      c.dropLog.Total(),
		Gaps:         c.gaps.Load(),
		Published:    c.published.Load(),
		PublishFail:  c.publishLog.Total(),
	}
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Stop disconnects and waits for the decoder to exit.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Println("Feed: stopping client...")
		if c.client != nil {
			if c.client.IsConnected() {
				c.client.Unsubscribe(c.Topic(TypeData), c.Topic(TypeEvent), c.Topic(TypeParam))
			}
			// Also ends a pending connect retry.
			c.client.Disconnect(250)
		}
		close(c.done)
		c.wg.Wait()
		c.logger.Println("Feed: client stopped")
	})
}
