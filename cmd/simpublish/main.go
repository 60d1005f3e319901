package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"spikewatch/event"
	"spikewatch/feed"
	"spikewatch/sim"
)

// simpublish plays the synthetic recording into an MQTT broker using the
// feed wire format, so a spikewatch instance can be exercised end to end
// without acquisition hardware.
func main() {
	var (
		broker    = flag.String("broker", "localhost", "MQTT broker host")
		port      = flag.Int("port", 1883, "MQTT broker port")
		prefix    = flag.String("prefix", "spikewatch", "topic prefix")
		qos       = flag.Int("qos", 1, "MQTT QoS for published messages")
		runFor    = flag.Duration("duration", time.Minute, "how long to publish")
		channels  = flag.Int("channels", 8, "channel count")
		rate      = flag.Float64("rate", 30000, "sampling rate in Hz")
		block     = flag.Int("block", 640, "samples per data message")
		interval  = flag.Float64("interval", 0.25, "stimulus interval in seconds")
		amplitude = flag.Float64("amplitude", 80, "spike amplitude in microvolts")
		noise     = flag.Float64("noise", 8, "noise standard deviation in microvolts")
		tsEvery   = flag.Int("timestamp-every", 0, "send a TIMESTAMP event every N data messages (0 disables)")
		set       = flag.String("set", "", "parameter change to publish first, as name=value")
		seed      = flag.Uint64("seed", 1, "random seed")
	)
	flag.Parse()

	if *runFor <= 0 {
		log.Fatalf("duration must be >0 (got %s)", runFor.String())
	}
	source, err := sim.New(sim.Options{
		Channels:         *channels,
		BlockSamples:     *block,
		SampleRate:       *rate,
		Noise:            *noise,
		SpikeAmplitude:   *amplitude,
		StimulusInterval: *interval,
		Seed:             *seed,
	})
	if err != nil {
		log.Fatalf("simpublish: %v", err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", *broker, *port))
	opts.SetClientID(fmt.Sprintf("simpublish-%d", time.Now().Unix()))
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOrderMatters(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("simpublish: connect: %v", token.Error())
	}
	defer client.Disconnect(250)

	var results atomic.Uint64
	client.Subscribe(*prefix+"/"+feed.TypeSpikes, 0, func(mqtt.Client, mqtt.Message) {
		results.Add(1)
	})

	pub := &brokerPublisher{client: client, prefix: *prefix, qos: byte(*qos)}
	if *set != "" {
		name, value, ok := strings.Cut(*set, "=")
		change, err := event.NewParameterChange(strings.TrimSpace(name), strings.TrimSpace(value))
		if !ok || err != nil {
			log.Fatalf("simpublish: invalid -set %q: %v", *set, err)
		}
		if err := pub.publish([]event.Event{change}); err != nil {
			log.Fatalf("simpublish: %v", err)
		}
	}

	log.Printf("simpublish: %d channels at %.0f Hz, %d samples per message, for %s",
		*channels, *rate, *block, runFor.String())

	ctx, cancel := context.WithTimeout(context.Background(), *runFor)
	defer cancel()
	ticker := time.NewTicker(source.BlockDuration())
	defer ticker.Stop()

	var blocks int
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-ticker.C:
			events := source.Next()
			blocks++
			if *tsEvery > 0 && blocks%*tsEvery == 0 {
				events = append(events, event.TimestampUpdate{Timestamp: source.Timestamp()})
			}
			if err := pub.publish(events); err != nil {
				log.Printf("simpublish: %v", err)
			}
		}
	}

	log.Println("simpublish: complete")
	log.Printf("messages=%d errors=%d stimuli=%d results_received=%d",
		pub.sent, pub.failed, source.Stimuli(), results.Load())
}

type brokerPublisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	seq    int64
	sent   uint64
	failed uint64
}

// publish encodes each event and sends it on its topic. Message numbers are
// shared across topics, matching what the feed client checks for gaps.
func (p *brokerPublisher) publish(events []event.Event) error {
	for _, ev := range events {
		topic, payload, err := encodeEvent(p.prefix, p.seq+1, ev)
		if err != nil {
			p.failed++
			return err
		}
		p.seq++
		token := p.client.Publish(topic, p.qos, false, payload)
		if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			p.failed++
			return fmt.Errorf("publish %s #%d: %v", topic, p.seq, token.Error())
		}
		p.sent++
	}
	return nil
}

func encodeEvent(prefix string, messageNo int64, ev event.Event) (string, []byte, error) {
	switch v := ev.(type) {
	case event.DataBatch:
		payload, err := feed.EncodeData(messageNo, v)
		return prefix + "/" + feed.TypeData, payload, err
	case event.Trigger:
		payload, err := feed.EncodeTrigger(messageNo, v)
		return prefix + "/" + feed.TypeEvent, payload, err
	case event.TimestampUpdate:
		payload, err := feed.EncodeTimestamp(messageNo, v.Timestamp)
		return prefix + "/" + feed.TypeEvent, payload, err
	case event.ParameterChange:
		payload, err := feed.EncodeParam(messageNo, v)
		return prefix + "/" + feed.TypeParam, payload, err
	default:
		return "", nil, fmt.Errorf("no encoding for %T", ev)
	}
}
