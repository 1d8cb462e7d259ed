// Package mqtt publishes the master timing and track changes to an MQTT
// broker.
//
// Topics, below the configured prefix:
//
//	master/beat           {"beat": float}, at most beat_rate per second
//	master/time           {"seconds": float}, at most beat_rate per second
//	master/bpm            {"bpm": float}
//	master/original_bpm   {"bpm": float}
//	master/track          {"title", "artist", "album"}, retained
//	deck/{n}/track        {"title", "artist", "album"}, retained
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/satindergrewal/beatbridge/internal/config"
	"github.com/satindergrewal/beatbridge/internal/output"
	"github.com/satindergrewal/beatbridge/internal/telemetry"
)

// Definition registers the sink under outputs.mqtt.
var Definition = output.Definition{
	ConfigName: "mqtt",
	PrettyName: "MQTT",
	Create:     Create,
}

type beatMsg struct {
	Beat float64 `json:"beat" msgpack:"beat"`
}

type timeMsg struct {
	Seconds float64 `json:"seconds" msgpack:"seconds"`
}

type bpmMsg struct {
	BPM float64 `json:"bpm" msgpack:"bpm"`
}

// publisher sends one payload without waiting for the broker.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close()
}

// Sink is the MQTT output module.
type Sink struct {
	output.Base
	log    *slog.Logger
	pub    publisher
	prefix string
	qos    byte
	encode func(v any) ([]byte, error)

	now      func() time.Time
	interval time.Duration
	tick     time.Time
	lastBeat time.Time
	lastTime time.Time
}

// Create connects to the broker. Options: broker, client_id, prefix, qos
// (0..2), format (json or msgpack), beat_rate (Hz).
func Create(ns config.Namespace, log *slog.Logger) (output.Module, error) {
	broker := ns.String("broker", "tcp://127.0.0.1:1883")
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	clientID := ns.String("client_id", "")
	if clientID == "" {
		clientID = "beatbridge-" + uuid.NewString()
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(paho.Client) {
		log.Info("mqtt connection established", "broker", broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "err", err)
	}

	client := paho.NewClient(opts)
	log.Info("connecting to mqtt broker", "broker", broker)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		client.Disconnect(0)
		return nil, errors.Errorf("mqtt connection timeout (%s)", broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrap(err, "mqtt connection failed")
	}

	return newSink(&clientPublisher{client: client, log: log}, ns, log)
}

func newSink(pub publisher, ns config.Namespace, log *slog.Logger) (*Sink, error) {
	s := &Sink{
		log:    log,
		pub:    pub,
		prefix: strings.TrimSuffix(ns.String("prefix", "beatbridge"), "/"),
		qos:    byte(max(0, min(2, ns.Int("qos", 0)))),
		now:    time.Now,
	}
	switch format := strings.ToLower(ns.String("format", "json")); format {
	case "json":
		s.encode = json.Marshal
	case "msgpack":
		s.encode = msgpack.Marshal
	default:
		return nil, errors.Errorf("unknown format %q", format)
	}
	if rate := ns.Float("beat_rate", 10); rate > 0 {
		s.interval = time.Duration(float64(time.Second) / rate)
	}
	return s, nil
}

func (s *Sink) publish(topic string, retained bool, v any) {
	payload, err := s.encode(v)
	if err != nil {
		s.log.Warn("payload not encodable", "topic", topic, "err", err)
		return
	}
	if err := s.pub.Publish(s.prefix+"/"+topic, s.qos, retained, payload); err != nil {
		s.log.Debug("publish failed", "topic", topic, "err", err)
	}
}

// PreUpdate stamps the tick so that every throttled topic of one tick sees
// the same time.
func (s *Sink) PreUpdate() {
	s.tick = s.now()
}

// due reports whether a throttled topic last sent at *last may be sent again,
// and records the send.
func (s *Sink) due(last *time.Time) bool {
	if !last.IsZero() && s.tick.Sub(*last) < s.interval {
		return false
	}
	*last = s.tick
	return true
}

func (s *Sink) BeatUpdateMaster(beat float64) {
	if s.due(&s.lastBeat) {
		s.publish("master/beat", false, beatMsg{Beat: beat})
	}
}

func (s *Sink) TimeUpdateMaster(seconds float64) {
	if s.due(&s.lastTime) {
		s.publish("master/time", false, timeMsg{Seconds: seconds})
	}
}

func (s *Sink) BPMChangedMaster(bpm float32) {
	s.publish("master/bpm", false, bpmMsg{BPM: float64(bpm)})
}

func (s *Sink) OriginalBPMChangedMaster(bpm float64) {
	s.publish("master/original_bpm", false, bpmMsg{BPM: bpm})
}

func (s *Sink) TrackChangedMaster(track telemetry.TrackIdentity) {
	s.publish("master/track", true, track)
}

func (s *Sink) TrackChanged(track telemetry.TrackIdentity, deck int) {
	s.publish(fmt.Sprintf("deck/%d/track", deck), true, track)
}

func (s *Sink) Close() error {
	s.pub.Close()
	return nil
}

// clientPublisher publishes through a paho client. Publish results are only
// inspected when already available.
type clientPublisher struct {
	client paho.Client
	log    *slog.Logger
}

func (p *clientPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return errors.New("mqtt not connected")
	}
	token := p.client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
		return token.Error()
	default:
		return nil
	}
}

func (p *clientPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		p.log.Info("mqtt disconnected")
	}
}
