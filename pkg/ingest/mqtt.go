package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"

	"github.com/kwhcast/kwhcast/pkg/log"
	"github.com/kwhcast/kwhcast/pkg/metrics"
	"github.com/kwhcast/kwhcast/pkg/storage"
)

const (
	sourceMQTT   = "mqtt"
	storeTimeout = 10 * time.Second
	// at least once
	subscribeQoS = 1
)

// Subscriber stores telemetry published to an MQTT broker.
type Subscriber struct {
	db       storage.Database
	metrics  *metrics.Metrics
	location func() *time.Location
	now      func() time.Time

	broker   string
	topic    string
	clientID string
}

// Configured returns a Subscriber configured from flags. location is called
// per message so it may be resolved after flags are parsed.
func Configured(db storage.Database, m *metrics.Metrics, location func() *time.Location) *Subscriber {
	s := &Subscriber{
		db:       db,
		metrics:  m,
		location: location,
		now:      time.Now,
	}

	broker := lflag.String("mqtt-broker", "", "MQTT broker URL to subscribe to for telemetry (e.g. tcp://localhost:1883). Empty disables MQTT ingest.")
	topic := lflag.String("mqtt-topic", "kwhcast/+/telemetry", "MQTT topic filter; a + segment is used as the device when the payload has none")
	clientID := lflag.String("mqtt-client-id", "kwhcast", "MQTT client ID")

	lflag.Do(func() {
		s.broker = *broker
		s.topic = *topic
		s.clientID = *clientID
	})

	return s
}

// Enabled reports whether a broker was configured.
func (s *Subscriber) Enabled() bool {
	return s.broker != ""
}

// Run connects to the broker and stores every message received until ctx is
// done. The subscription is renewed on every reconnect.
func (s *Subscriber) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.broker).
		SetClientID(s.clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker", slog.String("broker", s.broker), slog.String("topic", s.topic))
		token := c.Subscribe(s.topic, subscribeQoS, func(_ mqtt.Client, msg mqtt.Message) {
			if err := s.handleMessage(ctx, msg.Topic(), msg.Payload()); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "dropping mqtt telemetry", slog.String("topic", msg.Topic()), slog.Any("error", err))
			}
		})
		go func() {
			if token.Wait() && token.Error() != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to subscribe", slog.String("topic", s.topic), slog.Any("error", token.Error()))
			}
		}()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Ctx(ctx).WarnContext(ctx, "lost mqtt connection", slog.Any("error", err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to mqtt broker %s: %w", s.broker, err)
		}
	case <-ctx.Done():
	}

	<-ctx.Done()
	log.Ctx(ctx).InfoContext(ctx, "disconnecting from mqtt broker")
	client.Disconnect(250)
	return nil
}

// handleMessage decodes and stores a single message.
func (s *Subscriber) handleMessage(ctx context.Context, topic string, payload []byte) (err error) {
	defer func() {
		s.metrics.Ingest(sourceMQTT, err)
	}()

	t, err := DecodeTelemetry(payload, s.location(), s.now())
	if err != nil {
		return err
	}
	if t.Device == "" {
		t.Device = deviceFromTopic(s.topic, topic)
	}
	if t.Device == "" {
		return fmt.Errorf("%w: no device in payload or topic %q", ErrInvalidPayload, topic)
	}

	ctx, cancel := context.WithTimeout(log.WithDevice(ctx, t.Device), storeTimeout)
	defer cancel()
	if err := s.db.InsertTelemetry(ctx, t); err != nil {
		if errors.Is(err, storage.ErrInvalidDevice) {
			return err
		}
		return fmt.Errorf("failed to store telemetry: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "stored mqtt telemetry", slog.Time("createdAt", t.CreatedAt))
	return nil
}

// deviceFromTopic returns the segment of topic matched by the first single
// level wildcard in filter.
func deviceFromTopic(filter, topic string) string {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" || i >= len(ts) {
			return ""
		}
		if f == "+" {
			return ts[i]
		}
	}
	return ""
}
