package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const sourceMQTT = "mqtt"

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
}

// MQTTSource subscribes to device count topics and feeds a Recorder.
type MQTTSource struct {
	cfg MQTTConfig
	rec *Recorder
	log *slog.Logger
	now func() time.Time
}

func NewMQTTSource(cfg MQTTConfig, rec *Recorder, logger *slog.Logger) (*MQTTSource, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker must not be empty")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt topic must not be empty")
	}
	return &MQTTSource{cfg: cfg, rec: rec, log: logger, now: time.Now}, nil
}

// Run connects, subscribes and blocks until ctx is done. The subscription is
// renewed on every reconnect.
func (s *MQTTSource) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			token := c.Subscribe(s.cfg.Topic, 1, func(_ mqtt.Client, m mqtt.Message) {
				s.handle(m.Topic(), m.Payload())
			})
			if token.Wait() && token.Error() != nil {
				s.log.Error("mqtt subscribe failed", "topic", s.cfg.Topic, "err", token.Error())
				return
			}
			s.log.Info("mqtt subscribed", "broker", s.cfg.Broker, "topic", s.cfg.Topic)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.log.Warn("mqtt connection lost", "err", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return err
		}
	case <-ctx.Done():
		client.Disconnect(250)
		return ctx.Err()
	}
	<-ctx.Done()
	client.Disconnect(250)
	s.log.Info("mqtt source stopped")
	return nil
}

func (s *MQTTSource) handle(topic string, payload []byte) {
	sample, err := Decode(payload, s.now())
	if err != nil {
		s.log.Warn("mqtt decode failed", "topic", topic, "err", err)
		return
	}
	s.rec.Record(sourceMQTT, sample)
}
