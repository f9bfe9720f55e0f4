package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Comcast/loom/core"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTAnnouncer publishes engine announcements to an MQTT broker.
// An event for case C goes to TOPIC/C as JSON, so workers can
// subscribe to just the cases they care about (or to TOPIC/# for
// everything).
func (s *Service) MQTTAnnouncer(ctx context.Context, cfg MQTTConfig) error {

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "loomd-" + core.Gensym(8)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}

	keepAlive := cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = 30 * time.Second
	}
	opts.SetKeepAlive(keepAlive)
	opts.SetPingTimeout(10 * time.Second)

	opts.AutoReconnect = true
	opts.CleanSession = true

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	if t := client.Connect(); t.Wait() && t.Error() != nil {
		return t.Error()
	}
	defer client.Disconnect(250)

	s.logger.Info("mqtt announcer connected",
		zap.String("broker", cfg.Broker),
		zap.String("clientId", clientID),
		zap.String("topic", cfg.Topic))

	events := make(chan *core.Event, 1024)
	s.AddSink(events)
	defer s.RemoveSink(events)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			js, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("mqtt marshal", zap.Error(err))
				continue
			}
			topic := cfg.Topic + "/" + ev.CaseID
			if t := client.Publish(topic, byte(cfg.QoS), false, js); t.Wait() && t.Error() != nil {
				s.logger.Error("mqtt publish",
					zap.String("topic", topic),
					zap.Error(t.Error()))
			}
		}
	}
}
