package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"hoymiles-bridge/config"
	"hoymiles-bridge/internal/push"
)

const publishTimeout = 5 * time.Second

// Publisher mirrors each state snapshot to an MQTT broker: the full
// payload on one retained topic plus a retained per-inverter topic, so
// home-automation consumers get current values on subscribe.
type Publisher struct {
	client      pahomqtt.Client
	topicPrefix string
	log         *logrus.Entry
}

func NewPublisher(cfg config.MQTTConfig) (*Publisher, error) {
	log := logrus.WithField("component", "mqtt")

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(10 * time.Second).
		SetOnConnectHandler(func(pahomqtt.Client) {
			log.WithField("broker", cfg.Broker).Info("Connected to MQTT broker")
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			log.WithError(err).Warn("MQTT connection lost")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return &Publisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		log:         log,
	}, nil
}

// PublishSnapshot mirrors one snapshot to the broker. Failures are logged
// and swallowed; MQTT is a best-effort mirror, never a polling blocker.
func (p *Publisher) PublishSnapshot(payload *push.UpdatePayload) {
	p.publishJSON(p.topicPrefix+"/state", payload)
	p.publishJSON(p.topicPrefix+"/health", payload.Health)

	for _, inv := range payload.Inverters {
		p.publishJSON(fmt.Sprintf("%s/inverters/%s", p.topicPrefix, inv.SerialNumber), inv)
	}
}

func (p *Publisher) publishJSON(topic string, value interface{}) {
	raw, err := json.Marshal(value)
	if err != nil {
		p.log.WithError(err).WithField("topic", topic).Error("Failed to encode MQTT payload")
		return
	}
	token := p.client.Publish(topic, 0, true, raw)
	if !token.WaitTimeout(publishTimeout) {
		p.log.WithField("topic", topic).Warn("MQTT publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		p.log.WithError(err).WithField("topic", topic).Warn("MQTT publish failed")
	}
}

func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
