// Package mqtt mirrors the diagnostic event stream to an MQTT broker and
// accepts client events published by other systems.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"pagecmd-agent/internal/config"
	"pagecmd-agent/internal/core"
)

// TriggerFunc queues an event received from the broker and sends it.
type TriggerFunc func(event json.RawMessage) error

type Client struct {
	client  mqtt.Client
	cfg     config.MQTTConfig
	trigger TriggerFunc
	prefix  string
	logger  *zap.Logger
}

// NewClient builds a client with automatic reconnects. It returns nil when
// MQTT is disabled; all methods accept a nil receiver.
func NewClient(cfg config.MQTTConfig, trigger TriggerFunc, logger *zap.Logger) *Client {
	if !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)

	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(5 * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	// Keep retrying at start-up so a broker that comes up later is picked up.
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOrderMatters(false)

	opts.SetWill(prefix+"/availability", "offline", 1, true)

	c := &Client{
		cfg:     cfg,
		trigger: trigger,
		prefix:  prefix,
		logger:  logger.Named("mqtt"),
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.logger.Warn("connection lost, retrying in background", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, options *mqtt.ClientOptions) {
		c.logger.Info("attempting to reconnect")
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect starts the connection loop and waits for the first attempt.
func (c *Client) Connect() error {
	if c == nil {
		return nil
	}
	c.logger.Info("connecting", zap.String("broker", c.cfg.Broker))

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		c.logger.Error("initial connection failed", zap.Error(token.Error()))
		return token.Error()
	}
	return nil
}

// Disconnect publishes the offline status, then closes the connection.
func (c *Client) Disconnect() {
	if c == nil || !c.client.IsConnected() {
		return
	}
	c.logger.Info("disconnecting")

	token := c.client.Publish(c.topic("availability"), 0, true, "offline")
	if token.WaitTimeout(2 * time.Second) {
		if token.Error() != nil {
			c.logger.Warn("failed to publish offline status", zap.Error(token.Error()))
		}
	} else {
		c.logger.Warn("timed out publishing offline status")
	}

	c.client.Disconnect(250)
	c.logger.Info("disconnected")
}

func (c *Client) topic(subtopic string) string {
	return fmt.Sprintf("%s/%s", c.prefix, subtopic)
}

// Publish sends payload to <prefix>/<subtopic> without blocking the caller.
func (c *Client) Publish(subtopic string, payload interface{}, retained bool) {
	if c == nil || !c.client.IsConnected() {
		return
	}

	topic := c.topic(subtopic)
	token := c.client.Publish(topic, 0, retained, payload)

	go func() {
		if token.WaitTimeout(5 * time.Second) {
			if token.Error() != nil {
				c.logger.Warn("publish failed", zap.String("topic", topic), zap.Error(token.Error()))
			}
		} else {
			c.logger.Warn("publish timed out", zap.String("topic", topic))
		}
	}()
}

// Forward publishes every bus event to <prefix>/diagnostics/<type> until ctx
// is done.
func (c *Client) Forward(ctx context.Context, bus *core.EventBus) {
	if c == nil || bus == nil {
		return
	}
	sub := bus.Subscribe(core.AllEventTypes...)
	defer bus.Unsubscribe(sub, core.AllEventTypes...)

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub:
			subtopic, payload, err := diagnostic(e)
			if err != nil {
				c.logger.Warn("encode diagnostic", zap.Error(err))
				continue
			}
			c.Publish(subtopic, payload, e.Type == core.BatchAppliedEvent)
		}
	}
}

func diagnostic(e core.Event) (string, []byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return "", nil, err
	}
	return "diagnostics/" + string(e.Type), payload, nil
}

// onConnect is called by paho on its own goroutine.
func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info("connected to broker")

	topic := c.topic("events/send")
	if token := client.Subscribe(topic, 1, c.handleEvent); token.Wait() && token.Error() != nil {
		c.logger.Error("subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
	} else {
		c.logger.Info("subscribed", zap.String("topic", topic))
	}

	go func() {
		c.Publish("availability", "online", true)
		if c.cfg.HADiscoveryEnabled {
			c.PublishHADiscovery()
		}
	}()
}

// PublishHADiscovery announces the last batch summary as a Home Assistant sensor.
func (c *Client) PublishHADiscovery() {
	topic, payload := c.discovery()
	c.client.Publish(topic, 0, true, payload)
	c.logger.Info("HA discovery sent", zap.String("topic", topic))
}

func (c *Client) discovery() (string, []byte) {
	safeID := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		if r == ' ' {
			return '_'
		}
		return -1
	}, c.cfg.ClientID)

	topic := fmt.Sprintf("%s/sensor/%s/applied/config", c.cfg.HADiscoveryPrefix, safeID)
	payload := map[string]interface{}{
		"name":      "Applied commands",
		"unique_id": safeID + "_applied",
		"object_id": safeID + "_applied",
		"icon":      "mdi:format-list-checks",

		"state_topic":    c.topic("diagnostics/" + string(core.BatchAppliedEvent)),
		"value_template": "{{ value_json.payload.applied | default(0) }}",

		"json_attributes_topic":    c.topic("diagnostics/" + string(core.BatchAppliedEvent)),
		"json_attributes_template": "{{ value_json.payload | tojson }}",

		"availability_topic":    c.topic("availability"),
		"payload_available":     "online",
		"payload_not_available": "offline",

		"device": map[string]interface{}{
			"identifiers": []string{safeID},
			"name":        "Page command agent",
			"model":       "pagecmd-agent",
		},
	}
	data, _ := json.Marshal(payload)
	return topic, data
}

func (c *Client) handleEvent(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	if !json.Valid(payload) {
		c.logger.Warn("ignoring non-JSON event", zap.String("topic", msg.Topic()))
		return
	}
	if c.trigger == nil {
		return
	}
	if err := c.trigger(json.RawMessage(payload)); err != nil {
		c.logger.Warn("event trigger failed", zap.Error(err))
	}
}
