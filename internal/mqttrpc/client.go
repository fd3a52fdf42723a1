package mqttrpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kozaktomas/doorbell/internal/config"
)

const requestTimeout = 2 * time.Minute

// Client subscribes the handler to the RPC topics.
type Client struct {
	client  mqtt.Client
	handler *Handler
	topics  Topics
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewClient prepares a client for cfg.Broker. Call Connect to start serving.
func NewClient(cfg config.MQTTConfig, handler *Handler) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		handler: handler,
		topics:  Topics{Prefix: cfg.TopicPrefix},
		logger:  handler.logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	clientID := "doorbell-" + uuid.New().String()
	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(c.subscribe)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("mqtt connection lost", "error", err)
	})

	c.logger.Info("mqtt client configured", "broker", cfg.Broker, "client_id", clientID)
	c.client = mqtt.NewClient(opts)
	return c
}

// Connect blocks until the broker accepts the connection.
func (c *Client) Connect() error {
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to mqtt broker: %w", token.Error())
	}
	return nil
}

// Close cancels in-flight requests and disconnects.
func (c *Client) Close() {
	c.cancel()
	c.client.Disconnect(250)
}

func (c *Client) subscribe(client mqtt.Client) {
	c.logger.Info("connected to mqtt")
	client.Subscribe(c.topics.RecognizeRequest(), 0, func(client mqtt.Client, m mqtt.Message) {
		go c.serveRecognize(client, m.Payload())
	}).Wait()
	client.Subscribe(c.topics.ReloadRequest(), 0, func(mqtt.Client, mqtt.Message) {
		go c.handler.HandleReload()
	}).Wait()
	c.logger.Info("subscribed", "recognize", c.topics.RecognizeRequest(), "reload", c.topics.ReloadRequest())
}

func (c *Client) serveRecognize(client mqtt.Client, payload []byte) {
	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()

	topic, resp, ok := c.handler.HandleRecognize(ctx, payload)
	if !ok {
		return
	}
	token := client.Publish(topic, 0, false, resp)
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Warn("failed to publish response", "topic", topic, "error", err)
		return
	}
	c.logger.Debug("response published", "topic", topic)
}
