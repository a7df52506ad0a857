package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTListener feeds commands from the control topic to a Handler and
// publishes responses on <topic>/response
type MQTTListener struct {
	client   mqtt.Client
	topic    string
	qos      byte
	handler  *Handler
	commands chan []byte

	stopOnce sync.Once
}

// NewMQTTListener creates a listener on an already connected client
func NewMQTTListener(client mqtt.Client, topic string, qos byte, handler *Handler) *MQTTListener {
	return &MQTTListener{
		client:   client,
		topic:    topic,
		qos:      qos,
		handler:  handler,
		commands: make(chan []byte, 10),
	}
}

// ResponseTopic returns the topic responses are published on
func (l *MQTTListener) ResponseTopic() string {
	return l.topic + "/response"
}

// Start subscribes to the control topic and processes commands until ctx
// is cancelled
func (l *MQTTListener) Start(ctx context.Context) error {
	slog.Info("control: subscribing to control topic", "topic", l.topic, "qos", l.qos)

	token := l.client.Subscribe(l.topic, l.qos, l.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control topic subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control topic subscription failed: %w", err)
	}

	go l.processCommands(ctx)

	slog.Info("control: mqtt listener started")
	return nil
}

// Stop unsubscribes from the control topic
func (l *MQTTListener) Stop() {
	l.stopOnce.Do(func() {
		if l.client != nil && l.client.IsConnected() {
			token := l.client.Unsubscribe(l.topic)
			token.WaitTimeout(2 * time.Second)
		}
		slog.Info("control: mqtt listener stopped")
	})
}

// messageHandler runs on the paho router goroutine and must not block
func (l *MQTTListener) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	select {
	case l.commands <- msg.Payload():
	default:
		slog.Warn("control: command queue full, dropping command", "topic", msg.Topic())
	}
}

func (l *MQTTListener) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-l.commands:
			l.sendResponse(l.handler.HandleJSON(payload))
		}
	}
}

func (l *MQTTListener) sendResponse(resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	token := l.client.Publish(l.ResponseTopic(), l.qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
