package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"weatherpub/internal/config"
	"weatherpub/internal/weather"
)

const (
	// How long Publish waits for the connection before attempting the send
	// anyway. A timed-out wait is not a failure; paho queues and retries
	// internally once the connection comes back.
	connectedWait = 5 * time.Second

	tokenWait = 5 * time.Second

	statusOnline  = "online"
	statusOffline = "offline"
)

// PublishError reports a send the transport rejected. The gateway never
// retries; the next cadence tick produces a fresh message.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string { return fmt.Sprintf("publish to %s: %v", e.Topic, e.Err) }
func (e *PublishError) Unwrap() error { return e.Err }

// Publisher wraps the paho client with connection-state tracking. The paho
// network goroutine flips the state through the connect/connection-lost
// callbacks; the pipeline goroutine reads it in Publish. connectedCh is
// closed while connected so a bounded wait wakes on the transition instead
// of polling.
type Publisher struct {
	client mqtt.Client
	cfg    config.Config
	logger *slog.Logger

	mu          sync.RWMutex
	connected   bool
	connectedCh chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewPublisher(cfg config.Config, logger *slog.Logger) *Publisher {
	p := &Publisher{
		cfg:         cfg,
		logger:      logger,
		connectedCh: make(chan struct{}),
		stopCh:      make(chan struct{}),
	}

	scheme := "tcp"
	if cfg.MQTTTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}
	if cfg.MQTTTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	// Session settings
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	// Keepalive / timeouts
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// The broker announces offline for us if the process dies; online is
	// published explicitly on every (re)connect below.
	opts.SetWill(cfg.TopicStatus, statusOffline, 1, true)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		p.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
		token := client.Publish(cfg.TopicStatus, 1, true, statusOnline)
		go func() {
			if token.WaitTimeout(tokenWait) && token.Error() != nil {
				logger.Warn("status publish failed", "topic", cfg.TopicStatus, "error", token.Error())
			}
		}()
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	p.client = mqtt.NewClient(opts)
	return p
}

// Connect starts the connection attempt and waits for the initial
// connection, respecting ctx and Disconnect(). With connect-retry enabled
// paho keeps trying internally until ctx expires.
func (p *Publisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return errors.New("publisher stopped")
	default:
	}

	if p.IsConnected() {
		return nil
	}

	token := p.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			// OnConnectHandler sets connected=true.
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return errors.New("publisher stopped")
		default:
		}
	}
}

// Publish delivers one message to topic with the configured qos and retain
// flags. The message's Topic field is overwritten with the argument before
// serialization so payload and topic can never disagree. When the client is
// not connected the call waits a bounded time for the connection, then
// attempts the send regardless.
func (p *Publisher) Publish(topic string, msg weather.Message) error {
	msg.SetTopic(topic)
	payload, err := json.Marshal(msg)
	if err != nil {
		return &PublishError{Topic: topic, Err: fmt.Errorf("marshal: %w", err)}
	}

	if !p.waitConnected(connectedWait) {
		p.logger.Debug("publishing while disconnected", "topic", topic)
	}

	token := p.client.Publish(topic, p.cfg.MQTTQoS, p.cfg.MQTTRetain, payload)
	if !token.WaitTimeout(tokenWait) {
		return &PublishError{Topic: topic, Err: errors.New("timed out waiting for send")}
	}
	if token.Error() != nil {
		return &PublishError{Topic: topic, Err: token.Error()}
	}

	p.logger.Debug("published", "topic", topic, "bytes", len(payload))
	return nil
}

// waitConnected blocks until the client reports connected, the timeout
// elapses, or the publisher is stopped. It wakes on the state transition,
// not at the next poll interval.
func (p *Publisher) waitConnected(timeout time.Duration) bool {
	p.mu.RLock()
	connected, ch := p.connected, p.connectedCh
	p.mu.RUnlock()
	if connected {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-p.stopCh:
		return false
	}
}

// IsConnected returns whether the client is connected.
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	return connected && p.client.IsConnected()
}

// Disconnect stops the publisher and closes the MQTT connection.
// Idempotent and safe to call multiple times; the quiesce interval lets
// in-flight sends flush.
func (p *Publisher) Disconnect() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	if p.client != nil {
		p.client.Disconnect(250)
	}

	p.setConnected(false)
	p.logger.Info("mqtt disconnected")
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v == p.connected {
		return
	}
	p.connected = v
	if v {
		close(p.connectedCh)
	} else {
		p.connectedCh = make(chan struct{})
	}
}
