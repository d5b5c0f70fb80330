// Package mqtt publishes history events to an MQTT broker, one topic per
// service and event type.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/loykin/svisor/internal/history"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultTopicPrefix       = "svisor/events"
	maxQoS                   = 2
)

var (
	ErrConnectionFailed = errors.New("mqtt connection failed")
	ErrPublishFailed    = errors.New("mqtt publish failed")
	ErrInvalidQoS       = errors.New("mqtt qos must be 0, 1 or 2")
)

// Options configures the broker connection.
type Options struct {
	Broker   string // tcp://host:1883 or ssl://host:8883
	ClientID string
	Username string
	Password string
	Topic    string // prefix; events go to <prefix>/<service>/<type>
	QoS      byte
	Retained bool
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
}

// Sink publishes each event as a JSON message.
type Sink struct {
	pub      publisher
	client   pahomqtt.Client
	prefix   string
	qos      byte
	retained bool
}

// New connects to the broker. Auto-reconnect is enabled; publishes fail fast
// while the connection is down.
func New(opts Options) (*Sink, error) {
	if opts.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	if opts.ClientID == "" {
		opts.ClientID = "svisor"
	}
	co := pahomqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(defaultConnectTimeout)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}

	client := pahomqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	s := newSink(client, opts)
	s.client = client
	return s, nil
}

func newSink(pub publisher, opts Options) *Sink {
	prefix := strings.Trim(opts.Topic, "/")
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	return &Sink{pub: pub, prefix: prefix, qos: opts.QoS, retained: opts.Retained}
}

// Topic returns the topic an event is published on.
func (s *Sink) Topic(e history.Event) string {
	return s.prefix + "/" + sanitize(e.Service) + "/" + string(e.Type)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	token := s.pub.Publish(s.Topic(e), s.qos, s.retained, payload)

	timeout := defaultPublishTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(defaultDisconnectQuiesce)
	}
	return nil
}

// sanitize strips MQTT wildcard and separator characters from a topic level.
func sanitize(level string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, level)
}
