// Package mqtt adapts the message bus: it subscribes to the planning request
// topic, hands payloads to the dispatcher and publishes boolean acks and
// notification events back.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/gridpilot/hems/core/dispatcher"
	"github.com/gridpilot/hems/core/logger"
	"github.com/gridpilot/hems/core/model"
	"github.com/gridpilot/hems/core/rtl"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker        string      `json:"broker"`
	ClientID      string      `json:"client_id"`
	Username      string      `json:"username"`
	Password      string      `json:"password"`
	RequestTopic  string      `json:"request_topic"`
	ResponseTopic string      `json:"response_topic"`
	NotifyTopic   string      `json:"notify_topic"`
	QoS           byte        `json:"qos"`
	UseTLS        bool        `json:"use_tls"`
	ClientCert    string      `json:"client_cert"`
	ClientKey     string      `json:"client_key"`
	CABundle      string      `json:"ca_bundle"`
	TLSConfig     *tls.Config `json:"-"`
}

// SetDefaults applies the documented topic names.
func (c *Config) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "hems-controller"
	}
	if c.RequestTopic == "" {
		c.RequestTopic = "mpc"
	}
	if c.ResponseTopic == "" {
		c.ResponseTopic = "mpc/response"
	}
	if c.NotifyTopic == "" {
		c.NotifyTopic = "mpc/notify"
	}
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// Handler processes one planning request payload and returns the ack.
type Handler func(ctx context.Context, payload []byte) dispatcher.Ack

// Subscriber owns the broker connection and the request subscription.
type Subscriber struct {
	cli     pahoClient
	cfg     Config
	handler Handler
	log     logger.Logger
}

// NewSubscriber connects to the broker and subscribes to the request topic.
func NewSubscriber(cfg Config, handler Handler, log logger.Logger) (*Subscriber, error) {
	cfg.SetDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	s := &Subscriber{cfg: cfg, handler: handler, log: log}
	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		if token := c.Subscribe(cfg.RequestTopic, cfg.QoS, s.onRequest); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}

	cli := newMQTTClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrBusTransient, token.Error())
	}
	s.cli = cli
	return s, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (s *Subscriber) onRequest(_ paho.Client, msg paho.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ack := s.handler(ctx, msg.Payload())
	s.PublishAck(ack)
}

// PublishAck sends the boolean ack to the response topic.
func (s *Subscriber) PublishAck(ack dispatcher.Ack) {
	payload, err := json.Marshal(ack)
	if err != nil {
		s.log.Errorf("encode ack: %v", err)
		return
	}
	token := s.cli.Publish(s.cfg.ResponseTopic, s.cfg.QoS, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		s.log.Errorf("publish ack: %v", err)
	}
}

// PublishNotify forwards a limiter notification event to the notify topic.
func (s *Subscriber) PublishNotify(ev rtl.NotifyEvent) {
	payload, err := json.Marshal(map[string]any{
		"message":  ev.Message,
		"total_kw": ev.TotalKW,
		"limit_kw": ev.LimitKW,
		"time":     ev.Time.Format(time.RFC3339),
	})
	if err != nil {
		s.log.Errorf("encode notification: %v", err)
		return
	}
	token := s.cli.Publish(s.cfg.NotifyTopic, s.cfg.QoS, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		s.log.Errorf("publish notification: %v", err)
	}
}

// Disconnect gracefully closes the MQTT connection.
func (s *Subscriber) Disconnect() {
	if s.cli != nil && s.cli.IsConnected() {
		s.cli.Disconnect(250)
	}
}
