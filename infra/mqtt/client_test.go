package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/gridpilot/hems/core/dispatcher"
	"github.com/gridpilot/hems/core/rtl"
	"github.com/gridpilot/hems/infra/logger"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeToken) Error() error { return nil }

type published struct {
	topic   string
	payload []byte
}

type fakePaho struct {
	mu        sync.Mutex
	connected bool
	published []published
	handlers  map[string]paho.MessageHandler
}

func (f *fakePaho) IsConnected() bool { return f.connected }
func (f *fakePaho) Connect() paho.Token {
	f.connected = true
	return fakeToken{}
}
func (f *fakePaho) Disconnect(uint) { f.connected = false }
func (f *fakePaho) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, payload: payload.([]byte)})
	return fakeToken{}
}
func (f *fakePaho) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]paho.MessageHandler)
	}
	f.handlers[topic] = cb
	return fakeToken{}
}

func (f *fakePaho) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.published {
		out = append(out, p.topic)
	}
	return out
}

func newFakeSubscriber(t *testing.T, handler Handler) (*Subscriber, *fakePaho) {
	t.Helper()
	fake := &fakePaho{}
	orig := newMQTTClient
	newMQTTClient = func(*paho.ClientOptions) pahoClient { return fake }
	t.Cleanup(func() { newMQTTClient = orig })

	sub, err := NewSubscriber(Config{Broker: "tcp://fake:1883"}, handler, logger.NopLogger{})
	if err != nil {
		t.Fatalf("subscriber: %v", err)
	}
	return sub, fake
}

func TestPublishAck(t *testing.T) {
	sub, fake := newFakeSubscriber(t, nil)
	sub.PublishAck(dispatcher.Ack{Accepted: true, CycleID: "c1"})

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(fake.published))
	}
	if fake.published[0].topic != "mpc/response" {
		t.Fatalf("bad topic %s", fake.published[0].topic)
	}
	var ack dispatcher.Ack
	if err := json.Unmarshal(fake.published[0].payload, &ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ack.Accepted || ack.CycleID != "c1" {
		t.Fatalf("bad ack %+v", ack)
	}
}

func TestPublishNotify(t *testing.T) {
	sub, fake := newFakeSubscriber(t, nil)
	sub.PublishNotify(rtl.NotifyEvent{Message: "over limit", TotalKW: 8, LimitKW: 5, Time: time.Now()})
	if topics := fake.topics(); len(topics) != 1 || topics[0] != "mpc/notify" {
		t.Fatalf("bad publishes %v", topics)
	}
}

func TestOnRequestInvokesHandler(t *testing.T) {
	var got []byte
	handler := func(_ context.Context, payload []byte) dispatcher.Ack {
		got = append([]byte(nil), payload...)
		return dispatcher.Ack{Accepted: false, Error: "nope"}
	}
	sub, fake := newFakeSubscriber(t, handler)
	sub.onRequest(nil, fakeMessage{payload: []byte(`{"params":null}`)})

	if string(got) != `{"params":null}` {
		t.Fatalf("handler got %s", got)
	}
	if topics := fake.topics(); len(topics) != 1 || topics[0] != "mpc/response" {
		t.Fatalf("expected nack publish, got %v", topics)
	}
}

type fakeMessage struct {
	payload []byte
}

func (fakeMessage) Duplicate() bool   { return false }
func (fakeMessage) Qos() byte         { return 0 }
func (fakeMessage) Retained() bool    { return false }
func (fakeMessage) Topic() string     { return "mpc" }
func (fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte { return m.payload }
func (fakeMessage) Ack()              {}
