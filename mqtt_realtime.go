package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/golang/glog"
)

// MqttRealtimeAdapter publishes and subscribes over an MQTT broker, one
// topic per document under a configurable prefix. Paho's auto-reconnect
// plus the OnConnect resubscribe below make rejoin the adapter's concern,
// as the contract requires.
//
// Brokers echo a publish back to a subscriber on the same topic. That is
// harmless here: the echoed blob is a duplicate and the CRDT refuses to
// re-emit what it has already merged.

type MqttRealtimeSettings struct {
	ClientId       string
	TopicPrefix    string
	Qos            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	Username       string
	Password       string
}

func DefaultMqttRealtimeSettings() *MqttRealtimeSettings {
	return &MqttRealtimeSettings{
		ClientId:       fmt.Sprintf("collab-%s", NewId()),
		TopicPrefix:    "collab/docs",
		Qos:            1,
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: 10 * time.Second,
	}
}

type MqttRealtimeAdapter struct {
	settings *MqttRealtimeSettings
	client   mqtt.Client

	stateLock sync.Mutex
	// doc id -> handler id -> handler
	handlers map[string]map[Id]func(update []byte)
}

func NewMqttRealtimeAdapterWithDefaults(brokerUrl string) (*MqttRealtimeAdapter, error) {
	return NewMqttRealtimeAdapter(brokerUrl, DefaultMqttRealtimeSettings())
}

func NewMqttRealtimeAdapter(brokerUrl string, settings *MqttRealtimeSettings) (*MqttRealtimeAdapter, error) {
	adapter := &MqttRealtimeAdapter{
		settings: settings,
		handlers: map[string]map[Id]func(update []byte){},
	}

	options := mqtt.NewClientOptions().
		AddBroker(brokerUrl).
		SetClientID(settings.ClientId).
		SetAutoReconnect(true).
		SetConnectTimeout(settings.ConnectTimeout).
		SetOnConnectHandler(adapter.resubscribe)
	if settings.Username != "" {
		options.SetUsername(settings.Username)
		options.SetPassword(settings.Password)
	}

	adapter.client = mqtt.NewClient(options)
	token := adapter.client.Connect()
	if !token.WaitTimeout(settings.ConnectTimeout) {
		return nil, fmt.Errorf("Connect timeout.")
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return adapter, nil
}

func (self *MqttRealtimeAdapter) topic(docId string) string {
	return fmt.Sprintf("%s/%s", self.settings.TopicPrefix, docId)
}

// RealtimeAdapter implementation

func (self *MqttRealtimeAdapter) Subscribe(docId string, onUpdate func(update []byte)) (func(), error) {
	self.stateLock.Lock()
	docHandlers, ok := self.handlers[docId]
	first := !ok
	if first {
		docHandlers = map[Id]func(update []byte){}
		self.handlers[docId] = docHandlers
	}
	handlerId := NewId()
	docHandlers[handlerId] = onUpdate
	self.stateLock.Unlock()

	if first {
		token := self.client.Subscribe(self.topic(docId), self.settings.Qos, self.receive)
		token.Wait()
		if err := token.Error(); err != nil {
			self.stateLock.Lock()
			delete(docHandlers, handlerId)
			if len(docHandlers) == 0 {
				delete(self.handlers, docId)
			}
			self.stateLock.Unlock()
			return nil, err
		}
	}

	return func() {
		self.stateLock.Lock()
		docHandlers, ok := self.handlers[docId]
		last := false
		if ok {
			delete(docHandlers, handlerId)
			if len(docHandlers) == 0 {
				delete(self.handlers, docId)
				last = true
			}
		}
		self.stateLock.Unlock()
		if last {
			self.client.Unsubscribe(self.topic(docId))
		}
	}, nil
}

func (self *MqttRealtimeAdapter) Publish(ctx context.Context, docId string, update []byte) error {
	token := self.client.Publish(self.topic(docId), self.settings.Qos, false, update)
	if !token.WaitTimeout(self.settings.PublishTimeout) {
		return fmt.Errorf("Publish timeout.")
	}
	return token.Error()
}

func (self *MqttRealtimeAdapter) Close() {
	self.client.Disconnect(250)
}

func (self *MqttRealtimeAdapter) receive(client mqtt.Client, message mqtt.Message) {
	topic := message.Topic()
	prefix := fmt.Sprintf("%s/", self.settings.TopicPrefix)
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return
	}
	docId := topic[len(prefix):]
	update := message.Payload()

	self.stateLock.Lock()
	docHandlers := self.handlers[docId]
	handlers := make([]func(update []byte), 0, len(docHandlers))
	for _, handler := range docHandlers {
		handlers = append(handlers, handler)
	}
	self.stateLock.Unlock()

	for _, handler := range handlers {
		update := copyBytes(update)
		handler := handler
		HandleError(func() {
			handler(update)
		})
	}
}

func (self *MqttRealtimeAdapter) resubscribe(client mqtt.Client) {
	self.stateLock.Lock()
	docIds := make([]string, 0, len(self.handlers))
	for docId := range self.handlers {
		docIds = append(docIds, docId)
	}
	self.stateLock.Unlock()

	for _, docId := range docIds {
		token := client.Subscribe(self.topic(docId), self.settings.Qos, self.receive)
		token.Wait()
		if err := token.Error(); err != nil {
			glog.Warningf("mqtt resubscribe %s failed: %s\n", docId, err)
		}
	}
}
