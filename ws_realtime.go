package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cristalhq/base64"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// WsRealtimeAdapter is a websocket realtime transport. One connection
// carries every subscribed document, multiplexed by id. The adapter owns
// reconnect-and-rejoin: on every (re)connect it re-sends a join for each
// live subscription, so the runtime never sees connection state.

const wsMessageJoin = "join"
const wsMessageLeave = "leave"
const wsMessageUpdate = "update"

type wsMessage struct {
	Type   string `json:"type"`
	Id     string `json:"id"`
	Update string `json:"update,omitempty"`
}

type WsRealtimeSettings struct {
	WsHandshakeTimeout  time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	PingTimeout         time.Duration
	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration
	SendBufferSize      int
	// "" disables the Authorization header on the handshake
	BearerToken string
}

func DefaultWsRealtimeSettings() *WsRealtimeSettings {
	return &WsRealtimeSettings{
		WsHandshakeTimeout:  2 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
		PingTimeout:         5 * time.Second,
		ReconnectMinBackoff: 250 * time.Millisecond,
		ReconnectMaxBackoff: 15 * time.Second,
		SendBufferSize:      32,
	}
}

type WsRealtimeAdapter struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *WsRealtimeSettings

	sendC chan *wsMessage

	stateLock sync.Mutex
	// doc id -> handler id -> handler
	handlers map[string]map[Id]func(update []byte)
}

func NewWsRealtimeAdapterWithDefaults(ctx context.Context, url string) *WsRealtimeAdapter {
	return NewWsRealtimeAdapter(ctx, url, DefaultWsRealtimeSettings())
}

func NewWsRealtimeAdapter(ctx context.Context, url string, settings *WsRealtimeSettings) *WsRealtimeAdapter {
	cancelCtx, cancel := context.WithCancel(ctx)
	adapter := &WsRealtimeAdapter{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		settings: settings,
		sendC:    make(chan *wsMessage, settings.SendBufferSize),
		handlers: map[string]map[Id]func(update []byte){},
	}
	go adapter.run()
	return adapter
}

// RealtimeAdapter implementation

func (self *WsRealtimeAdapter) Subscribe(docId string, onUpdate func(update []byte)) (func(), error) {
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
		self.offer(&wsMessage{
			Type: wsMessageJoin,
			Id:   docId,
		})
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
			self.offer(&wsMessage{
				Type: wsMessageLeave,
				Id:   docId,
			})
		}
	}, nil
}

func (self *WsRealtimeAdapter) Publish(ctx context.Context, docId string, update []byte) error {
	message := &wsMessage{
		Type:   wsMessageUpdate,
		Id:     docId,
		Update: base64.StdEncoding.EncodeToString(update),
	}
	select {
	case self.sendC <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return fmt.Errorf("Adapter closed.")
	}
}

func (self *WsRealtimeAdapter) Close() {
	self.cancel()
}

// best-effort enqueue of a control message; a full send buffer drops it.
// joins are also replayed on every connect, so a dropped join takes
// effect at the next reconnect
func (self *WsRealtimeAdapter) offer(message *wsMessage) {
	select {
	case self.sendC <- message:
	default:
	}
}

func (self *WsRealtimeAdapter) run() {
	reconnectBackoff := backoff.NewExponentialBackOff()
	reconnectBackoff.InitialInterval = self.settings.ReconnectMinBackoff
	reconnectBackoff.MaxInterval = self.settings.ReconnectMaxBackoff
	reconnectBackoff.MaxElapsedTime = 0

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		conn, err := self.connect()
		if err != nil {
			glog.V(2).Infof("ws connect failed: %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(reconnectBackoff.NextBackOff()):
			}
			continue
		}
		reconnectBackoff.Reset()

		self.serve(conn)
		conn.Close()
	}
}

func (self *WsRealtimeAdapter) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := map[string][]string{}
	if self.settings.BearerToken != "" {
		header["Authorization"] = []string{fmt.Sprintf("Bearer %s", self.settings.BearerToken)}
	}
	conn, _, err := dialer.DialContext(self.ctx, self.url, header)
	if err != nil {
		return nil, err
	}

	// rejoin every live subscription
	self.stateLock.Lock()
	docIds := make([]string, 0, len(self.handlers))
	for docId := range self.handlers {
		docIds = append(docIds, docId)
	}
	self.stateLock.Unlock()
	for _, docId := range docIds {
		join, err := json.Marshal(&wsMessage{
			Type: wsMessageJoin,
			Id:   docId,
		})
		if err != nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// serve pumps the connection until it breaks, then returns so run can
// reconnect
func (self *WsRealtimeAdapter) serve(conn *websocket.Conn) {
	closeC := make(chan struct{})

	// read
	go func() {
		defer close(closeC)
		for {
			conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			_, messageBytes, err := conn.ReadMessage()
			if err != nil {
				return
			}
			message := &wsMessage{}
			if err := json.Unmarshal(messageBytes, message); err != nil {
				glog.V(2).Infof("ws bad message: %s\n", err)
				continue
			}
			if message.Type != wsMessageUpdate {
				continue
			}
			update, err := base64.StdEncoding.DecodeString(message.Update)
			if err != nil {
				glog.V(2).Infof("ws bad payload: %s\n", err)
				continue
			}
			self.dispatch(message.Id, update)
		}
	}()

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	pingTicker := time.NewTicker(self.settings.PingTimeout)
	defer pingTicker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-closeC:
			return
		case message := <-self.sendC:
			messageBytes, err := json.Marshal(message)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *WsRealtimeAdapter) dispatch(docId string, update []byte) {
	self.stateLock.Lock()
	docHandlers := self.handlers[docId]
	handlers := make([]func(update []byte), 0, len(docHandlers))
	for _, handler := range docHandlers {
		handlers = append(handlers, handler)
	}
	self.stateLock.Unlock()

	for _, handler := range handlers {
		update := update
		handler := handler
		HandleError(func() {
			handler(update)
		})
	}
}
