package collab

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// LwwDoc is the bundled CRDT: a last-writer-wins map keyed by string, with
// per-write lamport clocks and actor ids for a total order. Updates and
// snapshots share one blob shape, so a snapshot is just an update that
// carries every register. Any replica can merge any blob in any order.

type lwwWrite struct {
	Key   string `json:"k"`
	Value any    `json:"v"`
	Clock uint64 `json:"c"`
	Actor string `json:"a"`
}

type lwwUpdate struct {
	Writes []lwwWrite `json:"w"`
}

type lwwRegister struct {
	value any
	clock uint64
	actor string
}

// (clock, actor) total order
func (self *lwwRegister) losesTo(clock uint64, actor string) bool {
	if self.clock != clock {
		return self.clock < clock
	}
	return self.actor < actor
}

type LwwDoc struct {
	actor string

	stateLock sync.Mutex
	registers map[string]lwwRegister
	// actor -> max clock observed from that actor
	clocks map[string]uint64
	// local lamport clock, >= every observed clock
	clock uint64

	handlers     map[Id]CrdtUpdateFunc
	handlerOrder []Id

	// non-nil while inside Transact
	txnWrites []lwwWrite

	root *lwwRoot
}

func NewLwwDoc() *LwwDoc {
	return NewLwwDocWithActor(NewId().String())
}

func NewLwwDocWithActor(actor string) *LwwDoc {
	doc := &LwwDoc{
		actor:     actor,
		registers: map[string]lwwRegister{},
		clocks:    map[string]uint64{},
		handlers:  map[Id]CrdtUpdateFunc{},
	}
	doc.root = &lwwRoot{
		doc: doc,
	}
	return doc
}

func (self *LwwDoc) Actor() string {
	return self.actor
}

// CrdtHandle implementation

func (self *LwwDoc) ApplyUpdate(update []byte, origin any) error {
	decoded := &lwwUpdate{}
	if err := json.Unmarshal(update, decoded); err != nil {
		return fmt.Errorf("malformed update: %w", err)
	}

	self.stateLock.Lock()
	advanced := false
	for _, write := range decoded.Writes {
		if self.clocks[write.Actor] < write.Clock {
			self.clocks[write.Actor] = write.Clock
			advanced = true
		}
		if self.clock < write.Clock {
			self.clock = write.Clock
		}
		register, ok := self.registers[write.Key]
		if !ok || register.losesTo(write.Clock, write.Actor) {
			self.registers[write.Key] = lwwRegister{
				value: write.Value,
				clock: write.Clock,
				actor: write.Actor,
			}
		}
	}
	handlers := self.orderedHandlers()
	self.stateLock.Unlock()

	// a blob with no new writes is a duplicate. do not re-emit it
	if advanced {
		for _, handler := range handlers {
			handler(update, origin)
		}
	}
	return nil
}

func (self *LwwDoc) Transact(fn func(), origin any) {
	self.stateLock.Lock()
	if self.txnWrites != nil {
		self.stateLock.Unlock()
		panic("Nested transactions are not supported.")
	}
	self.txnWrites = []lwwWrite{}
	self.stateLock.Unlock()

	fn()

	self.stateLock.Lock()
	writes := self.txnWrites
	self.txnWrites = nil
	handlers := self.orderedHandlers()
	self.stateLock.Unlock()

	if len(writes) == 0 {
		return
	}
	update, err := json.Marshal(&lwwUpdate{
		Writes: writes,
	})
	if err != nil {
		panic(err)
	}
	for _, handler := range handlers {
		handler(update, origin)
	}
}

func (self *LwwDoc) StateVector() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stateVector, err := json.Marshal(self.clocks)
	if err != nil {
		panic(err)
	}
	return stateVector
}

func (self *LwwDoc) EncodeStateAsUpdate() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys := maps.Keys(self.registers)
	slices.Sort(keys)
	writes := make([]lwwWrite, 0, len(keys))
	for _, key := range keys {
		register := self.registers[key]
		writes = append(writes, lwwWrite{
			Key:   key,
			Value: register.value,
			Clock: register.clock,
			Actor: register.actor,
		})
	}
	update, err := json.Marshal(&lwwUpdate{
		Writes: writes,
	})
	if err != nil {
		panic(err)
	}
	return update
}

func (self *LwwDoc) OnUpdate(handler CrdtUpdateFunc) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	handlerId := NewId()
	self.handlers[handlerId] = handler
	self.handlerOrder = append(self.handlerOrder, handlerId)
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.handlers, handlerId)
		i := slices.Index(self.handlerOrder, handlerId)
		if 0 <= i {
			self.handlerOrder = slices.Delete(slices.Clone(self.handlerOrder), i, i+1)
		}
	}
}

func (self *LwwDoc) Root() Container {
	return self.root
}

func (self *LwwDoc) Detach() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.handlers = map[Id]CrdtUpdateFunc{}
	self.handlerOrder = nil
}

// must be called with stateLock held
func (self *LwwDoc) orderedHandlers() []CrdtUpdateFunc {
	handlers := make([]CrdtUpdateFunc, 0, len(self.handlerOrder))
	for _, handlerId := range self.handlerOrder {
		if handler, ok := self.handlers[handlerId]; ok {
			handlers = append(handlers, handler)
		}
	}
	return handlers
}

// every value round-trips through JSON so a register holds the same
// representation whether it was written locally or merged from a peer
func normalizeValue(value any) any {
	raw, err := json.Marshal(value)
	if err != nil {
		panic(fmt.Errorf("Value is not serializable: %w", err))
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		panic(err)
	}
	return normalized
}

type lwwRoot struct {
	doc *LwwDoc
}

func (self *lwwRoot) Get(key string) (any, bool) {
	self.doc.stateLock.Lock()
	defer self.doc.stateLock.Unlock()

	register, ok := self.doc.registers[key]
	if !ok {
		return nil, false
	}
	return register.value, true
}

func (self *lwwRoot) Set(key string, value any) {
	self.doc.stateLock.Lock()
	defer self.doc.stateLock.Unlock()

	if self.doc.txnWrites == nil {
		panic("Set outside of a transaction.")
	}
	self.doc.clock += 1
	write := lwwWrite{
		Key:   key,
		Value: normalizeValue(value),
		Clock: self.doc.clock,
		Actor: self.doc.actor,
	}
	self.doc.txnWrites = append(self.doc.txnWrites, write)
	self.doc.clocks[self.doc.actor] = write.Clock
	self.doc.registers[key] = lwwRegister{
		value: write.Value,
		clock: write.Clock,
		actor: write.Actor,
	}
}

func (self *lwwRoot) Keys() []string {
	self.doc.stateLock.Lock()
	defer self.doc.stateLock.Unlock()

	keys := maps.Keys(self.doc.registers)
	slices.Sort(keys)
	return keys
}
