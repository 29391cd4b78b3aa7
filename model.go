package collab

import (
	"sync/atomic"

	"github.com/goccy/go-json"
)

// ModelView is the derived view over the document's root container. It is
// rebuilt (refreshed) after any external apply so bound models and change
// listeners observe remote state.
type ModelView struct {
	root Container

	version         atomic.Uint64
	changeCallbacks *CallbackList[func()]

	onError func(error)
}

func newModelView(root Container, onError func(error)) *ModelView {
	return &ModelView{
		root:            root,
		changeCallbacks: NewCallbackList[func()](),
		onError:         onError,
	}
}

func (self *ModelView) Root() Container {
	return self.root
}

// bumps on every refresh; cheap staleness check for bindings
func (self *ModelView) Version() uint64 {
	return self.version.Load()
}

func (self *ModelView) OnChange(callback func()) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *ModelView) refresh() {
	self.version.Add(1)
	for _, callback := range self.changeCallbacks.Get() {
		HandleError(callback, self.onError)
	}
}

// Model binds typed field references over a freshly opened document.
type Model interface {
	Init(view *ModelView)
}

// Field is a typed accessor for one root key.
type Field[T any] struct {
	key string
}

func NewField[T any](key string) Field[T] {
	return Field[T]{
		key: key,
	}
}

func (self Field[T]) Key() string {
	return self.key
}

func (self Field[T]) Get(view *ModelView) (T, bool) {
	var zero T
	value, ok := view.root.Get(self.key)
	if !ok {
		return zero, false
	}
	typed, ok := convertValue[T](value)
	if !ok {
		return zero, false
	}
	return typed, true
}

func (self Field[T]) GetOr(view *ModelView, fallback T) T {
	value, ok := self.Get(view)
	if !ok {
		return fallback
	}
	return value
}

// only valid inside Mutate
func (self Field[T]) Set(view *ModelView, value T) {
	view.root.Set(self.key, value)
}

// values that crossed a JSON boundary come back widened.
// narrow them to what the field asks for.
func convertValue[T any](value any) (T, bool) {
	var zero T
	if typed, ok := value.(T); ok {
		return typed, true
	}
	switch any(zero).(type) {
	case int64:
		if f, ok := toFloat64(value); ok {
			return any(int64(f)).(T), true
		}
	case int:
		if f, ok := toFloat64(value); ok {
			return any(int(f)).(T), true
		}
	case float64:
		if f, ok := toFloat64(value); ok {
			return any(f).(T), true
		}
	}
	return zero, false
}

func toFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
