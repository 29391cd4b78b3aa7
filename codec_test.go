package collab

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

// reversible test codec: prefixes a tag on encode, strips it on decode
type tagCodec struct {
	tag byte
}

func (self *tagCodec) Encode(raw []byte) ([]byte, error) {
	return append([]byte{self.tag}, raw...), nil
}

func (self *tagCodec) Decode(encoded []byte) ([]byte, error) {
	return encoded[1:], nil
}

func TestIdentityCodec(t *testing.T) {
	codec := IdentityCodec()
	raw := []byte("payload")
	encoded, err := codec.Encode(raw)
	assert.Equal(t, nil, err)
	assert.Equal(t, raw, encoded)
	decoded, err := codec.Decode(encoded)
	assert.Equal(t, nil, err)
	assert.Equal(t, raw, decoded)
}

func TestChainCodecOrder(t *testing.T) {
	codec := ChainCodec(&tagCodec{tag: 'a'}, &tagCodec{tag: 'b'})

	encoded, err := codec.Encode([]byte("x"))
	assert.Equal(t, nil, err)
	// first codec runs first on encode
	assert.Equal(t, []byte("bax"), encoded)

	decoded, err := codec.Decode(encoded)
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte("x"), decoded)
}

func TestChainCodecEmpty(t *testing.T) {
	codec := ChainCodec()
	raw := []byte("x")
	encoded, err := codec.Encode(raw)
	assert.Equal(t, nil, err)
	assert.Equal(t, raw, encoded)
}

// the codec applies to persisted and transported blobs end to end
func TestCodecOnPersistAndTransport(t *testing.T) {
	storage := NewMemStorage()
	sync := newRecordingSyncAdapter()
	settings := DefaultRuntimeSettings()
	settings.Sync = sync
	settings.Codec = &tagCodec{tag: '!'}

	runtime := NewRuntime(context.Background(), storage, settings)
	defer runtime.Close()

	doc, err := runtime.Open("c1", nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, doc.Mutate(func(view *ModelView) {
		view.Root().Set("count", 1)
	}).Wait())

	updates, _ := storage.GetUpdates(context.Background(), "c1")
	assert.Equal(t, 1, len(updates))
	assert.Equal(t, byte('!'), updates[0][0])

	for _, push := range sync.Pushes() {
		assert.Equal(t, byte('!'), push.Update[0])
	}

	// a restart decodes what it stored
	runtime2Settings := DefaultRuntimeSettings()
	runtime2Settings.Codec = &tagCodec{tag: '!'}
	runtime2 := NewRuntime(context.Background(), storage, runtime2Settings)
	defer runtime2.Close()
	doc2, err := runtime2.Open("c1", nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(1), countField.GetOr(doc2.View(), 0))
}
