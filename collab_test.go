package collab

import (
	"testing"

	"github.com/goccy/go-json"

	"github.com/go-playground/assert/v2"
)

func TestIdOrder(t *testing.T) {
	// ulids sort by creation time
	a := NewId()
	b := NewId()
	assert.Equal(t, true, a.String() <= b.String())
	assert.Equal(t, false, a.IsZero())
	assert.Equal(t, true, (Id{}).IsZero())
}

func TestIdTextRoundTrip(t *testing.T) {
	id := NewId()

	parsed, err := ParseId(id.String())
	assert.Equal(t, nil, err)
	assert.Equal(t, id, parsed)

	_, err = ParseId("not an id")
	assert.NotEqual(t, nil, err)

	encoded, err := json.Marshal(id)
	assert.Equal(t, nil, err)
	var decoded Id
	assert.Equal(t, nil, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, id, decoded)
}
