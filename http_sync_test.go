package collab

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cristalhq/base64"
	"github.com/goccy/go-json"

	"github.com/go-playground/assert/v2"
)

func TestHttpSyncPullWireShape(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.Write([]byte(`{
			"documents": [{
				"id": "d1",
				"snapshot": "` + base64.StdEncoding.EncodeToString([]byte("snap")) + `",
				"updates": ["` + base64.StdEncoding.EncodeToString([]byte("u1")) + `"],
				"dateLastSynced": "2026-08-06T00:00:00Z"
			}]
		}`))
	}))
	defer server.Close()

	settings := DefaultHttpSyncSettings()
	settings.BearerToken = "tok"
	adapter := NewHttpSyncAdapter(server.URL, settings)

	result, err := adapter.Pull(context.Background(), &PullRequest{
		DocId:           "d1",
		RequestSnapshot: true,
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, "/pull", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)

	documents := gotBody["documents"].([]any)
	assert.Equal(t, 1, len(documents))
	doc := documents[0].(map[string]any)
	assert.Equal(t, "d1", doc["id"])
	// no prior checkpoint means an explicit null on the wire
	assert.Equal(t, true, doc["lastSynced"] == nil)
	assert.Equal(t, true, doc["requestSnapshot"].(bool))
	_, hasStateVector := doc["stateVector"]
	assert.Equal(t, false, hasStateVector)

	assert.Equal(t, "snap", string(result.Snapshot))
	assert.Equal(t, 1, len(result.Updates))
	assert.Equal(t, "u1", string(result.Updates[0]))
	assert.Equal(t, "2026-08-06T00:00:00Z", result.DateLastSynced)
}

func TestHttpSyncPullStateVector(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.Write([]byte(`{"documents": [{"id": "d1", "dateLastSynced": null}]}`))
	}))
	defer server.Close()

	adapter := NewHttpSyncAdapterWithDefaults(server.URL)
	result, err := adapter.Pull(context.Background(), &PullRequest{
		DocId:       "d1",
		StateVector: []byte(`{"a":3}`),
		LastSynced:  "7",
	})
	assert.Equal(t, nil, err)
	// nothing new on the server
	assert.Equal(t, true, result == nil)

	doc := gotBody["documents"].([]any)[0].(map[string]any)
	assert.Equal(t, "7", doc["lastSynced"])
	stateVector, _ := base64.StdEncoding.DecodeString(doc["stateVector"].(string))
	assert.Equal(t, `{"a":3}`, string(stateVector))
	assert.Equal(t, false, doc["requestSnapshot"].(bool))
}

func TestHttpSyncPushWireShape(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.Write([]byte(`{"documents": [{"id": "d1", "dateLastSynced": "9"}]}`))
	}))
	defer server.Close()

	adapter := NewHttpSyncAdapterWithDefaults(server.URL)
	result, err := adapter.Push(context.Background(), &PushRequest{
		DocId:      "d1",
		Update:     []byte("blob"),
		IsSnapshot: true,
		LastSynced: "8",
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, "/push", gotPath)
	assert.Equal(t, "9", result.DateLastSynced)

	doc := gotBody["documents"].([]any)[0].(map[string]any)
	assert.Equal(t, "d1", doc["id"])
	assert.Equal(t, true, doc["isSnapshot"].(bool))
	assert.Equal(t, "8", doc["lastSynced"])
	update, _ := base64.StdEncoding.DecodeString(doc["update"].(string))
	assert.Equal(t, "blob", string(update))
}

func TestHttpSyncNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	adapter := NewHttpSyncAdapterWithDefaults(server.URL)
	_, err := adapter.Pull(context.Background(), &PullRequest{DocId: "d1"})
	assert.NotEqual(t, nil, err)
	_, err = adapter.Push(context.Background(), &PushRequest{DocId: "d1", Update: []byte("u")})
	assert.NotEqual(t, nil, err)
}

func TestHttpSyncRetryOn5xx(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts += 1
		if attempts < 3 {
			http.Error(w, "flaky", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"documents": []}`))
	}))
	defer server.Close()

	settings := DefaultHttpSyncSettings()
	settings.MaxRetries = 4
	settings.RetryMinBackoff = 1
	adapter := NewHttpSyncAdapter(server.URL, settings)

	_, err := adapter.Pull(context.Background(), &PullRequest{DocId: "d1"})
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, attempts)
}

func TestHttpSyncNoRetryOn4xx(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts += 1
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	settings := DefaultHttpSyncSettings()
	settings.MaxRetries = 4
	settings.RetryMinBackoff = 1
	adapter := NewHttpSyncAdapter(server.URL, settings)

	_, err := adapter.Pull(context.Background(), &PullRequest{DocId: "d1"})
	assert.NotEqual(t, nil, err)
	assert.Equal(t, 1, attempts)
}
