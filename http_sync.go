package collab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cristalhq/base64"
	"github.com/goccy/go-json"
)

// HttpSyncAdapter is the default REST transport for the sync protocol:
// POST {base}/pull and POST {base}/push with base64 payloads. The server
// is an opaque byte log; non-2xx responses surface as transport errors.
// Authentication is a bearer token when configured; everything else is
// delegated to the backend.

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

type HttpSyncSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
	// "" disables the Authorization header
	BearerToken string
	// per-request retry budget. 0 disables retry entirely; the
	// orchestrator's own retry-on-next-mutation policy still applies
	MaxRetries      uint64
	RetryMinBackoff time.Duration
}

func DefaultHttpSyncSettings() *HttpSyncSettings {
	return &HttpSyncSettings{
		HttpTimeout:        defaultHttpTimeout,
		HttpConnectTimeout: defaultHttpConnectTimeout,
		HttpTlsTimeout:     defaultHttpTlsTimeout,
		MaxRetries:         0,
		RetryMinBackoff:    250 * time.Millisecond,
	}
}

type HttpSyncAdapter struct {
	baseUrl  string
	settings *HttpSyncSettings
	client   *http.Client
}

func NewHttpSyncAdapterWithDefaults(baseUrl string) *HttpSyncAdapter {
	return NewHttpSyncAdapter(baseUrl, DefaultHttpSyncSettings())
}

func NewHttpSyncAdapter(baseUrl string, settings *HttpSyncSettings) *HttpSyncAdapter {
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &HttpSyncAdapter{
		baseUrl:  baseUrl,
		settings: settings,
		client: &http.Client{
			Transport: transport,
			Timeout:   settings.HttpTimeout,
		},
	}
}

// wire shapes

type wirePullDocument struct {
	Id              string  `json:"id"`
	LastSynced      *string `json:"lastSynced"`
	RequestSnapshot bool    `json:"requestSnapshot"`
	StateVector     string  `json:"stateVector,omitempty"`
}

type wirePullArgs struct {
	Documents []*wirePullDocument `json:"documents"`
}

type wirePullResultDocument struct {
	Id             string   `json:"id"`
	Snapshot       string   `json:"snapshot,omitempty"`
	Updates        []string `json:"updates,omitempty"`
	DateLastSynced *string  `json:"dateLastSynced"`
}

type wirePullResult struct {
	Documents []*wirePullResultDocument `json:"documents"`
}

type wirePushDocument struct {
	Id         string  `json:"id"`
	Update     string  `json:"update"`
	IsSnapshot bool    `json:"isSnapshot"`
	LastSynced *string `json:"lastSynced"`
}

type wirePushArgs struct {
	Documents []*wirePushDocument `json:"documents"`
}

type wirePushResultDocument struct {
	Id             string  `json:"id"`
	DateLastSynced *string `json:"dateLastSynced"`
}

type wirePushResult struct {
	Documents []*wirePushResultDocument `json:"documents"`
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// SyncAdapter implementation

func (self *HttpSyncAdapter) Pull(ctx context.Context, request *PullRequest) (*PullResult, error) {
	doc := &wirePullDocument{
		Id:              request.DocId,
		LastSynced:      optionalString(request.LastSynced),
		RequestSnapshot: request.RequestSnapshot,
	}
	if request.StateVector != nil {
		doc.StateVector = base64.StdEncoding.EncodeToString(request.StateVector)
	}

	result := &wirePullResult{}
	err := self.post(ctx, fmt.Sprintf("%s/pull", self.baseUrl), &wirePullArgs{
		Documents: []*wirePullDocument{doc},
	}, result)
	if err != nil {
		return nil, err
	}
	for _, resultDoc := range result.Documents {
		if resultDoc.Id != request.DocId {
			continue
		}
		pullResult := &PullResult{}
		if resultDoc.DateLastSynced != nil {
			pullResult.DateLastSynced = *resultDoc.DateLastSynced
		}
		if resultDoc.Snapshot != "" {
			snapshot, err := base64.StdEncoding.DecodeString(resultDoc.Snapshot)
			if err != nil {
				return nil, fmt.Errorf("Bad snapshot payload: %w", err)
			}
			pullResult.Snapshot = snapshot
		}
		for _, encoded := range resultDoc.Updates {
			update, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, fmt.Errorf("Bad update payload: %w", err)
			}
			pullResult.Updates = append(pullResult.Updates, update)
		}
		if pullResult.Snapshot == nil && len(pullResult.Updates) == 0 && pullResult.DateLastSynced == "" {
			return nil, nil
		}
		return pullResult, nil
	}
	// up-to-date
	return nil, nil
}

func (self *HttpSyncAdapter) Push(ctx context.Context, request *PushRequest) (*PushResult, error) {
	result := &wirePushResult{}
	err := self.post(ctx, fmt.Sprintf("%s/push", self.baseUrl), &wirePushArgs{
		Documents: []*wirePushDocument{
			{
				Id:         request.DocId,
				Update:     base64.StdEncoding.EncodeToString(request.Update),
				IsSnapshot: request.IsSnapshot,
				LastSynced: optionalString(request.LastSynced),
			},
		},
	}, result)
	if err != nil {
		return nil, err
	}
	pushResult := &PushResult{}
	for _, resultDoc := range result.Documents {
		if resultDoc.Id == request.DocId && resultDoc.DateLastSynced != nil {
			pushResult.DateLastSynced = *resultDoc.DateLastSynced
		}
	}
	return pushResult, nil
}

func (self *HttpSyncAdapter) post(ctx context.Context, url string, args any, result any) error {
	requestBody, err := json.Marshal(args)
	if err != nil {
		return err
	}

	attempt := func() error {
		request, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBody))
		if err != nil {
			return backoff.Permanent(err)
		}
		request.Header.Set("Content-Type", "application/json")
		if self.settings.BearerToken != "" {
			request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", self.settings.BearerToken))
		}

		response, err := self.client.Do(request)
		if err != nil {
			return err
		}
		defer response.Body.Close()

		if response.StatusCode < 200 || 300 <= response.StatusCode {
			err := fmt.Errorf("Bad status: %s", response.Status)
			if 400 <= response.StatusCode && response.StatusCode < 500 {
				// the request will not get better on retry
				return backoff.Permanent(err)
			}
			return err
		}

		responseBody, err := io.ReadAll(response.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(responseBody, result)
	}

	if self.settings.MaxRetries == 0 {
		err := attempt()
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		return err
	}

	retryBackoff := backoff.NewExponentialBackOff()
	retryBackoff.InitialInterval = self.settings.RetryMinBackoff
	return backoff.Retry(
		attempt,
		backoff.WithContext(backoff.WithMaxRetries(retryBackoff, self.settings.MaxRetries), ctx),
	)
}
