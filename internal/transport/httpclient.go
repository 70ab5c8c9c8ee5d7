package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

var (
	// ErrMissingBaseURL indicates that the client was built without an authority address.
	ErrMissingBaseURL = errors.New("transport: base url is required")
	// ErrUnexpectedStatus indicates an HTTP response outside the protocol's vocabulary.
	ErrUnexpectedStatus = errors.New("transport: unexpected response status")
)

const defaultRequestTimeout = 30 * time.Second

// HTTPClientConfig describes the inputs required to build an HTTPClient.
type HTTPClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPClient implements Client against the authority's HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient validates the configuration and returns an HTTPClient.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrMissingBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingBaseURL, err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{baseURL: base, client: client, logger: logger}, nil
}

type errorPayload struct {
	Error               string `json:"error"`
	Reason              string `json:"reason,omitempty"`
	FirstUnseenIngestID uint64 `json:"firstUnseenIngestId,omitempty"`
	MinRetainedIngestID uint64 `json:"minRetainedIngestId,omitempty"`
}

// FetchRemoteActions retrieves the delta after the given ingest cursor.
func (c *HTTPClient) FetchRemoteActions(ctx context.Context, sinceIngestID uint64) (Delta, error) {
	endpoint := c.baseURL + "/sync/changes?since=" + strconv.FormatUint(sinceIngestID, 10)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Delta{}, err
	}

	response, err := c.client.Do(request)
	if err != nil {
		return Delta{}, err
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusOK:
		var delta Delta
		if err := json.NewDecoder(response.Body).Decode(&delta); err != nil {
			return Delta{}, err
		}
		return delta, nil
	case http.StatusGone:
		payload, err := decodeErrorPayload(response.Body)
		if err != nil {
			return Delta{}, err
		}
		return Delta{}, &CompactedError{MinRetainedIngestID: payload.MinRetainedIngestID}
	default:
		return Delta{}, statusError(response)
	}
}

// FetchBootstrapSnapshot retrieves the authority's full materialized state.
// Snapshot bodies are gzip-compressed on the wire.
func (c *HTTPClient) FetchBootstrapSnapshot(ctx context.Context) (Snapshot, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sync/bootstrap", nil)
	if err != nil {
		return Snapshot{}, err
	}
	request.Header.Set("Accept-Encoding", "gzip")

	response, err := c.client.Do(request)
	if err != nil {
		return Snapshot{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return Snapshot{}, statusError(response)
	}

	var body io.Reader = response.Body
	if strings.Contains(response.Header.Get("Content-Encoding"), "gzip") {
		reader, err := gzip.NewReader(response.Body)
		if err != nil {
			return Snapshot{}, err
		}
		defer reader.Close()
		body = reader
	}

	var snapshot Snapshot
	if err := json.NewDecoder(body).Decode(&snapshot); err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// SendLocalActions uploads a batch of local actions. Protocol rejections come
// back as the typed errors defined in this package.
func (c *HTTPClient) SendLocalActions(ctx context.Context, upload Upload) error {
	payload, err := json.Marshal(upload)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/upload", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		decoded, err := decodeErrorPayload(response.Body)
		if err != nil {
			return err
		}
		return &BehindHeadError{FirstUnseenIngestID: decoded.FirstUnseenIngestID}
	case http.StatusForbidden:
		decoded, err := decodeErrorPayload(response.Body)
		if err != nil {
			return err
		}
		return &DeniedError{Reason: decoded.Reason}
	case http.StatusUnprocessableEntity:
		decoded, err := decodeErrorPayload(response.Body)
		if err != nil {
			return err
		}
		return &InvalidError{Reason: decoded.Reason}
	default:
		return statusError(response)
	}
}

func decodeErrorPayload(body io.Reader) (errorPayload, error) {
	var decoded errorPayload
	if err := json.NewDecoder(body).Decode(&decoded); err != nil {
		return errorPayload{}, err
	}
	return decoded, nil
}

func statusError(response *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(response.Body, 256))
	return fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, response.StatusCode, strings.TrimSpace(string(snippet)))
}
