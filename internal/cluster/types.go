package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Timeout classes for inter-node calls. There is no retry on top of them.
const (
	// DiscoveryTimeout bounds registration and membership calls.
	DiscoveryTimeout = 5 * time.Second
	// MetadataTimeout bounds small JSON calls between workers.
	MetadataTimeout = 30 * time.Second
	// BulkTimeout bounds tile and other bulk payload transfers.
	BulkTimeout = 2 * time.Minute
)

// ForwardedHeader marks a request that was fanned out by another node and
// must not be fanned out again.
const ForwardedHeader = "X-Meridian-Forwarded"

// NodeInfo identifies a worker node and the services it offers.
type NodeInfo struct {
	ID       string   `json:"id"`
	Addr     string   `json:"addr"`
	Services []string `json:"services,omitempty"`
}

// RegisterRequest is sent by a node to the discovery service on startup.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// Membership is one message of the membership feed:
// service name → API kind → base URLs. Only the "api" kind is routed on.
type Membership map[string]map[string][]string

// APIKind is the Membership key listing a service's REST endpoints.
const APIKind = "api"

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Body string
	Code int
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Code)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Body)
}

var httpClient = &http.Client{Timeout: DiscoveryTimeout}

// PostJSON posts body as JSON with the discovery client and decodes the
// response into out when out is non-nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return DoJSON(ctx, httpClient, http.MethodPost, url, body, out)
}

// GetJSON fetches url with the discovery client and decodes the response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	return DoJSON(ctx, httpClient, http.MethodGet, url, nil, out)
}

// DoJSON issues a request with an optional JSON body and decodes a JSON
// response into out when out is non-nil.
func DoJSON(ctx context.Context, client *http.Client, method, url string, body any, out any) error {
	req, err := NewJSONRequest(ctx, method, url, body)
	if err != nil {
		return err
	}
	return Do(client, req, out)
}

// NewJSONRequest builds a request carrying body encoded as JSON.
func NewJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Do sends req and decodes a JSON response into out when out is non-nil.
func Do(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(req, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL, err)
	}
	return nil
}

// GetBytes fetches url and returns the raw body and response headers.
func GetBytes(ctx context.Context, client *http.Client, url string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	return DoBytes(client, req)
}

// DoBytes sends req and returns the raw body and response headers.
func DoBytes(client *http.Client, req *http.Request) ([]byte, http.Header, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(req, resp); err != nil {
		return nil, nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", req.URL, err)
	}
	return data, resp.Header, nil
}

func checkStatus(req *http.Request, resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		URL:  req.URL.String(),
		Code: resp.StatusCode,
		Body: string(bytes.TrimSpace(msg)),
	}
}
