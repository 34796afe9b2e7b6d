package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTPClient posts documents as JSON to the cloud endpoint
type HTTPClient struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPClient creates an HTTP upload client
func NewHTTPClient(endpoint, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		token:    token,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type ackResponse struct {
	ID string `json:"id"`
}

// Submit posts the document and returns the id assigned by the cloud
func (c *HTTPClient) Submit(ctx context.Context, doc *Document) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", permanent("marshal document: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", permanent("create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", doc.Key())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if isRetriableError(err) {
			return "", transient("post %s: %v", doc.Key(), err)
		}
		return "", permanent("post %s: %v", doc.Key(), err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case isRetriableStatusCode(resp.StatusCode):
		return "", transient("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	default:
		return "", permanent("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var ack ackResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ack); err != nil {
			log.Warn().Err(err).Str("key", doc.Key()).Msg("Unparseable upload acknowledgment")
		}
	}
	if ack.ID == "" {
		ack.ID = doc.Key()
	}

	return ack.ID, nil
}

// isRetriableStatusCode reports whether a failed HTTP status may succeed later
func isRetriableStatusCode(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRetriableError reports whether a transport error may succeed later
func isRetriableError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// HTTPOrbitalSource downloads the GPS ephemeris blob from the cloud
type HTTPOrbitalSource struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPOrbitalSource creates an orbital data source
func NewHTTPOrbitalSource(endpoint, token string) *HTTPOrbitalSource {
	return &HTTPOrbitalSource{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{},
	}
}

// maxOrbitalSize bounds the ephemeris download
const maxOrbitalSize = 1 << 20

// Fetch downloads the current orbital data
func (s *HTTPOrbitalSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch orbital data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch orbital data: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOrbitalSize+1))
	if err != nil {
		return nil, fmt.Errorf("read orbital data: %w", err)
	}
	if len(data) > maxOrbitalSize {
		return nil, fmt.Errorf("orbital data exceeds %d bytes", maxOrbitalSize)
	}
	return data, nil
}
