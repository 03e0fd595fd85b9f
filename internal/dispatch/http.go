package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/signalbus/core/internal/signal"
)

// HTTPAdapter POSTs (or otherwise sends) a signal's JSON encoding to a URL.
// net/http is the right tool here: there is no third-party HTTP client in
// the retrieved dependency surface, and the standard client already
// provides everything an outbound POST needs (timeouts via context,
// connection reuse, header control).
type HTTPAdapter struct {
	client *http.Client
}

// NewHTTPAdapter builds an HTTPAdapter; a nil client uses http.DefaultClient.
func NewHTTPAdapter(client *http.Client) *HTTPAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAdapter{client: client}
}

func (a *HTTPAdapter) Tag() string { return "http" }

func (a *HTTPAdapter) ValidateOpts(opts Opts) (Opts, error) {
	url, ok := opts.String("url")
	if !ok || url == "" {
		return nil, fmt.Errorf("dispatch: http requires url")
	}
	method, _ := opts.String("method")
	if method == "" {
		method = http.MethodPost
	}
	out := make(Opts, len(opts)+1)
	for k, v := range opts {
		out[k] = v
	}
	out["method"] = method
	return out, nil
}

func (a *HTTPAdapter) Deliver(ctx context.Context, s signal.Signal, opts Opts) error {
	url, _ := opts.String("url")
	method, _ := opts.String("method")

	body, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("dispatch: http encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: http build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := opts["headers"].(map[string]string); ok {
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("dispatch: http status %d", resp.StatusCode)
	}
	return nil
}

// WebhookAdapter is an HTTPAdapter variant that signs the payload with an
// HMAC-SHA256 digest of a shared secret and can remap the event type sent
// in the X-Signal-Event-Type header, matching external webhook consumer
// conventions. The signed JSON body keeps the signal's original type.
type WebhookAdapter struct {
	http *HTTPAdapter
}

// NewWebhookAdapter builds a WebhookAdapter; a nil client uses http.DefaultClient.
func NewWebhookAdapter(client *http.Client) *WebhookAdapter {
	return &WebhookAdapter{http: NewHTTPAdapter(client)}
}

func (a *WebhookAdapter) Tag() string { return "webhook" }

func (a *WebhookAdapter) ValidateOpts(opts Opts) (Opts, error) {
	if url, ok := opts.String("url"); !ok || url == "" {
		return nil, fmt.Errorf("dispatch: webhook requires url")
	}
	if secret, ok := opts.String("secret"); !ok || secret == "" {
		return nil, fmt.Errorf("dispatch: webhook requires secret")
	}
	return opts, nil
}

func (a *WebhookAdapter) Deliver(ctx context.Context, s signal.Signal, opts Opts) error {
	url, _ := opts.String("url")
	secret, _ := opts.String("secret")

	eventType := s.Type()
	if eventMap, ok := opts["event_type_map"].(map[string]string); ok {
		if mapped, ok := eventMap[eventType]; ok {
			eventType = mapped
		}
	}

	body, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("dispatch: webhook encode: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: webhook build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signal-Signature", signature)
	req.Header.Set("X-Signal-Event-Type", eventType)

	resp, err := a.http.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: webhook request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("dispatch: webhook status %d", resp.StatusCode)
	}
	return nil
}
