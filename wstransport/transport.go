// Package wstransport implements the runner transport over WebSockets: the
// execute stream is a WebSocket exchanging JSON wire messages, and the
// environment session RPCs are plain HTTP calls.
package wstransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/termrun/termrun/runner"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const readLimit = 32768

// Transport talks to one runnerd server. It implements runner.Transport.
type Transport struct {
	log        *zap.SugaredLogger
	httpClient *http.Client
	baseURL    string
	executeURL string

	customizeRetryableClient func(*retryablehttp.Client)

	closed chan struct{}
}

type Option func(t *Transport)

func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) {
		t.log = l.Named("wstransport").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(t *Transport) {
		t.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// Dial builds a transport for the server at baseURL (http:// or https://)
// and verifies it is reachable. The returned transport stays Ready until
// Close; it never reconnects on its own.
func Dial(ctx context.Context, baseURL string, opts ...Option) (*Transport, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	t := &Transport{
		log:        zap.NewNop().Sugar(),
		baseURL:    baseURL,
		executeURL: baseURL + "/execute",
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Logger = &logAdapter{SugaredLogger: t.log}
	if t.customizeRetryableClient != nil {
		t.customizeRetryableClient(retryClient)
	}
	t.httpClient = retryClient.StandardClient()

	if err := t.checkHealth(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transport) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("checking server health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status code %d", resp.StatusCode)
	}
	return nil
}

// Ready reports whether the transport is usable.
func (t *Transport) Ready() bool {
	select {
	case <-t.closed:
		return false
	default:
		return true
	}
}

// Close marks the transport unusable. Safe to call more than once.
func (t *Transport) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	t.httpClient.CloseIdleConnections()
	return nil
}

// OpenExecuteStream dials a new execute WebSocket.
func (t *Transport) OpenExecuteStream(ctx context.Context) (runner.ExecuteStream, error) {
	if !t.Ready() {
		return nil, runner.ErrTransportClosed
	}
	t.log.Debugw("dialing execute WebSocket", "URL", t.executeURL)
	wsConn, _, err := websocket.Dial(ctx, t.executeURL, &websocket.DialOptions{
		HTTPClient:      t.httpClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing execute WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(readLimit)
	return newExecuteStream(t.log, wsConn), nil
}

type createSessionRequest struct {
	Envs     []string
	Metadata map[string]string
}

type createSessionResponse struct {
	ID string
}

type getSessionResponse struct {
	Envs []string
}

// CreateSession creates a remote environment session and returns its id.
func (t *Transport) CreateSession(ctx context.Context, envs []string, metadata map[string]string) (string, error) {
	var out createSessionResponse
	err := t.doJSON(ctx, http.MethodPost, "/sessions", &createSessionRequest{Envs: envs, Metadata: metadata}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetSession fetches the environment session's "K=V" entries.
func (t *Transport) GetSession(ctx context.Context, id string) ([]string, error) {
	var out getSessionResponse
	err := t.doJSON(ctx, http.MethodGet, "/sessions/"+id, nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Envs, nil
}

// DeleteSession deletes the environment session server-side.
func (t *Transport) DeleteSession(ctx context.Context, id string) error {
	return t.doJSON(ctx, http.MethodDelete, "/sessions/"+id, nil, nil)
}

// LastOutput fetches the retained output tail of the environment session.
// The server only retains output for runs that asked for it.
func (t *Transport) LastOutput(ctx context.Context, id string) ([]byte, error) {
	if !t.Ready() {
		return nil, runner.ErrTransportClosed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/sessions/"+id+"/lastOutput", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching last output: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d fetching last output", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (t *Transport) doJSON(ctx context.Context, method, urlPath string, in, out any) error {
	if !t.Ready() {
		return runner.ErrTransportClosed
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+urlPath, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")
	req.Close = true

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, urlPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return fmt.Errorf("%s %s: unexpected status code %d", method, urlPath, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status code %d: %s", method, urlPath, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
