// ABOUTME: Remote Transport over HTTP+SSE: POST to send, long-lived GET stream to receive
// ABOUTME: Exponential-backoff reconnect; in-flight PendingCalls survive a severed stream

package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/2389/mcp-router/internal/auth"
	"github.com/2389/mcp-router/internal/correlator"
	"github.com/2389/mcp-router/internal/mcpwire"
	"github.com/2389/mcp-router/internal/routerconfig"
)

// SSEOptions configures a remote backend's transport.
type SSEOptions struct {
	URL         string
	Auth        routerconfig.AuthPolicy
	Retry       routerconfig.RetryPolicy
	TLS         routerconfig.TLSPolicy
	TokenSource auth.TokenSource // consulted when Auth.Kind == AuthOAuth
	Logger      *slog.Logger

	// OnFailed is invoked once the retry policy's max_attempts is
	// exhausted without a successful reconnect. The Backend Supervisor
	// treats it as a transport error: it degrades and restarts the backend
	// under its own restart backoff; it does not move straight to `failed`.
	OnFailed func()
}

// SSETransport is the remote Transport: requests are POSTed, responses and
// notifications arrive on a long-lived SSE GET stream.
type SSETransport struct {
	logger     *slog.Logger
	correlator *correlator.Correlator
	client     *http.Client
	url        string
	auth       routerconfig.AuthPolicy
	retry      routerconfig.RetryPolicy
	tokenSrc   auth.TokenSource
	onFailed   func()

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSSETransport builds the HTTP client per the TLS policy and starts the
// SSE stream and reaper tasks.
func NewSSETransport(opts SSEOptions) (*SSETransport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tlsConfig, err := buildTLSConfig(opts.TLS)
	if err != nil {
		return nil, fmt.Errorf("sse transport: %w", err)
	}

	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &SSETransport{
		logger:     logger,
		correlator: correlator.New(logger),
		client:     client,
		url:        opts.URL,
		auth:       opts.Auth,
		retry:      opts.Retry,
		tokenSrc:   opts.TokenSource,
		onFailed:   opts.OnFailed,
		ctx:        ctx,
		cancel:     cancel,
	}

	t.wg.Add(2)
	go t.runReaper()
	go t.runStream()

	return t, nil
}

func buildTLSConfig(policy routerconfig.TLSPolicy) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: !policy.VerifyCert}

	if policy.CACert != "" {
		pem, err := os.ReadFile(policy.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading ca_cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_cert %q contains no usable certificates", policy.CACert)
		}
		cfg.RootCAs = pool
	}

	if policy.ClientCert != "" || policy.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(policy.ClientCert, policy.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("loading client cert/key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func (t *SSETransport) runReaper() {
	defer t.wg.Done()
	t.correlator.RunReaper(t.ctx, reaperInterval)
}

// runStream owns the long-lived SSE GET connection and its reconnect loop.
func (t *SSETransport) runStream() {
	defer t.wg.Done()

	attempts := 0
	initialBackoff := time.Duration(t.retry.InitialBackoffMS) * time.Millisecond
	backoff := initialBackoff

	for {
		if t.ctx.Err() != nil {
			return
		}

		connectedAt := time.Now()
		err := t.connectAndRead()
		if t.ctx.Err() != nil {
			return
		}

		// A stream that stayed up at least one initial-backoff interval
		// counts as a successful session: the next failure starts a fresh
		// backoff sequence instead of picking up where a much older,
		// unrelated failure left off.
		if time.Since(connectedAt) >= initialBackoff {
			attempts = 0
			backoff = initialBackoff
		}

		attempts++
		t.logger.Warn("sse transport: stream closed, will reconnect", "error", err, "attempt", attempts)

		if attempts >= t.retry.MaxAttempts {
			t.logger.Error("sse transport: exhausted reconnect attempts", "attempts", attempts)
			t.correlator.Drain(correlator.ErrTransportGone)
			if t.onFailed != nil {
				t.onFailed()
			}
			return
		}

		select {
		case <-time.After(backoff):
		case <-t.ctx.Done():
			return
		}

		backoff *= 2
		maxBackoff := time.Duration(t.retry.MaxBackoffMS) * time.Millisecond
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// connectAndRead opens the SSE GET stream and reads it to completion
// (EOF, error, or context cancellation). The caller, runStream, decides
// whether the session lasted long enough to reset its attempt counter.
func (t *SSETransport) connectAndRead() error {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if err := t.applyAuth(req); err != nil {
		return fmt.Errorf("applying auth: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	return t.readEvents(resp.Body)
}

// readEvents parses the SSE framing (lines of "data: <payload>" separated
// by blank lines) and dispatches each accumulated payload as one
// JSON-RPC frame, identically to the stdio reader.
func (t *SSETransport) readEvents(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var data strings.Builder

	flush := func() {
		if data.Len() == 0 {
			return
		}
		t.dispatchFrame(data.String())
		data.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry: and comments are not meaningful to the
			// router's correlator — only the JSON-RPC payload is.
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (t *SSETransport) dispatchFrame(payload string) {
	var frame mcpwire.Frame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		t.logger.Warn("sse transport: malformed frame", "error", err)
		return
	}
	if frame.IsResponse() {
		id, err := frame.IDString()
		if err != nil {
			t.logger.Warn("sse transport: response with non-string id", "error", err)
			return
		}
		t.correlator.Complete(id, &frame)
	} else {
		t.logger.Debug("sse transport: notification from backend", "method", frame.Method)
	}
}

// applyAuth sets the request's auth header per the configured policy.
func (t *SSETransport) applyAuth(req *http.Request) error {
	switch t.auth.Kind {
	case routerconfig.AuthNone, "":
	case routerconfig.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+t.auth.Token)
	case routerconfig.AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(t.auth.Username + ":" + t.auth.Password))
		req.Header.Set("Authorization", "Basic "+creds)
	case routerconfig.AuthCustom:
		for k, v := range t.auth.Headers {
			req.Header.Set(k, v)
		}
	case routerconfig.AuthOAuth:
		if t.tokenSrc == nil {
			return fmt.Errorf("oauth auth policy configured but no token source was supplied")
		}
		token, err := t.tokenSrc.Token(req.Context())
		if err != nil {
			return fmt.Errorf("fetching oauth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	default:
		return fmt.Errorf("unknown auth kind %q", t.auth.Kind)
	}
	return nil
}

// Send implements Transport: POST the request, then wait on the
// Correlator for the matching frame to arrive over the SSE stream.
func (t *SSETransport) Send(ctx context.Context, method string, params any, deadline time.Time) (*mcpwire.Frame, error) {
	id, resultCh := t.correlator.Issue(deadline)

	req, err := mcpwire.NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("sse transport: building request: %w", err)
	}
	if err := t.post(ctx, req); err != nil {
		return nil, err
	}

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify implements Transport.
func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
	req, err := mcpwire.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("sse transport: building notification: %w", err)
	}
	return t.post(ctx, req)
}

func (t *SSETransport) post(ctx context.Context, body *mcpwire.Request) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("sse transport: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("sse transport: building post: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := t.applyAuth(httpReq); err != nil {
		return fmt.Errorf("sse transport: applying auth: %w", err)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sse transport: post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sse transport: post returned status %d", resp.StatusCode)
	}
	return nil
}

// RecentStderr implements Transport. Remote backends have no stderr.
func (t *SSETransport) RecentStderr() []string {
	return nil
}

// Close implements Transport.
func (t *SSETransport) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		t.correlator.Drain(correlator.ErrTransportGone)
		t.cancel()
		t.client.CloseIdleConnections()
		t.wg.Wait()
	})
	return nil
}
