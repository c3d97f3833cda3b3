// Package generator reissues new-generation requests on behalf of the
// retry controller. Requests go out through the local proxy so they are
// correlated and tracked like user-initiated ones.
package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/manash/gentrack/internal/correlate"
	"github.com/manash/gentrack/internal/keys"
)

const (
	defaultPath                  = correlate.DefaultGenerationPath
	defaultResponseHeaderTimeout = 60 * time.Second
	maxErrorBody                 = 4096
)

var (
	ErrBaseURLRequired  = errors.New("generator base URL is required")
	ErrNoCredentials    = errors.New("no captured headers or stored credential for account")
	ErrGenerationFailed = errors.New("generation request failed")
)

// Request describes one prompt to send.
type Request struct {
	ImageID   string
	AccountID string
	AssetURL  string
	Prompt    string
	Mode      string
	// Raw sends the prompt in normal mode without any further rewriting.
	Raw bool
	// Retry marks the request as issued by the retry controller.
	Retry bool
}

// HeaderSource supplies headers captured from the user's own requests.
type HeaderSource interface {
	Headers(accountID string) (http.Header, bool)
}

type Config struct {
	BaseURL               string
	Path                  string
	ResponseHeaderTimeout time.Duration
	Verbose               bool
	Log                   io.Writer
}

type Generator struct {
	baseURL    string
	path       string
	httpClient *http.Client
	headers    HeaderSource
	creds      *keys.Store
	verbose    bool
	log        io.Writer
	newID      func() string
}

func New(cfg Config, headers HeaderSource, creds *keys.Store) (*Generator, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrBaseURLRequired
	}
	path := cfg.Path
	if path == "" {
		path = defaultPath
	}
	timeout := cfg.ResponseHeaderTimeout
	if timeout <= 0 {
		timeout = defaultResponseHeaderTimeout
	}
	logOut := cfg.Log
	if logOut == nil {
		logOut = os.Stderr
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &Generator{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		path:       path,
		httpClient: &http.Client{Transport: transport},
		headers:    headers,
		creds:      creds,
		verbose:    cfg.Verbose,
		log:        logOut,
		newID:      uuid.NewString,
	}, nil
}

// Send posts the request and returns once the response headers arrive. The
// streamed body is drained in the background so the proxy can keep feeding
// the stream processor.
func (g *Generator) Send(ctx context.Context, req *Request) error {
	body, err := BuildBody(req)
	if err != nil {
		return fmt.Errorf("failed to build request body: %w", err)
	}

	url := g.baseURL + g.path
	httpReq, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if err := g.applyHeaders(httpReq.Header, req); err != nil {
		return err
	}

	g.logRequest(http.MethodPost, url, httpReq.Header, body)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		g.logResponse(resp.StatusCode, resp.Header, errBody)
		return fmt.Errorf("%w: status %d", ErrGenerationFailed, resp.StatusCode)
	}
	g.logResponse(resp.StatusCode, resp.Header, nil)

	go func() {
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
	}()
	return nil
}

// BuildBody renders the new-generation request body.
func BuildBody(req *Request) ([]byte, error) {
	mode := req.Mode
	if req.Raw || mode == "" {
		mode = correlate.ModeNormal
	}
	message := correlate.BuildMessage(req.AssetURL, req.Prompt, mode)

	body := `{}`
	var err error
	if body, err = sjson.Set(body, "message", message); err != nil {
		return nil, err
	}
	if req.ImageID != "" {
		if body, err = sjson.Set(body, "fileAttachments", []string{req.ImageID}); err != nil {
			return nil, err
		}
		if body, err = sjson.Set(body, "responseMetadata.modelConfigOverride.modelMap.videoGenModelConfig.parentPostId", req.ImageID); err != nil {
			return nil, err
		}
	}
	return []byte(body), nil
}

var skippedHeaders = []string{
	"Connection", "Content-Length", "Accept-Encoding", "Host",
	"X-Request-Id", correlate.RetryHeader, "Transfer-Encoding",
}

func (g *Generator) applyHeaders(dst http.Header, req *Request) error {
	captured, ok := http.Header(nil), false
	if g.headers != nil {
		captured, ok = g.headers.Headers(req.AccountID)
	}
	switch {
	case ok:
		for key, values := range captured {
			dst[key] = append([]string(nil), values...)
		}
		for _, key := range skippedHeaders {
			dst.Del(key)
		}
	case g.creds != nil:
		cred, err := g.creds.Get(req.AccountID)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrNoCredentials, err)
		}
		dst.Set("Cookie", cred.Cookie)
		if cred.UserAgent != "" {
			dst.Set("User-Agent", cred.UserAgent)
		}
	default:
		return ErrNoCredentials
	}

	dst.Set("Content-Type", "application/json")
	dst.Set("X-Request-Id", g.newID())
	if req.Retry {
		dst.Set(correlate.RetryHeader, req.ImageID)
	}
	return nil
}
