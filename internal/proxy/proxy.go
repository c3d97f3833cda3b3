// Package proxy is the intercepting reverse proxy placed in front of the
// generation service. New-generation requests are correlated before they
// are forwarded and their streamed responses are tee'd into the stream
// processor while still reaching the client unchanged.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/manash/gentrack/internal/account"
	"github.com/manash/gentrack/internal/correlate"
	"github.com/manash/gentrack/internal/extract"
	"github.com/manash/gentrack/internal/lifecycle"
	"github.com/manash/gentrack/internal/stream"
	"github.com/manash/gentrack/pkg/models"
)

const (
	DefaultUploadPath = "/rest/app-chat/upload-file"
	// PageHeader carries the URL of the page that issued the request when
	// the client cannot set Referer.
	PageHeader = "X-Gentrack-Page"

	maxRequestBody  = 8 << 20
	maxUploadResult = 1 << 20
)

var ErrBodyTooLarge = errors.New("request body too large")

// Correlator is the part of correlate.Correlator the proxy uses.
type Correlator interface {
	Matches(method, path string) bool
	Observe(ctx context.Context, req *correlate.Request) (*models.ArmedRequest, bool)
}

// Consumer is the part of stream.Processor the proxy uses.
type Consumer interface {
	Consume(ctx context.Context, armed *models.ArmedRequest, r io.Reader) stream.Stats
	Finalize(ctx context.Context, attemptID string, out lifecycle.Outcome) bool
}

type Options struct {
	Upstream   *url.URL
	Correlator Correlator
	Consumer   Consumer
	Accounts   *account.Context
	UploadPath string
	Logger     *slog.Logger
}

type Proxy struct {
	upstream   *url.URL
	correlator Correlator
	consumer   Consumer
	accounts   *account.Context
	uploadPath string
	logger     *slog.Logger
	rp         *httputil.ReverseProxy
}

type armedKey struct{}

func New(opts Options) (*Proxy, error) {
	if opts.Upstream == nil || opts.Upstream.Host == "" {
		return nil, fmt.Errorf("proxy upstream is required")
	}
	p := &Proxy{
		upstream:   opts.Upstream,
		correlator: opts.Correlator,
		consumer:   opts.Consumer,
		accounts:   opts.Accounts,
		uploadPath: opts.UploadPath,
		logger:     opts.Logger,
	}
	if p.uploadPath == "" {
		p.uploadPath = DefaultUploadPath
	}
	if p.accounts == nil {
		p.accounts = account.NewContext()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	p.rp = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(p.upstream)
			r.Out.Host = p.upstream.Host
			r.Out.Header.Del(correlate.RetryHeader)
			r.Out.Header.Del(PageHeader)
		},
		FlushInterval:  -1,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.errorHandler,
	}
	return p, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case p.correlator != nil && p.correlator.Matches(r.Method, r.URL.Path):
		armed, err := p.observe(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		if armed != nil {
			r = r.WithContext(context.WithValue(r.Context(), armedKey{}, armed))
		}
		// Identity encoding so the tee sees plain records.
		r.Header.Del("Accept-Encoding")
	case r.Method == http.MethodPost && p.isUpload(r.URL.Path):
		r.Header.Del("Accept-Encoding")
	}
	p.rp.ServeHTTP(w, r)
}

// observe reads and restores the request body, then hands it to the
// correlator.
func (p *Proxy) observe(r *http.Request) (*models.ArmedRequest, error) {
	body, err := readAndRestore(r)
	if err != nil {
		return nil, err
	}
	pageURL := r.Header.Get(PageHeader)
	armed, ok := p.correlator.Observe(r.Context(), &correlate.Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Header:  r.Header,
		Body:    body,
		PageURL: pageURL,
	})
	if !ok {
		return nil, nil
	}
	return armed, nil
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	req := resp.Request
	if armed, ok := req.Context().Value(armedKey{}).(*models.ArmedRequest); ok && p.consumer != nil {
		ctx := context.WithoutCancel(req.Context())
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			p.consumer.Finalize(ctx, armed.AttemptID, lifecycle.StreamFailed(fmt.Errorf("upstream returned status %d", resp.StatusCode)))
			return nil
		}
		pr, pw := io.Pipe()
		resp.Body = &teeBody{src: resp.Body, pw: pw}
		go p.consumer.Consume(ctx, armed, pr)
		return nil
	}

	if req.Method == http.MethodPost && p.isUpload(req.URL.Path) && resp.StatusCode == http.StatusOK {
		p.recordUpload(req, resp)
	}
	return nil
}

// recordUpload remembers which account uploaded a file so a later
// generation request that only names the file can be attributed.
func (p *Proxy) recordUpload(req *http.Request, resp *http.Response) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUploadResult))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		p.logger.Warn("failed to read upload response", "error", err)
		return
	}

	doc := gjson.ParseBytes(data)
	fileID := extract.UUID(doc.Get("fileMetadataId").String())
	if fileID == "" {
		return
	}
	accountID := extract.AccountFromAssetURL(doc.Get("fileUri").String())
	if accountID == "" {
		accountID = p.accounts.Active()
	}
	if accountID == "" {
		p.logger.Debug("upload without a known account", "file", fileID)
		return
	}
	p.accounts.RecordUpload(fileID, accountID)
	p.logger.Debug("upload recorded", "file", fileID, "account", accountID, "path", req.URL.Path)
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if armed, ok := r.Context().Value(armedKey{}).(*models.ArmedRequest); ok && p.consumer != nil {
		p.consumer.Finalize(context.WithoutCancel(r.Context()), armed.AttemptID, lifecycle.StreamFailed(err))
	}
	p.logger.Error("upstream request failed", "path", r.URL.Path, "error", err)
	w.WriteHeader(http.StatusBadGateway)
}

func (p *Proxy) isUpload(path string) bool {
	return path == p.uploadPath || strings.HasSuffix(path, p.uploadPath)
}

func readAndRestore(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) > maxRequestBody {
		return nil, ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	return body, nil
}

// teeBody copies everything the client reads into the pipe feeding the
// stream processor. The processor always drains its end, so writes only
// block for as long as one record takes to process.
type teeBody struct {
	src io.ReadCloser
	pw  *io.PipeWriter
}

func (t *teeBody) Read(b []byte) (int, error) {
	n, err := t.src.Read(b)
	if n > 0 {
		if _, werr := t.pw.Write(b[:n]); werr != nil {
			t.pw.CloseWithError(werr)
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			t.pw.Close()
		} else {
			t.pw.CloseWithError(err)
		}
	}
	return n, err
}

func (t *teeBody) Close() error {
	t.pw.CloseWithError(io.ErrUnexpectedEOF)
	return t.src.Close()
}
