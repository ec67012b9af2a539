// Package acquire streams build packages and runtime bundles to disk.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shipth-is/shipgo/internal/metrics"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultReadTimeout    = 300 * time.Second
)

// ProgressFunc receives integer percentages in [0,100]. It is only called
// when the total size is known and the value changed since the last call.
type ProgressFunc func(pct int)

// Result describes a completed transfer.
type Result struct {
	Path          string
	Bytes         int64
	ContentLength int64
	Digest        string
}

// Downloader fetches http(s):// and s3:// sources.
type Downloader struct {
	client         *http.Client
	objects        ObjectGetter
	connectTimeout time.Duration
	readTimeout    time.Duration
	wrap           func(http.RoundTripper) http.RoundTripper
	logger         *slog.Logger
}

// Option customises a Downloader.
type Option func(*Downloader)

// WithTimeouts overrides the connect and idle read timeouts.
func WithTimeouts(connect, read time.Duration) Option {
	return func(d *Downloader) {
		if connect > 0 {
			d.connectTimeout = connect
		}
		if read > 0 {
			d.readTimeout = read
		}
	}
}

// WithObjectStore enables s3:// sources.
func WithObjectStore(g ObjectGetter) Option {
	return func(d *Downloader) { d.objects = g }
}

// WithTransportWrapper decorates the HTTP transport, e.g. for tracing.
func WithTransportWrapper(wrap func(http.RoundTripper) http.RoundTripper) Option {
	return func(d *Downloader) { d.wrap = wrap }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Downloader) {
		if l != nil {
			d.logger = l
		}
	}
}

// New constructs a Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		connectTimeout: DefaultConnectTimeout,
		readTimeout:    DefaultReadTimeout,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	dialer := &net.Dialer{Timeout: d.connectTimeout, KeepAlive: 30 * time.Second}
	var rt http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   d.connectTimeout,
		ResponseHeaderTimeout: d.readTimeout,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
	}
	if d.wrap != nil {
		rt = d.wrap(rt)
	}
	d.client = &http.Client{Transport: rt}
	return d
}

type fetchOptions struct {
	checksum string
}

// FetchOption customises a single Fetch call.
type FetchOption func(*fetchOptions)

// WithChecksum verifies the transferred bytes against an "<algo>:<hex>" hint.
func WithChecksum(hint string) FetchOption {
	return func(o *fetchOptions) { o.checksum = hint }
}

// Fetch streams source to dest. dest is truncated first and removed again
// if the transfer fails for any reason.
func (d *Downloader) Fetch(ctx context.Context, source, dest string, onProgress ProgressFunc, opts ...FetchOption) (Result, error) {
	var fo fetchOptions
	for _, opt := range opts {
		opt(&fo)
	}
	digest, err := ParseDigest(fo.checksum)
	if err != nil {
		return Result{}, err
	}
	u, err := url.Parse(strings.TrimSpace(source))
	if err != nil {
		return Result{}, fmt.Errorf("parse source: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		body   io.ReadCloser
		length int64
	)
	switch scheme {
	case "http", "https":
		body, length, err = d.openHTTP(ctx, u.String())
	case "s3":
		body, length, err = d.openS3(ctx, u)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedSource, u.Scheme)
	}
	if err != nil {
		d.record(scheme, "error", 0)
		return Result{}, err
	}
	defer body.Close()

	res, err := d.copyTo(ctx, body, length, dest, digest, onProgress, cancel)
	if err != nil {
		outcome := "error"
		var integrity *IntegrityError
		if errors.As(err, &integrity) {
			outcome = "integrity"
		}
		d.record(scheme, outcome, res.Bytes)
		d.logger.Warn("transfer failed", "source", redact(u), "error", err)
		return Result{}, err
	}
	d.record(scheme, "ok", res.Bytes)
	d.logger.Debug("transfer complete", "source", redact(u), "bytes", res.Bytes)
	return res, nil
}

func (d *Downloader) copyTo(ctx context.Context, body io.Reader, length int64, dest string, digest Digest, onProgress ProgressFunc, cancel context.CancelCauseFunc) (res Result, err error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return res, fmt.Errorf("create destination dir: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return res, fmt.Errorf("create destination: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close destination: %w", cerr)
		}
		if err != nil {
			os.Remove(dest)
		}
	}()

	var h hash.Hash
	sinks := []io.Writer{f}
	if !digest.IsZero() {
		h, _ = digest.newHash()
		sinks = append(sinks, h)
	}
	if onProgress != nil && length > 0 {
		sinks = append(sinks, &progressWriter{total: length, last: -1, fn: onProgress})
	}
	watchdog := newIdleReader(body, d.readTimeout, cancel)
	defer watchdog.stop()

	n, err := io.Copy(io.MultiWriter(sinks...), watchdog)
	res = Result{Path: dest, Bytes: n, ContentLength: length}
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrReadTimeout) {
			return res, ErrReadTimeout
		}
		return res, fmt.Errorf("transfer: %w", err)
	}
	if length > 0 && n != length {
		return res, fmt.Errorf("transfer: short body: got %d of %d bytes", n, length)
	}
	if h != nil {
		if err := digest.check(h); err != nil {
			return res, err
		}
		res.Digest = digest.String()
	}
	return res, nil
}

func (d *Downloader) openHTTP(ctx context.Context, source string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, 0, &TransferError{StatusCode: resp.StatusCode, Message: reason(resp)}
	}
	return resp.Body, resp.ContentLength, nil
}

func (d *Downloader) record(scheme, outcome string, n int64) {
	if scheme == "" {
		scheme = "unknown"
	}
	metrics.TransferResults.WithLabelValues(scheme, outcome).Inc()
	if n > 0 {
		metrics.TransferBytes.WithLabelValues(scheme).Add(float64(n))
	}
}

// reason returns the reason phrase the server sent, or the canonical text.
func reason(resp *http.Response) string {
	msg := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return msg
}

// redact drops query strings, which usually carry signed-URL credentials.
func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	return c.String()
}

type progressWriter struct {
	total int64
	done  int64
	last  int
	fn    ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.done += int64(len(b))
	pct := int(p.done * 100 / p.total)
	if pct > 100 {
		pct = 100
	}
	if pct != p.last {
		p.last = pct
		p.fn(pct)
	}
	return len(b), nil
}

// idleReader cancels the transfer when no bytes arrive for timeout.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelCauseFunc) *idleReader {
	return &idleReader{
		r:       r,
		timeout: timeout,
		timer:   time.AfterFunc(timeout, func() { cancel(ErrReadTimeout) }),
	}
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *idleReader) stop() { ir.timer.Stop() }
