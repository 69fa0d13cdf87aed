package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	ErrConfig       = errors.New("objstore: invalid configuration")
	ErrNotFound     = errors.New("objstore: object not found")
	ErrStorageWrite = errors.New("objstore: storage write failed")
)

// maxErrorBody bounds how much of a failed response body is kept on Error.
const maxErrorBody = 4 << 10

// Error reports a non-2xx response from the storage service.
type Error struct {
	Op         string
	Key        string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s %s: status %d: %s", e.Err, e.Op, e.Key, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// Config holds the storage endpoint and credentials.
type Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Validate reports the first missing value. Unsigned calls are never attempted.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return fmt.Errorf("%w: endpoint is required", ErrConfig)
	case strings.TrimSpace(c.Bucket) == "":
		return fmt.Errorf("%w: bucket is required", ErrConfig)
	case strings.TrimSpace(c.Region) == "":
		return fmt.Errorf("%w: region is required", ErrConfig)
	case strings.TrimSpace(c.AccessKey) == "":
		return fmt.Errorf("%w: access key is required", ErrConfig)
	case strings.TrimSpace(c.SecretKey) == "":
		return fmt.Errorf("%w: secret key is required", ErrConfig)
	}
	return nil
}

// Client performs signed GET/PUT requests against an S3-compatible store.
// It does not retry; callers own retry policy.
type Client struct {
	cfg   Config
	base  *url.URL
	creds Credentials
	http  *http.Client
	now   func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock replaces time.Now, mainly for deterministic signatures in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New validates cfg and builds a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: endpoint %q is not an absolute URL", ErrConfig, cfg.Endpoint)
	}
	c := &Client{
		cfg:  cfg,
		base: base,
		creds: Credentials{
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Region:    cfg.Region,
		},
		http: &http.Client{Timeout: 60 * time.Second},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PublicURL returns the canonical object URL. It performs no I/O.
func (c *Client) PublicURL(key string) string {
	return c.base.Scheme + "://" + c.base.Host + EncodePath(c.objectPath(key))
}

// Fetch downloads the object stored at key.
func (c *Client) Fetch(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, key, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.responseError("get", key, resp, ErrNotFound)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("objstore: read %s: %w", key, err)
	}
	return data, nil
}

// Store uploads data to key with the given content type.
func (c *Client) Store(ctx context.Context, key string, data []byte, contentType string) error {
	resp, err := c.do(ctx, http.MethodPut, key, data, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.responseError("put", key, resp, ErrStorageWrite)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) do(ctx context.Context, method, key string, payload []byte, contentType string) (*http.Response, error) {
	sig := Sign(SigningInput{
		Method:      method,
		Path:        c.objectPath(key),
		Host:        c.base.Host,
		Payload:     payload,
		Credentials: c.creds,
		Time:        c.now(),
	})

	target := c.base.Scheme + "://" + c.base.Host + sig.CanonicalPath
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("objstore: build %s request for %s: %w", method, key, err)
	}
	// Keep the already-encoded path verbatim on the wire.
	req.URL.RawPath = sig.CanonicalPath
	for k, v := range sig.Headers() {
		req.Header.Set(k, v)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if payload != nil {
		req.ContentLength = int64(len(payload))
	}

	log.WithFields(log.Fields{"method": method, "key": key, "bucket": c.cfg.Bucket}).Debug("objstore request")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("objstore: %s %s: %w", strings.ToLower(method), key, err)
	}
	return resp, nil
}

func (c *Client) objectPath(key string) string {
	return CollapseSlashes("/" + c.cfg.Bucket + "/" + key)
}

func (c *Client) responseError(op, key string, resp *http.Response, kind error) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &Error{
		Op:         op,
		Key:        key,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		Err:        kind,
	}
}
