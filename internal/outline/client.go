// Package outline is a client for an Outline-compatible VPN key management API.
//
// Every call is fallible and bounded by a per-call timeout. Idempotent calls (delete, list)
// are retried a few times; create and rename are not.
package outline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/itbali/vpn-validator-bot/internal/errs"
	"github.com/itbali/vpn-validator-bot/internal/model"
)

// maxResponseSize bounds response body reads.
const maxResponseSize int64 = 8 << 20

// DefaultMethod is the cipher requested for new keys.
const DefaultMethod = "chacha20-ietf-poly1305"

// Config configures the client.
type Config struct {
	BaseURL string // management URL including the secret path prefix
	// CertSHA256 pins the server certificate by SHA-256 fingerprint (hex, colons allowed).
	CertSHA256 string
	// InsecureSkipVerify disables certificate validation entirely when no fingerprint is set.
	InsecureSkipVerify bool
	Timeout            time.Duration
	Method             string
	Retries            uint64
	RetryDelay         time.Duration
}

// Client talks to the key management API.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
	method  string
	retries uint64
	delay   time.Duration
	log     *zap.Logger
}

// New constructs a client. The transport is built from cfg; see NewWithHTTPClient for tests.
func New(cfg Config, log *zap.Logger) (*Client, error) {
	tlsCfg, err := tlsConfig(cfg)
	if err != nil {
		return nil, err
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = tlsCfg
	return NewWithHTTPClient(cfg, &http.Client{Transport: tr}, log), nil
}

// NewWithHTTPClient constructs a client over a caller-supplied http.Client.
func NewWithHTTPClient(cfg Config, hc *http.Client, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Method == "" {
		cfg.Method = DefaultMethod
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 300 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		timeout: cfg.Timeout,
		method:  cfg.Method,
		retries: cfg.Retries,
		delay:   cfg.RetryDelay,
		log:     log,
	}
}

func tlsConfig(cfg Config) (*tls.Config, error) {
	fp := strings.ToLower(strings.ReplaceAll(cfg.CertSHA256, ":", ""))
	if fp == "" {
		return &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, nil //nolint:gosec // explicit opt-in flag
	}
	want, err := hex.DecodeString(fp)
	if err != nil || len(want) != sha256.Size {
		return nil, fmt.Errorf("outline: invalid cert_sha256 %q", cfg.CertSHA256)
	}
	return &tls.Config{
		// Self-signed server certificate: chain validation is replaced by fingerprint pinning.
		InsecureSkipVerify: true, //nolint:gosec // verified below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("outline: no server certificate")
			}
			got := sha256.Sum256(rawCerts[0])
			if !bytes.Equal(got[:], want) {
				return errors.New("outline: server certificate fingerprint mismatch")
			}
			return nil
		},
	}, nil
}

// wire types

type accessKeyJSON struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AccessURL string `json:"accessUrl"`
	Method    string `json:"method"`
}

func (k accessKeyJSON) model() model.AccessKey {
	return model.AccessKey{ID: k.ID, Name: k.Name, AccessURL: k.AccessURL, Method: k.Method}
}

type listResponse struct {
	AccessKeys []accessKeyJSON `json:"accessKeys"`
}

type transferResponse struct {
	BytesTransferredByUserID map[string]float64 `json:"bytesTransferredByUserId"`
}

// Create makes a new key and renames it to name. The two steps are separate round-trips:
// when the rename fails the key exists remotely under a default name, and Create returns
// that key together with an *errs.PartialFailure. Callers must go by the key id.
func (c *Client) Create(ctx context.Context, name string) (model.AccessKey, error) {
	var created accessKeyJSON
	status, err := c.do(ctx, http.MethodPost, "/access-keys", map[string]string{"method": c.method}, &created)
	if err != nil {
		return model.AccessKey{}, errs.Remote("create key", status, err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return model.AccessKey{}, errs.Remote("create key", status, errors.New("unexpected status"))
	}
	if created.ID == "" {
		return model.AccessKey{}, errs.Remote("create key", status, errors.New("empty key id"))
	}
	key := created.model()

	if err := c.Rename(ctx, key.ID, name); err != nil {
		c.log.Error("key created but rename failed",
			zap.String("key_id", key.ID),
			zap.String("name", name),
			zap.Bool("alert", true),
			zap.Error(err),
		)
		return key, &errs.PartialFailure{Op: "create key", KeyID: key.ID, Err: err}
	}
	key.Name = name
	return key, nil
}

// Rename sets the display name of a key.
func (c *Client) Rename(ctx context.Context, keyID, name string) error {
	status, err := c.do(ctx, http.MethodPut, "/access-keys/"+url.PathEscape(keyID)+"/name", map[string]string{"name": name}, nil)
	if err != nil {
		return errs.Remote("rename key", status, err)
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return errs.Remote("rename key", status, errors.New("unexpected status"))
	}
	return nil
}

// Delete removes a key. A key that is already gone counts as deleted.
func (c *Client) Delete(ctx context.Context, keyID string) error {
	return c.retry(ctx, func(ctx context.Context) error {
		status, err := c.do(ctx, http.MethodDelete, "/access-keys/"+url.PathEscape(keyID), nil, nil)
		switch {
		case err != nil:
			return retry.RetryableError(errs.Remote("delete key", status, err))
		case status == http.StatusNoContent, status == http.StatusOK, status == http.StatusNotFound:
			return nil
		case status >= 500:
			return retry.RetryableError(errs.Remote("delete key", status, errors.New("server error")))
		default:
			return errs.Remote("delete key", status, errors.New("unexpected status"))
		}
	})
}

// ListAll returns every key on the server. An empty slice with a nil error means the server
// really has no keys; any failure is returned as an error.
func (c *Client) ListAll(ctx context.Context) ([]model.AccessKey, error) {
	var resp listResponse
	err := c.retry(ctx, func(ctx context.Context) error {
		resp = listResponse{}
		status, err := c.do(ctx, http.MethodGet, "/access-keys", nil, &resp)
		switch {
		case err != nil:
			return retry.RetryableError(errs.Remote("list keys", status, err))
		case status == http.StatusOK:
			return nil
		case status >= 500:
			return retry.RetryableError(errs.Remote("list keys", status, errors.New("server error")))
		default:
			return errs.Remote("list keys", status, errors.New("unexpected status"))
		}
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.AccessKey, 0, len(resp.AccessKeys))
	for _, k := range resp.AccessKeys {
		out = append(out, k.model())
	}
	return out, nil
}

// Get fetches a single key.
func (c *Client) Get(ctx context.Context, keyID string) (model.AccessKey, error) {
	var k accessKeyJSON
	status, err := c.do(ctx, http.MethodGet, "/access-keys/"+url.PathEscape(keyID), nil, &k)
	if err != nil {
		return model.AccessKey{}, errs.Remote("get key", status, err)
	}
	if status == http.StatusNotFound {
		return model.AccessKey{}, errs.ErrNotFound
	}
	if status != http.StatusOK {
		return model.AccessKey{}, errs.Remote("get key", status, errors.New("unexpected status"))
	}
	return k.model(), nil
}

// Transfer returns bytes transferred per key id.
func (c *Client) Transfer(ctx context.Context) (map[string]int64, error) {
	var tr transferResponse
	status, err := c.do(ctx, http.MethodGet, "/metrics/transfer", nil, &tr)
	if err != nil {
		return nil, errs.Remote("transfer metrics", status, err)
	}
	if status != http.StatusOK {
		return nil, errs.Remote("transfer metrics", status, errors.New("unexpected status"))
	}
	out := make(map[string]int64, len(tr.BytesTransferredByUserID))
	for id, b := range tr.BytesTransferredByUserID {
		out[id] = int64(b)
	}
	return out, nil
}

// LastActive returns the last-activity timestamp per key id from the activity endpoint.
// Entries whose value is not a timestamp are ignored.
func (c *Client) LastActive(ctx context.Context) (map[string]time.Time, error) {
	var raw map[string]json.RawMessage
	status, err := c.do(ctx, http.MethodGet, "/metrics/enabled", nil, &raw)
	if err != nil {
		return nil, errs.Remote("activity metrics", status, err)
	}
	if status != http.StatusOK {
		return nil, errs.Remote("activity metrics", status, errors.New("unexpected status"))
	}
	out := make(map[string]time.Time, len(raw))
	for id, v := range raw {
		if ts, ok := parseTimestamp(v); ok {
			out[id] = ts
		}
	}
	return out, nil
}

// Usage merges transfer metrics, activity metrics and key metadata for one key. The three
// sources are independent; any that fails leaves its fields zero.
func (c *Client) Usage(ctx context.Context, keyID string) model.KeyUsage {
	u := model.KeyUsage{KeyID: keyID}

	if tr, err := c.Transfer(ctx); err == nil {
		u.DataBytes = tr[keyID]
	} else {
		c.log.Debug("usage: transfer metrics unavailable", zap.String("key_id", keyID), zap.Error(err))
	}

	if la, err := c.LastActive(ctx); err == nil {
		if ts, ok := la[keyID]; ok {
			u.LastActive = &ts
		}
	} else {
		c.log.Debug("usage: activity metrics unavailable", zap.String("key_id", keyID), zap.Error(err))
	}

	if k, err := c.Get(ctx, keyID); err == nil {
		u.Name = k.Name
	} else {
		c.log.Debug("usage: key metadata unavailable", zap.String("key_id", keyID), zap.Error(err))
	}
	return u
}

func parseTimestamp(v json.RawMessage) (time.Time, bool) {
	var n float64
	if err := json.Unmarshal(v, &n); err == nil {
		if n <= 0 {
			return time.Time{}, false
		}
		// Values above 1e12 are milliseconds.
		if n > 1e12 {
			return time.UnixMilli(int64(n)).UTC(), true
		}
		return time.Unix(int64(n), 0).UTC(), true
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func (c *Client) retry(ctx context.Context, f retry.RetryFunc) error {
	b := retry.WithMaxRetries(c.retries, retry.NewConstant(c.delay))
	return retry.Do(ctx, b, f)
}

// do performs one request with the per-call timeout. It returns the status code; out is
// decoded only for 2xx answers with a body.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	c.log.Debug("outline",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("dur", time.Since(start)),
	)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response body: %w", err)
	}
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
