package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"liqflow/logger"
)

// UpstashOptions configures the REST client.
type UpstashOptions struct {
	URL               string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// Upstash is a Counter backed by the Upstash Redis REST API. Each command is
// one GET request with its arguments as path segments.
type Upstash struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Log
}

type upstashResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

var _ Counter = (*Upstash)(nil)

func NewUpstash(opts UpstashOptions) (*Upstash, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.URL), "/")
	if base == "" || strings.TrimSpace(opts.Token) == "" {
		return nil, ErrMissingCredentials
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	u := &Upstash{
		baseURL:    base,
		token:      strings.TrimSpace(opts.Token),
		httpClient: client,
		log:        logger.GetLogger(),
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		u.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return u, nil
}

func (u *Upstash) do(ctx context.Context, command string, args ...string) (json.RawMessage, error) {
	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("store %s: rate limiter: %w", command, err)
		}
	}

	segments := make([]string, 0, len(args)+1)
	segments = append(segments, command)
	for _, a := range args {
		segments = append(segments, url.PathEscape(a))
	}
	endpoint := u.baseURL + "/" + strings.Join(segments, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("store %s: create request: %w", command, err)
	}
	req.Header.Set("Authorization", "Bearer "+u.token)
	req.Header.Set("Accept", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", command, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("store %s: read response: %w", command, err)
	}

	var parsed upstashResponse
	decodeErr := json.Unmarshal(body, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := parsed.Error
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &StatusError{Command: command, StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("store %s: decode response: %w", command, decodeErr)
	}
	if parsed.Error != "" {
		return nil, &StatusError{Command: command, StatusCode: resp.StatusCode, Message: parsed.Error}
	}
	return parsed.Result, nil
}

// FormatAmount renders an increment the way it is sent on the wire: rounded to
// eight decimal places without exponent notation.
func FormatAmount(amount float64) string {
	return decimal.NewFromFloat(amount).Round(8).String()
}

func (u *Upstash) IncrByFloat(ctx context.Context, key string, amount float64) error {
	_, err := u.do(ctx, "incrbyfloat", key, FormatAmount(amount))
	return err
}

func (u *Upstash) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := u.do(ctx, "expire", key, strconv.FormatInt(int64(ttl/time.Second), 10))
	return err
}

func (u *Upstash) Get(ctx context.Context, key string) (Value, error) {
	raw, err := u.do(ctx, "get", key)
	if err != nil {
		return nil, err
	}
	return decodeValue(raw), nil
}

func (u *Upstash) MGet(ctx context.Context, keys []string) ([]Value, error) {
	values := make([]Value, len(keys))
	var errs []error
	offset := 0
	for _, chunk := range chunks(keys, MaxKeysPerCall) {
		start := offset
		offset += len(chunk)

		raw, err := u.do(ctx, "mget", chunk...)
		if err == nil {
			var items []json.RawMessage
			if err = json.Unmarshal(raw, &items); err == nil && len(items) != len(chunk) {
				err = fmt.Errorf("store mget: got %d values for %d keys", len(items), len(chunk))
			}
			if err == nil {
				for i, item := range items {
					values[start+i] = decodeValue(item)
				}
				continue
			}
		}

		u.log.WithComponent("store").WithError(err).WithFields(logger.Fields{
			"operation":  "mget",
			"chunk_keys": len(chunk),
			"offset":     start,
		}).Warn("mget chunk failed; skipping")
		errs = append(errs, err)
	}
	return values, errors.Join(errs...)
}

func (u *Upstash) Del(ctx context.Context, keys []string) (int64, error) {
	var deleted int64
	var errs []error
	for _, chunk := range chunks(keys, MaxKeysPerCall) {
		raw, err := u.do(ctx, "del", chunk...)
		if err == nil {
			var n int64
			if err = json.Unmarshal(raw, &n); err == nil {
				deleted += n
				continue
			}
		}

		u.log.WithComponent("store").WithError(err).WithFields(logger.Fields{
			"operation":  "del",
			"chunk_keys": len(chunk),
		}).Warn("del chunk failed; skipping")
		errs = append(errs, err)
	}
	return deleted, errors.Join(errs...)
}

// decodeValue maps a JSON result element to a Value. Strings are unquoted,
// other scalars keep their JSON text, and null becomes nil.
func decodeValue(raw json.RawMessage) Value {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return strValue(s)
	}
	return strValue(string(trimmed))
}
