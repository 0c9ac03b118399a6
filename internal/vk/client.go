// Package vk reads wall posts from the VK API and downloads attachment
// files referenced by them.
package vk

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"reposter/internal/locales"
	"reposter/internal/models"
	"reposter/internal/retry"
	msgs "reposter/pkg/locales"
)

const (
	DefaultBaseURL    = "https://api.vk.com/method"
	DefaultAPIVersion = "5.199"
	DefaultMaxOffset  = 2000
	defaultTimeout    = 10 * time.Second
	userAgent         = "Reposter/1.0"
)

// ErrDonutTokenMissing is returned when a donut source is requested without
// a donut-capable token. It is a configuration error and never retried.
var ErrDonutTokenMissing = errors.New("vk: donut source requires a donut token")

// ErrEmptyResponse is returned when the envelope has neither a response nor
// an error.
var ErrEmptyResponse = errors.New("vk: empty API response")

// ErrNoFilePath is returned by Download for URLs without a file name.
var ErrNoFilePath = errors.New("vk: url has no path to save")

// APIError is a structured error returned by the API (invalid token, rate
// limit, access denied). It is not retried.
type APIError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vk api error %d: %s", e.Code, e.Message)
}

// AccessDenied reports whether the token lacks rights for the request.
func (e *APIError) AccessDenied() bool {
	switch e.Code {
	case 5, 7, 15, 30:
		return true
	}
	return false
}

// StatusError is an unexpected HTTP status. Only 5xx is retried.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vk: unexpected http status %d", e.StatusCode)
}

// Options configures a Client.
type Options struct {
	BaseURL      string
	APIVersion   string
	ServiceToken string
	DonutToken   string
	Timeout      time.Duration
	// MaxOffset bounds pagination on feeds where the last seen post is gone.
	MaxOffset  int
	Policy     retry.Policy
	HTTPClient *http.Client
	Debug      bool
}

// DefaultPolicy retries transport errors and 5xx replies: 3 attempts,
// waits doubling from 2s up to 10s.
func DefaultPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		NewBackOff:  retry.Exponential(2*time.Second, 10*time.Second, 2),
		Retryable:   Retryable,
	}
}

// Retryable is the fetch retry predicate.
func Retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return false
	}
	return !errors.Is(err, ErrEmptyResponse) &&
		!errors.Is(err, ErrDonutTokenMissing) &&
		!errors.Is(err, ErrNoFilePath)
}

// Client talks to the wall API. It is safe for concurrent use; UpdateConfig
// swaps settings atomically between requests.
type Client struct {
	mu   sync.RWMutex
	opts Options
	http *http.Client
}

// New creates a client, filling defaults for zero options.
func New(opts Options) *Client {
	c := &Client{}
	c.apply(opts)
	return c
}

func (c *Client) apply(opts Options) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.APIVersion == "" {
		opts.APIVersion = DefaultAPIVersion
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxOffset <= 0 {
		opts.MaxOffset = DefaultMaxOffset
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = DefaultPolicy()
	}
	if opts.Policy.Retryable == nil {
		opts.Policy.Retryable = Retryable
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Policy.OnRetry == nil {
		opts.Policy.OnRetry = func(attempt int, err error, wait time.Duration) {
			log.Printf("[VK] Attempt %d failed: %v. Retrying in %s", attempt, err, wait)
		}
	}

	c.mu.Lock()
	c.opts = opts
	c.http = hc
	c.mu.Unlock()
}

func (c *Client) snapshot() (Options, *http.Client) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts, c.http
}

// UpdateConfig replaces tokens and limits. In-flight requests keep the
// settings they started with.
func (c *Client) UpdateConfig(opts Options) {
	old, _ := c.snapshot()
	if old.ServiceToken == opts.ServiceToken && old.DonutToken == opts.DonutToken {
		log.Printf("[VK] Config updated, tokens unchanged")
	} else {
		log.Printf("[VK] Tokens changed, client reconfigured")
	}
	c.apply(opts)
}

// Shutdown releases idle connections.
func (c *Client) Shutdown() {
	_, hc := c.snapshot()
	hc.CloseIdleConnections()
	log.Printf("[VK] Client stopped")
}

type wallEnvelope struct {
	Response *struct {
		Count int           `json:"count"`
		Items []models.Post `json:"items"`
	} `json:"response"`
	Error *APIError `json:"error"`
}

// FetchNew returns posts newer than lastID, oldest first.
//
// Pages are requested at increasing offsets until a page is empty, a post
// with id <= lastID shows up (pinned posts excepted), or the offset ceiling
// is reached. With lastID == 0 only the first page is taken.
func (c *Client) FetchNew(ctx context.Context, domain string, pageSize int, source models.ContentSource, lastID int64) ([]models.Post, error) {
	opts, _ := c.snapshot()
	if pageSize <= 0 {
		pageSize = 10
	}

	var (
		token  string
		filter string
	)
	switch source {
	case models.SourceDonut:
		if opts.DonutToken == "" {
			return nil, ErrDonutTokenMissing
		}
		token, filter = opts.DonutToken, "donut"
		log.Printf("[VK Domain:%s] Collecting donut posts after %d", domain, lastID)
	default:
		token, filter = opts.ServiceToken, "all"
		if opts.DonutToken != "" {
			token = opts.DonutToken
		}
		log.Printf("[VK Domain:%s] Collecting wall posts after %d", domain, lastID)
	}

	posts, err := c.collect(ctx, opts, token, domain, pageSize, filter, lastID)
	if err != nil {
		return nil, err
	}

	if source != models.SourceDonut && opts.DonutToken != "" && len(posts) > 0 {
		donut, err := c.collect(ctx, opts, opts.DonutToken, domain, pageSize, "donut", lastID)
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.AccessDenied():
			log.Printf("[VK Domain:%s] Donut filter unavailable (%v), returning unfiltered wall", domain, err)
		case err != nil:
			return nil, fmt.Errorf("fetch donut posts to exclude: %w", err)
		default:
			posts = excludeIDs(posts, donut)
		}
	}

	slices.Reverse(posts)
	slices.SortStableFunc(posts, func(a, b models.Post) int {
		if a.Date != b.Date {
			return cmp.Compare(a.Date, b.Date)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	log.Printf("[VK Domain:%s] %d new post(s)", domain, len(posts))
	return posts, nil
}

// collect walks pages newest first and returns posts with id > lastID in
// feed order.
func (c *Client) collect(ctx context.Context, opts Options, token, domain string, pageSize int, filter string, lastID int64) ([]models.Post, error) {
	var (
		out  []models.Post
		seen = map[int64]bool{}
	)
	for offset := 0; ; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := c.wallPage(ctx, opts, token, domain, filter, offset, pageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		reachedMarker := false
		for _, p := range page {
			if p.ID <= lastID {
				if p.Pinned() {
					continue
				}
				reachedMarker = true
				break
			}
			if !seen[p.ID] {
				seen[p.ID] = true
				out = append(out, p)
			}
		}
		// Without a checkpoint only the newest page is taken, so a first run
		// does not replay the whole wall. A short page is not the end: the
		// API may return fewer items than asked for before the marker.
		if reachedMarker || lastID == 0 {
			break
		}

		offset += len(page)
		if offset >= opts.MaxOffset {
			log.Printf("[VK Domain:%s] Offset ceiling %d reached without finding post %d", domain, opts.MaxOffset, lastID)
			break
		}
	}
	return out, nil
}

func (c *Client) wallPage(ctx context.Context, opts Options, token, domain, filter string, offset, count int) ([]models.Post, error) {
	params := url.Values{}
	params.Set("domain", domain)
	params.Set("offset", strconv.Itoa(offset))
	params.Set("count", strconv.Itoa(count))
	params.Set("filter", filter)
	params.Set("access_token", token)
	params.Set("v", opts.APIVersion)

	var items []models.Post
	err := opts.Policy.Do(ctx, func(ctx context.Context) error {
		env, err := c.call(ctx, "wall.get", params)
		if err != nil {
			return err
		}
		items = env.Response.Items
		return nil
	})
	if err != nil {
		return nil, err
	}
	if opts.Debug {
		log.Printf("[VK Domain:%s] wall.get filter=%s offset=%d returned %d item(s)", domain, filter, offset, len(items))
	}
	return items, nil
}

func (c *Client) call(ctx context.Context, method string, params url.Values) (*wallEnvelope, error) {
	opts, hc := c.snapshot()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.BaseURL+"/"+method+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	var env wallEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if env.Error != nil {
		return nil, env.Error
	}
	if env.Response == nil {
		return nil, ErrEmptyResponse
	}
	return &env, nil
}

// Download saves rawURL into dir under the URL's base name. A partially
// written file is removed on any failure, cancellation included.
func (c *Client) Download(ctx context.Context, rawURL, dir string) (string, error) {
	opts, hc := c.snapshot()
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse download url: %w", err)
	}
	name := path.Base(u.Path)
	if u.Path == "" || name == "/" || name == "." {
		return "", fmt.Errorf("%w: %s", ErrNoFilePath, rawURL)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(dir, name)

	err = opts.Policy.Do(ctx, func(ctx context.Context) error {
		return fetchToFile(ctx, hc, rawURL, target)
	})
	if err != nil {
		return "", err
	}
	if opts.Debug {
		log.Printf("[VK] Saved %s", target)
	}
	return target, nil
}

func fetchToFile(ctx context.Context, hc *http.Client, rawURL, target string) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	f, err := os.Create(target)
	if err != nil {
		return err
	}
	defer func() {
		cerr := f.Close()
		if err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(target)
		}
	}()
	_, err = io.Copy(f, resp.Body)
	return err
}

// HealthCheck reads one post from domain with the service token.
func (c *Client) HealthCheck(ctx context.Context, domain string) models.HealthStatus {
	if domain == "" {
		return models.HealthStatus{Status: models.HealthError, Message: locales.Message(msgs.MsgHealthVKNoDomain, nil)}
	}
	opts, _ := c.snapshot()
	params := url.Values{}
	params.Set("domain", domain)
	params.Set("count", "1")
	params.Set("access_token", opts.ServiceToken)
	params.Set("v", opts.APIVersion)
	if _, err := c.call(ctx, "wall.get", params); err != nil {
		return models.HealthStatus{
			Status:  models.HealthError,
			Message: locales.Message(msgs.MsgHealthVKFailed, map[string]any{"Error": err.Error()}),
		}
	}
	return models.HealthStatus{
		Status:  models.HealthOK,
		Message: locales.Message(msgs.MsgHealthVKOK, map[string]any{"Domain": domain}),
	}
}

func excludeIDs(posts, exclude []models.Post) []models.Post {
	if len(exclude) == 0 {
		return posts
	}
	drop := make(map[int64]bool, len(exclude))
	for _, p := range exclude {
		drop[p.ID] = true
	}
	return slices.DeleteFunc(posts, func(p models.Post) bool { return drop[p.ID] })
}
