// Package boosty publishes videos to a Boosty blog: a chunked upload of
// every video attachment followed by a draft publish.
package boosty

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"reposter/internal/locales"
	"reposter/internal/models"
	"reposter/internal/retry"
	msgs "reposter/pkg/locales"
)

const (
	DefaultBaseURL       = "https://api.boosty.to"
	DefaultSiteURL       = "https://boosty.to"
	DefaultAuthFile      = "auth.json"
	DefaultChunkSize     = 1 << 20
	defaultChunkAttempts = 3
	defaultChunkDelay    = 5 * time.Second
	defaultTimeout       = 30 * time.Second
	teaserLength         = 150
)

// Publish steps reported in PublishError.
const (
	StepUploadURL = "upload_url"
	StepUpload    = "upload"
	StepFinish    = "finish"
	StepPublish   = "publish"
)

// ErrNoPostID is returned when the publish reply carries no post id.
var ErrNoPostID = errors.New("boosty: publish reply has no post id")

// StatusError is an unexpected HTTP reply.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("boosty: unexpected http status %d: %s", e.StatusCode, e.Body)
}

// PublishError is a failed step for one video. Other videos of the same
// post are still attempted.
type PublishError struct {
	BlogName string
	Video    string
	Step     string
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("boosty blog %s: %s failed for %s: %v", e.BlogName, e.Step, e.Video, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Result is one published blog post.
type Result struct {
	Video  string
	PostID string
	URL    string
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	SiteURL  string
	AuthFile string
	// ChunkSize is the byte size of each upload request.
	ChunkSize     int
	ChunkAttempts int
	ChunkDelay    time.Duration
	Timeout       time.Duration
	HTTPClient    *http.Client
	Sleep         func(ctx context.Context, d time.Duration) error
	Debug         bool
}

// Client is safe for concurrent use.
type Client struct {
	mu   sync.RWMutex
	opts Options
	http *http.Client
}

func New(opts Options) *Client {
	c := &Client{}
	c.apply(opts)
	return c
}

func (c *Client) apply(opts Options) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.SiteURL == "" {
		opts.SiteURL = DefaultSiteURL
	}
	if opts.AuthFile == "" {
		opts.AuthFile = DefaultAuthFile
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkAttempts <= 0 {
		opts.ChunkAttempts = defaultChunkAttempts
	}
	if opts.ChunkDelay <= 0 {
		opts.ChunkDelay = defaultChunkDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.SleepContext
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
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

// UpdateConfig replaces the options for subsequent posts.
func (c *Client) UpdateConfig(opts Options) {
	c.apply(opts)
	log.Printf("[Boosty] Config updated")
}

// Shutdown releases idle connections.
func (c *Client) Shutdown() {
	_, hc := c.snapshot()
	hc.CloseIdleConnections()
	log.Printf("[Boosty] Client stopped")
}

// session is one authorized publish run.
type session struct {
	opts Options
	http *http.Client
	auth *Auth
	blog string
}

// Publish uploads every video of post and publishes one blog post per
// video. A post without videos is a no-op. A failed video does not stop
// the others; all failures are joined into the returned error.
func (c *Client) Publish(ctx context.Context, target models.BlogTarget, post *models.PreparedPost) ([]Result, error) {
	videos := post.Videos()
	if len(videos) == 0 {
		return nil, nil
	}
	opts, hc := c.snapshot()
	auth, err := LoadAuth(opts.AuthFile)
	if err != nil {
		return nil, err
	}
	s := &session{opts: opts, http: hc, auth: auth, blog: target.BlogName}
	logPrefix := fmt.Sprintf("[Boosty Blog:%s Post:%d]", target.BlogName, post.SourceID)

	var (
		results []Result
		errs    []error
	)
	for _, video := range videos {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := s.publishVideo(ctx, target, post, video)
		if err != nil {
			if retry.IsCancellation(err) {
				return results, err
			}
			log.Printf("%s %v", logPrefix, err)
			errs = append(errs, err)
			continue
		}
		log.Printf("%s Published %s", logPrefix, res.URL)
		results = append(results, *res)
	}
	return results, errors.Join(errs...)
}

func (s *session) publishVideo(ctx context.Context, target models.BlogTarget, post *models.PreparedPost, video models.PreparedAttachment) (*Result, error) {
	name := video.Filename
	if name == "" {
		name = filepath.Base(video.FilePath)
	}
	fail := func(step string, err error) error {
		if retry.IsCancellation(err) {
			return err
		}
		return &PublishError{BlogName: s.blog, Video: name, Step: step, Err: err}
	}

	uploadURL, mediaID, err := s.requestUploadURL(ctx, name)
	if err != nil {
		return nil, fail(StepUploadURL, err)
	}
	if err := s.uploadChunks(ctx, uploadURL, video.FilePath, name); err != nil {
		return nil, fail(StepUpload, err)
	}
	block, err := s.finish(ctx, mediaID)
	if err != nil {
		return nil, fail(StepFinish, err)
	}
	postID, err := s.publishDraft(ctx, target, post, block)
	if err != nil {
		return nil, fail(StepPublish, err)
	}
	return &Result{
		Video:  name,
		PostID: postID,
		URL:    s.opts.SiteURL + "/" + s.blog + "/posts/" + postID,
	}, nil
}

func (s *session) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.auth.AccessToken)
	req.Header.Set("x-from-id", s.auth.DeviceID)
	req.Header.Set("x-app", "web")
	return req, nil
}

// do sends req and decodes a 200 reply into out, if given.
func (s *session) do(req *http.Request, out any, okStatus ...int) error {
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if len(okStatus) == 0 {
		okStatus = []int{http.StatusOK}
	}
	accepted := false
	for _, code := range okStatus {
		accepted = accepted || resp.StatusCode == code
	}
	if !accepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	return dec.Decode(out)
}

func (s *session) requestUploadURL(ctx context.Context, filename string) (string, string, error) {
	params := url.Values{}
	params.Set("file_name", filename)
	params.Set("container_type", "post_draft")
	req, err := s.newRequest(ctx, http.MethodGet, s.opts.BaseURL+"/v1/media_data/video/upload_url?"+params.Encode(), nil)
	if err != nil {
		return "", "", err
	}
	var slot struct {
		UploadURL string `json:"uploadUrl"`
		ID        any    `json:"id"`
	}
	if err := s.do(req, &slot); err != nil {
		return "", "", err
	}
	if slot.UploadURL == "" || slot.ID == nil {
		return "", "", errors.New("upload slot reply is incomplete")
	}
	return slot.UploadURL, fmt.Sprint(slot.ID), nil
}

// uploadChunks streams the file in ChunkSize pieces. Each chunk is retried
// on its own with a fixed delay.
func (s *session) uploadChunks(ctx context.Context, uploadURL, path, filename string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	total := info.Size()

	policy := retry.Policy{
		MaxAttempts: s.opts.ChunkAttempts,
		NewBackOff:  retry.Constant(s.opts.ChunkDelay),
		Sleep:       s.opts.Sleep,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			log.Printf("[Boosty Blog:%s] Chunk upload attempt %d/%d failed: %v. Retrying in %s", s.blog, attempt, s.opts.ChunkAttempts, err, wait)
		},
	}

	buf := make([]byte, s.opts.ChunkSize)
	var sent int64
	for sent < total {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("read %s: %w", path, err)
		}
		chunk := buf[:n]
		start, end := sent, sent+int64(n)-1

		err = policy.Do(ctx, func(ctx context.Context) error {
			req, err := s.newRequest(ctx, http.MethodPost, uploadURL, bytes.NewReader(chunk))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
			req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
			req.Header.Set("Content-Type", "application/octet-stream")
			req.Header.Set("Origin", s.opts.SiteURL)
			req.Header.Set("Referer", s.opts.SiteURL+"/"+s.blog+"/new-post")
			req.Header.Set("X-Uploading-Mode", "parallel")
			return s.do(req, nil, http.StatusOK, http.StatusCreated)
		})
		if err != nil {
			return fmt.Errorf("chunk %d-%d: %w", start, end, err)
		}
		sent += int64(n)
		if s.opts.Debug {
			log.Printf("[Boosty Blog:%s] Uploaded %s: %d/%d bytes (%d%%)", s.blog, filename, sent, total, sent*100/total)
		}
	}
	return nil
}

// finish completes the upload and returns the media block to embed in the
// post.
func (s *session) finish(ctx context.Context, mediaID string) (map[string]any, error) {
	req, err := s.newRequest(ctx, http.MethodPost, s.opts.BaseURL+"/v1/media_data/video/"+url.PathEscape(mediaID)+"/finish", nil)
	if err != nil {
		return nil, err
	}
	var block map[string]any
	if err := s.do(req, &block); err != nil {
		return nil, err
	}
	if len(block) == 0 {
		return nil, errors.New("finish reply is empty")
	}
	return block, nil
}

func textBlock(text string) map[string]any {
	content, _ := json.Marshal([]any{text, "unstyled", []any{}})
	return map[string]any{"type": "text", "modificator": "", "content": string(content)}
}

var blockEnd = map[string]any{"type": "text", "modificator": "BLOCK_END", "content": ""}

func teaser(text string) string {
	runes := []rune(text)
	if len(runes) > teaserLength {
		runes = runes[:teaserLength]
	}
	return string(runes)
}

func (s *session) publishDraft(ctx context.Context, target models.BlogTarget, post *models.PreparedPost, media map[string]any) (string, error) {
	title := locales.Message(msgs.MsgBoostyDefaultTitle, nil)

	data := []map[string]any{media}
	if post.Text != "" {
		data = append(data, textBlock(post.Text))
	}
	data = append(data, blockEnd)

	teaserText := teaser(post.Text)
	if teaserText == "" {
		teaserText = title
	}
	teaserData := []map[string]any{textBlock(teaserText), blockEnd}

	tags := post.Tags
	if tags == nil {
		tags = []string{}
	}

	fields := [][2]string{
		{"title", title},
		{"data", mustJSON(data)},
		{"teaser_data", mustJSON(teaserData)},
		{"tags", mustJSON(tags)},
		{"deny_comments", "false"},
		{"wait_video", "false"},
	}
	if target.SubscriptionLevelID > 0 {
		fields = append(fields, [2]string{"subscription_level_id", strconv.FormatInt(target.SubscriptionLevelID, 10)})
	} else {
		fields = append(fields, [2]string{"price", strconv.Itoa(target.Price)})
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := s.newRequest(ctx, http.MethodPost, s.opts.BaseURL+"/v1/blog/"+url.PathEscape(s.blog)+"/post_draft/publish/", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var reply struct {
		Data struct {
			Post struct {
				ID any `json:"id"`
			} `json:"post"`
		} `json:"data"`
	}
	if err := s.do(req, &reply); err != nil {
		return "", err
	}
	if reply.Data.Post.ID == nil || fmt.Sprint(reply.Data.Post.ID) == "" {
		return "", ErrNoPostID
	}
	return fmt.Sprint(reply.Data.Post.ID), nil
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("boosty: marshal %T: %v", v, err))
	}
	return string(data)
}

// HealthCheck verifies the credential file. blogName may be empty when no
// binding targets a blog.
func (c *Client) HealthCheck(_ context.Context, blogName string) models.HealthStatus {
	if blogName == "" {
		return models.HealthStatus{Status: models.HealthOK, Message: locales.Message(msgs.MsgHealthBoostyDisabled, nil)}
	}
	opts, _ := c.snapshot()
	auth, err := LoadAuth(opts.AuthFile)
	if err != nil {
		return models.HealthStatus{
			Status:  models.HealthError,
			Message: locales.Message(msgs.MsgHealthBoostyFailed, map[string]any{"Error": err.Error()}),
		}
	}
	return models.HealthStatus{
		Status:  models.HealthOK,
		Message: locales.Message(msgs.MsgHealthBoostyOK, map[string]any{"DeviceID": auth.DeviceID}),
	}
}
