package telegram

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	ta "github.com/mymmrac/telego/telegoapi"
)

// ErrChannelUnavailable means the bot cannot post to a channel: it was
// removed, the channel is private or does not exist.
var ErrChannelUnavailable = errors.New("telegram: channel unavailable")

// RateLimitError carries the wait mandated by a 429 reply.
type RateLimitError struct {
	Wait time.Duration
	Err  error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("telegram: rate limited for %s: %v", e.Wait, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// RetryAfter implements retry.Waiter.
func (e *RateLimitError) RetryAfter() time.Duration { return e.Wait }

// PublishError is a failed delivery to one channel.
type PublishError struct {
	ChannelID string
	PostID    int64
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish post %d to %s: %v", e.PostID, e.ChannelID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// classify maps API replies onto the error types the retry policy and the
// publisher understand.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *ta.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.ErrorCode == http.StatusTooManyRequests && apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0:
		return &RateLimitError{Wait: time.Duration(apiErr.Parameters.RetryAfter) * time.Second, Err: err}
	case apiErr.ErrorCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	case apiErr.ErrorCode == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Description), "chat not found"):
		return fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}
	return err
}

// retryable rejects errors another attempt cannot fix.
func retryable(err error) bool {
	if errors.Is(err, ErrChannelUnavailable) {
		return false
	}
	var apiErr *ta.Error
	if errors.As(err, &apiErr) && apiErr.ErrorCode == http.StatusBadRequest {
		return false
	}
	return true
}
