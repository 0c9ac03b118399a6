package vk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reposter/internal/models"
	"reposter/internal/retry"
)

// fakeWall serves wall.get from in-memory feeds keyed by filter.
type fakeWall struct {
	feeds    map[string][]models.Post
	errors   map[string]*APIError
	failures int32
	pageCap  int
	calls    atomic.Int32
}

func (f *fakeWall) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := f.calls.Add(1)
	if n <= f.failures {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	q := r.URL.Query()
	filter := q.Get("filter")
	if filter == "" {
		filter = "all"
	}
	if apiErr, ok := f.errors[filter]; ok {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": apiErr})
		return
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	count, _ := strconv.Atoi(q.Get("count"))
	if f.pageCap > 0 {
		count = min(count, f.pageCap)
	}
	feed := f.feeds[filter]
	var items []models.Post
	if offset < len(feed) {
		end := min(offset+count, len(feed))
		items = feed[offset:end]
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"response": map[string]any{"count": len(feed), "items": items},
	})
}

func post(id int64) models.Post {
	return models.Post{ID: id, OwnerID: -1, Date: 1_700_000_000 + id, Text: "post " + strconv.FormatInt(id, 10)}
}

// feedDesc builds a reverse-chronological feed from..to inclusive.
func feedDesc(from, to int64) []models.Post {
	var out []models.Post
	for id := from; id >= to; id-- {
		out = append(out, post(id))
	}
	return out
}

func ids(posts []models.Post) []int64 {
	out := make([]int64, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.ID)
	}
	return out
}

func newTestClient(t *testing.T, h http.Handler, opts Options) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	var waits []time.Duration
	opts.BaseURL = srv.URL
	opts.Policy = retry.Policy{
		MaxAttempts: 3,
		NewBackOff:  retry.Exponential(2*time.Second, 10*time.Second, 2),
		Retryable:   Retryable,
		Sleep: func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return ctx.Err()
		},
	}
	if opts.ServiceToken == "" {
		opts.ServiceToken = "service"
	}
	return New(opts), &waits
}

func TestFetchNewStopsAtMarkerAndReturnsOldestFirst(t *testing.T) {
	pinned := post(3)
	pinned.IsPinned = 1
	wall := &fakeWall{feeds: map[string][]models.Post{
		"all": append([]models.Post{pinned}, feedDesc(12, 9)...),
	}}
	c, _ := newTestClient(t, wall, Options{})

	posts, err := c.FetchNew(context.Background(), "club", 10, models.SourceWall, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12}, ids(posts))
}

func TestFetchNewPaginates(t *testing.T) {
	wall := &fakeWall{feeds: map[string][]models.Post{"all": feedDesc(14, 5)}}
	c, _ := newTestClient(t, wall, Options{})

	posts, err := c.FetchNew(context.Background(), "club", 2, models.SourceWall, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12, 13, 14}, ids(posts))
	assert.Equal(t, int32(3), wall.calls.Load())
}

func TestFetchNewKeepsPagingPastShortPage(t *testing.T) {
	wall := &fakeWall{feeds: map[string][]models.Post{"all": feedDesc(14, 5)}, pageCap: 2}
	c, _ := newTestClient(t, wall, Options{})

	posts, err := c.FetchNew(context.Background(), "club", 4, models.SourceWall, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12, 13, 14}, ids(posts))
	assert.Equal(t, int32(3), wall.calls.Load())
}

func TestFetchNewFirstRunTakesOnePage(t *testing.T) {
	wall := &fakeWall{feeds: map[string][]models.Post{"all": feedDesc(20, 1)}}
	c, _ := newTestClient(t, wall, Options{})

	posts, err := c.FetchNew(context.Background(), "club", 3, models.SourceWall, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{18, 19, 20}, ids(posts))
	assert.Equal(t, int32(1), wall.calls.Load())
}

func TestFetchNewHonorsOffsetCeiling(t *testing.T) {
	wall := &fakeWall{feeds: map[string][]models.Post{"all": feedDesc(100, 50)}}
	c, _ := newTestClient(t, wall, Options{MaxOffset: 4})

	posts, err := c.FetchNew(context.Background(), "club", 2, models.SourceWall, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{97, 98, 99, 100}, ids(posts))
	assert.Equal(t, int32(2), wall.calls.Load())
}

func TestFetchNewNoNewPostsIsEmpty(t *testing.T) {
	wall := &fakeWall{feeds: map[string][]models.Post{"all": feedDesc(10, 5)}}
	c, _ := newTestClient(t, wall, Options{})

	posts, err := c.FetchNew(context.Background(), "club", 10, models.SourceWall, 10)
	require.NoError(t, err)
	assert.Empty(t, posts)
}

func TestFetchNewDoesNotRetryAPIError(t *testing.T) {
	wall := &fakeWall{errors: map[string]*APIError{"all": {Code: 5, Message: "User authorization failed"}}}
	c, waits := newTestClient(t, wall, Options{})

	_, err := c.FetchNew(context.Background(), "club", 10, models.SourceWall, 1)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 5, apiErr.Code)
	assert.Equal(t, int32(1), wall.calls.Load())
	assert.Empty(t, *waits)
}

func TestFetchNewRetriesServerErrors(t *testing.T) {
	wall := &fakeWall{feeds: map[string][]models.Post{"all": feedDesc(5, 4)}, failures: 2}
	c, waits := newTestClient(t, wall, Options{})

	posts, err := c.FetchNew(context.Background(), "club", 10, models.SourceWall, 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, ids(posts))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *waits)
}

func TestFetchNewGivesUpAfterThreeAttempts(t *testing.T) {
	wall := &fakeWall{failures: 100}
	c, _ := newTestClient(t, wall, Options{})

	_, err := c.FetchNew(context.Background(), "club", 10, models.SourceWall, 4)
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, int32(3), wall.calls.Load())
}

func TestFetchNewDonutRequiresToken(t *testing.T) {
	wall := &fakeWall{}
	c, _ := newTestClient(t, wall, Options{})

	_, err := c.FetchNew(context.Background(), "club", 10, models.SourceDonut, 0)
	require.ErrorIs(t, err, ErrDonutTokenMissing)
	assert.Zero(t, wall.calls.Load())
}

func TestFetchNewExcludesDonutPostsFromWall(t *testing.T) {
	wall := &fakeWall{feeds: map[string][]models.Post{
		"all":   feedDesc(15, 10),
		"donut": {post(14), post(12)},
	}}
	c, _ := newTestClient(t, wall, Options{DonutToken: "donut"})

	posts, err := c.FetchNew(context.Background(), "club", 10, models.SourceWall, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 13, 15}, ids(posts))
}

func TestFetchNewFallsBackWhenDonutDenied(t *testing.T) {
	wall := &fakeWall{
		feeds:  map[string][]models.Post{"all": feedDesc(12, 10)},
		errors: map[string]*APIError{"donut": {Code: 15, Message: "Access denied"}},
	}
	c, _ := newTestClient(t, wall, Options{DonutToken: "donut"})

	posts, err := c.FetchNew(context.Background(), "club", 10, models.SourceWall, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12}, ids(posts))
}

func TestFetchNewCancelled(t *testing.T) {
	wall := &fakeWall{feeds: map[string][]models.Post{"all": feedDesc(12, 10)}}
	c, _ := newTestClient(t, wall, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FetchNew(ctx, "club", 10, models.SourceWall, 10)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, wall.calls.Load())
}

func TestDownloadSavesFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("jpegdata"))
	}))
	defer srv.Close()
	c, _ := newTestClient(t, http.NotFoundHandler(), Options{})

	dir := t.TempDir()
	path, err := c.Download(context.Background(), srv.URL+"/impg/photo.jpg?size=1", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "photo.jpg"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "jpegdata", string(data))
}

func TestDownloadRemovesPartialFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte("short"))
	}))
	defer srv.Close()
	c, _ := newTestClient(t, http.NotFoundHandler(), Options{})

	dir := t.TempDir()
	_, err := c.Download(context.Background(), srv.URL+"/doc/file.pdf", dir)
	require.Error(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadRejectsURLWithoutPath(t *testing.T) {
	c, _ := newTestClient(t, http.NotFoundHandler(), Options{})
	_, err := c.Download(context.Background(), "https://example.com/", t.TempDir())
	assert.True(t, errors.Is(err, ErrNoFilePath))
}

func TestHealthCheck(t *testing.T) {
	wall := &fakeWall{feeds: map[string][]models.Post{"all": feedDesc(3, 1)}}
	c, _ := newTestClient(t, wall, Options{})
	assert.Equal(t, models.HealthOK, c.HealthCheck(context.Background(), "club").Status)

	denied := &fakeWall{errors: map[string]*APIError{"all": {Code: 5, Message: "bad token"}}}
	c, _ = newTestClient(t, denied, Options{})
	status := c.HealthCheck(context.Background(), "club")
	assert.Equal(t, models.HealthError, status.Status)
	assert.Contains(t, status.Message, "bad token")
}
