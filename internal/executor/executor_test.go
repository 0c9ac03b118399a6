package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"reposter/internal/boosty"
	"reposter/internal/database"
	dbmodels "reposter/internal/database/models"
	"reposter/internal/models"
	"reposter/internal/telegram"
)

// --- Mocks ---

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) FetchNew(ctx context.Context, domain string, pageSize int, source models.ContentSource, lastID int64) ([]models.Post, error) {
	args := m.Called(ctx, domain, pageSize, source, lastID)
	posts, _ := args.Get(0).([]models.Post)
	return posts, args.Error(1)
}

type MockChat struct {
	mock.Mock
}

func (m *MockChat) Publish(ctx context.Context, channels []string, post *models.PreparedPost) (*telegram.Report, error) {
	args := m.Called(ctx, channels, post)
	report, _ := args.Get(0).(*telegram.Report)
	return report, args.Error(1)
}

type MockBlog struct {
	mock.Mock
}

func (m *MockBlog) Publish(ctx context.Context, target models.BlogTarget, post *models.PreparedPost) ([]boosty.Result, error) {
	args := m.Called(ctx, target, post)
	results, _ := args.Get(0).([]boosty.Result)
	return results, args.Error(1)
}

// fakeProcessor prepares posts from a table keyed by post id.
type fakeProcessor struct {
	mu        sync.Mutex
	processed []int64
	errs      map[int64]error
	empty     map[int64]bool
}

func (f *fakeProcessor) Process(ctx context.Context, post models.Post) (*models.PreparedPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, post.ID)
	if err := f.errs[post.ID]; err != nil {
		return nil, err
	}
	if f.empty[post.ID] {
		return &models.PreparedPost{SourceID: post.ID}, nil
	}
	return &models.PreparedPost{
		SourceID:    post.ID,
		Text:        post.Text,
		Attachments: []models.PreparedAttachment{{Kind: models.KindVideo, FilePath: "/tmp/video-" + post.Text}},
	}, nil
}

type recordingLog struct {
	entries []dbmodels.PostLog
}

func (r *recordingLog) LogPublishedPost(_ context.Context, entry dbmodels.PostLog) error {
	r.entries = append(r.entries, entry)
	return nil
}

// --- Helpers ---

var testBinding = models.Binding{
	Name:       "news",
	Source:     models.SourceLocator{Domain: "club1", PageSize: 10, Source: models.SourceWall},
	ChannelIDs: []string{"@alpha", "@beta"},
}

type harness struct {
	fetcher *MockFetcher
	proc    *fakeProcessor
	chat    *MockChat
	blog    *MockBlog
	store   *database.FileCheckpointStore
	postLog *recordingLog
	removed [][]string
	exec    *Executor
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		fetcher: &MockFetcher{},
		proc:    &fakeProcessor{errs: map[int64]error{}, empty: map[int64]bool{}},
		chat:    &MockChat{},
		blog:    &MockBlog{},
		store:   database.NewFileCheckpointStore(filepath.Join(t.TempDir(), "state.yaml")),
		postLog: &recordingLog{},
	}
	h.exec = New(Deps{
		Fetcher:     h.fetcher,
		Processor:   h.proc,
		Chat:        h.chat,
		Blog:        h.blog,
		Checkpoints: h.store,
		PostLog:     h.postLog,
		RemoveFiles: func(paths []string) { h.removed = append(h.removed, paths) },
	})
	return h
}

func (h *harness) checkpoint(t *testing.T, b models.Binding) int64 {
	t.Helper()
	id, err := h.store.Get(context.Background(), b.Name, b.Source.Domain, string(b.Source.Source))
	require.NoError(t, err)
	return id
}

func delivered(channels ...string) *telegram.Report {
	return &telegram.Report{Delivered: channels, Failed: map[string]error{}}
}

// --- Tests ---

func TestRunBindingPublishesInDateOrder(t *testing.T) {
	h := newHarness(t)
	h.fetcher.On("FetchNew", mock.Anything, "club1", 10, models.SourceWall, int64(0)).Return([]models.Post{
		{ID: 3, Date: 300, Text: "c"},
		{ID: 1, Date: 100, Text: "a"},
		{ID: 2, Date: 200, Text: "b"},
	}, nil).Once()
	var order []int64
	h.chat.On("Publish", mock.Anything, testBinding.ChannelIDs, mock.Anything).
		Run(func(args mock.Arguments) { order = append(order, args.Get(2).(*models.PreparedPost).SourceID) }).
		Return(delivered("@alpha", "@beta"), nil)

	require.NoError(t, h.exec.RunBinding(context.Background(), testBinding, "run-1"))
	assert.Equal(t, []int64{1, 2, 3}, order)
	assert.Equal(t, int64(3), h.checkpoint(t, testBinding))
	assert.Equal(t, [][]string{{"/tmp/video-a"}, {"/tmp/video-b"}, {"/tmp/video-c"}}, h.removed)

	require.Len(t, h.postLog.entries, 3)
	assert.Equal(t, "run-1", h.postLog.entries[0].RunID)
	assert.Equal(t, []string{"@alpha", "@beta"}, h.postLog.entries[0].Channels)
	h.blog.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunBindingStopsAtFailedPost(t *testing.T) {
	h := newHarness(t)
	h.fetcher.On("FetchNew", mock.Anything, "club1", 10, models.SourceWall, int64(0)).Return([]models.Post{
		{ID: 1, Date: 100, Text: "a"},
		{ID: 2, Date: 200, Text: "b"},
		{ID: 3, Date: 300, Text: "c"},
	}, nil)
	h.proc.errs[2] = errors.New("no video track")
	h.chat.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(delivered("@alpha", "@beta"), nil)

	err := h.exec.RunBinding(context.Background(), testBinding, "run")
	require.Error(t, err)
	assert.Equal(t, int64(1), h.checkpoint(t, testBinding))
	assert.Equal(t, []int64{1, 2}, h.proc.processed)
	h.chat.AssertNumberOfCalls(t, "Publish", 1)
}

func TestRunBindingSkipsEmptyPost(t *testing.T) {
	h := newHarness(t)
	h.fetcher.On("FetchNew", mock.Anything, "club1", 10, models.SourceWall, int64(0)).Return([]models.Post{{ID: 5, Date: 100}}, nil)
	h.proc.empty[5] = true

	require.NoError(t, h.exec.RunBinding(context.Background(), testBinding, "run"))
	assert.Equal(t, int64(5), h.checkpoint(t, testBinding))
	h.chat.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, h.postLog.entries)
}

func TestRunBindingIsIdempotentWithoutNewPosts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Set(context.Background(), "news", "club1", "wall", 42))
	h.fetcher.On("FetchNew", mock.Anything, "club1", 10, models.SourceWall, int64(42)).Return([]models.Post{}, nil).Twice()

	require.NoError(t, h.exec.RunBinding(context.Background(), testBinding, "run-1"))
	require.NoError(t, h.exec.RunBinding(context.Background(), testBinding, "run-2"))
	assert.Equal(t, int64(42), h.checkpoint(t, testBinding))
	h.fetcher.AssertExpectations(t)
	h.chat.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunBindingCancelledMidPost(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fetcher.On("FetchNew", mock.Anything, "club1", 10, models.SourceWall, int64(0)).Return([]models.Post{
		{ID: 1, Date: 100, Text: "a"},
		{ID: 2, Date: 200, Text: "b"},
		{ID: 3, Date: 300, Text: "c"},
	}, nil)
	h.chat.On("Publish", mock.Anything, mock.Anything, mock.MatchedBy(func(p *models.PreparedPost) bool { return p.SourceID == 1 })).
		Return(delivered("@alpha", "@beta"), nil).Once()
	h.chat.On("Publish", mock.Anything, mock.Anything, mock.MatchedBy(func(p *models.PreparedPost) bool { return p.SourceID == 2 })).
		Run(func(mock.Arguments) { cancel() }).
		Return(&telegram.Report{Failed: map[string]error{}}, context.Canceled).Once()

	err := h.exec.RunBinding(ctx, testBinding, "run")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), h.checkpoint(t, testBinding))
	assert.Equal(t, []int64{1, 2}, h.proc.processed)
	assert.Equal(t, [][]string{{"/tmp/video-a"}, {"/tmp/video-b"}}, h.removed, "files of the cancelled post are removed too")
}

func TestRunBindingChannelFailureDoesNotFailPost(t *testing.T) {
	h := newHarness(t)
	h.fetcher.On("FetchNew", mock.Anything, "club1", 10, models.SourceWall, int64(0)).Return([]models.Post{{ID: 1, Date: 100, Text: "a"}}, nil)
	h.chat.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(&telegram.Report{
		Delivered: []string{"@beta"},
		Failed:    map[string]error{"@alpha": telegram.ErrChannelUnavailable},
	}, nil)

	require.NoError(t, h.exec.RunBinding(context.Background(), testBinding, "run"))
	assert.Equal(t, int64(1), h.checkpoint(t, testBinding))
	require.Len(t, h.postLog.entries, 1)
	assert.Equal(t, []string{"@alpha"}, h.postLog.entries[0].FailedTo)
}

func TestRunBindingBlogFirstAndBlogFailureFailsPost(t *testing.T) {
	h := newHarness(t)
	b := testBinding
	b.Blog = &models.BlogTarget{BlogName: "myblog", Price: 10}
	h.fetcher.On("FetchNew", mock.Anything, "club1", 10, models.SourceWall, int64(0)).Return([]models.Post{
		{ID: 1, Date: 100, Text: "a"},
		{ID: 2, Date: 200, Text: "b"},
	}, nil)

	var calls []string
	h.blog.On("Publish", mock.Anything, *b.Blog, mock.MatchedBy(func(p *models.PreparedPost) bool { return p.SourceID == 1 })).
		Run(func(mock.Arguments) { calls = append(calls, "blog") }).
		Return([]boosty.Result{{URL: "https://boosty.to/myblog/posts/x"}}, nil).Once()
	h.blog.On("Publish", mock.Anything, *b.Blog, mock.MatchedBy(func(p *models.PreparedPost) bool { return p.SourceID == 2 })).
		Return(nil, &boosty.PublishError{BlogName: "myblog", Step: boosty.StepUpload, Err: errors.New("boom")}).Once()
	h.chat.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { calls = append(calls, "chat") }).
		Return(delivered("@alpha", "@beta"), nil).Once()

	err := h.exec.RunBinding(context.Background(), b, "run")
	var pubErr *boosty.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, []string{"blog", "chat"}, calls)
	assert.Equal(t, int64(1), h.checkpoint(t, b))
	require.Len(t, h.postLog.entries, 1)
	assert.Equal(t, []string{"https://boosty.to/myblog/posts/x"}, h.postLog.entries[0].BlogPostURLs)
}

func TestRunBindingNeverMovesCheckpointBack(t *testing.T) {
	h := newHarness(t)
	h.fetcher.On("FetchNew", mock.Anything, "club1", 10, models.SourceWall, int64(5)).Return([]models.Post{
		{ID: 9, Date: 300, Text: "postponed"},
		{ID: 10, Date: 200, Text: "regular"},
	}, nil).Once()
	require.NoError(t, h.store.Set(context.Background(), testBinding.Name, "club1", "wall", 5))
	var order []int64
	h.chat.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { order = append(order, args.Get(2).(*models.PreparedPost).SourceID) }).
		Return(delivered("@alpha", "@beta"), nil)

	require.NoError(t, h.exec.RunBinding(context.Background(), testBinding, "run"))
	assert.Equal(t, []int64{10, 9}, order)
	assert.Equal(t, int64(10), h.checkpoint(t, testBinding))
}

func TestRunBindingAdvancesPastPostWithDroppedAttachments(t *testing.T) {
	h := newHarness(t)
	h.fetcher.On("FetchNew", mock.Anything, "club1", 10, models.SourceWall, int64(0)).Return([]models.Post{
		{ID: 1, Date: 100, Text: "too big"},
		{ID: 2, Date: 200, Text: "next"},
	}, nil)
	h.chat.On("Publish", mock.Anything, mock.Anything, mock.MatchedBy(func(p *models.PreparedPost) bool { return p.SourceID == 1 })).
		Return(&telegram.Report{Delivered: []string{"@alpha", "@beta"}, Failed: map[string]error{}, Dropped: 1}, nil).Once()
	h.chat.On("Publish", mock.Anything, mock.Anything, mock.MatchedBy(func(p *models.PreparedPost) bool { return p.SourceID == 2 })).
		Return(delivered("@alpha", "@beta"), nil).Once()

	require.NoError(t, h.exec.RunBinding(context.Background(), testBinding, "run"))
	assert.Equal(t, int64(2), h.checkpoint(t, testBinding))
	h.chat.AssertExpectations(t)
	assert.Len(t, h.postLog.entries, 2)
}

func TestRunBindingKeepsPostWhenSomeVideosReachedBlog(t *testing.T) {
	h := newHarness(t)
	b := testBinding
	b.Blog = &models.BlogTarget{BlogName: "myblog"}
	h.fetcher.On("FetchNew", mock.Anything, "club1", 10, models.SourceWall, int64(0)).Return([]models.Post{{ID: 4, Date: 100, Text: "a"}}, nil)
	h.blog.On("Publish", mock.Anything, *b.Blog, mock.Anything).Return(
		[]boosty.Result{{URL: "https://boosty.to/myblog/posts/1"}},
		&boosty.PublishError{BlogName: "myblog", Step: boosty.StepFinish, Err: errors.New("boom")},
	).Once()
	h.chat.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(delivered("@alpha", "@beta"), nil).Once()

	require.NoError(t, h.exec.RunBinding(context.Background(), b, "run"))
	assert.Equal(t, int64(4), h.checkpoint(t, b))
	require.Len(t, h.postLog.entries, 1)
	assert.Equal(t, []string{"https://boosty.to/myblog/posts/1"}, h.postLog.entries[0].BlogPostURLs)
	assert.Equal(t, []string{"boosty:myblog"}, h.postLog.entries[0].FailedTo)
}

func TestRunAllIsolatesBindings(t *testing.T) {
	h := newHarness(t)
	broken := models.Binding{Name: "broken", Source: models.SourceLocator{Domain: "gone", PageSize: 10, Source: models.SourceWall}, ChannelIDs: []string{"@alpha"}}
	h.fetcher.On("FetchNew", mock.Anything, "gone", 10, models.SourceWall, int64(0)).Return(nil, errors.New("vk api error 15: access denied"))
	h.fetcher.On("FetchNew", mock.Anything, "club1", 10, models.SourceWall, int64(0)).Return([]models.Post{{ID: 9, Date: 1, Text: "a"}}, nil)
	h.chat.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(delivered("@alpha", "@beta"), nil)

	require.NoError(t, h.exec.RunAll(context.Background(), []models.Binding{broken, testBinding}))
	assert.Equal(t, int64(0), h.checkpoint(t, broken))
	assert.Equal(t, int64(9), h.checkpoint(t, testBinding))
}

func TestRunAllStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.exec.RunAll(ctx, []models.Binding{testBinding})
	require.ErrorIs(t, err, context.Canceled)
	h.fetcher.AssertNotCalled(t, "FetchNew", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
