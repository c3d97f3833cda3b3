package merge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/gentrack/internal/account"
	"github.com/manash/gentrack/internal/history"
	"github.com/manash/gentrack/internal/testutil"
	"github.com/manash/gentrack/pkg/models"
)

const (
	acct = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	img1 = "11111111-1111-4111-8111-111111111111"
	img2 = "44444444-4444-4444-8444-444444444444"
	vid1 = "22222222-2222-4222-8222-222222222222"
	vid2 = "33333333-3333-4333-8333-333333333333"
)

const listingJSON = `{"posts":[
  {"id":"` + img1 + `","userId":"` + acct + `","mediaType":"MEDIA_POST_TYPE_IMAGE",
   "mediaUrl":"users/` + acct + `/generated/` + img1 + `/image.jpg","prompt":"a cat",
   "createTime":"2026-01-01T10:00:00Z","resolution":{"width":1024,"height":768},"modelName":"imagine",
   "childPosts":[{"id":"` + vid1 + `","mediaType":"MEDIA_POST_TYPE_VIDEO",
     "mediaUrl":"https://assets.example.com/v1.mp4","hdMediaUrl":"https://assets.example.com/v1-hd.mp4",
     "thumbnailImageUrl":"https://assets.example.com/v1.jpg","prompt":"cat walks",
     "createTime":"2026-01-01T11:00:00Z"}]},
  {"id":"` + vid2 + `","mediaType":"video","originalPostId":"` + img1 + `",
   "mediaUrl":"https://assets.example.com/v2.mp4","createTime":"2026-01-02T09:00:00Z"}
]}`

var now = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu  sync.Mutex
	ids [][]string
}

func (n *recordingNotifier) HistoryUpdated(_ context.Context, ids ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, ids)
}

func newEngine(t *testing.T) (*Engine, *history.MemoryStore, *recordingNotifier) {
	t.Helper()
	store := history.NewMemoryStore(history.Options{})
	notifier := &recordingNotifier{}
	e := NewEngine(EngineOptions{
		Repository: store,
		Notifier:   notifier,
		Clock:      testutil.NewFakeClock(now),
		AssetHost:  "assets.example.com",
	})
	return e, store, notifier
}

func parseListing(t *testing.T) []Post {
	t.Helper()
	posts, err := Parse(strings.NewReader(listingJSON))
	require.NoError(t, err)
	return posts
}

func TestMerge_CreatesEntriesFromListing(t *testing.T) {
	e, store, notifier := newEngine(t)

	res, err := e.Merge(context.Background(), parseListing(t), Options{})
	require.NoError(t, err)
	assert.False(t, res.Dropped)
	assert.Equal(t, 1, res.Targets)
	assert.Equal(t, 1, res.EntriesCreated)
	assert.Equal(t, 1, res.EntriesLocked)
	assert.Equal(t, 2, res.AttemptsCreated)
	assert.Equal(t, []string{img1}, res.Saved)
	assert.Equal(t, 1, store.SaveCalls())

	entry, err := store.GetByID(context.Background(), img1)
	require.NoError(t, err)
	assert.Equal(t, acct, entry.AccountID)
	assert.Equal(t, "https://assets.example.com/users/"+acct+"/generated/"+img1+"/image.jpg", entry.ThumbnailURL)
	assert.Equal(t, "a cat", entry.Prompt)
	assert.Equal(t, "1024x768", entry.Resolution)
	assert.Equal(t, "imagine", entry.ModelName)
	assert.True(t, entry.CompletenessLock)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), entry.CreatedAt.UTC())
	assert.Equal(t, time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC), entry.UpdatedAt.UTC())
	assert.Equal(t, 2, entry.SuccessCount)
	assert.Equal(t, "https://assets.example.com/v1-hd.mp4", entry.UpscaledVideoURL)

	require.Len(t, entry.Attempts, 2)
	assert.Equal(t, vid2, entry.Attempts[0].ID, "attempts are newest first")
	first := entry.Attempts[1]
	assert.Equal(t, models.StatusSuccess, first.Status)
	assert.Equal(t, 100, first.CurrentProgress)
	assert.Equal(t, models.SourceListing, first.Source)
	assert.Equal(t, "cat walks", first.Prompt)
	assert.NotNil(t, first.FinishedAt)

	require.Len(t, notifier.ids, 1)
	assert.Equal(t, []string{img1}, notifier.ids[0])
}

func TestMerge_IdenticalBatchWritesNothingTheSecondTime(t *testing.T) {
	e, store, notifier := newEngine(t)
	posts := parseListing(t)

	_, err := e.Merge(context.Background(), posts, Options{})
	require.NoError(t, err)
	calls, rows := store.SaveCalls(), store.SavedRows()

	res, err := e.Merge(context.Background(), posts, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Saved)
	assert.Equal(t, calls, store.SaveCalls())
	assert.Equal(t, rows, store.SavedRows())
	assert.Len(t, notifier.ids, 1)
}

func TestMerge_IdenticalBatchOnUnlockedEntryWritesNothing(t *testing.T) {
	e, store, _ := newEngine(t)
	posts := []Post{{ID: img2, UserID: acct, MediaURL: "https://assets.example.com/x.jpg"}}

	_, err := e.Merge(context.Background(), posts, Options{})
	require.NoError(t, err)
	calls := store.SaveCalls()

	entry, err := store.GetByID(context.Background(), img2)
	require.NoError(t, err)
	assert.False(t, entry.CompletenessLock, "no prompt, so the entry stays open")

	_, err = e.Merge(context.Background(), posts, Options{})
	require.NoError(t, err)
	assert.Equal(t, calls, store.SaveCalls())
}

func TestMerge_LockedFieldsAreNeverOverwritten(t *testing.T) {
	e, store, _ := newEngine(t)
	ctx := context.Background()

	seed := models.NewImageEntry(img1, acct, now.Add(-time.Hour))
	seed.ThumbnailURL = "https://assets.example.com/original.jpg"
	seed.Prompt = "original prompt"
	seed.CompletenessLock = true
	a := models.NewAttempt("attempt-1", "stream prompt", now.Add(-time.Hour))
	a.VideoID = vid1
	a.VideoURL = "https://assets.example.com/stream.mp4"
	a.Status = models.StatusSuccess
	seed.PrependAttempt(a)
	require.NoError(t, store.SaveOne(ctx, seed))

	before, err := store.GetByID(ctx, img1)
	require.NoError(t, err)

	_, err = e.Merge(ctx, parseListing(t), Options{})
	require.NoError(t, err)

	after, err := store.GetByID(ctx, img1)
	require.NoError(t, err)
	assert.Equal(t, before.ThumbnailURL, after.ThumbnailURL)
	assert.Equal(t, before.Prompt, after.Prompt)
	assert.Empty(t, after.Resolution, "backfill is skipped on locked entries")

	got := after.FindAttempt(vid1)
	require.NotNil(t, got)
	assert.Equal(t, "attempt-1", got.ID)
	assert.Equal(t, "https://assets.example.com/stream.mp4", got.VideoURL)
	assert.Equal(t, "stream prompt", got.Prompt)
	assert.Equal(t, "https://assets.example.com/v1.jpg", got.ThumbnailURL, "missing thumbnail is filled")
	assert.Empty(t, got.UpscaledVideoURL, "locked attempts only get video URL, thumbnail and prompt")

	assert.NotNil(t, after.FindAttempt(vid2), "new videos are still added")
	assert.Len(t, after.Attempts, 2)
}

func TestMerge_MatchesStreamAttemptByVideoID(t *testing.T) {
	e, store, _ := newEngine(t)
	ctx := context.Background()

	seed := models.NewImageEntry(img1, acct, now.Add(-time.Hour))
	seed.ThumbnailURL = "https://assets.example.com/thumb.jpg"
	a := models.NewAttempt("attempt-1", "", now.Add(-time.Hour))
	a.VideoID = vid1
	seed.PrependAttempt(a)
	require.NoError(t, store.SaveOne(ctx, seed))

	res, err := e.Merge(ctx, parseListing(t), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EntriesUpdated)
	assert.Equal(t, 1, res.AttemptsUpdated)

	entry, err := store.GetByID(ctx, img1)
	require.NoError(t, err)
	assert.Equal(t, "https://assets.example.com/thumb.jpg", entry.ThumbnailURL)
	assert.Equal(t, "a cat", entry.Prompt)
	assert.True(t, entry.CompletenessLock)
	assert.Len(t, entry.Attempts, 2)

	got := entry.FindAttempt("attempt-1")
	require.NotNil(t, got)
	assert.Equal(t, "https://assets.example.com/v1.mp4", got.VideoURL)
	assert.Equal(t, "https://assets.example.com/v1-hd.mp4", got.UpscaledVideoURL)
	assert.Equal(t, "cat walks", got.Prompt)
}

func TestMerge_SkipsPostsWithoutTargets(t *testing.T) {
	e, store, _ := newEngine(t)

	res, err := e.Merge(context.Background(), []Post{
		{ID: "not-a-uuid"},
		{ID: vid1, MediaType: MediaVideo},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.Targets)
	assert.Zero(t, store.SaveCalls())
}

func TestMerge_AccountFallback(t *testing.T) {
	e, store, _ := newEngine(t)
	accounts := account.NewContext()
	accounts.SetActive(acct)

	_, err := e.Merge(context.Background(), []Post{{ID: img2, Prompt: "p"}}, Options{Accounts: accounts, AccountID: "ignored"})
	require.NoError(t, err)

	entry, err := store.GetByID(context.Background(), img2)
	require.NoError(t, err)
	assert.Equal(t, acct, entry.AccountID)
	assert.Equal(t, now, entry.CreatedAt.UTC())
}

func TestMerge_SaveFailureIsReturned(t *testing.T) {
	e, store, notifier := newEngine(t)
	store.FailWrites(errors.New("disk full"))

	res, err := e.Merge(context.Background(), parseListing(t), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, res.EntriesCreated)
	assert.Empty(t, res.Saved)
	assert.Empty(t, notifier.ids)
	assert.False(t, e.gate.Held(), "gate is released after a failed pass")
}

type blockingRepo struct {
	history.Repository
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRepo) GetBatch(ctx context.Context, ids []string) (map[string]*models.ImageEntry, error) {
	close(r.entered)
	<-r.release
	return r.Repository.GetBatch(ctx, ids)
}

func TestMerge_OverlappingCallIsDropped(t *testing.T) {
	repo := &blockingRepo{
		Repository: history.NewMemoryStore(history.Options{}),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	e := NewEngine(EngineOptions{Repository: repo, Clock: testutil.NewFakeClock(now)})
	posts := parseListing(t)

	done := make(chan *Result)
	go func() {
		res, err := e.Merge(context.Background(), posts, Options{})
		assert.NoError(t, err)
		done <- res
	}()

	<-repo.entered
	dropped, err := e.Merge(context.Background(), posts, Options{})
	require.NoError(t, err)
	assert.True(t, dropped.Dropped)

	close(repo.release)
	first := <-done
	assert.False(t, first.Dropped)
	assert.Equal(t, 1, first.EntriesCreated)
}

func TestGate(t *testing.T) {
	var g Gate
	require.True(t, g.TryAcquire())
	assert.False(t, g.TryAcquire())
	assert.True(t, g.Held())
	require.NoError(t, g.Release())
	assert.ErrorIs(t, g.Release(), ErrNotHeld)
	assert.True(t, g.TryAcquire())
}
