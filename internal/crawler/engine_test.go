package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/notewatch/internal/browser/fake"
	"github.com/JakeFAU/notewatch/internal/storage/memory"
	"github.com/JakeFAU/notewatch/internal/tracker"
)

type staticProvider struct {
	bctx tracker.BrowserContext
	err  error
}

func (p staticProvider) AuthenticatedContext(context.Context) (tracker.BrowserContext, error) {
	return p.bctx, p.err
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

type note struct {
	title string
	likes int
}

func notesBody(notes ...note) string {
	items := make([]string, 0, len(notes))
	for i, n := range notes {
		items = append(items, fmt.Sprintf(
			`{"id":"n%d","model_type":"note","note_card":{"display_title":%q,"interact_info":{"liked_count":"%d","collected_count":"1","comment_count":"2","shared_count":"3"}}}`,
			i, n.title, n.likes,
		))
	}
	return `{"code":0,"success":true,"msg":"","data":{"has_more":false,"items":[` + strings.Join(items, ",") + `]}}`
}

func newTestEngine(t *testing.T, bctx *fake.Context, cfg Config) (*Engine, *sleepRecorder, *memory.BlobStore) {
	t.Helper()
	if cfg.ResponseWindow == 0 {
		cfg.ResponseWindow = 10 * time.Millisecond
	}
	if cfg.Throttle == 0 {
		cfg.Throttle = 1500 * time.Millisecond
	}
	cfg.SearchURL = "https://www.example.test/explore"
	cfg.ResponsePath = "/api/sns/web/v1/search/notes"
	archive := memory.NewBlobStore()
	clock := fixedClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	e := NewEngine(staticProvider{bctx: bctx}, archive, clock, cfg, zaptest.NewLogger(t))
	rec := &sleepRecorder{}
	e.sleep = rec.sleep
	return e, rec, archive
}

func TestCandidates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query string
		want  []string
	}{
		{"RedApp", []string{"RedApp", "RedAp", "RedA", "Red", "Re"}},
		{"小红书", []string{"小红书", "小红", "小"}},
		{"Red书", []string{"Red书", "Red", "Re", "R"}},
		{"A", []string{"A"}},
		{"Red App", []string{"Red App", "Red Ap", "Red A", "Red", "Re"}},
		{"小 红书", []string{"小 红书", "小 红", "小"}},
		{"", []string{}},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Candidates(tt.query, 2, 1), tt.query)
	}
}

func TestLookupTriesEveryPrefixInOrder(t *testing.T) {
	t.Parallel()

	bctx := fake.NewContext()
	e, sleeps, archive := newTestEngine(t, bctx, Config{})

	_, err := e.Lookup(context.Background(), "RedApp")
	var nf *tracker.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.ErrorIs(t, err, tracker.ErrNotFound)

	want := []string{"RedApp", "RedAp", "RedA", "Red", "Re"}
	require.Equal(t, want, nf.Attempts)
	require.Equal(t, "RedApp", nf.Query)
	require.Equal(t, want, bctx.Searches())
	require.Equal(t, "https://www.example.test/explore", bctx.URL())

	require.Len(t, sleeps.waits, len(want)-1)
	require.Equal(t, 1500*time.Millisecond, sleeps.waits[0])
	require.Empty(t, bctx.Value(tracker.LocatorSearchInput))
	require.Zero(t, bctx.PendingInterceptors())
	require.Empty(t, archive.Paths())
}

func TestLookupAggregatesFirstMatch(t *testing.T) {
	t.Parallel()

	bctx := fake.NewContext()
	bctx.Responses["RedAp"] = notesBody(note{"RedApp launch", 10}, note{"RedApp tips", 20}, note{"misc", 5})
	e, sleeps, archive := newTestEngine(t, bctx, Config{})

	snap, err := e.Lookup(context.Background(), "  RedApp ")
	require.NoError(t, err)
	require.Equal(t, int64(35), snap.Likes)
	require.Equal(t, int64(3), snap.Collects)
	require.Equal(t, int64(6), snap.Comments)
	require.Equal(t, int64(9), snap.Shares)
	require.Equal(t, "RedApp launch", snap.Title)
	require.Equal(t, "RedAp", snap.Query)
	require.Equal(t, 3, snap.Records)

	require.Equal(t, []string{"RedApp", "RedAp"}, bctx.Searches())
	require.Len(t, sleeps.waits, 1)
	require.Equal(t, []tracker.Locator{tracker.LocatorSearchSubmit, tracker.LocatorSearchSubmit}, bctx.Clicks())

	paths := archive.Paths()
	require.Len(t, paths, 1)
	require.True(t, strings.HasPrefix(paths[0], "search/2026/03/01/"), paths[0])
	require.True(t, strings.HasSuffix(paths[0], ".json"))
}

func TestLookupFirstRecordPolicy(t *testing.T) {
	t.Parallel()

	bctx := fake.NewContext()
	bctx.Responses["RedApp"] = notesBody(note{"one", 10}, note{"two", 20})
	e, _, _ := newTestEngine(t, bctx, Config{Aggregation: AggregateFirst})

	snap, err := e.Lookup(context.Background(), "RedApp")
	require.NoError(t, err)
	require.Equal(t, int64(10), snap.Likes)
	require.Equal(t, "one", snap.Title)
	require.Equal(t, 2, snap.Records)
}

func TestLookupSkipsMalformedAndEmptyPayloads(t *testing.T) {
	t.Parallel()

	bctx := fake.NewContext()
	bctx.Responses["RedApp"] = `<html>captcha</html>`
	bctx.Responses["RedAp"] = notesBody()
	bctx.Responses["RedA"] = notesBody(note{"RedApp", 7})
	e, _, _ := newTestEngine(t, bctx, Config{})

	snap, err := e.Lookup(context.Background(), "RedApp")
	require.NoError(t, err)
	require.Equal(t, "RedA", snap.Query)
	require.Equal(t, int64(7), snap.Likes)
}

func TestLookupNotFoundCarriesReason(t *testing.T) {
	t.Parallel()

	bctx := fake.NewContext()
	bctx.Responses["Re"] = `{"code":-1,"success":false,"msg":"blocked"}`
	e, _, _ := newTestEngine(t, bctx, Config{})

	_, err := e.Lookup(context.Background(), "Red")
	var nf *tracker.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, []string{"Red", "Re"}, nf.Attempts)
	require.Contains(t, nf.Reason, "blocked")
}

func TestLookupIgnoresStaleResponses(t *testing.T) {
	t.Parallel()

	bctx := fake.NewContext()
	e, _, _ := newTestEngine(t, bctx, Config{})

	// A late response for the longer keyword is delivered while "Re" is pending.
	bctx.EmitStale = true
	bctx.Responses["Red"] = `{"code":0,"data":{"items":[]}}`
	_, err := e.Lookup(context.Background(), "Red")
	require.ErrorIs(t, err, tracker.ErrNotFound)
	require.Equal(t, []string{"Red", "Re"}, bctx.Searches())

	match := e.matcher("Re")
	require.False(t, match(fake.DefaultResponseURL("Red")))
	require.True(t, match(fake.DefaultResponseURL("Re")))
	require.False(t, match("https://www.example.test/api/other?keyword=Re"))
	require.False(t, match("::not a url"))
	require.True(t, e.matcher("小红 书")(fake.DefaultResponseURL("小红 书")))
}

func TestLookupPressesEnterWithoutSearchButton(t *testing.T) {
	t.Parallel()

	bctx := fake.NewContext()
	bctx.Missing[tracker.LocatorSearchSubmit] = true
	bctx.Responses["小红书"] = notesBody(note{"小红书攻略", 12})
	e, _, _ := newTestEngine(t, bctx, Config{})

	snap, err := e.Lookup(context.Background(), "小红书")
	require.NoError(t, err)
	require.Equal(t, int64(12), snap.Likes)
	require.Empty(t, bctx.Clicks())
}

func TestLookupDenseScriptStopsAtOneRune(t *testing.T) {
	t.Parallel()

	bctx := fake.NewContext()
	e, _, _ := newTestEngine(t, bctx, Config{})

	_, err := e.Lookup(context.Background(), "小红书")
	require.ErrorIs(t, err, tracker.ErrNotFound)
	require.Equal(t, []string{"小红书", "小红", "小"}, bctx.Searches())
}

func TestLookupErrors(t *testing.T) {
	t.Parallel()

	e := NewEngine(staticProvider{err: tracker.ErrNotAuthenticated}, nil, fixedClock{}, Config{}, nil)
	_, err := e.Lookup(context.Background(), "RedApp")
	require.ErrorIs(t, err, tracker.ErrNotAuthenticated)

	_, err = e.Lookup(context.Background(), "   ")
	require.True(t, tracker.IsValidation(err))

	bctx := fake.NewContext()
	bctx.Fail["type"] = errors.New("tab crashed")
	e, _, _ = newTestEngine(t, bctx, Config{})
	_, err = e.Lookup(context.Background(), "RedApp")
	require.ErrorContains(t, err, "tab crashed")
	require.NotErrorIs(t, err, tracker.ErrNotFound)
	require.Zero(t, bctx.PendingInterceptors())
}

func TestLookupCanceledDuringWait(t *testing.T) {
	t.Parallel()

	bctx := fake.NewContext()
	e, _, _ := newTestEngine(t, bctx, Config{ResponseWindow: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := e.Lookup(ctx, "RedApp")
	require.ErrorIs(t, err, context.Canceled)
}
