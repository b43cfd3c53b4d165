package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/notewatch/internal/browser/fake"
	"github.com/JakeFAU/notewatch/internal/config"
	notifymemory "github.com/JakeFAU/notewatch/internal/notifier/memory"
	memorystorage "github.com/JakeFAU/notewatch/internal/storage/memory"
	"github.com/JakeFAU/notewatch/internal/tracker"
)

const redAppPayload = `{"code":0,"success":true,"data":{"items":[
	{"id":"n1","model_type":"note","note_card":{"display_title":"RedApp launch",
	 "interact_info":{"liked_count":"1.2万","collected_count":5,"comment_count":"3","shared_count":1}}}]}}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Session.PollInterval = 5 * time.Millisecond
	cfg.Session.LoginTimeout = 2 * time.Second
	cfg.Crawl.ResponseWindow = 200 * time.Millisecond
	cfg.Crawl.Throttle = 0
	cfg.Batch.EntityDelay = 0
	cfg.Batch.ChunkDelay = 0
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	cfg.Archive.Backend = "memory"
	return &cfg
}

func testBrowser() *fake.Browser {
	return fake.NewBrowser(func(c *fake.Context) {
		c.Probe = func(int) (bool, error) { return true, nil }
		_ = c.SetCookies(context.Background(), []tracker.Cookie{{Name: "web_session", Value: "abc"}})
		c.Responses["RedApp"] = redAppPayload
	})
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app, err := assemble(context.Background(), cfg, zaptest.NewLogger(t), testBrowser())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	signals := app.sessions.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.watchLogins(ctx, signals)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		require.NoError(t, app.Close(context.Background()))
	})
	return app
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body)))
	return rec
}

func TestLoginTriggersBatchRun(t *testing.T) {
	t.Parallel()

	app := startApp(t, testConfig(t))
	data, ok := app.data.(*memorystorage.DataStore)
	require.True(t, ok)
	data.AddEntity(tracker.Entity{ID: "app-1", Name: "RedApp", OwnerID: "owner-1"},
		tracker.TrackedItem{ID: "item-1", ExternalRef: "note-1", Metrics: tracker.Metrics{Likes: 10}},
		tracker.TrackedItem{ID: "item-2", ExternalRef: "note-2", Metrics: tracker.Metrics{Likes: 10}},
	)

	h := app.Handler()
	require.Equal(t, http.StatusAccepted, post(t, h, "/v1/login", `{"phone":"+8613800001234"}`).Code)
	require.Equal(t, http.StatusAccepted, post(t, h, "/v1/login/challenge", `{"code":"123456"}`).Code)

	require.Eventually(t, func() bool {
		_, ok := app.orchestrator.LastRun()
		return ok
	}, 3*time.Second, 5*time.Millisecond)

	last, _ := app.orchestrator.LastRun()
	require.Equal(t, tracker.UpdateCompleted, last.UpdateState)
	require.Equal(t, 2, last.Processed)
	require.Equal(t, tracker.LoginAuthenticated, last.LoginState)

	item, ok := data.Item("item-1")
	require.True(t, ok)
	require.Equal(t, int64(12000), item.Metrics.Likes)
	require.Equal(t, int64(5), item.Metrics.Collects)

	sender, ok := app.sender.(*notifymemory.Sender)
	require.True(t, ok)
	require.Len(t, sender.Sent(), 2)

	archive, ok := app.archive.(*memorystorage.BlobStore)
	require.True(t, ok)
	require.NotEmpty(t, archive.Paths())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/progress", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, string(tracker.LoginAuthenticated), body["session"].(map[string]any)["state"])
	require.Equal(t, string(tracker.UpdateCompleted), body["last_run"].(map[string]any)["update_state"])
	require.NotContains(t, body, "progress")
}

func TestManualRunRequiresLogin(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Batch.RunOnLogin = false
	app := startApp(t, cfg)
	data := app.data.(*memorystorage.DataStore)
	data.AddEntity(tracker.Entity{ID: "app-1", Name: "RedApp", OwnerID: "owner-1"},
		tracker.TrackedItem{ID: "item-1", ExternalRef: "note-1"},
	)

	require.Equal(t, http.StatusAccepted, post(t, app.Handler(), "/v1/batch/run", "").Code)
	app.orchestrator.Wait()

	last, ok := app.orchestrator.LastRun()
	require.True(t, ok)
	require.Equal(t, tracker.UpdateCompleted, last.UpdateState)
	require.Equal(t, 1, last.Failed, "lookups fail without an authenticated session")
	require.Zero(t, last.Processed)
}

func TestAssembleRejectsBadBackends(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Archive.Backend = "local"
	cfg.Archive.Dir = ""
	_, err := assemble(context.Background(), cfg, zaptest.NewLogger(t), testBrowser())
	require.Error(t, err)
}
