package crawler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/JakeFAU/notewatch/internal/clock/system"
	"github.com/JakeFAU/notewatch/internal/metrics"
	"github.com/JakeFAU/notewatch/internal/tracker"
)

// ContextProvider hands out the authenticated browser context.
type ContextProvider interface {
	AuthenticatedContext(ctx context.Context) (tracker.BrowserContext, error)
}

// Config controls the search flow.
type Config struct {
	SearchURL string
	// ResponsePath is a substring of the search API path; empty matches any path.
	ResponsePath string
	// QueryParam is the query-string key carrying the submitted keyword.
	QueryParam     string
	ResponseWindow time.Duration
	Throttle       time.Duration
	ActionTimeout  time.Duration
	Aggregation    Aggregation
	MinLenASCII    int
	MinLenDense    int
	ArchivePrefix  string
}

func (c Config) withDefaults() Config {
	if c.QueryParam == "" {
		c.QueryParam = "keyword"
	}
	if c.ResponseWindow <= 0 {
		c.ResponseWindow = 3 * time.Second
	}
	if c.Throttle < 0 {
		c.Throttle = 0
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 30 * time.Second
	}
	if c.Aggregation == "" {
		c.Aggregation = AggregateSum
	}
	if c.MinLenASCII <= 0 {
		c.MinLenASCII = 2
	}
	if c.MinLenDense <= 0 {
		c.MinLenDense = 1
	}
	if c.ArchivePrefix == "" {
		c.ArchivePrefix = "search"
	}
	return c
}

// Engine resolves an entity name to aggregated engagement metrics by
// progressively narrowing the search keyword.
type Engine struct {
	cfg      Config
	sessions ContextProvider
	archive  tracker.BlobStore
	clock    tracker.Clock
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewEngine builds an Engine. archive may be nil to disable payload archiving.
func NewEngine(
	sessions ContextProvider,
	archive tracker.BlobStore,
	clock tracker.Clock,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		archive:  archive,
		clock:    clock,
		logger:   logger.Named("crawler"),
		sleep:    system.Sleep,
	}
}

// Candidates returns the keywords tried for query, longest first. Lengths
// count runes. A query shorter than the minimum is tried once as-is.
// Prefixes ending in whitespace are skipped: the site trims keywords, so they
// would repeat the next shorter search under a keyword that never matches.
func Candidates(query string, minASCII, minDense int) []string {
	runes := []rune(query)
	minLen := minASCII
	for _, r := range runes {
		if r > unicode.MaxASCII {
			minLen = minDense
			break
		}
	}
	if minLen < 1 {
		minLen = 1
	}
	if len(runes) < minLen {
		minLen = len(runes)
	}
	out := make([]string, 0, len(runes)-minLen+1)
	for n := len(runes); n >= minLen && n > 0; n-- {
		if n < len(runes) && unicode.IsSpace(runes[n-1]) {
			continue
		}
		out = append(out, string(runes[:n]))
	}
	return out
}

// Lookup searches for query and returns the first matching snapshot. It
// returns *tracker.NotFoundError once every candidate has been tried.
func (e *Engine) Lookup(ctx context.Context, query string) (tracker.MetricsSnapshot, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return tracker.MetricsSnapshot{}, &tracker.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	bctx, err := e.sessions.AuthenticatedContext(ctx)
	if err != nil {
		return tracker.MetricsSnapshot{}, err
	}
	if e.cfg.SearchURL != "" {
		if err := e.withAction(ctx, "open search page", func(actx context.Context) error {
			return bctx.Navigate(actx, e.cfg.SearchURL)
		}); err != nil {
			return tracker.MetricsSnapshot{}, err
		}
	}

	candidates := Candidates(query, e.cfg.MinLenASCII, e.cfg.MinLenDense)
	attempts := make([]string, 0, len(candidates))
	var reason string
	for i, cand := range candidates {
		attempts = append(attempts, cand)
		snap, why, err := e.attempt(ctx, bctx, cand)
		if err != nil {
			metrics.ObserveLookup("error", len(attempts))
			return tracker.MetricsSnapshot{}, err
		}
		if why == "" {
			metrics.ObserveLookup("match", len(attempts))
			e.logger.Info("search matched",
				zap.String("query", query),
				zap.String("candidate", cand),
				zap.Int("records", snap.Records),
				zap.Int64("likes", snap.Likes),
			)
			return snap, nil
		}
		reason = why
		e.logger.Debug("no match for candidate", zap.String("candidate", cand), zap.String("reason", why))
		if i < len(candidates)-1 {
			if err := e.sleep(ctx, e.cfg.Throttle); err != nil {
				return tracker.MetricsSnapshot{}, fmt.Errorf("search throttle: %w", err)
			}
		}
	}
	metrics.ObserveLookup("not_found", len(attempts))
	return tracker.MetricsSnapshot{}, &tracker.NotFoundError{Query: query, Attempts: attempts, Reason: reason}
}

// attempt submits one candidate. It returns a non-empty reason when the
// candidate produced no usable match and an error only for driver failures.
func (e *Engine) attempt(
	ctx context.Context,
	bctx tracker.BrowserContext,
	cand string,
) (tracker.MetricsSnapshot, string, error) {
	var input tracker.ElementRef
	var future *tracker.ResponseFuture
	err := e.withAction(ctx, "submit search", func(actx context.Context) error {
		var err error
		input, err = bctx.Find(actx, tracker.LocatorSearchInput)
		if err != nil {
			return fmt.Errorf("locate search input: %w", err)
		}
		if err := bctx.Clear(actx, input); err != nil {
			return err
		}
		// Attach before submitting so the response cannot race the listener.
		future, err = bctx.InterceptResponse(ctx, e.matcher(cand))
		if err != nil {
			return fmt.Errorf("intercept search response: %w", err)
		}
		if err := bctx.Type(actx, input, cand); err != nil {
			return err
		}
		return e.submit(actx, bctx, input)
	})
	if err != nil {
		if future != nil {
			future.Detach()
		}
		return tracker.MetricsSnapshot{}, "", err
	}

	body, respURL, ok, err := future.Await(ctx, e.cfg.ResponseWindow)
	if err != nil {
		return tracker.MetricsSnapshot{}, "", fmt.Errorf("await search response: %w", err)
	}
	reason := ""
	var records []record
	switch {
	case !ok:
		reason = "no matching response within window"
	default:
		records, err = decodeRecords(body)
		switch {
		case err != nil:
			reason = "malformed payload: " + err.Error()
		case len(records) == 0:
			reason = "empty result"
		}
	}
	if reason != "" {
		if err := e.withAction(ctx, "clear search input", func(actx context.Context) error {
			return bctx.Clear(actx, input)
		}); err != nil {
			return tracker.MetricsSnapshot{}, "", err
		}
		return tracker.MetricsSnapshot{}, reason, nil
	}

	snap := aggregate(records, e.cfg.Aggregation)
	snap.Query = cand
	e.archivePayload(ctx, respURL, body)
	return snap, "", nil
}

// submit clicks the search button, or presses Enter when the page has none.
func (e *Engine) submit(ctx context.Context, bctx tracker.BrowserContext, input tracker.ElementRef) error {
	btn, err := bctx.Find(ctx, tracker.LocatorSearchSubmit)
	if errors.Is(err, tracker.ErrElementNotFound) {
		return bctx.Type(ctx, input, "\r")
	}
	if err != nil {
		return fmt.Errorf("locate search button: %w", err)
	}
	return bctx.Click(ctx, btn)
}

// matcher accepts only responses whose keyword parameter equals cand, so a
// late response from a longer candidate is never mistaken for this one.
func (e *Engine) matcher(cand string) func(string) bool {
	return func(raw string) bool {
		u, err := url.Parse(raw)
		if err != nil {
			return false
		}
		if e.cfg.ResponsePath != "" && !strings.Contains(u.Path, e.cfg.ResponsePath) {
			return false
		}
		return u.Query().Get(e.cfg.QueryParam) == cand
	}
}

func (e *Engine) archivePayload(ctx context.Context, respURL string, body []byte) {
	if e.archive == nil {
		return
	}
	sum := sha256.Sum256(body)
	path := fmt.Sprintf("%s/%s/%s.json",
		strings.TrimSuffix(e.cfg.ArchivePrefix, "/"),
		e.clock.Now().UTC().Format("2006/01/02"),
		hex.EncodeToString(sum[:]),
	)
	uri, err := e.archive.PutObject(ctx, path, "application/json", body)
	if err != nil {
		e.logger.Warn("archive search payload failed", zap.String("path", path), zap.Error(err))
		return
	}
	e.logger.Debug("archived search payload", zap.String("uri", uri), zap.String("url", respURL))
}

func (e *Engine) withAction(ctx context.Context, op string, fn func(context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	defer cancel()
	err := fn(actx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return tracker.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
