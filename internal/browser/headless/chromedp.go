// Package headless drives a real Chrome instance through chromedp and exposes
// it as a tracker.Browser.
package headless

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/notewatch/internal/tracker"
)

// Config controls the behavior of the headless browser.
type Config struct {
	Headless    bool
	UserAgent   string
	UserDataDir string
	// Locators maps logical elements to CSS selectors, or XPath when the
	// selector starts with "/" or "(".
	Locators map[tracker.Locator]string
	// LoginMarker matches an element only rendered to logged-out visitors.
	LoginMarker string
	// FindTimeout bounds how long Find waits for an element to appear.
	FindTimeout time.Duration
}

// DefaultLocators targets the web client's login modal and search bar.
func DefaultLocators() map[tracker.Locator]string {
	return map[tracker.Locator]string{
		tracker.LocatorPhoneInput:   `input[placeholder*="手机号"]`,
		tracker.LocatorSendCode:     `.login-container .code-button`,
		tracker.LocatorCodeInput:    `input[placeholder*="验证码"]`,
		tracker.LocatorLoginSubmit:  `.login-container button.submit`,
		tracker.LocatorSearchInput:  `#search-input`,
		tracker.LocatorSearchSubmit: `.search-icon`,
	}
}

// DefaultLoginMarker is present only when the visitor is logged out.
const DefaultLoginMarker = `.login-container`

const defaultFindTimeout = 10 * time.Second

// Browser owns the Chrome process and hands out isolated tabs.
type Browser struct {
	cfg           Config
	logger        *zap.Logger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// New launches Chrome and waits until it accepts commands.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Locators) == 0 {
		cfg.Locators = DefaultLocators()
	}
	if cfg.LoginMarker == "" {
		cfg.LoginMarker = DefaultLoginMarker
	}
	if cfg.FindTimeout <= 0 {
		cfg.FindTimeout = defaultFindTimeout
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return &Browser{
		cfg:           cfg,
		logger:        logger.Named("browser"),
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// NewContext opens a new tab with the network domain enabled.
func (b *Browser) NewContext(ctx context.Context) (tracker.BrowserContext, error) {
	tabCtx, cancel := chromedp.NewContext(b.browserCtx)
	stop := forwardCancel(ctx, cancel)
	defer stop()
	setup := chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
	// The first Run on tabCtx creates the target, so it must not use a
	// derived context or cancelling that context would close the tab.
	if err := chromedp.Run(tabCtx, setup); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &Tab{cfg: b.cfg, logger: b.logger, ctx: tabCtx, cancel: cancel}, nil
}

// Close shuts down Chrome.
func (b *Browser) Close() {
	b.browserCancel()
	b.allocCancel()
}

// Tab is one isolated browser tab.
type Tab struct {
	cfg    Config
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// bind derives a context that executes on the tab but honors the caller's
// deadline and cancellation.
func (t *Tab) bind(parent context.Context) (context.Context, context.CancelFunc) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if dl, ok := parent.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(t.ctx, dl)
	} else {
		runCtx, cancel = context.WithCancel(t.ctx)
	}
	stop := forwardCancel(parent, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (t *Tab) run(parent context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := t.bind(parent)
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if parent.Err() != nil {
			return fmt.Errorf("%w: %w", parent.Err(), err)
		}
		return err
	}
	return nil
}

// Navigate loads rawURL and waits for the load event.
func (t *Tab) Navigate(ctx context.Context, rawURL string) error {
	if err := t.run(ctx, chromedp.Navigate(rawURL)); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return nil
}

// Find waits up to FindTimeout for the locator to match a node.
func (t *Tab) Find(ctx context.Context, locator tracker.Locator) (tracker.ElementRef, error) {
	sel, ok := t.cfg.Locators[locator]
	if !ok || sel == "" {
		return tracker.ElementRef{}, fmt.Errorf("no selector configured for %s", locator)
	}
	findCtx, cancel := context.WithTimeout(ctx, t.cfg.FindTimeout)
	defer cancel()

	var nodes []*cdp.Node
	err := t.run(findCtx, chromedp.Nodes(sel, &nodes, selectorOption(sel)))
	switch {
	case err == nil && len(nodes) > 0:
		return tracker.ElementRef{Locator: locator, Node: nodes[0]}, nil
	case err == nil, errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return tracker.ElementRef{}, fmt.Errorf("%s (%s): %w", locator, sel, tracker.ErrElementNotFound)
	default:
		return tracker.ElementRef{}, fmt.Errorf("find %s: %w", locator, err)
	}
}

// Type sends keystrokes to the element. "\r" submits like the Enter key.
func (t *Tab) Type(ctx context.Context, el tracker.ElementRef, text string) error {
	id, err := nodeID(el)
	if err != nil {
		return err
	}
	if err := t.run(ctx, chromedp.SendKeys([]cdp.NodeID{id}, text, chromedp.ByNodeID)); err != nil {
		return fmt.Errorf("type into %s: %w", el.Locator, err)
	}
	return nil
}

// Clear empties an input element.
func (t *Tab) Clear(ctx context.Context, el tracker.ElementRef) error {
	id, err := nodeID(el)
	if err != nil {
		return err
	}
	if err := t.run(ctx, chromedp.Clear([]cdp.NodeID{id}, chromedp.ByNodeID)); err != nil {
		return fmt.Errorf("clear %s: %w", el.Locator, err)
	}
	return nil
}

// Click clicks the element.
func (t *Tab) Click(ctx context.Context, el tracker.ElementRef) error {
	id, err := nodeID(el)
	if err != nil {
		return err
	}
	if err := t.run(ctx, chromedp.Click([]cdp.NodeID{id}, chromedp.ByNodeID)); err != nil {
		return fmt.Errorf("click %s: %w", el.Locator, err)
	}
	return nil
}

// InterceptResponse attaches a listener that resolves the returned future
// with the body of the first finished response whose URL satisfies match.
// The listener is removed when the future settles.
func (t *Tab) InterceptResponse(_ context.Context, match func(url string) bool) (*tracker.ResponseFuture, error) {
	listenCtx, stop := context.WithCancel(t.ctx)
	future := tracker.NewResponseFuture(stop)
	w := newResponseWatch(match, future, func(id network.RequestID) ([]byte, error) {
		var body []byte
		err := chromedp.Run(listenCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			body, err = network.GetResponseBody(id).Do(ctx)
			return err
		}))
		return body, err
	}, t.logger)
	chromedp.ListenTarget(listenCtx, w.onEvent)
	return future, nil
}

// Cookies returns every cookie visible to the tab.
func (t *Tab) Cookies(ctx context.Context) ([]tracker.Cookie, error) {
	var cookies []*network.Cookie
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	return fromNetworkCookies(cookies), nil
}

// SetCookies installs cookies into the tab.
func (t *Tab) SetCookies(ctx context.Context, cookies []tracker.Cookie) error {
	params := toCookieParams(cookies)
	if len(params) == 0 {
		return nil
	}
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

// Evaluate runs script in the page and decodes the result into out.
func (t *Tab) Evaluate(ctx context.Context, script string, out any) error {
	if err := t.run(ctx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// ProbeAuthenticated reports whether the current page lacks the login marker.
func (t *Tab) ProbeAuthenticated(ctx context.Context) (bool, error) {
	var nodes []*cdp.Node
	sel := t.cfg.LoginMarker
	if err := t.run(ctx, chromedp.Nodes(sel, &nodes, selectorOption(sel), chromedp.AtLeast(0))); err != nil {
		return false, fmt.Errorf("probe login marker: %w", err)
	}
	return len(nodes) == 0, nil
}

// Close closes the tab.
func (t *Tab) Close() error {
	t.cancel()
	return nil
}

func selectorOption(sel string) chromedp.QueryOption {
	if strings.HasPrefix(sel, "/") || strings.HasPrefix(sel, "(") {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

func nodeID(el tracker.ElementRef) (cdp.NodeID, error) {
	node, ok := el.Node.(*cdp.Node)
	if !ok || node == nil {
		return 0, fmt.Errorf("%s: element reference is not a DOM node", el.Locator)
	}
	return node.NodeID, nil
}

// responseWatch pairs ResponseReceived with LoadingFinished events so the
// body is only fetched once it is complete.
type responseWatch struct {
	match  func(string) bool
	future *tracker.ResponseFuture
	fetch  func(network.RequestID) ([]byte, error)
	logger *zap.Logger

	mu      sync.Mutex
	pending map[network.RequestID]string
}

func newResponseWatch(
	match func(string) bool,
	future *tracker.ResponseFuture,
	fetch func(network.RequestID) ([]byte, error),
	logger *zap.Logger,
) *responseWatch {
	return &responseWatch{
		match:   match,
		future:  future,
		fetch:   fetch,
		logger:  logger,
		pending: make(map[network.RequestID]string),
	}
}

func (w *responseWatch) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Response == nil || !w.match(e.Response.URL) {
			return
		}
		w.mu.Lock()
		w.pending[e.RequestID] = e.Response.URL
		w.mu.Unlock()
	case *network.EventLoadingFinished:
		w.mu.Lock()
		url, ok := w.pending[e.RequestID]
		delete(w.pending, e.RequestID)
		w.mu.Unlock()
		if ok {
			// CDP commands cannot be issued from inside the listener.
			go w.finish(e.RequestID, url)
		}
	case *network.EventLoadingFailed:
		w.mu.Lock()
		delete(w.pending, e.RequestID)
		w.mu.Unlock()
	}
}

func (w *responseWatch) finish(id network.RequestID, url string) {
	body, err := w.fetch(id)
	if err != nil {
		w.logger.Debug("read intercepted response body", zap.String("url", url), zap.Error(err))
		return
	}
	w.future.Resolve(url, body)
}

func fromNetworkCookies(in []*network.Cookie) []tracker.Cookie {
	out := make([]tracker.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		cookie := tracker.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		// Session cookies report -1.
		if c.Expires > 0 {
			sec := int64(c.Expires)
			nsec := int64((c.Expires - float64(sec)) * float64(time.Second))
			cookie.Expires = time.Unix(sec, nsec).UTC()
		}
		out = append(out, cookie)
	}
	return out
}

func toCookieParams(in []tracker.Cookie) []*network.CookieParam {
	out := make([]*network.CookieParam, 0, len(in))
	for _, c := range in {
		if c.Name == "" {
			continue
		}
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if !c.Expires.IsZero() {
			ts := cdp.TimeSinceEpoch(c.Expires)
			param.Expires = &ts
		}
		out = append(out, param)
	}
	return out
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil || parent.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
