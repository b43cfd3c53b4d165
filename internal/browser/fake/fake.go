// Package fake provides a scriptable in-memory browser driver for tests.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/JakeFAU/notewatch/internal/tracker"
)

// DefaultResponseURL builds the search API URL the fake emits for a keyword.
func DefaultResponseURL(keyword string) string {
	return "https://www.example.test/api/sns/web/v1/search/notes?keyword=" + url.QueryEscape(keyword)
}

// Browser hands out scripted contexts.
type Browser struct {
	mu sync.Mutex
	// Configure is applied to every new context before it is returned.
	Configure func(c *Context)
	// NewContextErr, when set, fails every NewContext call.
	NewContextErr error
	contexts      []*Context
}

// NewBrowser returns a Browser whose contexts are prepared by configure.
func NewBrowser(configure func(c *Context)) *Browser {
	return &Browser{Configure: configure}
}

// NewContext implements tracker.Browser.
func (b *Browser) NewContext(_ context.Context) (tracker.BrowserContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NewContextErr != nil {
		return nil, b.NewContextErr
	}
	c := NewContext()
	if b.Configure != nil {
		b.Configure(c)
	}
	b.contexts = append(b.contexts, c)
	return c, nil
}

// Contexts returns every context opened so far.
func (b *Browser) Contexts() []*Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Context(nil), b.contexts...)
}

// Close implements tracker.Browser.
func (b *Browser) Close() {}

type interceptor struct {
	match  func(string) bool
	future *tracker.ResponseFuture
}

// Context is a scripted tracker.BrowserContext.
type Context struct {
	mu sync.Mutex

	// Missing locators make Find return tracker.ErrElementNotFound.
	Missing map[tracker.Locator]bool
	// Fail maps an operation name (navigate, find, type, click, clear,
	// cookies, probe) to an error returned by that operation.
	Fail map[string]error
	// Probe decides ProbeAuthenticated results; call counts from 1.
	Probe func(call int) (bool, error)
	// Responses maps a submitted keyword to the body the fake emits.
	Responses map[string]string
	// EmitStale re-emits the previous keyword's response before the current one.
	EmitStale   bool
	ResponseURL func(keyword string) string

	url          string
	values       map[tracker.Locator]string
	searches     []string
	clicks       []tracker.Locator
	interceptors []*interceptor
	cookies      []tracker.Cookie
	probes       int
	closed       bool
}

// NewContext returns an empty scripted context.
func NewContext() *Context {
	return &Context{
		Missing:     map[tracker.Locator]bool{},
		Fail:        map[string]error{},
		Responses:   map[string]string{},
		ResponseURL: DefaultResponseURL,
		values:      map[tracker.Locator]string{},
	}
}

func (c *Context) failure(op string) error {
	if err, ok := c.Fail[op]; ok {
		return err
	}
	return nil
}

// Navigate records the URL.
func (c *Context) Navigate(_ context.Context, rawURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("navigate"); err != nil {
		return err
	}
	c.url = rawURL
	return nil
}

// Find resolves any locator not marked missing.
func (c *Context) Find(_ context.Context, locator tracker.Locator) (tracker.ElementRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("find"); err != nil {
		return tracker.ElementRef{}, err
	}
	if c.Missing[locator] {
		return tracker.ElementRef{}, fmt.Errorf("%s: %w", locator, tracker.ErrElementNotFound)
	}
	return tracker.ElementRef{Locator: locator}, nil
}

// Type appends text to the element value. A trailing carriage return on the
// search input submits the search.
func (c *Context) Type(_ context.Context, el tracker.ElementRef, text string) error {
	c.mu.Lock()
	if err := c.failure("type"); err != nil {
		c.mu.Unlock()
		return err
	}
	submit := el.Locator == tracker.LocatorSearchInput && strings.HasSuffix(text, "\r")
	c.values[el.Locator] += strings.TrimSuffix(text, "\r")
	c.mu.Unlock()
	if submit {
		c.submitSearch()
	}
	return nil
}

// Clear empties the element value.
func (c *Context) Clear(_ context.Context, el tracker.ElementRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("clear"); err != nil {
		return err
	}
	c.values[el.Locator] = ""
	return nil
}

// Click records the click; the search button submits the search.
func (c *Context) Click(_ context.Context, el tracker.ElementRef) error {
	c.mu.Lock()
	if err := c.failure("click"); err != nil {
		c.mu.Unlock()
		return err
	}
	c.clicks = append(c.clicks, el.Locator)
	c.mu.Unlock()
	if el.Locator == tracker.LocatorSearchSubmit {
		c.submitSearch()
	}
	return nil
}

func (c *Context) submitSearch() {
	c.mu.Lock()
	keyword := c.values[tracker.LocatorSearchInput]
	var stale string
	if c.EmitStale && len(c.searches) > 0 {
		stale = c.searches[len(c.searches)-1]
	}
	c.searches = append(c.searches, keyword)
	c.mu.Unlock()

	if stale != "" {
		if body, ok := c.Responses[stale]; ok {
			c.emit(c.ResponseURL(stale), body)
		}
	}
	if body, ok := c.Responses[keyword]; ok {
		c.emit(c.ResponseURL(keyword), body)
	}
}

// Emit delivers a response to the first matching interceptor.
func (c *Context) Emit(rawURL, body string) {
	c.emit(rawURL, body)
}

func (c *Context) emit(rawURL, body string) {
	c.mu.Lock()
	var target *tracker.ResponseFuture
	for _, in := range c.interceptors {
		if in.match(rawURL) {
			target = in.future
			break
		}
	}
	c.mu.Unlock()
	if target != nil {
		target.Resolve(rawURL, []byte(body))
	}
}

// InterceptResponse registers a one-shot interceptor.
func (c *Context) InterceptResponse(_ context.Context, match func(string) bool) (*tracker.ResponseFuture, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("intercept"); err != nil {
		return nil, err
	}
	in := &interceptor{match: match}
	in.future = tracker.NewResponseFuture(func() { c.detach(in) })
	c.interceptors = append(c.interceptors, in)
	return in.future, nil
}

func (c *Context) detach(target *interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, in := range c.interceptors {
		if in == target {
			c.interceptors = append(c.interceptors[:i], c.interceptors[i+1:]...)
			return
		}
	}
}

// Cookies returns the stored cookies.
func (c *Context) Cookies(_ context.Context) ([]tracker.Cookie, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("cookies"); err != nil {
		return nil, err
	}
	return append([]tracker.Cookie(nil), c.cookies...), nil
}

// SetCookies replaces the stored cookies.
func (c *Context) SetCookies(_ context.Context, cookies []tracker.Cookie) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("set_cookies"); err != nil {
		return err
	}
	c.cookies = append([]tracker.Cookie(nil), cookies...)
	return nil
}

// Evaluate decodes "null" into out.
func (c *Context) Evaluate(_ context.Context, _ string, out any) error {
	if out == nil {
		return nil
	}
	return json.Unmarshal([]byte("null"), out)
}

// ProbeAuthenticated consults Probe; without one it reports false.
func (c *Context) ProbeAuthenticated(_ context.Context) (bool, error) {
	c.mu.Lock()
	c.probes++
	call := c.probes
	probe := c.Probe
	err := c.failure("probe")
	c.mu.Unlock()
	if err != nil {
		return false, err
	}
	if probe == nil {
		return false, nil
	}
	return probe(call)
}

// Close marks the context closed.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Value returns the current value of an element.
func (c *Context) Value(locator tracker.Locator) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[locator]
}

// Searches returns every submitted keyword in order.
func (c *Context) Searches() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.searches...)
}

// Clicks returns every clicked locator in order.
func (c *Context) Clicks() []tracker.Locator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tracker.Locator(nil), c.clicks...)
}

// URL returns the last navigated URL.
func (c *Context) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// PendingInterceptors returns how many interceptors are still attached.
func (c *Context) PendingInterceptors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.interceptors)
}

// SetProbe swaps the probe function.
func (c *Context) SetProbe(probe func(call int) (bool, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Probe = probe
}
