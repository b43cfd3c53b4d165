package tracker

import (
	"context"
	"time"
)

// Locator names a page element. The driver adapter owns the mapping from a
// Locator to a concrete XPath or CSS selector.
type Locator string

// Locators used by the login and search flows.
const (
	LocatorPhoneInput   Locator = "phone_input"
	LocatorSendCode     Locator = "send_code_button"
	LocatorCodeInput    Locator = "code_input"
	LocatorLoginSubmit  Locator = "login_submit_button"
	LocatorSearchInput  Locator = "search_input"
	LocatorSearchSubmit Locator = "search_submit_button"
)

// ElementRef is an opaque handle to a located element. Node is owned by the
// driver that produced it.
type ElementRef struct {
	Locator Locator
	Node    any
}

// Browser opens isolated browser contexts.
type Browser interface {
	NewContext(ctx context.Context) (BrowserContext, error)
	Close()
}

// BrowserContext is one live browser tab/session.
type BrowserContext interface {
	Navigate(ctx context.Context, url string) error
	Find(ctx context.Context, locator Locator) (ElementRef, error)
	Type(ctx context.Context, el ElementRef, text string) error
	Clear(ctx context.Context, el ElementRef) error
	Click(ctx context.Context, el ElementRef) error
	// InterceptResponse attaches a one-shot listener that resolves the returned
	// future with the body of the first response whose URL satisfies match.
	InterceptResponse(ctx context.Context, match func(url string) bool) (*ResponseFuture, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	Evaluate(ctx context.Context, script string, out any) error
	// ProbeAuthenticated inspects the current page for the login-required
	// marker and reports true when it is absent.
	ProbeAuthenticated(ctx context.Context) (bool, error)
	Close() error
}

// ProgressStore persists status records with a time-to-live.
type ProgressStore interface {
	// Get returns nil without error when the key does not exist.
	Get(ctx context.Context, key string) (*Progress, error)
	Set(ctx context.Context, key string, value Progress, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// DataStore holds applications and their tracked notes.
type DataStore interface {
	ListEntities(ctx context.Context) ([]Entity, error)
	ListItems(ctx context.Context, entityID string) ([]TrackedItem, error)
	UpdateItemMetrics(ctx context.Context, itemID string, metrics Metrics) error
	// GetEntity returns nil without error when the entity does not exist.
	GetEntity(ctx context.Context, entityID string) (*Entity, error)
}

// Notification is the payload handed to a NotificationSender.
type Notification struct {
	RecipientRef string                     `json:"recipient_ref"`
	EntityName   string                     `json:"entity_name"`
	Action       string                     `json:"action"`
	ItemRef      string                     `json:"item_ref"`
	Delta        map[MetricName]MetricDelta `json:"delta"`
	Snapshot     MetricsSnapshot            `json:"snapshot"`
	SentAt       time.Time                  `json:"sent_at"`
}

// MetricDelta is the change of one metric between two reads.
type MetricDelta struct {
	Old  int64 `json:"old"`
	New  int64 `json:"new"`
	Diff int64 `json:"diff"`
}

// NotificationSender delivers notifications to owners.
type NotificationSender interface {
	Send(ctx context.Context, n Notification) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
