// Package tracker defines the domain types and collaborator contracts shared
// by the session, crawl, and batch subsystems.
package tracker

import (
	"math"
	"time"
)

// LoginState is the lifecycle state of the platform login session.
type LoginState string

// Login states. Transitions only move forward, except to Failed on error and
// back to Idle on an explicit reset.
const (
	LoginIdle              LoginState = "idle"
	LoginLoggingIn         LoginState = "logging_in"
	LoginAwaitingChallenge LoginState = "awaiting_challenge_code"
	LoginAuthenticated     LoginState = "authenticated"
	LoginFailed            LoginState = "failed"
)

// InProgress reports whether a login attempt is currently underway.
func (s LoginState) InProgress() bool {
	return s == LoginLoggingIn || s == LoginAwaitingChallenge
}

// UpdateState is the lifecycle state of a batch refresh run.
type UpdateState string

// Batch run states persisted with the progress record.
const (
	UpdateIdle      UpdateState = "idle"
	UpdateUpdating  UpdateState = "updating"
	UpdateCompleted UpdateState = "completed"
	UpdateFailed    UpdateState = "failed"
)

// Session is one logical login attempt. Only one is active at a time.
type Session struct {
	State       LoginState `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	PhoneNumber string     `json:"phone_number,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Progress is the status record for the in-flight batch run.
type Progress struct {
	RunID       string      `json:"run_id,omitempty"`
	LoginState  LoginState  `json:"login_state,omitempty"`
	UpdateState UpdateState `json:"update_state"`
	Total       int         `json:"total"`
	Processed   int         `json:"processed"`
	Failed      int         `json:"failed"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	LastUpdate  *time.Time  `json:"last_update,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Done returns the number of items that reached a terminal outcome.
func (p Progress) Done() int {
	return p.Processed + p.Failed
}

// Entity is an owner's registered application whose notes are tracked.
type Entity struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

// Metrics holds the engagement counters of one content item.
type Metrics struct {
	Likes    int64 `json:"likes"`
	Views    int64 `json:"views"`
	Collects int64 `json:"collects"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
}

// MetricName names one of the five tracked counters.
type MetricName string

// Tracked metric names.
const (
	MetricLikes    MetricName = "likes"
	MetricViews    MetricName = "views"
	MetricCollects MetricName = "collects"
	MetricComments MetricName = "comments"
	MetricShares   MetricName = "shares"
)

// AllMetrics lists every metric in a stable order.
var AllMetrics = []MetricName{MetricLikes, MetricViews, MetricCollects, MetricComments, MetricShares}

// Get returns the counter for name, or zero for an unknown name.
func (m Metrics) Get(name MetricName) int64 {
	switch name {
	case MetricLikes:
		return m.Likes
	case MetricViews:
		return m.Views
	case MetricCollects:
		return m.Collects
	case MetricComments:
		return m.Comments
	case MetricShares:
		return m.Shares
	default:
		return 0
	}
}

// Add returns the element-wise sum of m and o.
func (m Metrics) Add(o Metrics) Metrics {
	return Metrics{
		Likes:    saturatingAdd(m.Likes, o.Likes),
		Views:    saturatingAdd(m.Views, o.Views),
		Collects: saturatingAdd(m.Collects, o.Collects),
		Comments: saturatingAdd(m.Comments, o.Comments),
		Shares:   saturatingAdd(m.Shares, o.Shares),
	}
}

// saturatingAdd adds non-negative counters, clamping at math.MaxInt64.
func saturatingAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// TrackedItem is one published note whose metrics are monitored.
type TrackedItem struct {
	ID          string  `json:"id"`
	ExternalRef string  `json:"external_ref"`
	EntityID    string  `json:"entity_id"`
	Metrics     Metrics `json:"metrics"`
}

// MetricsSnapshot is the aggregated result of one successful lookup.
type MetricsSnapshot struct {
	Metrics
	Title string `json:"title"`
	// Query is the candidate that produced the match.
	Query   string `json:"query"`
	Records int    `json:"records"`
}

// Cookie is a browser cookie carried between authenticated contexts.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"http_only"`
	Secure   bool      `json:"secure"`
}
