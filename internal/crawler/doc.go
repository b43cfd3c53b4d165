// Package crawler looks up engagement metrics for an entity name. It types a
// keyword into the site's search box, intercepts the search API response the
// page issues, and shortens the keyword one rune at a time until a response
// carries at least one note.
package crawler
