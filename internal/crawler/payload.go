package crawler

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/JakeFAU/notewatch/internal/tracker"
)

// Aggregation selects how multiple search records collapse into one snapshot.
type Aggregation string

const (
	// AggregateSum adds every record's metrics together.
	AggregateSum Aggregation = "sum"
	// AggregateFirst keeps only the first record.
	AggregateFirst Aggregation = "first"
)

// ParseAggregation validates a configured aggregation policy. Empty means sum.
func ParseAggregation(s string) (Aggregation, error) {
	switch Aggregation(strings.ToLower(strings.TrimSpace(s))) {
	case "", AggregateSum:
		return AggregateSum, nil
	case AggregateFirst:
		return AggregateFirst, nil
	default:
		return "", fmt.Errorf("unknown aggregation %q (want sum or first)", s)
	}
}

// record is one note card from the search API after boundary validation.
type record struct {
	Title   string
	Metrics tracker.Metrics
}

type searchResponse struct {
	Code    int    `json:"code"`
	Success *bool  `json:"success"`
	Msg     string `json:"msg"`
	Data    *struct {
		Items []searchItem `json:"items"`
	} `json:"data"`
}

type searchItem struct {
	ID        string    `json:"id"`
	ModelType string    `json:"model_type"`
	NoteCard  *noteCard `json:"note_card"`
}

type noteCard struct {
	DisplayTitle string       `json:"display_title"`
	Title        string       `json:"title"`
	InteractInfo interactInfo `json:"interact_info"`
}

type interactInfo struct {
	LikedCount     count `json:"liked_count"`
	CollectedCount count `json:"collected_count"`
	CommentCount   count `json:"comment_count"`
	SharedCount    count `json:"shared_count"`
	ViewCount      count `json:"view_count"`
}

var errEmptyPayload = errors.New("empty search payload")

// decodeRecords converts a raw search response into typed records. Anything
// that does not look like a successful search response is an error.
func decodeRecords(body []byte) ([]record, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, errEmptyPayload
	}
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search payload: %w", err)
	}
	if (resp.Success != nil && !*resp.Success) || resp.Code != 0 {
		return nil, fmt.Errorf("search api rejected request: code %d: %s", resp.Code, resp.Msg)
	}
	if resp.Data == nil {
		return nil, errors.New("search payload has no data")
	}
	out := make([]record, 0, len(resp.Data.Items))
	for _, item := range resp.Data.Items {
		if item.NoteCard == nil {
			continue
		}
		if item.ModelType != "" && item.ModelType != "note" {
			continue
		}
		card := item.NoteCard
		title := card.DisplayTitle
		if title == "" {
			title = card.Title
		}
		out = append(out, record{
			Title: title,
			Metrics: tracker.Metrics{
				Likes:    int64(card.InteractInfo.LikedCount),
				Views:    int64(card.InteractInfo.ViewCount),
				Collects: int64(card.InteractInfo.CollectedCount),
				Comments: int64(card.InteractInfo.CommentCount),
				Shares:   int64(card.InteractInfo.SharedCount),
			},
		})
	}
	return out, nil
}

// aggregate collapses records into a snapshot. The title always comes from
// the first record. records must not be empty.
func aggregate(records []record, policy Aggregation) tracker.MetricsSnapshot {
	snap := tracker.MetricsSnapshot{Title: records[0].Title, Records: len(records)}
	if policy == AggregateFirst {
		snap.Metrics = records[0].Metrics
		return snap
	}
	for _, r := range records {
		snap.Metrics = snap.Metrics.Add(r.Metrics)
	}
	return snap
}

// count accepts JSON numbers and the display strings the web client renders,
// such as "328", "1.2万" or "10w+".
type count int64

func (c *count) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*c = 0
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		if err := json.Unmarshal(b, &raw); err != nil {
			return fmt.Errorf("count: %w", err)
		}
	}
	n, err := parseCount(raw)
	if err != nil {
		return err
	}
	*c = count(n)
	return nil
}

var countSuffixes = []struct {
	suffix string
	mult   float64
}{
	{"亿", 1e8},
	{"万", 1e4},
	{"w", 1e4},
	{"千", 1e3},
	{"k", 1e3},
}

func parseCount(s string) (int64, error) {
	s = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "+")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, nil
	}
	mult := 1.0
	for _, sfx := range countSuffixes {
		if strings.HasSuffix(s, sfx.suffix) {
			s = strings.TrimSuffix(s, sfx.suffix)
			mult = sfx.mult
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("count %q: %w", s, err)
	}
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("count %q out of range", s)
	}
	n := math.Round(v * mult)
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if n >= math.MaxInt64 {
		return 0, fmt.Errorf("count %q overflows int64", s)
	}
	return int64(n), nil
}
