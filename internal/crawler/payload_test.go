package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCount(t *testing.T) {
	t.Parallel()

	tests := map[string]int64{
		"":      0,
		"328":   328,
		"1,024": 1024,
		"1.2万":  12000,
		"10w+":  100000,
		"3.5k":  3500,
		"2亿":    200000000,
	}
	for in, want := range tests {
		got, err := parseCount(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, bad := range []string{"-1", "lots", "NaN", "1e20", "99999999999亿", "9223372036854775808"} {
		_, err := parseCount(bad)
		require.Error(t, err, bad)
	}
}

func TestDecodeRecordsAcceptsNumbersAndStrings(t *testing.T) {
	t.Parallel()

	body := []byte(`{"code":0,"success":true,"data":{"items":[
		{"model_type":"note","note_card":{"display_title":"a","interact_info":{"liked_count":12,"view_count":"1.5万","comment_count":null}}},
		{"model_type":"hot_query","note_card":{"display_title":"skip"}},
		{"model_type":"note"},
		{"note_card":{"title":"b","interact_info":{"liked_count":"3"}}}
	]}}`)
	records, err := decodeRecords(body)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a", records[0].Title)
	require.Equal(t, int64(12), records[0].Metrics.Likes)
	require.Equal(t, int64(15000), records[0].Metrics.Views)
	require.Equal(t, "b", records[1].Title)
}

func TestDecodeRecordsRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, body := range []string{
		``,
		`not json`,
		`{"code":300011,"success":false,"msg":"account abnormal"}`,
		`{"code":0,"success":true}`,
		`{"code":0,"data":{"items":[{"note_card":{"interact_info":{"liked_count":"-5"}}}]}}`,
		`{"code":0,"data":{"items":[{"note_card":{"interact_info":{"liked_count":"1e20"}}}]}}`,
	} {
		_, err := decodeRecords([]byte(body))
		require.Error(t, err, body)
	}
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	records := []record{{Title: "first"}, {Title: "second"}, {Title: "third"}}
	records[0].Metrics.Likes = 10
	records[1].Metrics.Likes = 20
	records[2].Metrics.Likes = 5

	sum := aggregate(records, AggregateSum)
	require.Equal(t, int64(35), sum.Likes)
	require.Equal(t, "first", sum.Title)
	require.Equal(t, 3, sum.Records)

	first := aggregate(records, AggregateFirst)
	require.Equal(t, int64(10), first.Likes)
}

func TestParseAggregation(t *testing.T) {
	t.Parallel()

	a, err := ParseAggregation("")
	require.NoError(t, err)
	require.Equal(t, AggregateSum, a)
	a, err = ParseAggregation("First")
	require.NoError(t, err)
	require.Equal(t, AggregateFirst, a)
	_, err = ParseAggregation("max")
	require.Error(t, err)
}
