package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "search/2026/01/02/abc.json", "application/json", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://search/2026/01/02/abc.json", uri)

	payload[0] = 'C'
	stored, ok := store.Object("search/2026/01/02/abc.json")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
	require.Equal(t, []string{"search/2026/01/02/abc.json"}, store.Paths())
}
