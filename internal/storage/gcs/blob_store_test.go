package gcs

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestPutObjectUploadsToBucket(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		uploads []string
		bodies  []string
	)
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{
			Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				raw, _ := io.ReadAll(r.Body)
				mu.Lock()
				uploads = append(uploads, r.URL.Path)
				bodies = append(bodies, string(raw))
				mu.Unlock()
				return &http.Response{
					StatusCode: http.StatusOK,
					Body:       io.NopCloser(strings.NewReader(`{"bucket":"payloads","name":"search/2026/03/01/abc.json"}`)),
					Header:     http.Header{"Content-Type": {"application/json"}},
					Request:    r,
				}, nil
			}),
		}),
	)
	require.NoError(t, err)

	store, err := New(client, Config{Bucket: "payloads"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "search/2026/03/01/abc.json", "application/json", []byte(`{"code":0}`))
	require.NoError(t, err)
	require.Equal(t, "gs://payloads/search/2026/03/01/abc.json", uri)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, uploads, 1)
	require.Contains(t, uploads[0], "/b/payloads/o")
	require.Contains(t, bodies[0], `{"code":0}`)
	require.Contains(t, bodies[0], `"source":"search"`)
}

func TestPutObjectTreatsExistingObjectAsArchived(t *testing.T) {
	t.Parallel()

	var query string
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{
			Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				query = r.URL.RawQuery
				return &http.Response{
					StatusCode: http.StatusPreconditionFailed,
					Body:       io.NopCloser(strings.NewReader(`{"error":{"code":412,"message":"conditionNotMet"}}`)),
					Header:     http.Header{"Content-Type": {"application/json"}},
					Request:    r,
				}, nil
			}),
		}),
	)
	require.NoError(t, err)

	store, err := New(client, Config{Bucket: "payloads"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "/search/abc.json", "application/json", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, "gs://payloads/search/abc.json", uri)
	require.Contains(t, query, "ifGenerationMatch=0")
}

func TestPutObjectSurfacesUploadErrors(t *testing.T) {
	t.Parallel()

	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{
			Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				return &http.Response{
					StatusCode: http.StatusForbidden,
					Body:       io.NopCloser(strings.NewReader(`{"error":{"code":403,"message":"denied"}}`)),
					Header:     http.Header{"Content-Type": {"application/json"}},
					Request:    r,
				}, nil
			}),
		}),
	)
	require.NoError(t, err)

	store, err := New(client, Config{Bucket: "payloads"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "search/abc.json", "application/json", []byte(`{}`))
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "", nil)
	require.Error(t, err)
}
