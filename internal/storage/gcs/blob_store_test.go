package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type upload struct {
	bucket string
	name   string
	body   string
}

// newFakeGCS serves the multipart upload endpoint of the JSON API.
func newFakeGCS(t *testing.T, status int) (*storage.Client, func() []upload) {
	t.Helper()

	var (
		mu      sync.Mutex
		uploads []upload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		parts := strings.Split(r.URL.Path, "/")
		bucket := ""
		for i, p := range parts {
			if p == "b" && i+1 < len(parts) {
				bucket = parts[i+1]
			}
		}
		mu.Lock()
		uploads = append(uploads, upload{bucket: bucket, name: r.URL.Query().Get("name"), body: string(body)})
		mu.Unlock()
		if status != http.StatusOK {
			http.Error(w, `{"error":{"code":403,"message":"denied"}}`, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"name":%q,"bucket":%q}`, r.URL.Query().Get("name"), bucket)
	}))
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, func() []upload {
		mu.Lock()
		defer mu.Unlock()
		return append([]upload(nil), uploads...)
	}
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	client, uploads := newFakeGCS(t, http.StatusOK)
	store, err := New(client, Config{Bucket: "catalog-reports", Prefix: "/reports/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "resource_test_report_20250314_092653.json",
		"application/json", strings.NewReader(`{"summary":{"total_resources":3}}`))
	require.NoError(t, err)
	assert.Equal(t, "gs://catalog-reports/reports/resource_test_report_20250314_092653.json", uri)

	got := uploads()
	require.Len(t, got, 1)
	assert.Equal(t, "catalog-reports", got[0].bucket)
	assert.Equal(t, "reports/resource_test_report_20250314_092653.json", got[0].name)
	assert.Contains(t, got[0].body, `"total_resources":3`)
}

func TestPutObjectSurfacesUploadErrors(t *testing.T) {
	t.Parallel()

	client, _ := newFakeGCS(t, http.StatusForbidden)
	store, err := New(client, Config{Bucket: "catalog-reports"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "r.json", "application/json", strings.NewReader("{}"))
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, _ := newFakeGCS(t, http.StatusOK)
	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	assert.Equal(t, "r.json", store.ObjectName("r.json"))
	_, err = store.PutObject(context.Background(), "", "", strings.NewReader(""))
	require.Error(t, err)
}
