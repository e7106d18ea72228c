package blob

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Put(ctx, "chunks", "s1_chunk_0", strings.NewReader("abc"), 3, "application/octet-stream"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	exists, err := store.Exists(ctx, "chunks", "s1_chunk_0")
	if err != nil || !exists {
		t.Fatalf("expected object to exist: %v", err)
	}
	reader, err := store.Get(ctx, "chunks", "s1_chunk_0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, _ := io.ReadAll(reader)
	if string(data) != "abc" {
		t.Fatalf("unexpected body %q", data)
	}
	if ct, _ := store.ContentType("chunks", "s1_chunk_0"); ct != "application/octet-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if err := store.Delete(ctx, "chunks", "s1_chunk_0"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "chunks", "s1_chunk_0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "chunks", "s1_chunk_0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMemoryStoreListIsSortedByPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, key := range []string{"a1/hls/720p/segment001.ts", "a1/hls/720p/playlist.m3u8", "a2/hls/master.m3u8", "a1/hls/720p/segment000.ts"} {
		if err := store.Put(ctx, "videos-transcoded", key, strings.NewReader("x"), 1, ""); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	keys, err := store.List(ctx, "videos-transcoded", "a1/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"a1/hls/720p/playlist.m3u8", "a1/hls/720p/segment000.ts", "a1/hls/720p/segment001.ts"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("unexpected keys %v", keys)
	}
}

// fakeS3 is a minimal path-style S3 endpoint.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{buckets: make(map[string]map[string][]byte)}
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string   `xml:"Name"`
	Prefix      string   `xml:"Prefix"`
	KeyCount    int      `xml:"KeyCount"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key  string `xml:"Key"`
		Size int    `xml:"Size"`
	} `xml:"Contents"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	objects, bucketExists := f.buckets[bucket]

	notFound := func(code string) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		if r.Method != http.MethodHead {
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>not found</Message></Error>`, code)
		}
	}

	if key == "" {
		switch {
		case r.Method == http.MethodPut:
			if !bucketExists {
				f.buckets[bucket] = make(map[string][]byte)
			}
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodHead:
			if !bucketExists {
				notFound("NoSuchBucket")
				return
			}
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
			prefix := r.URL.Query().Get("prefix")
			result := listResult{Name: bucket, Prefix: prefix}
			keys := make([]string, 0)
			for k := range objects {
				if strings.HasPrefix(k, prefix) {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)
			for _, k := range keys {
				result.Contents = append(result.Contents, struct {
					Key  string `xml:"Key"`
					Size int    `xml:"Size"`
				}{Key: k, Size: len(objects[k])})
			}
			result.KeyCount = len(keys)
			w.Header().Set("Content-Type", "application/xml")
			_ = xml.NewEncoder(w).Encode(result)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if !bucketExists {
		notFound("NoSuchBucket")
		return
	}
	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		objects[key] = data
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		data, ok := objects[key]
		if !ok {
			notFound("NoSuchKey")
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
	case http.MethodDelete:
		delete(objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3StoreAgainstFakeEndpoint(t *testing.T) {
	server := httptest.NewServer(newFakeS3())
	defer server.Close()

	ctx := context.Background()
	store, err := NewS3Store(ctx, S3Config{
		Endpoint:     server.URL,
		Region:       "us-east-1",
		AccessKey:    "minio",
		SecretKey:    "minio123",
		UsePathStyle: true,
	})
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}

	if err := store.EnsureBuckets(ctx, "videos-original", "thumbnails"); err != nil {
		t.Fatalf("EnsureBuckets: %v", err)
	}
	body := []byte("reassembled source")
	if err := store.Put(ctx, "videos-original", "a1.mp4", bytes.NewReader(body), int64(len(body)), "video/mp4"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	exists, err := store.Exists(ctx, "videos-original", "a1.mp4")
	if err != nil || !exists {
		t.Fatalf("expected object to exist, got %v %v", exists, err)
	}
	missing, err := store.Exists(ctx, "videos-original", "nope.mp4")
	if err != nil || missing {
		t.Fatalf("expected missing object, got %v %v", missing, err)
	}
	reader, err := store.Get(ctx, "videos-original", "a1.mp4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, _ := io.ReadAll(reader)
	reader.Close()
	if !bytes.Equal(got, body) {
		t.Fatalf("unexpected body %q", got)
	}
	if _, err := store.Get(ctx, "videos-original", "nope.mp4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	keys, err := store.List(ctx, "videos-original", "a1")
	if err != nil || !reflect.DeepEqual(keys, []string{"a1.mp4"}) {
		t.Fatalf("unexpected list %v %v", keys, err)
	}
	if err := store.Delete(ctx, "videos-original", "a1.mp4"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestNewS3StoreRequiresRegion(t *testing.T) {
	if _, err := NewS3Store(context.Background(), S3Config{}); err == nil {
		t.Fatalf("expected error without region")
	}
}
