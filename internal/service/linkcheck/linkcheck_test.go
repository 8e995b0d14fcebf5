package linkcheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(client *http.Client) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(client, 5*time.Second, 4, logger)
}

func TestFilterReachableKeepsHealthyURLs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc := newTestService(server.Client())
	urls := []string{server.URL + "/one.zip", server.URL + "/two.zip"}

	reachable := svc.FilterReachable(context.Background(), urls)

	assert.Equal(t, urls, reachable)
}

func TestFilterReachableDropsNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/good.zip", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/missing.zip", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	svc := newTestService(server.Client())

	reachable := svc.FilterReachable(context.Background(), []string{
		server.URL + "/good.zip",
		server.URL + "/missing.zip",
	})

	assert.Equal(t, []string{server.URL + "/good.zip"}, reachable)
}

func TestFilterReachableFallsBackToRangedGet(t *testing.T) {
	var (
		mu         sync.Mutex
		headCount  int
		getCount   int
		rangeValue string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodHead:
			headCount++
			w.WriteHeader(http.StatusMethodNotAllowed)
		case http.MethodGet:
			getCount++
			rangeValue = r.Header.Get("Range")
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte("partial body"))
		}
	}))
	defer server.Close()

	svc := newTestService(server.Client())
	url := server.URL + "/head-hostile.zip"

	reachable := svc.FilterReachable(context.Background(), []string{url})

	require.Equal(t, []string{url}, reachable)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, headCount)
	assert.Equal(t, 1, getCount)
	assert.Equal(t, "bytes=0-2047", rangeValue)
}

func TestFilterReachableDropsWhenFallbackGetFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusMethodNotAllowed)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer server.Close()

	svc := newTestService(server.Client())

	reachable := svc.FilterReachable(context.Background(), []string{server.URL + "/locked.zip"})

	assert.Empty(t, reachable)
}

func TestFilterReachableDropsTransportFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	deadURL := server.URL + "/gone.zip"
	server.Close()

	svc := newTestService(nil)

	reachable := svc.FilterReachable(context.Background(), []string{deadURL})

	assert.Empty(t, reachable)
}

func TestFilterReachablePreservesOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/slow.zip", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/fast.zip", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/broken.zip", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	svc := newTestService(server.Client())

	reachable := svc.FilterReachable(context.Background(), []string{
		server.URL + "/slow.zip",
		server.URL + "/broken.zip",
		server.URL + "/fast.zip",
	})

	assert.Equal(t, []string{server.URL + "/slow.zip", server.URL + "/fast.zip"}, reachable)
}

func TestFilterReachableDoesNotMutateInput(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/keep.zip", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/drop.zip", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	svc := newTestService(server.Client())
	input := []string{server.URL + "/drop.zip", server.URL + "/keep.zip"}
	original := make([]string, len(input))
	copy(original, input)

	svc.FilterReachable(context.Background(), input)

	assert.Equal(t, original, input)
}

func TestFilterReachableEmptyInput(t *testing.T) {
	svc := newTestService(nil)

	assert.Nil(t, svc.FilterReachable(context.Background(), nil))
	assert.Nil(t, svc.FilterReachable(context.Background(), []string{}))
}
