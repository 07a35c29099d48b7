package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServer_ShutdownRunsComponentsInReverse(t *testing.T) {
	s := New(http.NotFoundHandler(), Config{ShutdownTimeout: time.Second}, discardLogger())

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string, err error) ShutdownFunc {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return err
		}
	}

	s.OnShutdown("tracking", record("tracking", nil))
	s.OnShutdown("cache", record("cache", errors.New("sweep failed")))
	s.OnShutdown("retention", record("retention", nil))

	err := s.Shutdown()
	if err == nil {
		t.Fatal("expected the cache error to be returned")
	}

	want := []string{"retention", "cache", "tracking"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}

	// Components run once.
	order = nil
	if err := s.Shutdown(); err != nil {
		t.Errorf("second Shutdown returned %v", err)
	}
	if len(order) != 0 {
		t.Errorf("components ran again: %v", order)
	}
}

func TestServer_ServeStopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s := New(handler, Config{ShutdownTimeout: time.Second}, discardLogger())

	stopped := make(chan struct{})
	s.OnShutdown("worker", func(context.Context) error {
		close(stopped)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	select {
	case <-stopped:
	default:
		t.Error("shutdown hook was not called")
	}
}
