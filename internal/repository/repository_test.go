package repository

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/comparisonguide/clicktrack/internal/model"
)

func TestApplyPoolSettings(t *testing.T) {
	t.Parallel()

	cfg, err := pgxpool.ParseConfig("postgres://clicks@localhost:5432/clicks")
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	applyPoolSettings(cfg)

	if cfg.MaxConns != maxConns || cfg.MinConns != minConns {
		t.Errorf("pool size = %d..%d, want %d..%d", cfg.MinConns, cfg.MaxConns, minConns, maxConns)
	}
	if cfg.ConnConfig.ConnectTimeout != connectTimeout {
		t.Errorf("ConnectTimeout = %v, want %v", cfg.ConnConfig.ConnectTimeout, connectTimeout)
	}
	if got := cfg.ConnConfig.RuntimeParams["application_name"]; got != applicationName {
		t.Errorf("application_name = %q, want %q", got, applicationName)
	}
}

func TestApplyPoolSettings_KeepsApplicationName(t *testing.T) {
	t.Parallel()

	cfg, err := pgxpool.ParseConfig("postgres://clicks@localhost:5432/clicks?application_name=reporting")
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	applyPoolSettings(cfg)

	if got := cfg.ConnConfig.RuntimeParams["application_name"]; got != "reporting" {
		t.Errorf("application_name = %q, want reporting", got)
	}
}

func TestPersistenceError(t *testing.T) {
	t.Parallel()

	pgErr := &pgconn.PgError{Code: "57P01", Message: "terminating connection"}
	err := persistenceError("create click", pgErr)

	if !errors.Is(err, ErrPersistence) {
		t.Error("error should match ErrPersistence")
	}
	var got *pgconn.PgError
	if !errors.As(err, &got) || got.Code != "57P01" {
		t.Error("driver error should stay reachable")
	}
}

// silentPostgres accepts TCP connections and never answers, so a pool
// acquire waits until its context ends. Call stop to drop the connections.
func silentPostgres(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()

	return ln.Addr().String(), func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	}
}

func TestClickRepository_QueryTimeout(t *testing.T) {
	addr, stop := silentPostgres(t)

	cfg, err := pgxpool.ParseConfig("postgres://clicks@" + addr + "/clicks?sslmode=disable")
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	applyPoolSettings(cfg)
	cfg.MinConns = 0

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}
	t.Cleanup(pool.Close)
	t.Cleanup(stop)

	clicks := NewClickRepository(&Repository{pool: pool})
	if clicks.timeout != queryTimeout {
		t.Errorf("default timeout = %v, want %v", clicks.timeout, queryTimeout)
	}
	clicks.timeout = 100 * time.Millisecond

	start := time.Now()
	_, err = clicks.Get(context.Background(), "STALLED")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Get took %v, want it bounded by the query timeout", elapsed)
	}

	_, err = clicks.Update(context.Background(), "STALLED", model.ClickUpdate{})
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("expected ErrPersistence from Update, got %v", err)
	}
}
