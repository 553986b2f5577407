package main

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	sc "github.com/linnemanlabs/spinwatch/internal/cfg"
	"github.com/linnemanlabs/spinwatch/internal/dedup"
	"github.com/linnemanlabs/spinwatch/internal/dedup/filestore"
	"github.com/linnemanlabs/spinwatch/internal/dedup/memstore"
	"github.com/linnemanlabs/spinwatch/internal/scheduler"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestOpenBackend(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "state")
	tests := []struct {
		name string
		cfg  sc.Config
		want any
	}{
		{"memory", sc.Config{DedupBackend: sc.BackendMemory}, &memstore.Store{}},
		{"file", sc.Config{DedupBackend: sc.BackendFile, StateDir: dir}, &filestore.Store{}},
	}

	t.Cleanup(func() {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("file backend did not create its state dir: %v", err)
		}
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			backend, closeFn, err := openBackend(context.Background(), &tt.cfg, prometheus.NewRegistry(), log.Nop())
			if err != nil {
				t.Fatalf("openBackend: %v", err)
			}
			defer closeFn()

			switch tt.want.(type) {
			case *memstore.Store:
				if _, ok := backend.(*memstore.Store); !ok {
					t.Errorf("backend = %T, want *memstore.Store", backend)
				}
			case *filestore.Store:
				if _, ok := backend.(*filestore.Store); !ok {
					t.Errorf("backend = %T, want *filestore.Store", backend)
				}
			}

			if _, err := backend.Load(context.Background(), idStoreName); !errors.Is(err, dedup.ErrNotFound) {
				t.Errorf("Load on fresh backend err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestOpenBackend_UnreachableRedis(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := sc.Config{DedupBackend: sc.BackendRedis, RedisAddr: "127.0.0.1:1"}
	_, _, err := openBackend(ctx, &c, prometheus.NewRegistry(), log.Nop())
	if err == nil {
		t.Fatal("openBackend succeeded against a closed port")
	}
	if !strings.Contains(err.Error(), "redisstore: ping 127.0.0.1:1") {
		t.Errorf("err = %v, want redisstore ping error", err)
	}
}

func TestWaitScheduler(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	s := scheduler.New(log.Nop(), scheduler.Hooks{})
	if err := s.Add(scheduler.Job{Name: "ingestion", Interval: time.Hour, Run: func(context.Context) {
		close(started)
		<-release
	}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	<-started
	cancel()

	short, shortCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shortCancel()
	if err := waitScheduler(s)(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("wait with a busy run = %v, want DeadlineExceeded", err)
	}

	close(release)
	if err := waitScheduler(s)(context.Background()); err != nil {
		t.Errorf("wait after release = %v, want nil", err)
	}
}
