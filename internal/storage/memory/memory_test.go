package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sentinelfs/sentinelfs/internal/storage"
	"github.com/sentinelfs/sentinelfs/internal/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAddFilePreservesSyncedOnUnchangedHash(t *testing.T) {
	ctx := context.Background()
	g := memory.New(nil)

	created, err := g.AddFile(ctx, "/a/b.txt", "hash1", time.Now(), 10)
	if err != nil || !created {
		t.Fatalf("AddFile() = %v, %v, want created", created, err)
	}
	if err := g.MarkSynced(ctx, "/a/b.txt", true); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	created, err = g.AddFile(ctx, "/a/b.txt", "hash1", time.Now(), 10)
	if err != nil || created {
		t.Fatalf("AddFile() second call = %v, %v, want not created", created, err)
	}

	files, err := g.FilesIn(ctx, "")
	if err != nil {
		t.Fatalf("FilesIn: %v", err)
	}
	if len(files) != 1 || !files[0].Synced {
		t.Fatalf("expected synced flag preserved, got %+v", files)
	}
}

func TestAddFileResetsSyncedOnHashChange(t *testing.T) {
	ctx := context.Background()
	g := memory.New(nil)

	if _, err := g.AddFile(ctx, "/a/b.txt", "hash1", time.Now(), 10); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := g.MarkSynced(ctx, "/a/b.txt", true); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	if _, err := g.AddFile(ctx, "/a/b.txt", "hash2", time.Now(), 11); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	files, _ := g.FilesIn(ctx, "")
	if files[0].Synced {
		t.Fatalf("expected synced reset after hash change, got %+v", files[0])
	}
}

func TestMarkSyncedNotFound(t *testing.T) {
	g := memory.New(nil)
	err := g.MarkSynced(context.Background(), "/missing", true)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("MarkSynced() err = %v, want ErrNotFound", err)
	}
}

func TestFilesInFiltersByPrefix(t *testing.T) {
	ctx := context.Background()
	g := memory.New(nil)
	_, _ = g.AddFile(ctx, "/root/a.txt", "h", time.Now(), 1)
	_, _ = g.AddFile(ctx, "/other/b.txt", "h", time.Now(), 1)

	files, err := g.FilesIn(ctx, "/root")
	if err != nil {
		t.Fatalf("FilesIn: %v", err)
	}
	if len(files) != 1 || files[0].Path != "/root/a.txt" {
		t.Fatalf("FilesIn(/root) = %+v, want only /root/a.txt", files)
	}
}

func TestPeerLifecycle(t *testing.T) {
	ctx := context.Background()
	g := memory.New(nil)

	rec := storage.PeerRecord{ID: "peer1", Address: "10.0.0.1", Port: 7337, Status: storage.PeerActive}
	if err := g.AddPeer(ctx, rec); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	if err := g.UpdateLatency(ctx, "peer1", 12.5, time.Now()); err != nil {
		t.Fatalf("UpdateLatency: %v", err)
	}

	peers, err := g.AllPeers(ctx)
	if err != nil || len(peers) != 1 || peers[0].LastRTTMs != 12.5 {
		t.Fatalf("AllPeers() = %+v, %v", peers, err)
	}

	if err := g.RemovePeer(ctx, "peer1"); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}
	peers, _ = g.AllPeers(ctx)
	if len(peers) != 0 {
		t.Fatalf("expected no peers after RemovePeer, got %+v", peers)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	g := memory.New(nil)
	_, _ = g.AddFile(ctx, "/a.txt", "h1", time.Now(), 1)

	wantErr := errors.New("boom")
	err := g.WithTx(ctx, func(tx storage.Gateway) error {
		if _, err := tx.AddFile(ctx, "/b.txt", "h2", time.Now(), 2); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithTx() err = %v, want %v", err, wantErr)
	}

	files, _ := g.FilesIn(ctx, "")
	if len(files) != 1 {
		t.Fatalf("expected rollback, got %+v", files)
	}
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	g := memory.New(nil)

	err := g.WithTx(ctx, func(tx storage.Gateway) error {
		_, err := tx.AddFile(ctx, "/a.txt", "h1", time.Now(), 1)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	files, _ := g.FilesIn(ctx, "")
	if len(files) != 1 {
		t.Fatalf("expected committed file, got %+v", files)
	}
}

func TestIgnorePatternsReturnsConfigured(t *testing.T) {
	g := memory.New([]string{"*.tmp", ".git/"})
	patterns, err := g.IgnorePatterns(context.Background())
	if err != nil {
		t.Fatalf("IgnorePatterns: %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("IgnorePatterns() = %v, want 2 entries", patterns)
	}
}
