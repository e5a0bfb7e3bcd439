package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sentinelfs/sentinelfs/internal/storage"
	"github.com/sentinelfs/sentinelfs/internal/storage/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openTemp(t *testing.T) *sqlite.Gateway {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "sentinelfs.db")
	g, err := sqlite.Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestOpenAppliesSchemaIdempotently(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "sentinelfs.db")
	g1, err := sqlite.Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	g1.Close()

	g2, err := sqlite.Open(dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer g2.Close()
}

func TestAddFileUpsertSemantics(t *testing.T) {
	ctx := context.Background()
	g := openTemp(t)

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
	if err != nil || len(files) != 1 || !files[0].Synced {
		t.Fatalf("FilesIn() = %+v, %v, want synced preserved", files, err)
	}

	if _, err := g.AddFile(ctx, "/a/b.txt", "hash2", time.Now(), 11); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	files, _ = g.FilesIn(ctx, "")
	if files[0].Synced {
		t.Fatalf("expected synced reset after hash change, got %+v", files[0])
	}
}

func TestRemoveFile(t *testing.T) {
	ctx := context.Background()
	g := openTemp(t)

	if _, err := g.AddFile(ctx, "/a.txt", "h", time.Now(), 1); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := g.RemoveFile(ctx, "/a.txt"); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	files, _ := g.FilesIn(ctx, "")
	if len(files) != 0 {
		t.Fatalf("expected no files after remove, got %+v", files)
	}
}

func TestMarkSyncedNotFound(t *testing.T) {
	g := openTemp(t)
	err := g.MarkSynced(context.Background(), "/missing", true)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("MarkSynced() err = %v, want ErrNotFound", err)
	}
}

func TestPeerUpsertAndLatency(t *testing.T) {
	ctx := context.Background()
	g := openTemp(t)

	rec := storage.PeerRecord{ID: "peer1", Address: "10.0.0.1", Port: 7337, Status: storage.PeerActive, NATType: "full-cone"}
	if err := g.AddPeer(ctx, rec); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if err := g.AddPeer(ctx, rec); err != nil {
		t.Fatalf("AddPeer (re-upsert): %v", err)
	}

	if err := g.UpdateLatency(ctx, "peer1", 42.0, time.Now()); err != nil {
		t.Fatalf("UpdateLatency: %v", err)
	}

	peers, err := g.AllPeers(ctx)
	if err != nil || len(peers) != 1 || peers[0].LastRTTMs != 42.0 {
		t.Fatalf("AllPeers() = %+v, %v", peers, err)
	}

	if err := g.RemovePeer(ctx, "peer1"); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}
	peers, _ = g.AllPeers(ctx)
	if len(peers) != 0 {
		t.Fatalf("expected no peers, got %+v", peers)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	g := openTemp(t)
	if _, err := g.AddFile(ctx, "/a.txt", "h1", time.Now(), 1); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	wantErr := errors.New("boom")
	err := g.WithTx(ctx, func(tx storage.Gateway) error {
		if _, err := tx.AddFile(ctx, "/b.txt", "h2", time.Now(), 2); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, storage.ErrTxFailed) {
		t.Fatalf("WithTx() err = %v, want wrapped ErrTxFailed", err)
	}

	files, _ := g.FilesIn(ctx, "")
	if len(files) != 1 {
		t.Fatalf("expected rollback, got %+v", files)
	}
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	g := openTemp(t)

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

func TestFilesInFiltersByPrefix(t *testing.T) {
	ctx := context.Background()
	g := openTemp(t)
	_, _ = g.AddFile(ctx, "/root/a.txt", "h", time.Now(), 1)
	_, _ = g.AddFile(ctx, "/other/b.txt", "h", time.Now(), 1)

	files, err := g.FilesIn(ctx, "/root")
	if err != nil || len(files) != 1 || files[0].Path != "/root/a.txt" {
		t.Fatalf("FilesIn(/root) = %+v, %v", files, err)
	}
}
