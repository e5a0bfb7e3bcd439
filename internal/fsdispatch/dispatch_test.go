package fsdispatch_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sentinelfs/sentinelfs/internal/fsdispatch"
	"github.com/sentinelfs/sentinelfs/internal/storage/memory"
)

// fakeSender records every Send call and reports a fixed peer list.
type fakeSender struct {
	peers []string

	mu  sync.Mutex
	got []sentPayload
}

type sentPayload struct {
	peer    string
	payload string
}

func (f *fakeSender) KnownPeers(context.Context) ([]string, error) { return f.peers, nil }

func (f *fakeSender) Send(_ context.Context, peer string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, sentPayload{peer: peer, payload: string(payload)})
	return nil
}

func (f *fakeSender) sent() []sentPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPayload(nil), f.got...)
}

func TestInitialScanUpsertsNonIgnoredFiles(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "keep.txt"), "hello")
	mustWriteFile(t, filepath.Join(root, "skip.tmp"), "ignored")
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	mustWriteFile(t, filepath.Join(root, ".git", "HEAD"), "ref: refs/heads/main")

	store := memory.New([]string{"*.tmp"})
	sender := &fakeSender{}
	d := fsdispatch.New(root, []string{"*.tmp"}, store, sender, nil, nil)

	if err := d.InitialScan(context.Background()); err != nil {
		t.Fatalf("InitialScan: %v", err)
	}

	files, err := store.FilesIn(context.Background(), "")
	if err != nil {
		t.Fatalf("FilesIn: %v", err)
	}
	if len(files) != 1 || filepath.Base(files[0].Path) != "keep.txt" {
		t.Fatalf("FilesIn() = %+v, want only keep.txt", files)
	}
}

func TestWatchBroadcastsOnWrite(t *testing.T) {
	root := t.TempDir()
	store := memory.New(nil)
	sender := &fakeSender{peers: []string{"peer-1"}}
	d := fsdispatch.New(root, nil, store, sender, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	path := filepath.Join(root, "new.txt")
	mustWriteFile(t, path, "v1")

	deadline := time.Now().Add(3 * time.Second)
	for len(sender.sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	sent := sender.sent()
	if len(sent) == 0 {
		t.Fatal("expected at least one broadcast after file write")
	}
	if sent[0].peer != "peer-1" {
		t.Fatalf("sent[0].peer = %q, want peer-1", sent[0].peer)
	}
}

func TestSetSyncEnabledPausesBroadcast(t *testing.T) {
	root := t.TempDir()
	store := memory.New(nil)
	sender := &fakeSender{peers: []string{"peer-1"}}
	d := fsdispatch.New(root, nil, store, sender, nil, nil)
	d.SetSyncEnabled(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	path := filepath.Join(root, "new.txt")
	mustWriteFile(t, path, "v1")
	time.Sleep(300 * time.Millisecond)

	if len(sender.sent()) != 0 {
		t.Fatalf("sent = %v, want none while sync paused", sender.sent())
	}

	files, err := store.FilesIn(context.Background(), "")
	if err != nil || len(files) != 1 {
		t.Fatalf("FilesIn() = %+v, %v, want record still upserted", files, err)
	}
}

func TestCatchupSendsOnlyToGivenPeer(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	mustWriteFile(t, path, "hello")

	store := memory.New(nil)
	if _, err := store.AddFile(context.Background(), path, "deadbeef", time.Now(), 5); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	sender := &fakeSender{}
	d := fsdispatch.New(root, nil, store, sender, nil, nil)

	if err := d.Catchup(context.Background(), "peer-2"); err != nil {
		t.Fatalf("Catchup: %v", err)
	}

	sent := sender.sent()
	if len(sent) != 1 || sent[0].peer != "peer-2" {
		t.Fatalf("sent = %+v, want one message to peer-2", sent)
	}
}

func mustWriteFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}
