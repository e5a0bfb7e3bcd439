package limiter

import (
	"context"
	"testing"
	"time"
)

func TestManagerRequestUploadConsultsPeerThenGlobal(t *testing.T) {
	m := NewManager(100, 100, false, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.RequestUpload(ctx, PeerID("peerA"), 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestManagerCongestionReportUpdatesPeerRate(t *testing.T) {
	m := NewManager(0, 0, true, 1000)
	m.CongestionReport(PeerID("peerA"), false, 50*time.Millisecond)

	stats := m.LedbatStats(PeerID("peerA"))
	if stats.Samples != 1 {
		t.Fatalf("expected 1 sample recorded, got %d", stats.Samples)
	}
}

func TestManagerRemovePeerClearsState(t *testing.T) {
	m := NewManager(0, 0, true, 1000)
	m.CongestionReport(PeerID("peerA"), false, 50*time.Millisecond)
	m.RemovePeer(PeerID("peerA"))

	if stats := m.LedbatStats(PeerID("peerA")); stats.Samples != 0 {
		t.Fatalf("expected cleared state after RemovePeer, got %+v", stats)
	}
}
