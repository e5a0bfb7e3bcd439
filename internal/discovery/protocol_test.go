package discovery_test

import (
	"testing"

	"github.com/sentinelfs/sentinelfs/internal/discovery"
)

func TestBuildAndParseAnnouncementRoundTrip(t *testing.T) {
	msg := discovery.BuildAnnouncement("peer-1", 7337, "secret", "1", "linux")

	got, err := discovery.ParseAnnouncement(msg)
	if err != nil {
		t.Fatalf("ParseAnnouncement: %v", err)
	}

	want := discovery.Announcement{PeerID: "peer-1", TCPPort: 7337, SessionCode: "secret", Version: "1", Platform: "linux"}
	if got != want {
		t.Fatalf("ParseAnnouncement() = %+v, want %+v", got, want)
	}
}

func TestParseAnnouncementAcceptsLegacyTag(t *testing.T) {
	msg := "SENTINEL_DISCOVERY|peer-1|7337|secret|1|linux"
	got, err := discovery.ParseAnnouncement(msg)
	if err != nil {
		t.Fatalf("ParseAnnouncement: %v", err)
	}
	if got.PeerID != "peer-1" {
		t.Fatalf("ParseAnnouncement() = %+v, want peer-1", got)
	}
}

func TestParseAnnouncementRejectsUnknownTag(t *testing.T) {
	_, err := discovery.ParseAnnouncement("BOGUS|peer-1|7337|secret|1|linux")
	if err == nil {
		t.Fatal("ParseAnnouncement() with unknown tag, want error")
	}
}

func TestParseAnnouncementRejectsMalformed(t *testing.T) {
	_, err := discovery.ParseAnnouncement("FALCON_DISCOVERY|peer-1")
	if err == nil {
		t.Fatal("ParseAnnouncement() with too few fields, want error")
	}
}

func TestParseAnnouncementRejectsBadPort(t *testing.T) {
	_, err := discovery.ParseAnnouncement("FALCON_DISCOVERY|peer-1|notaport|secret|1|linux")
	if err == nil {
		t.Fatal("ParseAnnouncement() with non-numeric port, want error")
	}
}
