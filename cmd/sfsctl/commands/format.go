package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sentinelfs/sentinelfs/internal/storage"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// --- Peer records ---

func formatPeers(peers []storage.PeerRecord, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatPeersJSON(peers)
	case formatTable:
		return formatPeersTable(peers), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatPeersTable(peers []storage.PeerRecord) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PEER ID\tADDRESS\tSTATUS\tRTT(ms)\tNAT\tLAST SEEN")

	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s:%d\t%s\t%.1f\t%s\t%s\n",
			p.ID, p.Address, p.Port, p.Status, p.LastRTTMs, p.NATType,
			p.LastSeen.Format(time.RFC3339),
		)
	}

	_ = w.Flush()
	return buf.String()
}

func formatPeersJSON(peers []storage.PeerRecord) (string, error) {
	views := make([]peerView, 0, len(peers))
	for _, p := range peers {
		views = append(views, peerToView(p))
	}

	data, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal peers to JSON: %w", err)
	}
	return string(data), nil
}

type peerView struct {
	ID        string  `json:"id"`
	Address   string  `json:"address"`
	Port      int     `json:"port"`
	Status    string  `json:"status"`
	LastRTTMs float64 `json:"last_rtt_ms"`
	NATType   string  `json:"nat_type,omitempty"`
	LastSeen  string  `json:"last_seen"`
}

func peerToView(p storage.PeerRecord) peerView {
	return peerView{
		ID:        p.ID,
		Address:   p.Address,
		Port:      p.Port,
		Status:    p.Status.String(),
		LastRTTMs: p.LastRTTMs,
		NATType:   p.NATType,
		LastSeen:  p.LastSeen.Format(time.RFC3339),
	}
}

// --- File records ---

func formatFiles(files []storage.FileRecord, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatFilesJSON(files)
	case formatTable:
		return formatFilesTable(files), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatFilesTable(files []storage.FileRecord) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tHASH\tSIZE\tSYNCED\tMODIFIED")

	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n",
			f.Path, shortHash(f.Hash), f.Size, f.Synced, f.ModTime.Format(time.RFC3339),
		)
	}

	_ = w.Flush()
	return buf.String()
}

func formatFilesJSON(files []storage.FileRecord) (string, error) {
	views := make([]fileView, 0, len(files))
	for _, f := range files {
		views = append(views, fileToView(f))
	}

	data, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal files to JSON: %w", err)
	}
	return string(data), nil
}

type fileView struct {
	Path     string `json:"path"`
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
	Synced   bool   `json:"synced"`
	Modified string `json:"modified"`
}

func fileToView(f storage.FileRecord) fileView {
	return fileView{
		Path:     f.Path,
		Hash:     f.Hash,
		Size:     f.Size,
		Synced:   f.Synced,
		Modified: f.ModTime.Format(time.RFC3339),
	}
}

func shortHash(h string) string {
	const shown = 12
	if len(h) <= shown {
		return h
	}
	return h[:shown]
}
