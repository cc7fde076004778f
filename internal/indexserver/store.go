package indexserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// PeerReference names one peer holding a copy of a file, per spec.md §3.
type PeerReference struct {
	PeerID string `json:"peerId"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// FileEntry is one tracked file and its holders, per spec.md §3/§3.1.
type FileEntry struct {
	FileName     string                   `json:"fileName"`
	Peers        map[string]PeerReference `json:"peers"`
	Size         int64                    `json:"size,omitempty"`
	Checksum     string                   `json:"checksum,omitempty"`
	MimeType     string                   `json:"mimeType,omitempty"`
	RegisteredAt int64                    `json:"registeredAt,omitempty"`
	UpdatedAt    int64                    `json:"updatedAt,omitempty"`
}

// record is the on-disk JSON-lines representation of one FileEntry.
type record struct {
	FileName     string          `json:"fileName"`
	Peers        []PeerReference `json:"peers"`
	Size         int64           `json:"size,omitempty"`
	Checksum     string          `json:"checksum,omitempty"`
	MimeType     string          `json:"mimeType,omitempty"`
	RegisteredAt int64           `json:"registeredAt,omitempty"`
	UpdatedAt    int64           `json:"updatedAt,omitempty"`
}

// Store is a JSON-lines file-backed persistence layer for the file index,
// rewritten atomically via temp-file + rename, mirroring the Peer Node's
// file-level atomicity requirement applied here to index persistence
// (spec.md §4.8/§4.9).
type Store struct {
	dir  string
	file string
}

// NewStore constructs a Store rooted at dir/file. dir is created if
// absent.
func NewStore(dir, file string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("indexserver: create storage dir: %w", err)
	}
	return &Store{dir: dir, file: file}, nil
}

func (s *Store) path() string { return filepath.Join(s.dir, s.file) }

// Load reads every FileEntry from disk. A missing file yields an empty
// map, not an error.
func (s *Store) Load() (map[string]FileEntry, error) {
	f, err := os.Open(s.path())
	if os.IsNotExist(err) {
		return make(map[string]FileEntry), nil
	}
	if err != nil {
		return nil, fmt.Errorf("indexserver: open store: %w", err)
	}
	defer f.Close()

	out := make(map[string]FileEntry)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("indexserver: corrupt store line: %w", err)
		}
		peers := make(map[string]PeerReference, len(rec.Peers))
		for _, p := range rec.Peers {
			peers[p.PeerID] = p
		}
		out[rec.FileName] = FileEntry{
			FileName: rec.FileName, Peers: peers, Size: rec.Size, Checksum: rec.Checksum,
			MimeType: rec.MimeType, RegisteredAt: rec.RegisteredAt, UpdatedAt: rec.UpdatedAt,
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("indexserver: scan store: %w", err)
	}
	return out, nil
}

// Save rewrites the entire store atomically: write to a temp file in the
// same directory, then rename over the target.
func (s *Store) Save(entries map[string]FileEntry) error {
	tmp, err := os.CreateTemp(s.dir, ".index-*.tmp")
	if err != nil {
		return fmt.Errorf("indexserver: create temp store file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	for _, entry := range entries {
		peers := make([]PeerReference, 0, len(entry.Peers))
		for _, p := range entry.Peers {
			peers = append(peers, p)
		}
		rec := record{
			FileName: entry.FileName, Peers: peers, Size: entry.Size, Checksum: entry.Checksum,
			MimeType: entry.MimeType, RegisteredAt: entry.RegisteredAt, UpdatedAt: entry.UpdatedAt,
		}
		b, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("indexserver: marshal entry: %w", err)
		}
		if _, err := w.Write(b); err != nil {
			tmp.Close()
			return fmt.Errorf("indexserver: write entry: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			return fmt.Errorf("indexserver: write newline: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("indexserver: flush store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("indexserver: close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path()); err != nil {
		return fmt.Errorf("indexserver: rename temp store file: %w", err)
	}
	return nil
}
