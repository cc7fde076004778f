// Package indexserver implements the file→peer mapping service from
// spec.md §4.8: persistent edges, a TTL cache in front of hot lookups,
// and glob-style search. Grounded on the teacher's core/bootstrap_node.go
// lifecycle style, with storage adapted from the generic JSON-lines
// pattern used throughout the teacher's persistence helpers.
package indexserver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"p2pmesh/internal/protocol"
	"p2pmesh/internal/registry"
	"p2pmesh/internal/resilience"
)

// ErrStoreDown is returned by mutating operations once the persistent
// store failed to load and the server has refused writes, per spec.md
// §4.8's failure mode.
var ErrStoreDown = errors.New("indexserver: store unreadable, writes refused")

// Config parameterizes storage location, cache behavior, and
// self-registration.
type Config struct {
	ServiceID    string
	Host         string
	Port         int
	StorageDir   string // default "data"
	StorageFile  string // default "file_index.dat"
	CacheTTL     time.Duration
	CacheRefresh time.Duration
	CacheSize    int
}

func (c Config) withDefaults() Config {
	if c.ServiceID == "" {
		c.ServiceID = "indexserver-1"
	}
	if c.StorageDir == "" {
		c.StorageDir = "data"
	}
	if c.StorageFile == "" {
		c.StorageFile = "file_index.dat"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 60 * time.Second
	}
	if c.CacheRefresh <= 0 {
		c.CacheRefresh = 300 * time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1024
	}
	return c
}

// IndexServer holds the in-memory file→peer edge map, backed by a
// persistent Store and fronted by a TTL cache for GetPeersWithFile.
type IndexServer struct {
	cfg Config
	log *logrus.Logger
	reg registry.Registry

	store *Store
	cache *resilience.Cache[string, []PeerReference]

	// fileLocks serializes writes per file; reads take no lock beyond the
	// top-level RWMutex protecting the entries map itself, per spec.md
	// §4.8's "writes take a per-file write lock; reads never block across
	// files."
	mu        sync.RWMutex
	entries   map[string]FileEntry
	fileLocks map[string]*sync.Mutex

	down bool // true when the store failed to load; writes are refused
}

// New constructs an IndexServer, loading whatever the Store has on disk.
// An unreadable store leaves the server DOWN for writes (spec.md §4.8's
// failure mode) while still serving whatever was loaded (nothing, in
// that case).
func New(cfg Config, reg registry.Registry, log *logrus.Logger) (*IndexServer, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.New()
	}
	store, err := NewStore(cfg.StorageDir, cfg.StorageFile)
	if err != nil {
		return nil, err
	}
	idx := &IndexServer{
		cfg: cfg, log: log, reg: reg, store: store,
		entries:   make(map[string]FileEntry),
		fileLocks: make(map[string]*sync.Mutex),
		cache:     resilience.NewCache[string, []PeerReference](cfg.CacheSize, cfg.CacheTTL, cfg.CacheRefresh),
	}
	entries, err := store.Load()
	if err != nil {
		idx.down = true
		log.WithError(err).Error("indexserver: store unreadable on startup, refusing writes")
		return idx, nil
	}
	idx.entries = entries
	return idx, nil
}

// IsDown reports whether the server is refusing writes due to an
// unreadable store.
func (idx *IndexServer) IsDown() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.down
}

func (idx *IndexServer) lockFor(fileName string) *sync.Mutex {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	l, ok := idx.fileLocks[fileName]
	if !ok {
		l = &sync.Mutex{}
		idx.fileLocks[fileName] = l
	}
	return l
}

// RegisterFile adds the (fileName, peer) edge, idempotent on
// (fileName, peerId).
func (idx *IndexServer) RegisterFile(fileName, peerID, host string, port int, size int64, checksum string) error {
	if idx.IsDown() {
		return ErrStoreDown
	}
	lock := idx.lockFor(fileName)
	lock.Lock()
	defer lock.Unlock()

	idx.mu.Lock()
	entry, ok := idx.entries[fileName]
	if !ok {
		entry = FileEntry{FileName: fileName, Peers: make(map[string]PeerReference), RegisteredAt: time.Now().UnixMilli()}
	}
	entry.Peers[peerID] = PeerReference{PeerID: peerID, Host: host, Port: port}
	if size > 0 {
		entry.Size = size
	}
	if checksum != "" {
		entry.Checksum = checksum
	}
	entry.UpdatedAt = time.Now().UnixMilli()
	idx.entries[fileName] = entry
	snapshot := cloneEntries(idx.entries)
	idx.mu.Unlock()

	idx.cache.Invalidate(fileName)
	return idx.store.Save(snapshot)
}

// UnregisterFile removes one (fileName, peer) edge.
func (idx *IndexServer) UnregisterFile(fileName, peerID string) error {
	if idx.IsDown() {
		return ErrStoreDown
	}
	lock := idx.lockFor(fileName)
	lock.Lock()
	defer lock.Unlock()

	idx.mu.Lock()
	entry, ok := idx.entries[fileName]
	if !ok {
		idx.mu.Unlock()
		return nil
	}
	delete(entry.Peers, peerID)
	if len(entry.Peers) == 0 {
		delete(idx.entries, fileName)
	} else {
		entry.UpdatedAt = time.Now().UnixMilli()
		idx.entries[fileName] = entry
	}
	snapshot := cloneEntries(idx.entries)
	idx.mu.Unlock()

	idx.cache.Invalidate(fileName)
	return idx.store.Save(snapshot)
}

// DeregisterPeer removes every edge owned by peerID across all files.
func (idx *IndexServer) DeregisterPeer(peerID string) error {
	if idx.IsDown() {
		return ErrStoreDown
	}
	idx.mu.Lock()
	var touched []string
	for name, entry := range idx.entries {
		if _, ok := entry.Peers[peerID]; !ok {
			continue
		}
		delete(entry.Peers, peerID)
		touched = append(touched, name)
		if len(entry.Peers) == 0 {
			delete(idx.entries, name)
		} else {
			entry.UpdatedAt = time.Now().UnixMilli()
			idx.entries[name] = entry
		}
	}
	snapshot := cloneEntries(idx.entries)
	idx.mu.Unlock()

	for _, name := range touched {
		idx.cache.Invalidate(name)
	}
	if len(touched) == 0 {
		return nil
	}
	return idx.store.Save(snapshot)
}

// GetPeersWithFile returns the peers holding fileName, consulting the TTL
// cache first.
func (idx *IndexServer) GetPeersWithFile(fileName string) []PeerReference {
	peers, _ := idx.cache.GetOrRefresh(fileName, func(key string) ([]PeerReference, error) {
		idx.mu.RLock()
		defer idx.mu.RUnlock()
		entry, ok := idx.entries[key]
		if !ok {
			return nil, nil
		}
		out := make([]PeerReference, 0, len(entry.Peers))
		for _, p := range entry.Peers {
			out = append(out, p)
		}
		return out, nil
	})
	return peers
}

// SearchFiles implements spec.md §4.8's glob-style matching: `*` matches
// any substring; plain text matches by substring on name, extension, or
// MIME type.
func (idx *IndexServer) SearchFiles(pattern string, maxResults int) map[string][]PeerReference {
	needle := strings.ToLower(strings.ReplaceAll(pattern, "*", ""))

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string][]PeerReference)
	for name, entry := range idx.entries {
		if !matchesPattern(name, entry.MimeType, needle) {
			continue
		}
		peers := make([]PeerReference, 0, len(entry.Peers))
		for _, p := range entry.Peers {
			peers = append(peers, p)
		}
		out[name] = peers
		if maxResults > 0 && len(out) >= maxResults {
			break
		}
	}
	return out
}

func matchesPattern(name, mimeType, needle string) bool {
	if needle == "" {
		return true
	}
	lowerName := strings.ToLower(name)
	ext := strings.ToLower(strings.TrimPrefix(extOf(name), "."))
	return strings.Contains(lowerName, needle) ||
		strings.Contains(ext, needle) ||
		strings.Contains(strings.ToLower(mimeType), needle)
}

func extOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}

func cloneEntries(in map[string]FileEntry) map[string]FileEntry {
	out := make(map[string]FileEntry, len(in))
	for k, v := range in {
		peers := make(map[string]PeerReference, len(v.Peers))
		for pk, pv := range v.Peers {
			peers[pk] = pv
		}
		v.Peers = peers
		out[k] = v
	}
	return out
}

// Start announces the IndexServer into the registry.
func (idx *IndexServer) Start(ctx context.Context) error {
	if idx.reg == nil {
		return nil
	}
	return idx.reg.RegisterService(ctx, "indexserver", idx.cfg.ServiceID, idx.cfg.Host, idx.cfg.Port, nil)
}

// Stop deregisters the IndexServer from the registry.
func (idx *IndexServer) Stop(ctx context.Context) error {
	if idx.reg == nil {
		return nil
	}
	return idx.reg.DeregisterService(ctx, "indexserver", idx.cfg.ServiceID)
}

// RegisterHandlers wires the IndexServer's operations onto a protocol
// Dispatcher, per spec.md §4.3/§4.8.
func (idx *IndexServer) RegisterHandlers(d *protocol.Dispatcher) {
	d.Register(protocol.TypeRegisterFileRequest, 0, idx.handleRegisterFile)
	d.Register(protocol.TypeUnregisterFileRequest, 0, idx.handleUnregisterFile)
	d.Register(protocol.TypeGetPeersWithFileRequest, 0, idx.handleGetPeersWithFile)
	d.Register(protocol.TypeSearchFilesRequest, 0, idx.handleSearchFiles)
}

func (idx *IndexServer) handleRegisterFile(ctx context.Context, mctx *protocol.MessageContext, req *protocol.Envelope) (*protocol.Envelope, error) {
	var payload protocol.RegisterFileRequest
	if err := req.Decode(&payload); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, err.Error())
	}
	if err := payload.IsValid(); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParameters, err.Error())
	}
	if err := idx.RegisterFile(payload.FileName, payload.PeerID, payload.Host, payload.Port, payload.Size, payload.Checksum); err != nil {
		return nil, protocol.NewError(protocol.CodeFileAccessError, err.Error())
	}
	return req.Reply(protocol.TypeRegisterFileResponse, protocol.RegisterFileResponse{Success: true})
}

func (idx *IndexServer) handleUnregisterFile(ctx context.Context, mctx *protocol.MessageContext, req *protocol.Envelope) (*protocol.Envelope, error) {
	var payload protocol.UnregisterFileRequest
	if err := req.Decode(&payload); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, err.Error())
	}
	if err := payload.IsValid(); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParameters, err.Error())
	}
	if err := idx.UnregisterFile(payload.FileName, payload.PeerID); err != nil {
		return nil, protocol.NewError(protocol.CodeFileAccessError, err.Error())
	}
	return req.Reply(protocol.TypeUnregisterFileResponse, protocol.UnregisterFileResponse{Success: true})
}

func (idx *IndexServer) handleGetPeersWithFile(ctx context.Context, mctx *protocol.MessageContext, req *protocol.Envelope) (*protocol.Envelope, error) {
	var payload protocol.GetPeersWithFileRequest
	if err := req.Decode(&payload); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, err.Error())
	}
	peers := idx.GetPeersWithFile(payload.FileName)
	out := make([]protocol.PeerReference, 0, len(peers))
	for _, p := range peers {
		out = append(out, protocol.PeerReference{PeerID: p.PeerID, Host: p.Host, Port: p.Port})
	}
	return req.Reply(protocol.TypeGetPeersWithFileResponse, protocol.GetPeersWithFileResponse{Peers: out})
}

func (idx *IndexServer) handleSearchFiles(ctx context.Context, mctx *protocol.MessageContext, req *protocol.Envelope) (*protocol.Envelope, error) {
	var payload protocol.SearchFilesRequest
	if err := req.Decode(&payload); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, err.Error())
	}
	results := idx.SearchFiles(payload.Pattern, payload.MaxResults)
	out := make(map[string][]protocol.PeerReference, len(results))
	for name, peers := range results {
		converted := make([]protocol.PeerReference, 0, len(peers))
		for _, p := range peers {
			converted = append(converted, protocol.PeerReference{PeerID: p.PeerID, Host: p.Host, Port: p.Port})
		}
		out[name] = converted
	}
	return req.Reply(protocol.TypeSearchFilesResponse, protocol.SearchFilesResponse{Results: out})
}
