// Package filestore keeps the append-only version history of every file
// touched in one conversation.
package filestore

import (
	"crypto/rand"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/contract-forge/internal/domain"
	"github.com/oklog/ulid/v2"
)

// Clock returns the current time. Tests inject deterministic clocks.
type Clock func() time.Time

// Store is the version history of one session. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	files    map[string]*history
	clock    Clock
	entropy  io.Reader
	lastTime time.Time
	seq      uint64
}

type history struct {
	versions []*domain.Version
	byID     map[string]*domain.Version
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for version timestamps.
func WithClock(c Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		files:   make(map[string]*history),
		clock:   time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CleanPath normalises a client supplied path and rejects anything that
// would leave the session's logical root.
func CleanPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty path", domain.ErrInvalidPath)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q contains NUL", domain.ErrInvalidPath, p)
	}
	p = strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(p, "/") || hasDrive(p) {
		return "", fmt.Errorf("%w: %q is absolute", domain.ErrInvalidPath, p)
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q escapes the session root", domain.ErrInvalidPath, p)
	}
	if cleaned == "." {
		return "", fmt.Errorf("%w: %q names the root", domain.ErrInvalidPath, p)
	}
	return cleaned, nil
}

// hasDrive reports a Windows drive prefix such as "C:" or "c:/".
func hasDrive(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
		return false
	}
	return len(p) == 2 || p[2] == '/'
}

// Put appends a new version of path and returns it.
func (s *Store) Put(p, content, language string) (*domain.Version, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.clock()
	if ts.Before(s.lastTime) {
		ts = s.lastTime
	}
	s.lastTime = ts
	s.seq++

	id, err := ulid.New(ulid.Timestamp(ts), s.entropy)
	if err != nil {
		return nil, fmt.Errorf("generate version id: %w", err)
	}

	v := &domain.Version{
		ID:        id.String(),
		Path:      cleaned,
		Content:   content,
		Language:  language,
		Timestamp: ts,
		Seq:       s.seq,
	}

	h, ok := s.files[cleaned]
	if !ok {
		h = &history{byID: make(map[string]*domain.Version)}
		s.files[cleaned] = h
	}
	h.versions = append(h.versions, v)
	h.byID[v.ID] = v

	return cloneVersion(v), nil
}

// Get returns the version of path with exactly the given identifier.
func (s *Store) Get(p, versionID string) (*domain.Version, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.files[cleaned]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", domain.ErrVersionNotFound, cleaned, versionID)
	}
	v, ok := h.byID[versionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", domain.ErrVersionNotFound, cleaned, versionID)
	}
	return cloneVersion(v), nil
}

// Current returns the most recently appended version of path.
func (s *Store) Current(p string) (*domain.Version, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.files[cleaned]
	if !ok || len(h.versions) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, cleaned)
	}
	return cloneVersion(h.versions[len(h.versions)-1]), nil
}

// History returns every version of path, oldest first.
func (s *Store) History(p string) ([]*domain.Version, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.files[cleaned]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, cleaned)
	}
	out := make([]*domain.Version, len(h.versions))
	for i, v := range h.versions {
		out[i] = cloneVersion(v)
	}
	return out, nil
}

// Paths returns the known paths in lexical order.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the total number of versions across all paths.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, h := range s.files {
		n += len(h.versions)
	}
	return n
}

// Reset drops every path. Only session eviction calls it.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = make(map[string]*history)
}

func cloneVersion(v *domain.Version) *domain.Version {
	c := *v
	return &c
}
