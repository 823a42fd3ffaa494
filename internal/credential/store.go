// Package credential discovers and validates the browser session snapshots
// the gateway can rotate between. A credential is an opaque JSON blob holding
// a logged-in browser storage state; the store only parses it far enough to
// confirm it is valid JSON and to read the optional accountName field.
//
// Discovery runs in one of two modes. When any AUTH_JSON_<N> environment
// variable is present the store reads every credential from the environment.
// Otherwise it lists auth-<N>.json files in the configured directory.
package credential

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

var (
	// ErrNotFound is returned when a credential index is unknown to the store.
	ErrNotFound = fmt.Errorf("credential: index not found")

	envKeyPattern   = regexp.MustCompile(`^AUTH_JSON_(\d+)=`)
	fileNamePattern = regexp.MustCompile(`^auth-(\d+)\.json$`)
)

// Store enumerates credential sources and serves parsed blobs by index.
// All indices are small positive integers taken from the source name suffix.
type Store struct {
	mu sync.RWMutex

	envMode bool
	authDir string

	initialIndices   []int
	availableIndices []int
	blobs            map[int][]byte
	names            map[int]string
}

// NewStore discovers credentials from the environment or the auth directory
// and pre-validates every blob. Discovery itself never fails; callers decide
// whether an empty store is fatal via HasAvailable.
func NewStore(authDir string) *Store {
	s := &Store{authDir: authDir}
	s.discover()
	return s
}

// discover enumerates sources and rebuilds the index lists. Parse failures
// demote an index from available to invalid but keep it in the initial list.
func (s *Store) discover() {
	sources := s.envSources()
	envMode := len(sources) > 0
	if !envMode {
		sources = s.fileSources()
	}

	initial := make([]int, 0, len(sources))
	available := make([]int, 0, len(sources))
	invalid := make([]int, 0)
	blobs := make(map[int][]byte, len(sources))
	names := make(map[int]string)

	for index, blob := range sources {
		initial = append(initial, index)
		if !gjson.ValidBytes(blob) {
			invalid = append(invalid, index)
			continue
		}
		available = append(available, index)
		blobs[index] = blob
		if name := gjson.GetBytes(blob, "accountName"); name.Exists() {
			names[index] = name.String()
		}
	}
	sort.Ints(initial)
	sort.Ints(available)
	sort.Ints(invalid)

	s.mu.Lock()
	s.envMode = envMode
	s.initialIndices = initial
	s.availableIndices = available
	s.blobs = blobs
	s.names = names
	s.mu.Unlock()

	mode := "file"
	if envMode {
		mode = "env"
	}
	log.Infof("credential discovery (%s mode): %d found, %d valid", mode, len(initial), len(available))
	if len(invalid) > 0 {
		log.Warnf("credential indices failed JSON validation and were skipped: %v", invalid)
	}
}

// envSources collects AUTH_JSON_<N> variables from the process environment.
func (s *Store) envSources() map[int][]byte {
	sources := make(map[int][]byte)
	for _, entry := range os.Environ() {
		match := envKeyPattern.FindStringSubmatch(entry)
		if match == nil {
			continue
		}
		index, err := strconv.Atoi(match[1])
		if err != nil || index <= 0 {
			continue
		}
		value := entry[strings.Index(entry, "=")+1:]
		sources[index] = []byte(value)
	}
	return sources
}

// fileSources collects auth-<N>.json files from the auth directory.
func (s *Store) fileSources() map[int][]byte {
	sources := make(map[int][]byte)
	entries, err := os.ReadDir(s.authDir)
	if err != nil {
		log.Warnf("failed to read auth directory %s: %v", s.authDir, err)
		return sources
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := fileNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		index, errAtoi := strconv.Atoi(match[1])
		if errAtoi != nil || index <= 0 {
			continue
		}
		data, errRead := os.ReadFile(filepath.Join(s.authDir, entry.Name()))
		if errRead != nil {
			log.Warnf("failed to read credential file %s: %v", entry.Name(), errRead)
			continue
		}
		sources[index] = data
	}
	return sources
}

// Reload re-runs discovery. It is called by the auth directory watcher and
// is a no-op for stores in env mode.
func (s *Store) Reload() {
	s.mu.RLock()
	envMode := s.envMode
	s.mu.RUnlock()
	if envMode {
		return
	}
	s.discover()
}

// EnvMode reports whether credentials came from the environment.
func (s *Store) EnvMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.envMode
}

// HasAvailable reports whether at least one credential parsed as valid JSON.
func (s *Store) HasAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.availableIndices) > 0
}

// InitialIndices returns every discovered index, sorted ascending.
func (s *Store) InitialIndices() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, len(s.initialIndices))
	copy(out, s.initialIndices)
	return out
}

// AvailableIndices returns the valid indices, sorted ascending.
func (s *Store) AvailableIndices() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, len(s.availableIndices))
	copy(out, s.availableIndices)
	return out
}

// Get returns the parsed credential blob for a known-valid index.
func (s *Store) Get(index int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[index]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, index)
	}
	return blob, nil
}

// DisplayName returns the human name attached to an index, falling back to
// a generated "auth-<N>" label.
func (s *Store) DisplayName(index int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name, ok := s.names[index]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("auth-%d", index)
}
