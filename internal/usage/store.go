// Package usage persists per-credential request statistics for the gateway.
// The counters survive restarts so operators can see how hard each credential
// has been driven across sessions.
package usage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var statsBucket = []byte("credential_stats")

// CredentialStats are the persisted counters for one credential index.
type CredentialStats struct {
	Requests         int64     `json:"requests"`
	Failures         int64     `json:"failures"`
	SwitchesIn       int64     `json:"switchesIn"`
	SwitchesOut      int64     `json:"switchesOut"`
	LastSwitchReason string    `json:"lastSwitchReason,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Store is a bbolt-backed statistics sink. It satisfies the rotation
// recorder contract; all methods are safe for concurrent use.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the statistics database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("usage: open stats db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, errBucket := tx.CreateBucketIfNotExists(statsBucket)
		return errBucket
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("usage: init stats bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRequest counts one admitted generative request for the credential.
func (s *Store) RecordRequest(index int) {
	s.update(index, func(stats *CredentialStats) {
		stats.Requests++
	})
}

// RecordFailure counts one terminal failure for the credential.
func (s *Store) RecordFailure(index int) {
	s.update(index, func(stats *CredentialStats) {
		stats.Failures++
	})
}

// RecordSwitch counts a rotation away from one credential and onto another.
func (s *Store) RecordSwitch(from, to int, reason string) {
	s.update(from, func(stats *CredentialStats) {
		stats.SwitchesOut++
		stats.LastSwitchReason = reason
	})
	s.update(to, func(stats *CredentialStats) {
		stats.SwitchesIn++
	})
}

// update applies a mutation to one credential's stats record. Persistence
// errors are logged, not propagated; statistics must never fail a request.
func (s *Store) update(index int, mutate func(*CredentialStats)) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(statsBucket)
		key := itob(index)

		var stats CredentialStats
		if raw := bucket.Get(key); raw != nil {
			if errUnmarshal := json.Unmarshal(raw, &stats); errUnmarshal != nil {
				log.Warnf("resetting corrupt stats record for credential %d: %v", index, errUnmarshal)
				stats = CredentialStats{}
			}
		}
		mutate(&stats)
		stats.UpdatedAt = time.Now()

		raw, errMarshal := json.Marshal(stats)
		if errMarshal != nil {
			return errMarshal
		}
		return bucket.Put(key, raw)
	})
	if err != nil {
		log.Errorf("persist stats for credential %d failed: %v", index, err)
	}
}

// Snapshot returns all persisted per-credential statistics.
func (s *Store) Snapshot() (map[int]CredentialStats, error) {
	out := make(map[int]CredentialStats)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(statsBucket).ForEach(func(key, raw []byte) error {
			var stats CredentialStats
			if errUnmarshal := json.Unmarshal(raw, &stats); errUnmarshal != nil {
				return nil
			}
			out[btoi(key)] = stats
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("usage: read stats: %w", err)
	}
	return out, nil
}

func itob(v int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func btoi(b []byte) int {
	if len(b) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(b))
}
