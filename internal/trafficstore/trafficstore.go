// Package trafficstore is the durable, filterable, indexed archive of
// captured HTTP exchanges. It is backed by go.etcd.io/bbolt, an embedded
// B+tree key-value store whose Update transactions fsync the freelist and
// meta pages, giving write-ahead-log-equivalent durability without a
// hand-rolled WAL.
package trafficstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"mitmcore/internal/logger"
)

var (
	bucketExchanges = []byte("exchanges")
	bucketIdxHost   = []byte("idx_host")
	bucketIdxMethod = []byte("idx_method")
	bucketIdxStatus = []byte("idx_status")
	bucketIdxCT     = []byte("idx_content_type")
	bucketSettings  = []byte("settings")
	bucketMeta      = []byte("meta")
	allBuckets      = [][]byte{bucketExchanges, bucketIdxHost, bucketIdxMethod, bucketIdxStatus, bucketIdxCT, bucketSettings, bucketMeta}
)

const sep = 0x00

// Store is a durable, indexed Exchange archive.
type Store struct {
	db  *bolt.DB
	mu  sync.RWMutex // held in write mode only for clear_all/sweep_older_than
	log *logger.Logger
}

// Open opens (or creates) the bbolt database at path and ensures all
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("trafficstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("trafficstore: init buckets: %w", err)
	}
	return &Store{db: db, log: logger.New("TRAFFICSTORE", "info")}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertOpen assigns a new monotonically increasing ID and stores a
// pending row (Status 0). Returns the assigned ID.
func (s *Store) InsertOpen(f OpenFields) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(bucketExchanges)
		seq, err := eb.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)

		ex := Exchange{
			ID:               id,
			TraceID:          f.TraceID,
			TimestampMs:      f.TimestampMs,
			Method:           f.Method,
			URL:              f.URL,
			Host:             f.Host,
			Path:             f.Path,
			RequestHeaders:   f.RequestHeaders,
			RequestBody:      f.RequestBody,
			RequestTruncated: f.RequestTruncated,
			Status:           0,
		}
		data, err := json.Marshal(ex)
		if err != nil {
			return err
		}
		if err := eb.Put(idKey(id), data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketIdxHost).Put(compositeKey(f.Host, id), nil); err != nil {
			return err
		}
		return tx.Bucket(bucketIdxMethod).Put(compositeKey(f.Method, id), nil)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Complete updates the row in place exactly once with the response
// fields. A second call for the same ID is a no-op.
func (s *Store) Complete(id int64, f CompleteFields) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(bucketExchanges)
		data := eb.Get(idKey(id))
		if data == nil {
			return fmt.Errorf("trafficstore: complete: id %d not found", id)
		}
		var ex Exchange
		if err := json.Unmarshal(data, &ex); err != nil {
			return err
		}
		if ex.Completed {
			return nil // already completed: idempotent no-op
		}

		ex.Completed = true
		ex.Status = f.Status
		ex.ResponseHeaders = f.ResponseHeaders
		ex.ResponseBody = f.ResponseBody
		ex.ContentType = strings.ToLower(f.ContentType)
		ex.DurationMs = f.DurationMs
		ex.SizeBytes = int64(len(f.ResponseBody))
		ex.ResponseTruncated = f.ResponseTruncated
		ex.ErrorKind = f.ErrorKind

		out, err := json.Marshal(ex)
		if err != nil {
			return err
		}
		if err := eb.Put(idKey(id), out); err != nil {
			return err
		}

		if ex.Status != 0 {
			statusKey := append(statusPrefix(ex.Status), idBytes(id)...)
			if err := tx.Bucket(bucketIdxStatus).Put(statusKey, nil); err != nil {
				return err
			}
		}
		if ex.ContentType != "" {
			ctKey := compositeKey(ctIndexKey(ex.ContentType), id)
			if err := tx.Bucket(bucketIdxCT).Put(ctKey, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByID returns the Exchange with the given ID, or nil if absent.
func (s *Store) GetByID(id int64) (*Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ex *Exchange
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExchanges).Get(idKey(id))
		if data == nil {
			return nil
		}
		var e Exchange
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		ex = &e
		return nil
	})
	return ex, err
}

// Query returns Exchanges matching filter, ordered by TimestampMs DESC,
// with limit/offset applied after filtering.
func (s *Store) Query(filter FilterPredicate) ([]*Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Exchange
	err := s.db.View(func(tx *bolt.Tx) error {
		ids, err := s.candidateIDs(tx, filter)
		if err != nil {
			return err
		}
		eb := tx.Bucket(bucketExchanges)
		for id := range ids {
			data := eb.Get(idKey(id))
			if data == nil {
				continue
			}
			var ex Exchange
			if err := json.Unmarshal(data, &ex); err != nil {
				return err
			}
			if matches(&ex, filter) {
				results = append(results, &ex)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].TimestampMs > results[j].TimestampMs })

	return paginate(results, filter.Offset, filter.Limit), nil
}

// Count returns the number of Exchanges matching filter.
func (s *Store) Count(filter FilterPredicate) (int, error) {
	all, err := s.Query(FilterPredicate{
		TextSubstring: filter.TextSubstring,
		Methods:       filter.Methods,
		StatusBuckets: filter.StatusBuckets,
		Hosts:         filter.Hosts,
		ContentTypes:  filter.ContentTypes,
		TimeFromMs:    filter.TimeFromMs,
		TimeToMs:      filter.TimeToMs,
	})
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// candidateIDs picks the narrowest available index for the filter and
// returns the set of candidate IDs it names. Falls back to a full scan.
func (s *Store) candidateIDs(tx *bolt.Tx, filter FilterPredicate) (map[int64]struct{}, error) {
	ids := make(map[int64]struct{})

	switch {
	case len(filter.StatusBuckets) > 0:
		c := tx.Bucket(bucketIdxStatus).Cursor()
		for _, b := range filter.StatusBuckets {
			low, high, ok := bucketRange(b)
			if !ok {
				continue
			}
			lowKey := statusPrefix(low)
			highKey := statusPrefix(high)
			for k, _ := c.Seek(lowKey); k != nil && bytes.Compare(k, highKey) < 0; k, _ = c.Next() {
				ids[idFromSuffix(k)] = struct{}{}
			}
		}
	case len(filter.Hosts) > 0:
		c := tx.Bucket(bucketIdxHost).Cursor()
		for _, h := range filter.Hosts {
			prefix := append([]byte(h), sep)
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				ids[idFromSuffix(k)] = struct{}{}
			}
		}
	case len(filter.Methods) > 0:
		c := tx.Bucket(bucketIdxMethod).Cursor()
		for _, m := range filter.Methods {
			prefix := append([]byte(m), sep)
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				ids[idFromSuffix(k)] = struct{}{}
			}
		}
	default:
		c := tx.Bucket(bucketExchanges).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ids[int64(binary.BigEndian.Uint64(k))] = struct{}{}
		}
	}
	return ids, nil
}

func matches(ex *Exchange, filter FilterPredicate) bool {
	if filter.TextSubstring != "" {
		needle := strings.ToLower(filter.TextSubstring)
		if !strings.Contains(strings.ToLower(ex.URL), needle) &&
			!strings.Contains(strings.ToLower(ex.Host), needle) &&
			!strings.Contains(strings.ToLower(ex.Path), needle) {
			return false
		}
	}
	if len(filter.Methods) > 0 && !containsFold(filter.Methods, ex.Method) {
		return false
	}
	if len(filter.Hosts) > 0 && !containsFold(filter.Hosts, ex.Host) {
		return false
	}
	if len(filter.StatusBuckets) > 0 {
		matched := false
		for _, b := range filter.StatusBuckets {
			if low, high, ok := bucketRange(b); ok && ex.Status >= low && ex.Status < high {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(filter.ContentTypes) > 0 {
		matched := false
		ctLower := strings.ToLower(ex.ContentType)
		for _, ct := range filter.ContentTypes {
			if strings.Contains(ctLower, strings.ToLower(ct)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if filter.TimeFromMs > 0 && ex.TimestampMs < filter.TimeFromMs {
		return false
	}
	if filter.TimeToMs > 0 && ex.TimestampMs > filter.TimeToMs {
		return false
	}
	return true
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func paginate(results []*Exchange, offset, limit int) []*Exchange {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(results) {
		return []*Exchange{}
	}
	end := len(results)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return results[offset:end]
}

// DistinctHosts returns all hosts that appear in idx_host, alphabetically.
func (s *Store) DistinctHosts() ([]string, error) {
	return s.distinctFromIndex(bucketIdxHost)
}

// DistinctMethods returns all methods that appear in idx_method, alphabetically.
func (s *Store) DistinctMethods() ([]string, error) {
	return s.distinctFromIndex(bucketIdxMethod)
}

// DistinctContentTypes returns all content types that appear in
// idx_content_type, alphabetically.
func (s *Store) DistinctContentTypes() ([]string, error) {
	return s.distinctFromIndex(bucketIdxCT)
}

func (s *Store) distinctFromIndex(bucket []byte) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if idx := bytes.IndexByte(k, sep); idx >= 0 {
				seen[string(k[:idx])] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes one Exchange and all of its index entries.
func (s *Store) Delete(id int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteLocked(tx, id)
	})
}

func deleteLocked(tx *bolt.Tx, id int64) error {
	eb := tx.Bucket(bucketExchanges)
	data := eb.Get(idKey(id))
	if data == nil {
		return nil
	}
	var ex Exchange
	if err := json.Unmarshal(data, &ex); err != nil {
		return err
	}
	if err := eb.Delete(idKey(id)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketIdxHost).Delete(compositeKey(ex.Host, id)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketIdxMethod).Delete(compositeKey(ex.Method, id)); err != nil {
		return err
	}
	if ex.Status != 0 {
		k := append(statusPrefix(ex.Status), idBytes(id)...)
		if err := tx.Bucket(bucketIdxStatus).Delete(k); err != nil {
			return err
		}
	}
	if ex.ContentType != "" {
		if err := tx.Bucket(bucketIdxCT).Delete(compositeKey(ctIndexKey(ex.ContentType), id)); err != nil {
			return err
		}
	}
	return nil
}

// ClearAll destroys and recreates every Exchange bucket, reclaiming space.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketExchanges, bucketIdxHost, bucketIdxMethod, bucketIdxStatus, bucketIdxCT} {
			if err := tx.DeleteBucket(b); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
}

// SweepOlderThan deletes rows with TimestampMs < nowMs - ageMs and returns
// the number of rows removed.
func (s *Store) SweepOlderThan(ageMs, nowMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := nowMs - ageMs
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(bucketExchanges)
		var toDelete []int64
		c := eb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ex Exchange
			if err := json.Unmarshal(v, &ex); err != nil {
				return err
			}
			if ex.TimestampMs < cutoff {
				toDelete = append(toDelete, ex.ID)
			}
		}
		for _, id := range toDelete {
			if err := deleteLocked(tx, id); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// GetSetting returns the stored value for key, or ("", false) if absent.
func (s *Store) GetSetting(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var val string
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSettings).Get([]byte(key))
		if v != nil {
			val = string(v)
			ok = true
		}
		return nil
	})
	return val, ok, err
}

// SetSetting persists key=value, overwriting any prior value.
func (s *Store) SetSetting(key, value string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

// --- key helpers ---

func idBytes(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func idKey(id int64) []byte { return idBytes(id) }

func compositeKey(prefix string, id int64) []byte {
	k := make([]byte, 0, len(prefix)+1+8)
	k = append(k, prefix...)
	k = append(k, sep)
	k = append(k, idBytes(id)...)
	return k
}

func statusPrefix(status int) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(status))
	return b
}

func idFromSuffix(k []byte) int64 {
	if len(k) < 8 {
		return 0
	}
	suffix := k[len(k)-8:]
	return int64(binary.BigEndian.Uint64(suffix))
}

// ctIndexKey returns the pre-";" segment of a content-type value, used as
// the index key; the full value is retained on the row itself.
func ctIndexKey(contentType string) string {
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		return strings.TrimSpace(contentType[:idx])
	}
	return contentType
}
