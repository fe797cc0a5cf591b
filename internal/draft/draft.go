package draft

import (
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"draftdesk/internal/domain"
	"draftdesk/internal/kv"
)

const keyPrefix = "draft/"

// Store persists in-progress form payloads keyed by modal id. Persistence
// and corruption failures never cross this boundary: writes that fail are
// logged and dropped (the caller's in-memory buffer stays authoritative),
// and corrupt entries read back as absent.
type Store struct {
	KV  kv.Store
	Log *zap.Logger
	Now func() time.Time
}

func New(kvs kv.Store, log *zap.Logger) Store {
	return Store{KV: kvs, Log: log}
}

func (s Store) logger() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Save upserts a draft, stamping UpdatedAt, and returns the stored record.
func (s Store) Save(rec domain.DraftRecord) domain.DraftRecord {
	rec.UpdatedAt = s.now().UTC().Format(time.RFC3339Nano)
	payload, err := json.Marshal(rec)
	if err != nil {
		s.logger().Warn("draft serialize failed", zap.String("modal_id", rec.ModalID), zap.Error(err))
		return rec
	}
	if err := s.KV.Set(keyPrefix+rec.ModalID, string(payload)); err != nil {
		s.logger().Warn("draft persist failed", zap.String("modal_id", rec.ModalID), zap.Error(err))
	}
	return rec
}

// Load returns the persisted draft, or nil if absent or corrupt.
func (s Store) Load(modalID string) *domain.DraftRecord {
	value, ok, err := s.KV.Get(keyPrefix + modalID)
	if err != nil {
		s.logger().Warn("draft read failed", zap.String("modal_id", modalID), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	var rec domain.DraftRecord
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		s.logger().Warn("corrupt draft skipped", zap.String("modal_id", modalID), zap.Error(err))
		return nil
	}
	if rec.ModalID == "" {
		rec.ModalID = modalID
	}
	return &rec
}

// Delete removes a draft. Deleting an absent id is not an error.
func (s Store) Delete(modalID string) {
	if err := s.KV.Delete(keyPrefix + modalID); err != nil {
		s.logger().Warn("draft delete failed", zap.String("modal_id", modalID), zap.Error(err))
	}
}

// List returns every stored draft, optionally filtered by entity kind,
// most recently updated first. Malformed entries are skipped.
func (s Store) List(entityKind string) []domain.DraftRecord {
	res := s.collect("")
	if entityKind != "" {
		filtered := res[:0]
		for _, rec := range res {
			if rec.EntityKind == entityKind {
				filtered = append(filtered, rec)
			}
		}
		res = filtered
	}
	return res
}

// ListPrefix returns drafts whose modal id starts with the given prefix,
// most recently updated first.
func (s Store) ListPrefix(modalIDPrefix string) []domain.DraftRecord {
	return s.collect(modalIDPrefix)
}

func (s Store) collect(modalIDPrefix string) []domain.DraftRecord {
	keys, err := s.KV.Keys(keyPrefix + modalIDPrefix)
	if err != nil {
		s.logger().Warn("draft list failed", zap.Error(err))
		return nil
	}
	var res []domain.DraftRecord
	for _, key := range keys {
		rec := s.Load(key[len(keyPrefix):])
		if rec == nil {
			continue
		}
		res = append(res, *rec)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].UpdatedAt > res[j].UpdatedAt })
	return res
}
