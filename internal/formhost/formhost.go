package formhost

import (
	"context"
	"errors"
	"sync"
	"time"

	"draftdesk/internal/domain"
	"draftdesk/internal/draft"
	"draftdesk/internal/registry"
	"draftdesk/internal/remote"
)

// ErrSaveInFlight rejects a second submit while one is pending for the
// same instance.
var ErrSaveInFlight = errors.New("save already in flight for this modal")

const defaultFlushInterval = 500 * time.Millisecond

// Host bridges one open modal instance to the draft store and the remote
// save collaborator. It owns the live edit buffer and writes it through
// on every change; the buffer stays authoritative for the session even
// when persistence fails underneath.
type Host struct {
	mu     sync.Mutex
	inst   domain.ModalInstance
	drafts draft.Store
	reg    *registry.Registry
	save   remote.Saver

	buffer        map[string]any
	savedEntityID string
	dirty         bool
	inFlight      bool
	timer         *time.Timer

	// FlushInterval bounds how long a buffer change may sit unpersisted.
	FlushInterval time.Duration
}

// Mount builds a host for an instance and seeds its edit buffer: an
// existing draft wins, then the server snapshot in edit mode, then empty.
func Mount(inst domain.ModalInstance, drafts draft.Store, reg *registry.Registry, save remote.Saver) *Host {
	h := &Host{
		inst:          inst,
		drafts:        drafts,
		reg:           reg,
		save:          save,
		FlushInterval: defaultFlushInterval,
	}
	if rec := drafts.Load(inst.ID); rec != nil {
		h.buffer = cloneData(rec.Data)
		h.savedEntityID = rec.SavedEntityID
		return h
	}
	if inst.Mode == domain.ModeEdit && inst.Snapshot != nil {
		h.buffer = cloneData(inst.Snapshot)
		h.savedEntityID = inst.EntityID
		return h
	}
	h.buffer = map[string]any{}
	if inst.Mode == domain.ModeEdit {
		h.savedEntityID = inst.EntityID
	}
	return h
}

// Instance returns the instance this host serves.
func (h *Host) Instance() domain.ModalInstance { return h.inst }

// Buffer returns a copy of the live edit buffer.
func (h *Host) Buffer() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return cloneData(h.buffer)
}

// SetField updates one field and schedules a write-through.
func (h *Host) SetField(name string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buffer[name] = value
	h.markDirty()
}

// Update replaces the whole buffer and schedules a write-through.
func (h *Host) Update(data map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buffer = cloneData(data)
	h.markDirty()
}

// markDirty arms the flush timer once; it is not reset per keystroke, so
// a burst of edits persists within one interval. Callers hold h.mu.
func (h *Host) markDirty() {
	h.dirty = true
	if h.timer == nil {
		h.timer = time.AfterFunc(h.FlushInterval, h.Flush)
	}
}

// Flush writes the buffer through to the draft store immediately.
func (h *Host) Flush() {
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	if !h.dirty {
		h.mu.Unlock()
		return
	}
	h.dirty = false
	rec := h.record()
	h.mu.Unlock()
	h.drafts.Save(rec)
}

// record builds the draft for the current buffer. Callers hold h.mu.
func (h *Host) record() domain.DraftRecord {
	return domain.DraftRecord{
		ModalID:       h.inst.ID,
		EntityKind:    h.inst.EntityKind,
		IsEdit:        h.inst.Mode == domain.ModeEdit,
		Data:          cloneData(h.buffer),
		SavedEntityID: h.savedEntityID,
	}
}

// Minimize persists any pending edits and sends the instance to the tray.
func (h *Host) Minimize() {
	h.Flush()
	h.reg.Minimize(h.inst.ID)
}

// Submit saves the buffer to the remote store. On success the draft is
// deleted and the instance retired; on failure both are left untouched
// so the operator can retry or minimize without losing input. The outcome
// is applied against the stores directly, so a submit that completes
// after the dialog is gone still settles correctly.
func (h *Host) Submit(ctx context.Context, filePath, credential string) (remote.Entity, error) {
	h.mu.Lock()
	if h.inFlight {
		h.mu.Unlock()
		return remote.Entity{}, ErrSaveInFlight
	}
	h.inFlight = true
	entityID := h.inst.EntityID
	if entityID == "" {
		entityID = h.savedEntityID
	}
	payload := cloneData(h.buffer)
	h.mu.Unlock()

	h.Flush()
	entity, err := h.save(ctx, h.inst.EntityKind, entityID, payload, filePath, credential)

	h.mu.Lock()
	h.inFlight = false
	if err != nil {
		h.mu.Unlock()
		return remote.Entity{}, err
	}
	h.savedEntityID = entity.ID
	h.mu.Unlock()

	h.drafts.Delete(h.inst.ID)
	h.reg.Close(h.inst.ID)
	return entity, nil
}

// Cancel closes the instance. The draft is discarded only when nothing of
// value would be lost, i.e. it was never saved to the server.
func (h *Host) Cancel() {
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.dirty = false
	h.mu.Unlock()
	rec := h.drafts.Load(h.inst.ID)
	if rec == nil || rec.SavedEntityID == "" {
		h.drafts.Delete(h.inst.ID)
	}
	h.reg.Close(h.inst.ID)
}

func cloneData(data map[string]any) map[string]any {
	res := make(map[string]any, len(data))
	for k, v := range data {
		res[k] = v
	}
	return res
}
