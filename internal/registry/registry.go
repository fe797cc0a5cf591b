package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"draftdesk/internal/domain"
	"draftdesk/internal/kv"
)

const stateKey = "modals/open"

// Registry tracks which dialog instances are logically open and in what
// visual state. The in-memory list and its persisted mirror agree after
// every mutation: each mutating operation rewrites the full list under
// one critical section.
type Registry struct {
	mu        sync.Mutex
	kv        kv.Store
	log       *zap.Logger
	now       func() time.Time
	instances []domain.ModalInstance
}

// Load restores the persisted instance list from the store. A missing or
// corrupt mirror starts the registry empty.
func Load(kvs kv.Store, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{kv: kvs, log: log, now: time.Now}
	value, ok, err := kvs.Get(stateKey)
	if err != nil {
		log.Warn("registry read failed", zap.Error(err))
		return r
	}
	if !ok {
		return r
	}
	if err := json.Unmarshal([]byte(value), &r.instances); err != nil {
		log.Warn("corrupt registry mirror, starting empty", zap.Error(err))
		r.instances = nil
		return r
	}
	// Form hosts do not survive a restart, so restored instances come
	// back minimized; the tray is their way back on screen.
	changed := false
	for i := range r.instances {
		if !r.instances[i].Minimized {
			r.instances[i].Minimized = true
			changed = true
		}
	}
	if changed {
		r.persist()
	}
	return r
}

// SetNow overrides the clock, for tests.
func (r *Registry) SetNow(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// persist rewrites the full list. Callers hold r.mu.
func (r *Registry) persist() {
	payload, err := json.Marshal(r.instances)
	if err != nil {
		r.log.Warn("registry serialize failed", zap.Error(err))
		return
	}
	if err := r.kv.Set(stateKey, string(payload)); err != nil {
		r.log.Warn("registry persist failed", zap.Error(err))
	}
}

// OpenCreate registers a fresh create-mode instance and returns its id.
func (r *Registry) OpenCreate(entityKind string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst := domain.ModalInstance{
		ID:         uuid.NewString(),
		EntityKind: entityKind,
		Mode:       domain.ModeCreate,
		OpenedAt:   r.now().UTC().Format(time.RFC3339),
	}
	r.instances = append(r.instances, inst)
	r.persist()
	return inst.ID
}

// OpenEdit registers an edit-mode instance bound to a server entity. The
// snapshot, when present, seeds the form host's edit buffer.
func (r *Registry) OpenEdit(entityKind, entityID string, snapshot map[string]any) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst := domain.ModalInstance{
		ID:         uuid.NewString(),
		EntityKind: entityKind,
		Mode:       domain.ModeEdit,
		EntityID:   entityID,
		Snapshot:   snapshot,
		OpenedAt:   r.now().UTC().Format(time.RFC3339),
	}
	r.instances = append(r.instances, inst)
	r.persist()
	return inst.ID
}

// ReopenFromDraft resurrects a draft as an open instance sharing the
// draft's modal id. If an instance with that id is already registered it
// is restored instead, keeping the one-instance-per-id invariant.
func (r *Registry) ReopenFromDraft(rec domain.DraftRecord) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.instances {
		if r.instances[i].ID == rec.ModalID {
			r.instances[i].Minimized = false
			r.persist()
			return rec.ModalID
		}
	}
	mode := domain.ModeCreate
	if rec.IsEdit {
		mode = domain.ModeEdit
	}
	inst := domain.ModalInstance{
		ID:         rec.ModalID,
		EntityKind: rec.EntityKind,
		Mode:       mode,
		EntityID:   rec.SavedEntityID,
		OpenedAt:   r.now().UTC().Format(time.RFC3339),
	}
	r.instances = append(r.instances, inst)
	r.persist()
	return inst.ID
}

// Minimize marks an instance minimized. Unknown ids are no-ops.
func (r *Registry) Minimize(id string) { r.setMinimized(id, true) }

// Restore brings a minimized instance back to the foreground.
func (r *Registry) Restore(id string) { r.setMinimized(id, false) }

func (r *Registry) setMinimized(id string, minimized bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.instances {
		if r.instances[i].ID == id {
			if r.instances[i].Minimized != minimized {
				r.instances[i].Minimized = minimized
				r.persist()
			}
			return
		}
	}
}

// Close removes an instance from the active list. It never touches the
// draft store; callers decide separately whether the draft survives.
// Closed instances cannot be reopened, only recreated.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.instances {
		if r.instances[i].ID == id {
			r.instances = append(r.instances[:i], r.instances[i+1:]...)
			r.persist()
			return
		}
	}
}

// Get returns a snapshot of one instance.
func (r *Registry) Get(id string) (domain.ModalInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return domain.ModalInstance{}, false
}

// List returns a snapshot of every registered instance.
func (r *Registry) List() []domain.ModalInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]domain.ModalInstance, len(r.instances))
	copy(res, r.instances)
	return res
}
