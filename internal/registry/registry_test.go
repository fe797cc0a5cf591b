package registry_test

import (
	"testing"
	"time"

	"draftdesk/internal/domain"
	"draftdesk/internal/kv"
	"draftdesk/internal/registry"
)

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
}

func TestOpenMinimizeRestoreClose(t *testing.T) {
	reg := registry.Load(kv.NewMemory(), nil)
	reg.SetNow(fixedClock())

	id := reg.OpenCreate("project")
	inst, ok := reg.Get(id)
	if !ok || inst.Mode != domain.ModeCreate || inst.Minimized {
		t.Fatalf("unexpected instance: %+v ok=%v", inst, ok)
	}

	reg.Minimize(id)
	if inst, _ := reg.Get(id); !inst.Minimized {
		t.Fatalf("expected minimized")
	}
	reg.Restore(id)
	if inst, _ := reg.Get(id); inst.Minimized {
		t.Fatalf("expected restored")
	}

	reg.Close(id)
	if _, ok := reg.Get(id); ok {
		t.Fatalf("expected instance removed")
	}
	if len(reg.List()) != 0 {
		t.Fatalf("expected empty list")
	}
}

func TestOpenEditCarriesSnapshot(t *testing.T) {
	reg := registry.Load(kv.NewMemory(), nil)
	snapshot := map[string]any{"name": "Existing"}
	id := reg.OpenEdit("stakeholder", "srv-1", snapshot)
	inst, ok := reg.Get(id)
	if !ok || inst.Mode != domain.ModeEdit || inst.EntityID != "srv-1" {
		t.Fatalf("unexpected instance: %+v", inst)
	}
	if inst.Snapshot["name"] != "Existing" {
		t.Fatalf("snapshot lost: %+v", inst.Snapshot)
	}
}

func TestUnknownIDsAreNoOps(t *testing.T) {
	reg := registry.Load(kv.NewMemory(), nil)
	reg.Minimize("ghost")
	reg.Restore("ghost")
	reg.Close("ghost")
	if len(reg.List()) != 0 {
		t.Fatalf("expected no instances")
	}
}

func TestPersistenceAcrossReload(t *testing.T) {
	mem := kv.NewMemory()
	reg := registry.Load(mem, nil)
	idA := reg.OpenCreate("project")
	idB := reg.OpenEdit("stakeholder", "srv-2", nil)
	reg.Minimize(idB)

	reloaded := registry.Load(mem, nil)
	if len(reloaded.List()) != 2 {
		t.Fatalf("expected 2 instances after reload, got %d", len(reloaded.List()))
	}
	// dialogs cannot remount themselves after a restart; both come back
	// minimized into the tray
	for _, id := range []string{idA, idB} {
		if inst, ok := reloaded.Get(id); !ok || !inst.Minimized {
			t.Fatalf("instance %s should be minimized after reload: %+v", id, inst)
		}
	}
	if inst, _ := reloaded.Get(idB); inst.EntityID != "srv-2" {
		t.Fatalf("instance B lost its binding: %+v", inst)
	}
}

func TestCorruptMirrorStartsEmpty(t *testing.T) {
	mem := kv.NewMemory()
	if err := mem.Set("modals/open", "{broken"); err != nil {
		t.Fatal(err)
	}
	reg := registry.Load(mem, nil)
	if len(reg.List()) != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestReopenFromDraftKeepsModalID(t *testing.T) {
	reg := registry.Load(kv.NewMemory(), nil)
	rec := domain.DraftRecord{ModalID: "m-orphan", EntityKind: "project", IsEdit: true, SavedEntityID: "srv-7"}
	id := reg.ReopenFromDraft(rec)
	if id != "m-orphan" {
		t.Fatalf("expected draft's modal id, got %s", id)
	}
	inst, ok := reg.Get(id)
	if !ok || inst.Mode != domain.ModeEdit || inst.EntityID != "srv-7" {
		t.Fatalf("unexpected instance: %+v", inst)
	}
}

func TestReopenFromDraftRestoresExisting(t *testing.T) {
	reg := registry.Load(kv.NewMemory(), nil)
	id := reg.OpenCreate("project")
	reg.Minimize(id)

	got := reg.ReopenFromDraft(domain.DraftRecord{ModalID: id, EntityKind: "project"})
	if got != id {
		t.Fatalf("expected same id, got %s", got)
	}
	if len(reg.List()) != 1 {
		t.Fatalf("expected one instance, got %d", len(reg.List()))
	}
	if inst, _ := reg.Get(id); inst.Minimized {
		t.Fatalf("expected instance restored")
	}
}
