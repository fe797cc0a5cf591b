package tray

import (
	"fmt"
	"sort"

	"draftdesk/internal/domain"
	"draftdesk/internal/draft"
	"draftdesk/internal/registry"
)

// Item is one tray entry: either a minimized instance or an orphaned
// draft awaiting manual recovery.
type Item struct {
	ModalID    string `json:"modal_id"`
	EntityKind string `json:"entity_kind"`
	Label      string `json:"label"`
	Minimized  bool   `json:"minimized"`
	Orphaned   bool   `json:"orphaned"`
	Saved      bool   `json:"saved"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// Controller presents the "what needs attention" view. It owns no state
// of its own: every call derives its result from the registry and the
// draft store so the three can never drift apart.
type Controller struct {
	Registry *registry.Registry
	Drafts   draft.Store
	// LabelFields returns the draft data fields to derive a label from,
	// per entity kind. Nil falls back to name/title.
	LabelFields func(entityKind string) []string
}

// Orphans returns drafts with no registered instance, optionally scoped
// to one entity kind.
func (c Controller) Orphans(entityKind string) []domain.DraftRecord {
	open := map[string]bool{}
	for _, inst := range c.Registry.List() {
		open[inst.ID] = true
	}
	var res []domain.DraftRecord
	for _, rec := range c.Drafts.List(entityKind) {
		if !open[rec.ModalID] {
			res = append(res, rec)
		}
	}
	return res
}

// Items returns minimized instances plus orphaned drafts.
func (c Controller) Items(entityKind string) []Item {
	drafts := map[string]domain.DraftRecord{}
	for _, rec := range c.Drafts.List(entityKind) {
		drafts[rec.ModalID] = rec
	}
	var items []Item
	for _, inst := range c.Registry.List() {
		if entityKind != "" && inst.EntityKind != entityKind {
			continue
		}
		rec, hasDraft := drafts[inst.ID]
		delete(drafts, inst.ID)
		if !inst.Minimized {
			continue
		}
		item := Item{
			ModalID:    inst.ID,
			EntityKind: inst.EntityKind,
			Minimized:  true,
			Label:      c.label(inst.EntityKind, inst.Snapshot),
		}
		if hasDraft {
			item.Label = c.label(rec.EntityKind, rec.Data)
			item.Saved = rec.SavedEntityID != ""
			item.UpdatedAt = rec.UpdatedAt
		}
		items = append(items, item)
	}
	var orphanIDs []string
	for id := range drafts {
		orphanIDs = append(orphanIDs, id)
	}
	sort.Strings(orphanIDs)
	for _, id := range orphanIDs {
		rec := drafts[id]
		items = append(items, Item{
			ModalID:    rec.ModalID,
			EntityKind: rec.EntityKind,
			Label:      c.label(rec.EntityKind, rec.Data),
			Orphaned:   true,
			Saved:      rec.SavedEntityID != "",
			UpdatedAt:  rec.UpdatedAt,
		})
	}
	return items
}

// RestoreAll brings every minimized instance back to the foreground.
func (c Controller) RestoreAll() {
	for _, inst := range c.Registry.List() {
		if inst.Minimized {
			c.Registry.Restore(inst.ID)
		}
	}
}

// ClearUnsaved discards minimized-backed and orphaned drafts that were
// never saved to the server, closing the minimized instances they backed.
// Drafts carrying a saved entity id are preserved: deleting them would
// destroy the only local link to a real server record.
func (c Controller) ClearUnsaved(entityKind string) {
	instances := map[string]domain.ModalInstance{}
	for _, inst := range c.Registry.List() {
		instances[inst.ID] = inst
	}
	for _, rec := range c.Drafts.List(entityKind) {
		if rec.SavedEntityID != "" {
			continue
		}
		inst, ok := instances[rec.ModalID]
		if ok && !inst.Minimized {
			// backing an open dialog; leave it alone
			continue
		}
		c.Drafts.Delete(rec.ModalID)
		if ok {
			c.Registry.Close(rec.ModalID)
		}
	}
}

// ClearAll empties the tray: every draft in scope is deleted and every
// corresponding or minimized instance closed, regardless of save state.
// Destructive; the caller confirms with the operator first.
func (c Controller) ClearAll(entityKind string) {
	for _, rec := range c.Drafts.List(entityKind) {
		c.Drafts.Delete(rec.ModalID)
		c.Registry.Close(rec.ModalID)
	}
	for _, inst := range c.Registry.List() {
		if entityKind != "" && inst.EntityKind != entityKind {
			continue
		}
		if inst.Minimized {
			c.Registry.Close(inst.ID)
		}
	}
}

// OpenOrphan resurrects an orphaned draft as an open instance.
func (c Controller) OpenOrphan(rec domain.DraftRecord) string {
	return c.Registry.ReopenFromDraft(rec)
}

func (c Controller) labelFields(entityKind string) []string {
	if c.LabelFields != nil {
		if fields := c.LabelFields(entityKind); len(fields) > 0 {
			return fields
		}
	}
	return []string{"name", "title"}
}

// label derives a human-readable tray label from draft data. Multilingual
// fields are maps of locale to string; "en" wins, then the first locale
// in sorted order.
func (c Controller) label(entityKind string, data map[string]any) string {
	for _, field := range c.labelFields(entityKind) {
		switch v := data[field].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if s, ok := v["en"].(string); ok && s != "" {
				return s
			}
			var locales []string
			for locale := range v {
				locales = append(locales, locale)
			}
			sort.Strings(locales)
			for _, locale := range locales {
				if s, ok := v[locale].(string); ok && s != "" {
					return s
				}
			}
		}
	}
	return fmt.Sprintf("Draft %s", entityKind)
}
