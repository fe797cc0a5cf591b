package domain

// Modal instance modes.
const (
	ModeCreate = "create"
	ModeEdit   = "edit"
)

// DraftRecord is a locally persisted copy of a form's in-progress field
// values, keyed by the owning modal's id. SavedEntityID is set once the
// remote store has accepted the record at least once; its absence marks
// the draft as safe to silently discard.
type DraftRecord struct {
	ModalID       string         `json:"modal_id"`
	EntityKind    string         `json:"entity_kind"`
	IsEdit        bool           `json:"is_edit"`
	Data          map[string]any `json:"data"`
	SavedEntityID string         `json:"saved_entity_id,omitempty"`
	UpdatedAt     string         `json:"updated_at"`
}

// ModalInstance is one logical open or minimized dialog session. Its ID
// equals the draft's ModalID when a draft exists for it.
type ModalInstance struct {
	ID         string         `json:"id"`
	EntityKind string         `json:"entity_kind"`
	Mode       string         `json:"mode" enum:"create,edit"`
	Minimized  bool           `json:"minimized"`
	EntityID   string         `json:"entity_id,omitempty"`
	Snapshot   map[string]any `json:"snapshot,omitempty"`
	OpenedAt   string         `json:"opened_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
