package server

import (
	"draftdesk/internal/domain"
	"draftdesk/internal/tray"
)

// Request payloads

type OpenModalRequest struct {
	EntityKind string         `json:"entity_kind"`
	Mode       string         `json:"mode" enum:"create,edit"`
	EntityID   *string        `json:"entity_id,omitempty"`
	Snapshot   map[string]any `json:"snapshot,omitempty"`
}

type WriteDraftRequest struct {
	Data map[string]any `json:"data"`
}

type SubmitRequest struct {
	FilePath *string `json:"file_path,omitempty"`
}

// Response payloads

type ModalResponse struct {
	ID         string         `json:"id"`
	EntityKind string         `json:"entity_kind"`
	Mode       string         `json:"mode" enum:"create,edit"`
	Minimized  bool           `json:"minimized"`
	EntityID   string         `json:"entity_id,omitempty"`
	Snapshot   map[string]any `json:"snapshot,omitempty"`
	OpenedAt   string         `json:"opened_at" format:"date-time"`
}

type DraftResponse struct {
	ModalID       string         `json:"modal_id"`
	EntityKind    string         `json:"entity_kind"`
	IsEdit        bool           `json:"is_edit"`
	Data          map[string]any `json:"data"`
	SavedEntityID string         `json:"saved_entity_id,omitempty"`
	UpdatedAt     string         `json:"updated_at"`
}

type SubmitResponse struct {
	EntityID string         `json:"entity_id"`
	Fields   map[string]any `json:"fields,omitempty"`
}

type TrayResponse struct {
	Items []tray.Item `json:"items"`
}

func modalResponse(inst domain.ModalInstance) ModalResponse {
	return ModalResponse{
		ID:         inst.ID,
		EntityKind: inst.EntityKind,
		Mode:       inst.Mode,
		Minimized:  inst.Minimized,
		EntityID:   inst.EntityID,
		Snapshot:   inst.Snapshot,
		OpenedAt:   inst.OpenedAt,
	}
}

func mapModals(items []domain.ModalInstance) []ModalResponse {
	res := make([]ModalResponse, 0, len(items))
	for _, inst := range items {
		res = append(res, modalResponse(inst))
	}
	return res
}

func draftResponse(rec domain.DraftRecord) DraftResponse {
	return DraftResponse{
		ModalID:       rec.ModalID,
		EntityKind:    rec.EntityKind,
		IsEdit:        rec.IsEdit,
		Data:          rec.Data,
		SavedEntityID: rec.SavedEntityID,
		UpdatedAt:     rec.UpdatedAt,
	}
}

func mapDrafts(items []domain.DraftRecord) []DraftResponse {
	res := make([]DraftResponse, 0, len(items))
	for _, rec := range items {
		res = append(res, draftResponse(rec))
	}
	return res
}
