package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"draftdesk/internal/app"
	"draftdesk/internal/domain"
	"draftdesk/internal/events"
	"draftdesk/internal/formhost"
	"draftdesk/internal/remote"
)

// Config for the HTTP API handler.
type Config struct {
	Desk     *app.Desk
	BasePath string
	Auth     AuthConfig
	// Context bounds background workers such as the webhook dispatcher;
	// nil means they run for the process lifetime.
	Context context.Context
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"save_failed"`
	Message string         `json:"message" example:"remote store rejected the payload"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Draftdesk API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Desk == nil {
		return nil, errors.New("desk is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Draftdesk API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerModals(group, cfg.Desk)
	registerDrafts(group, cfg.Desk)
	registerTray(group, cfg.Desk)
	registerSubmit(group, cfg.Desk)
	registerEvents(group, cfg.Desk)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Context, cfg.Desk)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, formhost.ErrSaveInFlight) {
		return newAPIError(http.StatusConflict, "save_in_flight", err.Error(), nil)
	}
	var re *remote.APIError
	if errors.As(err, &re) {
		return newAPIError(http.StatusBadGateway, "save_failed", err.Error(), map[string]any{"remote_status": re.StatusCode})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not found"):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusBadGateway:
		return "save_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Draftdesk API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerModals(api huma.API, d *app.Desk) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-modal",
		Method:        http.MethodPost,
		Path:          "/modals",
		Summary:       "Open a create or edit dialog",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body OpenModalRequest `json:"body"`
	}) (*struct {
		Body ModalResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind := input.Body.EntityKind
		if kind == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entity_kind is required", nil)
		}
		if !d.Config.KnownKind(kind) {
			return nil, newAPIError(http.StatusBadRequest, "unknown_kind", fmt.Sprintf("entity kind %s not in catalog", kind), nil)
		}
		var id string
		switch input.Body.Mode {
		case domain.ModeEdit:
			if input.Body.EntityID == nil || *input.Body.EntityID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "entity_id is required for edit mode", nil)
			}
			snapshot := input.Body.Snapshot
			if snapshot == nil {
				fetched, err := d.Remote.FetchByID(ctx, kind, *input.Body.EntityID, credentialFromContext(ctx))
				if err != nil {
					return nil, handleError(err)
				}
				snapshot = fetched
			}
			id = d.Registry.OpenEdit(kind, *input.Body.EntityID, snapshot)
		case domain.ModeCreate, "":
			id = d.Registry.OpenCreate(kind)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "mode must be create or edit", nil)
		}
		_ = d.Events.Append(ctx, "modal.open", kind, id, actorID, events.EventPayload{"mode": input.Body.Mode})
		inst, _ := d.Registry.Get(id)
		return &struct {
			Body ModalResponse `json:"body"`
		}{Body: modalResponse(inst)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-modals",
		Method:      http.MethodGet,
		Path:        "/modals",
		Summary:     "List open and minimized dialogs",
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind"`
	}) (*struct {
		Body []ModalResponse `json:"body"`
	}, error) {
		items := d.Registry.List()
		if input.EntityKind != "" {
			filtered := items[:0]
			for _, inst := range items {
				if inst.EntityKind == input.EntityKind {
					filtered = append(filtered, inst)
				}
			}
			items = filtered
		}
		return &struct {
			Body []ModalResponse `json:"body"`
		}{Body: mapModals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-modal",
		Method:      http.MethodGet,
		Path:        "/modals/{modal_id}",
		Summary:     "Get one dialog instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ModalID string `path:"modal_id"`
	}) (*struct {
		Body ModalResponse `json:"body"`
	}, error) {
		inst, ok := d.Registry.Get(input.ModalID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "modal not found", nil)
		}
		return &struct {
			Body ModalResponse `json:"body"`
		}{Body: modalResponse(inst)}, nil
	})

	// Minimize and restore are no-ops for unknown ids: the UI may race a
	// close against either.
	huma.Register(api, huma.Operation{
		OperationID: "minimize-modal",
		Method:      http.MethodPost,
		Path:        "/modals/{modal_id}/minimize",
		Summary:     "Send a dialog to the tray",
	}, func(ctx context.Context, input *struct {
		ModalID string `path:"modal_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d.Registry.Minimize(input.ModalID)
		_ = d.Events.Append(ctx, "modal.minimize", "modal", input.ModalID, actorID, nil)
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-modal",
		Method:      http.MethodPost,
		Path:        "/modals/{modal_id}/restore",
		Summary:     "Bring a minimized dialog back",
	}, func(ctx context.Context, input *struct {
		ModalID string `path:"modal_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d.Registry.Restore(input.ModalID)
		_ = d.Events.Append(ctx, "modal.restore", "modal", input.ModalID, actorID, nil)
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-modal",
		Method:      http.MethodDelete,
		Path:        "/modals/{modal_id}",
		Summary:     "Close a dialog, keeping its draft",
	}, func(ctx context.Context, input *struct {
		ModalID string `path:"modal_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d.Registry.Close(input.ModalID)
		d.Hosts.Drop(input.ModalID)
		_ = d.Events.Append(ctx, "modal.close", "modal", input.ModalID, actorID, nil)
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-modal",
		Method:      http.MethodPost,
		Path:        "/modals/{modal_id}/cancel",
		Summary:     "Cancel a dialog, discarding an unsaved draft",
	}, func(ctx context.Context, input *struct {
		ModalID string `path:"modal_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if inst, ok := d.Registry.Get(input.ModalID); ok {
			host := d.Hosts.Host(inst)
			host.Cancel()
			d.Hosts.Drop(input.ModalID)
			_ = d.Events.Append(ctx, "draft.discard", inst.EntityKind, input.ModalID, actorID, nil)
		}
		return &struct{}{}, nil
	})
}

func registerDrafts(api huma.API, d *app.Desk) {
	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/drafts",
		Summary:     "List persisted drafts",
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind"`
	}) (*struct {
		Body []DraftResponse `json:"body"`
	}, error) {
		return &struct {
			Body []DraftResponse `json:"body"`
		}{Body: mapDrafts(d.Drafts.List(input.EntityKind))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/drafts/{modal_id}",
		Summary:     "Get one draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ModalID string `path:"modal_id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		rec := d.Drafts.Load(input.ModalID)
		if rec == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "draft not found", nil)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(*rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "write-draft",
		Method:      http.MethodPut,
		Path:        "/drafts/{modal_id}",
		Summary:     "Write a dialog's edit buffer through to the draft store",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ModalID string            `path:"modal_id"`
		Body    WriteDraftRequest `json:"body"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		if inst, ok := d.Registry.Get(input.ModalID); ok {
			host := d.Hosts.Host(inst)
			host.Update(input.Body.Data)
			host.Flush()
		} else if existing := d.Drafts.Load(input.ModalID); existing != nil {
			existing.Data = input.Body.Data
			d.Drafts.Save(*existing)
		} else {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no open modal or draft with this id", nil)
		}
		rec := d.Drafts.Load(input.ModalID)
		if rec == nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "draft did not persist", nil)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(*rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-draft",
		Method:      http.MethodDelete,
		Path:        "/drafts/{modal_id}",
		Summary:     "Delete a draft",
	}, func(ctx context.Context, input *struct {
		ModalID string `path:"modal_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d.Drafts.Delete(input.ModalID)
		_ = d.Events.Append(ctx, "draft.discard", "draft", input.ModalID, actorID, nil)
		return &struct{}{}, nil
	})
}

func registerTray(api huma.API, d *app.Desk) {
	huma.Register(api, huma.Operation{
		OperationID: "tray",
		Method:      http.MethodGet,
		Path:        "/tray",
		Summary:     "Minimized dialogs and orphaned drafts",
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind"`
	}) (*struct {
		Body TrayResponse `json:"body"`
	}, error) {
		return &struct {
			Body TrayResponse `json:"body"`
		}{Body: TrayResponse{Items: d.Tray.Items(input.EntityKind)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tray-restore-all",
		Method:      http.MethodPost,
		Path:        "/tray/restore-all",
		Summary:     "Restore every minimized dialog",
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		d.Tray.RestoreAll()
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tray-clear-unsaved",
		Method:      http.MethodPost,
		Path:        "/tray/clear-unsaved",
		Summary:     "Discard never-saved drafts from the tray",
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d.Tray.ClearUnsaved(input.EntityKind)
		_ = d.Events.Append(ctx, "tray.clear", "tray", "", actorID, events.EventPayload{"scope": "unsaved", "entity_kind": input.EntityKind})
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tray-clear-all",
		Method:      http.MethodPost,
		Path:        "/tray/clear-all",
		Summary:     "Discard every tray draft and dialog",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind"`
		Confirm    bool   `query:"confirm"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !input.Confirm {
			return nil, newAPIError(http.StatusBadRequest, "confirm_required", "clear-all is destructive; pass confirm=true", nil)
		}
		d.Tray.ClearAll(input.EntityKind)
		_ = d.Events.Append(ctx, "tray.clear", "tray", "", actorID, events.EventPayload{"scope": "all", "entity_kind": input.EntityKind})
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tray-open-orphan",
		Method:      http.MethodPost,
		Path:        "/tray/orphans/{modal_id}/open",
		Summary:     "Reopen an orphaned draft as a dialog",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ModalID string `path:"modal_id"`
	}) (*struct {
		Body ModalResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec := d.Drafts.Load(input.ModalID)
		if rec == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "draft not found", nil)
		}
		id := d.Tray.OpenOrphan(*rec)
		_ = d.Events.Append(ctx, "modal.open", rec.EntityKind, id, actorID, events.EventPayload{"from": "tray"})
		inst, _ := d.Registry.Get(id)
		return &struct {
			Body ModalResponse `json:"body"`
		}{Body: modalResponse(inst)}, nil
	})
}

func registerSubmit(api huma.API, d *app.Desk) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-modal",
		Method:      http.MethodPost,
		Path:        "/modals/{modal_id}/submit",
		Summary:     "Save a dialog's draft to the remote store",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ModalID string        `path:"modal_id"`
		Body    SubmitRequest `json:"body,omitempty"`
	}) (*struct {
		Body SubmitResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, ok := d.Registry.Get(input.ModalID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "modal not found", nil)
		}
		host := d.Hosts.Host(inst)
		// API clients write the buffer via PUT /drafts; refresh the host
		// from the store so the submit sees the latest payload.
		if rec := d.Drafts.Load(input.ModalID); rec != nil {
			host.Update(rec.Data)
		}
		filePath := ""
		if input.Body.FilePath != nil {
			filePath = *input.Body.FilePath
		}
		entity, err := host.Submit(ctx, filePath, credentialFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		d.Hosts.Drop(input.ModalID)
		_ = d.Events.Append(ctx, "entity.saved", inst.EntityKind, entity.ID, actorID, events.EventPayload{"modal_id": input.ModalID})
		return &struct {
			Body SubmitResponse `json:"body"`
		}{Body: SubmitResponse{EntityID: entity.ID, Fields: entity.Fields}}, nil
	})
}

func registerEvents(api huma.API, d *app.Desk) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent lifecycle events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := events.Latest(ctx, d.DB, input.Limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
