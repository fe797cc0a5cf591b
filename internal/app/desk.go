package app

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"draftdesk/internal/config"
	"draftdesk/internal/draft"
	"draftdesk/internal/events"
	"draftdesk/internal/formhost"
	"draftdesk/internal/kv"
	"draftdesk/internal/kv/sqlitekv"
	"draftdesk/internal/registry"
	"draftdesk/internal/remote"
	"draftdesk/internal/tray"
)

// Desk wires the draft store, registry, tray, form hosts, and remote
// collaborators over one persistence layer.
type Desk struct {
	KV       kv.Store
	DB       *sql.DB
	Drafts   draft.Store
	Registry *registry.Registry
	Tray     tray.Controller
	Hosts    *formhost.Manager
	Events   events.Writer
	Remote   *remote.Client
	Config   *config.Config
	Log      *zap.Logger

	closer func() error
}

// Open builds a Desk over the durable workspace store.
func Open(workspace string, cfg *config.Config, log *zap.Logger) (*Desk, error) {
	store, err := sqlitekv.Open(workspace)
	if err != nil {
		return nil, err
	}
	d := build(store, store.DB(), cfg, log)
	d.closer = store.Close
	return d, nil
}

// OpenMemory builds a Desk over an in-process store, for tests and
// ephemeral runs. Nothing survives the process.
func OpenMemory(cfg *config.Config, log *zap.Logger) *Desk {
	return build(kv.NewMemory(), nil, cfg, log)
}

func build(store kv.Store, db *sql.DB, cfg *config.Config, log *zap.Logger) *Desk {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	drafts := draft.New(store, log)
	reg := registry.Load(store, log)
	client := remote.New(cfg.Remote.BaseURL)
	if cfg.Remote.TimeoutSeconds > 0 {
		client.Timeout = time.Duration(cfg.Remote.TimeoutSeconds) * time.Second
	}
	d := &Desk{
		KV:       store,
		DB:       db,
		Drafts:   drafts,
		Registry: reg,
		Tray: tray.Controller{
			Registry:    reg,
			Drafts:      drafts,
			LabelFields: cfg.LabelFields,
		},
		Events: events.Writer{DB: db},
		Remote: client,
		Config: cfg,
		Log:    log,
	}
	d.Hosts = formhost.NewManager(drafts, reg, client.Save)
	return d
}

func (d *Desk) Close() error {
	if d.closer != nil {
		return d.closer()
	}
	return nil
}
