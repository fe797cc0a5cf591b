package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"draftdesk/internal/app"
	"draftdesk/internal/config"
	"draftdesk/internal/db"
	"draftdesk/internal/domain"
	"draftdesk/internal/events"
	"draftdesk/internal/formhost"
	"draftdesk/internal/server"
	"draftdesk/internal/tray"
)

var rootCmd = &cobra.Command{
	Use:   "ddk",
	Short: "Draftdesk CLI",
	Long: `Draftdesk manages draft-backed edit dialogs for a remote content store.
Core concepts:
- Workspace: your .draftdesk directory holding the local database.
- Modal: one open or minimized edit/create dialog session.
- Draft: the locally persisted copy of a dialog's in-progress fields;
  it survives reloads and crashes until saved or discarded.
- Tray: minimized dialogs plus orphaned drafts awaiting recovery.
- Submit: pushes a draft to the remote store; success retires both the
  draft and the dialog, failure keeps them for retry.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DRAFTDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("token", "", "bearer credential passed through to the remote store")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(openCmd())
	rootCmd.AddCommand(modalCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(trayCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default draftdesk.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func openCmd() *cobra.Command {
	open := &cobra.Command{Use: "open", Short: "Open an edit or create dialog"}
	open.AddCommand(openCreateCmd())
	open.AddCommand(openEditCmd())
	return open
}

func openCreateCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a create dialog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind required")
			}
			return withDesk(cmd.Context(), func(ctx context.Context, d *app.Desk) error {
				if !d.Config.KnownKind(kind) {
					return fmt.Errorf("entity kind %s not in catalog", kind)
				}
				id := d.Registry.OpenCreate(kind)
				_ = d.Events.Append(ctx, "modal.open", kind, id, viper.GetString("actor-id"), nil)
				inst, _ := d.Registry.Get(id)
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "entity kind")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func openEditCmd() *cobra.Command {
	var kind, entityID string
	var noFetch bool
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Open an edit dialog for a server entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" || entityID == "" {
				return fmt.Errorf("--kind and --id required")
			}
			return withDesk(cmd.Context(), func(ctx context.Context, d *app.Desk) error {
				if !d.Config.KnownKind(kind) {
					return fmt.Errorf("entity kind %s not in catalog", kind)
				}
				var snapshot map[string]any
				if !noFetch {
					fetched, err := d.Remote.FetchByID(ctx, kind, entityID, viper.GetString("token"))
					if err != nil {
						return fmt.Errorf("prefetch %s/%s: %w", kind, entityID, err)
					}
					snapshot = fetched
				}
				id := d.Registry.OpenEdit(kind, entityID, snapshot)
				_ = d.Events.Append(ctx, "modal.open", kind, id, viper.GetString("actor-id"), nil)
				inst, _ := d.Registry.Get(id)
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "id", "", "server entity id")
	cmd.Flags().BoolVar(&noFetch, "no-fetch", false, "skip the server snapshot prefetch")
	return cmd
}

func modalCmd() *cobra.Command {
	modal := &cobra.Command{Use: "modal", Short: "Manage open dialogs"}
	modal.AddCommand(modalListCmd())
	modal.AddCommand(modalSimpleCmd("minimize", "Send a dialog to the tray", "modal.minimize", func(d *app.Desk, id string) { d.Registry.Minimize(id) }))
	modal.AddCommand(modalSimpleCmd("restore", "Bring a minimized dialog back", "modal.restore", func(d *app.Desk, id string) { d.Registry.Restore(id) }))
	modal.AddCommand(modalSimpleCmd("close", "Close a dialog, keeping its draft", "modal.close", func(d *app.Desk, id string) {
		d.Registry.Close(id)
		d.Hosts.Drop(id)
	}))
	modal.AddCommand(modalCancelCmd())
	return modal
}

func modalListCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open and minimized dialogs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd.Context(), func(ctx context.Context, d *app.Desk) error {
				items := d.Registry.List()
				if kind != "" {
					filtered := items[:0]
					for _, inst := range items {
						if inst.EntityKind == kind {
							filtered = append(filtered, inst)
						}
					}
					items = filtered
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderModalTable(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by entity kind")
	return cmd
}

func modalSimpleCmd(use, short, evtType string, fn func(*app.Desk, string)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <modal-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd.Context(), func(ctx context.Context, d *app.Desk) error {
				fn(d, args[0])
				_ = d.Events.Append(ctx, evtType, "modal", args[0], viper.GetString("actor-id"), nil)
				return nil
			})
		},
	}
}

func modalCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <modal-id>",
		Short: "Cancel a dialog, discarding its draft unless saved before",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd.Context(), func(ctx context.Context, d *app.Desk) error {
				inst, ok := d.Registry.Get(args[0])
				if !ok {
					return nil
				}
				host := d.Hosts.Host(inst)
				host.Cancel()
				d.Hosts.Drop(args[0])
				_ = d.Events.Append(ctx, "draft.discard", inst.EntityKind, args[0], viper.GetString("actor-id"), nil)
				return nil
			})
		},
	}
}

func draftCmd() *cobra.Command {
	draft := &cobra.Command{Use: "draft", Short: "Manage persisted drafts"}
	draft.AddCommand(draftListCmd())
	draft.AddCommand(draftShowCmd())
	draft.AddCommand(draftSetCmd())
	draft.AddCommand(draftDiscardCmd())
	return draft
}

func draftListCmd() *cobra.Command {
	var kind, prefix string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd.Context(), func(ctx context.Context, d *app.Desk) error {
				if prefix != "" {
					return printJSONOrTable(d.Drafts.ListPrefix(prefix))
				}
				return printJSONOrTable(d.Drafts.List(kind))
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by entity kind")
	cmd.Flags().StringVar(&prefix, "prefix", "", "filter by modal id prefix")
	return cmd
}

func draftShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <modal-id>",
		Short: "Show one draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd.Context(), func(ctx context.Context, d *app.Desk) error {
				rec := d.Drafts.Load(args[0])
				if rec == nil {
					return fmt.Errorf("draft %s not found", args[0])
				}
				return printJSONOrTable(rec)
			})
		},
	}
}

func draftSetCmd() *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:   "set <modal-id>",
		Short: "Set draft fields (writes through immediately)",
		Long: `Set fields on an open dialog's edit buffer, e.g.:
  ddk draft set <modal-id> --field name.en="Acme Corp" --field order=3
Dotted keys address nested maps such as per-locale strings.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(fields) == 0 {
				return fmt.Errorf("at least one --field required")
			}
			return withDesk(cmd.Context(), func(ctx context.Context, d *app.Desk) error {
				inst, ok := d.Registry.Get(args[0])
				if !ok {
					return fmt.Errorf("modal %s not found", args[0])
				}
				host := d.Hosts.Host(inst)
				buffer := host.Buffer()
				for _, f := range fields {
					key, value, found := strings.Cut(f, "=")
					if !found {
						return fmt.Errorf("invalid --field %q, want key=value", f)
					}
					setNested(buffer, key, value)
				}
				host.Update(buffer)
				host.Flush()
				_ = d.Events.Append(ctx, "draft.save", inst.EntityKind, args[0], viper.GetString("actor-id"), nil)
				return printJSONOrTable(d.Drafts.Load(args[0]))
			})
		},
	}
	cmd.Flags().StringArrayVar(&fields, "field", nil, "key=value (dotted keys nest)")
	return cmd
}

func draftDiscardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <modal-id>",
		Short: "Delete a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd.Context(), func(ctx context.Context, d *app.Desk) error {
				d.Drafts.Delete(args[0])
				_ = d.Events.Append(ctx, "draft.discard", "draft", args[0], viper.GetString("actor-id"), nil)
				return nil
			})
		},
	}
}

func trayCmd() *cobra.Command {
	trayRoot := &cobra.Command{Use: "tray", Short: "Minimized dialogs and orphaned drafts"}
	trayRoot.AddCommand(trayShowCmd())
	trayRoot.AddCommand(trayRestoreAllCmd())
	trayRoot.AddCommand(trayClearUnsavedCmd())
	trayRoot.AddCommand(trayClearAllCmd())
	trayRoot.AddCommand(trayOpenCmd())
	return trayRoot
}

func trayShowCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the tray",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd.Context(), func(ctx context.Context, d *app.Desk) error {
				items := d.Tray.Items(kind)
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderTrayTable(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by entity kind")
	return cmd
}

func trayRestoreAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore-all",
		Short: "Restore every minimized dialog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd.Context(), func(ctx context.Context, d *app.Desk) error {
				d.Tray.RestoreAll()
				return nil
			})
		},
	}
}

func trayClearUnsavedCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "clear-unsaved",
		Short: "Discard never-saved drafts from the tray",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd.Context(), func(ctx context.Context, d *app.Desk) error {
				d.Tray.ClearUnsaved(kind)
				_ = d.Events.Append(ctx, "tray.clear", "tray", "", viper.GetString("actor-id"), nil)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by entity kind")
	return cmd
}

func trayClearAllCmd() *cobra.Command {
	var kind string
	var force bool
	cmd := &cobra.Command{
		Use:   "clear-all",
		Short: "Discard every tray draft and dialog (destructive)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("clear-all deletes saved drafts too; pass --force to confirm")
			}
			return withDesk(cmd.Context(), func(ctx context.Context, d *app.Desk) error {
				d.Tray.ClearAll(kind)
				_ = d.Events.Append(ctx, "tray.clear", "tray", "", viper.GetString("actor-id"), nil)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by entity kind")
	cmd.Flags().BoolVar(&force, "force", false, "confirm destructive clear")
	return cmd
}

func trayOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <modal-id>",
		Short: "Reopen an orphaned draft as a dialog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd.Context(), func(ctx context.Context, d *app.Desk) error {
				rec := d.Drafts.Load(args[0])
				if rec == nil {
					return fmt.Errorf("draft %s not found", args[0])
				}
				id := d.Tray.OpenOrphan(*rec)
				_ = d.Events.Append(ctx, "modal.open", rec.EntityKind, id, viper.GetString("actor-id"), nil)
				inst, _ := d.Registry.Get(id)
				return printJSONOrTable(inst)
			})
		},
	}
}

func submitCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "submit <modal-id>",
		Short: "Save a dialog's draft to the remote store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd.Context(), func(ctx context.Context, d *app.Desk) error {
				inst, ok := d.Registry.Get(args[0])
				if !ok {
					return fmt.Errorf("modal %s not found", args[0])
				}
				host := d.Hosts.Host(inst)
				entity, err := host.Submit(ctx, filePath, viper.GetString("token"))
				if err != nil {
					if errors.Is(err, formhost.ErrSaveInFlight) {
						return err
					}
					return fmt.Errorf("save failed, draft kept for retry: %w", err)
				}
				d.Hosts.Drop(args[0])
				_ = d.Events.Append(ctx, "entity.saved", inst.EntityKind, entity.ID, viper.GetString("actor-id"), nil)
				fmt.Printf("Saved %s as %s\n", inst.EntityKind, entity.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "file uploaded alongside the payload")
	return cmd
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Lifecycle event log"}
	logRoot.AddCommand(logTailCmd())
	return logRoot
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd.Context(), func(ctx context.Context, d *app.Desk) error {
				items, err := events.Latest(ctx, d.DB, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var insecure bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd.Context(), func(ctx context.Context, d *app.Desk) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("DRAFTDESK_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					if !insecure {
						return fmt.Errorf("DRAFTDESK_JWT_SECRET is required for bearer auth (or pass --insecure)")
					}
					authCfg.AllowAnonymous = true
				}
				handler, err := server.New(server.Config{Desk: d, BasePath: basePath, Auth: authCfg, Context: ctx})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Draftdesk API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "serve without bearer auth")
	return cmd
}

// --- helpers ---

func withDesk(ctx context.Context, fn func(context.Context, *app.Desk) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()
	d, err := app.Open(workspace, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(ctx, d)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderModalTable(items []domain.ModalInstance) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Kind", "Mode", "Minimized", "Entity", "Opened"})
	for _, inst := range items {
		t.AppendRow(table.Row{inst.ID, inst.EntityKind, inst.Mode, inst.Minimized, inst.EntityID, inst.OpenedAt})
	}
	t.Render()
}

func renderTrayTable(items []tray.Item) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Modal", "Kind", "Label", "State", "Saved", "Updated"})
	for _, item := range items {
		state := "minimized"
		if item.Orphaned {
			state = "orphaned"
		}
		t.AppendRow(table.Row{item.ModalID, item.EntityKind, item.Label, state, item.Saved, item.UpdatedAt})
	}
	t.Render()
}

// setNested assigns a value into a possibly nested map; dotted keys
// address intermediate maps, creating them as needed.
func setNested(data map[string]any, key, value string) {
	parts := strings.Split(key, ".")
	current := data
	for i, part := range parts {
		if i == len(parts)-1 {
			current[part] = value
			return
		}
		next, ok := current[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
}
