package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"issueflow/internal/app"
	"issueflow/internal/config"
	"issueflow/internal/db"
	"issueflow/internal/domain"
	"issueflow/internal/logger"
	"issueflow/internal/migrate"
	"issueflow/internal/repo"
	"issueflow/internal/server"
	"issueflow/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "ifl",
	Short: "Issueflow CLI",
	Long: `Issueflow decides which status changes and field edits are allowed on issues.
Core concepts:
- Statuses, trackers and roles are the registries every rule is keyed on.
- Transitions: a role may move an issue of a tracker from one status to another, always or only as author/assignee.
- Field permissions: per status a field can be read-only or required for a role.
- Copy: overwrite the rules of target roles and trackers with those of a source.
- Event log: every change is recorded, view with 'ifl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.Init(viper.GetString("log-level"))
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ISSUEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(trackerCmd())
	rootCmd.AddCommand(customFieldCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage issueflow.yml",
		Long:  "The config file holds server, database and auth settings plus the registries seeded into an empty database.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate issueflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply migrations and seed empty registries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				v, err := migrate.Version(e.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": v})
				}
				fmt.Printf("schema version %d\n", v)
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	st := &cobra.Command{Use: "status", Short: "Manage issue statuses"}
	st.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				items, err := e.Repo.ListStatuses(ctx)
				if err != nil {
					return err
				}
				return printTable(items, table.Row{"ID", "Name", "Closed", "Position"}, func(s domain.Status) table.Row {
					return table.Row{s.ID, s.Name, s.IsClosed, s.Position}
				})
			})
		},
	})
	var name string
	var closed bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				s, err := e.CreateStatus(ctx, domain.Status{Name: name, IsClosed: closed}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "status name")
	create.Flags().BoolVar(&closed, "closed", false, "issues in this status are closed")
	_ = create.MarkFlagRequired("name")
	st.AddCommand(create)
	return st
}

func roleCmd() *cobra.Command {
	rl := &cobra.Command{Use: "role", Short: "Manage roles"}
	var workflowOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				load := e.Repo.ListRoles
				if workflowOnly {
					load = e.Repo.ListWorkflowRoles
				}
				items, err := load(ctx)
				if err != nil {
					return err
				}
				return printTable(items, table.Row{"ID", "Name", "Builtin", "Permissions"}, func(r domain.Role) table.Row {
					return table.Row{r.ID, r.Name, r.Builtin, strings.Join(r.Permissions, ",")}
				})
			})
		},
	}
	list.Flags().BoolVar(&workflowOnly, "workflow-only", false, "only roles that can add or edit issues")
	rl.AddCommand(list)

	var name string
	var perms []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				r, err := e.CreateRole(ctx, domain.Role{Name: name, Permissions: perms}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "role name")
	create.Flags().StringSliceVar(&perms, "permission", []string{domain.PermissionAddIssues, domain.PermissionEditIssues}, "granted permission (repeatable)")
	_ = create.MarkFlagRequired("name")
	rl.AddCommand(create)
	return rl
}

func trackerCmd() *cobra.Command {
	tr := &cobra.Command{Use: "tracker", Short: "Manage trackers"}
	tr.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List trackers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				items, err := e.Repo.ListTrackers(ctx)
				if err != nil {
					return err
				}
				return printTable(items, table.Row{"ID", "Name", "Default status", "Disabled fields"}, func(t domain.Tracker) table.Row {
					return table.Row{t.ID, t.Name, t.DefaultStatusID, strings.Join(t.DisabledCoreFields, ",")}
				})
			})
		},
	})
	var name string
	var defaultStatus int
	var disabled []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				t, err := e.CreateTracker(ctx, domain.Tracker{
					Name:               name,
					DefaultStatusID:    defaultStatus,
					DisabledCoreFields: disabled,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "tracker name")
	create.Flags().IntVar(&defaultStatus, "default-status", 0, "default status id")
	create.Flags().StringSliceVar(&disabled, "disable-field", nil, "core field disabled for this tracker (repeatable)")
	_ = create.MarkFlagRequired("name")
	tr.AddCommand(create)
	return tr
}

func customFieldCmd() *cobra.Command {
	cf := &cobra.Command{Use: "custom-field", Short: "Manage issue custom fields"}
	cf.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List custom fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				items, err := e.Repo.ListCustomFields(ctx)
				if err != nil {
					return err
				}
				return printTable(items, table.Row{"ID", "Name", "Format", "Required", "Visible", "Trackers"}, func(f domain.CustomField) table.Row {
					return table.Row{f.ID, f.Name, f.FieldFormat, f.IsRequired, f.Visible, fmt.Sprint(f.TrackerIDs)}
				})
			})
		},
	})
	var (
		name, format      string
		required, hidden  bool
		roles, trackerIDs []int
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a custom field",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				f, err := e.CreateCustomField(ctx, domain.CustomField{
					Name:        name,
					FieldFormat: format,
					IsRequired:  required,
					Visible:     !hidden,
					RoleIDs:     roles,
					TrackerIDs:  trackerIDs,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(f)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "field name")
	create.Flags().StringVar(&format, "format", "string", "field format")
	create.Flags().BoolVar(&required, "required", false, "required on every issue")
	create.Flags().BoolVar(&hidden, "hidden", false, "only visible to --role members")
	create.Flags().IntSliceVar(&roles, "role", nil, "role allowed to see a hidden field")
	create.Flags().IntSliceVar(&trackerIDs, "tracker", nil, "tracker using the field")
	_ = create.MarkFlagRequired("name")
	cf.AddCommand(create)
	return cf
}

func apiKeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	var perms []string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Create an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				plain, key, err := e.CreateAPIKey(ctx, args[0], name, perms, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": plain})
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, key.ActorID, plain)
				fmt.Println("Store it now, it is not shown again.")
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	create.Flags().StringSliceVar(&perms, "permission", nil, "granted permission (repeatable)")
	ak.AddCommand(create)

	var actor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printTable(keys, table.Row{"ID", "Actor", "Name", "Permissions", "Created"}, func(k domain.APIKey) table.Row {
					return table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Permissions, ","), k.CreatedAt}
				})
			})
		},
	}
	list.Flags().StringVar(&actor, "actor", "", "filter by actor")
	ak.AddCommand(list)

	ak.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return ak
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.LatestEvents(ctx, n, repo.EventFilter{Type: evtType, EntityKind: entityKind, EntityID: entityID})
				if err != nil {
					return err
				}
				return printTable(evts, table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"}, func(e domain.Event) table.Row {
					return table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload}
				})
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	lg.AddCommand(tail)
	return lg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret, DevLogin: cfg.Auth.DevLogin}
			if secret := viper.GetString("jwt-secret"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ISSUEFLOW_JWT_SECRET or auth.jwt_secret is required for bearer auth")
			}

			ctx := cmd.Context()
			conn, e, err := app.Open(ctx, cfg, viper.GetString("workspace"), viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			defer conn.Close()

			handler, err := server.New(server.Config{
				Engine:    e,
				BasePath:  basePath,
				Auth:      authCfg,
				RateLimit: cfg.Server.RateLimit,
				Metrics:   cfg.MetricsEnabled(),
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(ctx, e)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving issueflow API")
			fmt.Printf("Serving issueflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.LoadOptional(viper.GetString("workspace"))
}

func withEngine(ctx context.Context, fn func(context.Context, workflow.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, e, err := app.Open(ctx, cfg, viper.GetString("workspace"), viper.GetString("actor-id"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withEngine(ctx, func(ctx context.Context, e workflow.Engine) error {
		return fn(ctx, e.Repo)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders items as a table, or as JSON with --json.
func printTable[T any](items []T, header table.Row, row func(T) table.Row) error {
	if viper.GetBool("json") {
		if items == nil {
			items = []T{}
		}
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	for _, item := range items {
		tw.AppendRow(row(item))
	}
	tw.Render()
	return nil
}
