package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"muster/internal/allocation"
	"muster/internal/app"
	"muster/internal/config"
	"muster/internal/db"
	"muster/internal/domain"
	"muster/internal/engine"
	"muster/internal/repo"
	"muster/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "muster",
	Short: "Muster CLI",
	Long: `Muster coordinates volunteer capacity for relief requests.
- Request: a call for help with a quota per category (Medic=5, Driver=3).
- Responders: organisations assigned to a request; each accepts or declines once.
- Commitments: what an accepting responder provides per category. A commitment
  may never exceed the capacity other responders have left open.
- Progress: committed versus required per category, with contributors.
- Event log: every change, view with 'muster log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		if allocation.Retryable(err) {
			fmt.Println("hint: capacity changed, check availability and retry")
		}
		os.Exit(1)
	}
}

func initConfig() {
	workspace := viper.GetString("workspace")
	if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: read .env:", err)
	}
	viper.SetEnvPrefix("MUSTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(responderCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(availabilityCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "request", Short: "Manage volunteer requests"}
	cmd.AddCommand(requestCreateCmd())
	cmd.AddCommand(requestListCmd())
	cmd.AddCommand(requestShowCmd())
	cmd.AddCommand(requestQuotasCmd())
	cmd.AddCommand(requestDeleteCmd())
	return cmd
}

func requestCreateCmd() *cobra.Command {
	var id, title, desc string
	var categories, responders []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a request",
		Example: `  muster request create --title "Flood relief" --category Medic=5 --category Driver=3 \
    --responder red-cross:"Red Cross" --responder scouts`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cats, err := parseCategories(categories)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				req, err := a.Engine.CreateRequest(ctx, engine.CreateRequestInput{
					ID:          id,
					Title:       title,
					Description: desc,
					Categories:  cats,
					Responders:  parseResponders(responders),
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printRequest(req, nil)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "request id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringArrayVar(&categories, "category", nil, "category quota as NAME=N (repeatable)")
	cmd.Flags().StringArrayVar(&responders, "responder", nil, "responder as ID or ID:NAME (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func requestListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.ListRequests(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Categories", "Created by", "Created at"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Title, formatCategories(r.Categories), r.CreatedBy, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request with its assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				req, err := a.Engine.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				assignments, err := a.Engine.ListAssignments(ctx, args[0])
				if err != nil {
					return err
				}
				return printRequest(req, assignments)
			})
		},
	}
}

func requestQuotasCmd() *cobra.Command {
	var categories []string
	cmd := &cobra.Command{
		Use:   "quotas <request-id>",
		Short: "Replace the category quotas of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cats, err := parseCategories(categories)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				req, err := a.Engine.UpdateQuotas(ctx, args[0], cats, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printRequest(req, nil)
			})
		},
	}
	cmd.Flags().StringArrayVar(&categories, "category", nil, "category quota as NAME=N (repeatable)")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func requestDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <request-id>",
		Short: "Soft-delete a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.DeleteRequest(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Deleted request %s\n", args[0])
				return nil
			})
		},
	}
}

func responderCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "responder", Short: "Manage responders of a request"}
	cmd.AddCommand(responderAssignCmd())
	return cmd
}

func responderAssignCmd() *cobra.Command {
	var responders []string
	cmd := &cobra.Command{
		Use:   "assign <request-id>",
		Short: "Assign responders to a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.AssignResponders(ctx, args[0], parseResponders(responders), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printAssignments(items)
			})
		},
	}
	cmd.Flags().StringArrayVar(&responders, "responder", nil, "responder as ID or ID:NAME (repeatable)")
	_ = cmd.MarkFlagRequired("responder")
	return cmd
}

func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <request-id>",
		Short: "Show committed versus required capacity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				p, err := a.Engine.Progress(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Category", "Required", "Committed", "Remaining", "Contributors"})
				for _, c := range p.Categories {
					var names []string
					for _, contrib := range c.Contributors {
						names = append(names, fmt.Sprintf("%s (%d)", contrib.ResponderName, contrib.Quantity))
					}
					tw.AppendRow(table.Row{c.Name, c.Required, c.Committed, c.Remaining, strings.Join(names, ", ")})
				}
				tw.AppendFooter(table.Row{"Total", p.RequiredTotal, p.CommittedTotal, "", fulfilledLabel(p.Fulfilled)})
				tw.Render()
				return nil
			})
		},
	}
}

func availabilityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "availability <request-id> <responder-id>",
		Short: "Show the capacity still open to a responder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				v, err := a.Engine.Availability(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Category", "Required", "Provided by others", "Remaining"})
				for _, c := range v.Categories {
					tw.AppendRow(table.Row{c.Name, c.Required, c.ProvidedByOthers, c.Remaining})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func decideCmd() *cobra.Command {
	var decision string
	var commits []string
	cmd := &cobra.Command{
		Use:     "decide <request-id> <responder-id>",
		Short:   "Record a responder's decision",
		Args:    cobra.ExactArgs(2),
		Example: "  muster decide req-1 red-cross --decision accepted --commit Medic=2 --commit Driver=1",
		RunE: func(cmd *cobra.Command, args []string) error {
			commitments, err := parseQuantities("--commit", commits)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				as, err := a.Engine.RecordDecision(ctx, engine.DecisionInput{
					RequestID:   args[0],
					ResponderID: args[1],
					Decision:    domain.Decision(strings.ToLower(strings.TrimSpace(decision))),
					Commitments: commitments,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printAssignments([]domain.Assignment{as})
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "accepted or declined")
	cmd.Flags().StringArrayVar(&commits, "commit", nil, "commitment as CATEGORY=N (repeatable)")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every change to requests, assignments and decisions, newest first.",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var requestID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				var items []domain.Event
				var err error
				if requestID != "" {
					items, err = a.Engine.EventLog(ctx, requestID, n, 0, evtType)
				} else {
					items, err = a.Engine.Repo.LatestEventsFrom(ctx, n, 0, repo.EventFilter{Type: evtType})
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Request", "Entity", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.RequestID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&requestID, "request", "", "only events of this request")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage muster.yml"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configSecretCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default muster.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

// configSecretCmd stores the JWT signing secret in the workspace .env so it
// stays out of muster.yml.
func configSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "secret [value]",
		Short: "Store the JWT secret in the workspace .env",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := ""
			if len(args) == 1 {
				secret = strings.TrimSpace(args[0])
			}
			if secret == "" {
				buf := make([]byte, 32)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				secret = hex.EncodeToString(buf)
			}
			path := filepath.Join(viper.GetString("workspace"), ".env")
			env, err := godotenv.Read(path)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return err
				}
				env = map[string]string{}
			}
			env["MUSTER_AUTH_JWT_SECRET"] = secret
			if err := godotenv.Write(env, path); err != nil {
				return err
			}
			fmt.Printf("Set MUSTER_AUTH_JWT_SECRET in %s\n", path)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Bearer tokens for the HTTP API"}
	cmd.AddCommand(tokenIssueCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed token naming an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("no JWT secret configured; run muster config secret")
			}
			token, err := server.IssueToken(cfg.Auth.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id carried by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
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
			if cmd.Flags().Changed("addr") || cfg.Server.Addr == "" {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") || cfg.Server.BasePath == "" {
				cfg.Server.BasePath = basePath
			}
			ctx := cmd.Context()
			a, err := app.Open(ctx, viper.GetString("workspace"), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if cfg.Auth.JWTSecret == "" {
				a.Logger.Warn("no JWT secret configured, bearer tokens will be rejected")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret},
				Logger:   a.Logger,
			})
			if err != nil {
				return err
			}
			dispatcher := server.NewWebhookDispatcher(a.Engine.Repo, cfg.Webhooks, a.Logger)
			go dispatcher.Run(ctx)

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Logger.Info("serving muster API",
				zap.String("addr", cfg.Server.Addr),
				zap.String("base_path", cfg.Server.BasePath),
				zap.Int("webhooks", len(cfg.Webhooks)),
			)
			fmt.Printf("Serving Muster API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

// loadConfig reads muster.yml and applies MUSTER_* environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("auth.jwt_secret"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := viper.GetString("lock.backend"); v != "" {
		cfg.Lock.Backend = v
	}
	if v := viper.GetString("redis.addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis.password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := viper.GetString("log.level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("log.format"); v != "" {
		cfg.Log.Format = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printRequest(req domain.Request, assignments []domain.Assignment) error {
	if viper.GetBool("json") {
		if assignments == nil {
			return printJSON(req)
		}
		return printJSON(map[string]any{"request": req, "assignments": assignments})
	}
	tw := newTable()
	tw.AppendRow(table.Row{"ID", req.ID})
	tw.AppendRow(table.Row{"Title", req.Title})
	if req.Description != "" {
		tw.AppendRow(table.Row{"Description", req.Description})
	}
	tw.AppendRow(table.Row{"Categories", formatCategories(req.Categories)})
	tw.AppendRow(table.Row{"Created", req.CreatedAt + " by " + req.CreatedBy})
	tw.Render()
	if len(assignments) > 0 {
		return printAssignments(assignments)
	}
	return nil
}

func printAssignments(items []domain.Assignment) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Responder", "Name", "Decision", "Commitments", "Decided at"})
	for _, a := range items {
		var parts []string
		for _, c := range a.Commitments {
			parts = append(parts, fmt.Sprintf("%s=%d", c.Category, c.Quantity))
		}
		decided := ""
		if a.DecidedAt != nil {
			decided = *a.DecidedAt
		}
		tw.AppendRow(table.Row{a.ResponderID, a.ResponderName, a.Decision, strings.Join(parts, ", "), decided})
	}
	tw.Render()
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func formatCategories(cats []domain.Category) string {
	parts := make([]string, 0, len(cats))
	for _, c := range cats {
		parts = append(parts, fmt.Sprintf("%s=%d", c.Name, c.Quota))
	}
	return strings.Join(parts, ", ")
}

func fulfilledLabel(ok bool) string {
	if ok {
		return "fulfilled"
	}
	return "open"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
