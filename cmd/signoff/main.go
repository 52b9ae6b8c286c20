package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"signoff/internal/app"
	"signoff/internal/committer"
	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/migrate"
	"signoff/internal/repo"
	"signoff/internal/server"
	"signoff/internal/telemetry"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "signoff",
	Short: "Threshold-gated change approval",
	Long: `signoff collects approvals for proposed changes and commits them once enough
eligible actors have signed off.
- Drafts: a proposed transaction (tx_sign) or a new rule configuration (rule_change).
- Votes: one approval or rejection per actor per draft; approvals carry an authorization blob.
- Rules: the committed configuration naming, per rule key, the eligible roles and the threshold.
- Rule changes resolve early: approved once the threshold is met, denied once it can no longer be.
- Transactions commit once enough eligible approvals exist.
- Event log: every mutation, view with 'signoff log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(cmd.ErrOrStderr()))
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
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SIGNOFF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	flags.Bool("trace", false, "write OpenTelemetry spans to stderr")
	flags.String("signing-key", "", "committer ed25519 seed (hex or base64); defaults to the workspace key file")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format", "trace", "signing-key", "jwt-secret"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(commitCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create signoff.yml, the database and the signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s exists; keeping it (use --force to overwrite)\n", path)
			} else if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return runEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				res, err := app.Bootstrap(ctx, e, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing signoff.yml")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" && !legacyHeader {
				return fmt.Errorf("SIGNOFF_JWT_SECRET is required for bearer auth")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:              secret,
						AllowLegacyActorHeader: legacyHeader,
					},
					RateLimit: server.RateLimitConfig{
						PerSecond: e.Config.Server.RateLimit.PerSecond,
						Burst:     e.Config.Server.RateLimit.Burst,
					},
					Logger: e.Logger,
				})
				if err != nil {
					return err
				}
				go server.NewWebhookDispatcher(e.Repo, e.Config.Webhooks, e.Logger).Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				e.Logger.Info("serving signoff API", "addr", "http://"+addr+basePath, "openapi", basePath+"/openapi.json", "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (development only)")
	return cmd
}

func draftCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "draft", Short: "Manage drafts"}
	cmd.AddCommand(draftCreateCmd())
	cmd.AddCommand(draftListCmd())
	cmd.AddCommand(draftShowCmd())
	cmd.AddCommand(draftCancelCmd())
	return cmd
}

func draftCreateCmd() *cobra.Command {
	var kind, file, payload, ruleKey string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Propose a transaction or a rule change",
		Long: `Create a draft. A tx_sign payload is a JSON object; a rule_change payload is a
rule set in YAML or JSON. Without --rule-key a transaction is routed by the
rules' match expressions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(cmd.InOrStdin(), file, payload)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ref, err := e.CreateDraft(ctx, engine.CreateDraftInput{
					Kind:      domain.DraftKind(kind),
					CreatorID: viper.GetString("actor-id"),
					Payload:   body,
					RuleKey:   ruleKey,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ref)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(domain.KindTxSign), "tx_sign or rule_change")
	cmd.Flags().StringVarP(&file, "file", "f", "", "payload file (- for stdin)")
	cmd.Flags().StringVar(&payload, "payload", "", "inline payload")
	cmd.Flags().StringVar(&ruleKey, "rule-key", "", "rule governing a tx_sign draft")
	return cmd
}

func draftListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List open drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListOpenDrafts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Kind", "Rule", "Status", "Approvals", "Rejections", "Threshold", "Creator", "Expiry"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Kind, d.RuleKey, d.Status, d.Tally.Approvals, d.Tally.Rejections, d.Threshold, d.CreatorID, d.Expiry.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func draftShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <draft-id>",
		Short: "Show a draft, its votes and its evaluation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDraft(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s  %s  %s\n", d.ID, d.Kind, d.Status)
				fmt.Fprintf(out, "rule: %s  digest: %s\n", d.RuleKey, d.PayloadDigest)
				fmt.Fprintf(out, "creator: %s  expires: %s\n", d.CreatorID, d.Expiry.Format(time.RFC3339))
				if d.Requirement != nil {
					fmt.Fprintf(out, "threshold: %d of roles %s\n", d.Requirement.Threshold, strings.Join(d.Requirement.EligibleRoles, ","))
				}
				if d.EvaluationError != "" {
					fmt.Fprintf(out, "evaluation: %s\n", d.EvaluationError)
				}
				fmt.Fprintln(out, d.PayloadDescription)
				tw := newTable(out)
				tw.AppendHeader(table.Row{"Voter", "Vote", "At"})
				for _, v := range d.Votes {
					vote := "approve"
					if v.Rejected {
						vote = "reject"
					}
					tw.AppendRow(table.Row{v.VoterID, vote, v.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func draftCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <draft-id>",
		Short: "Cancel a draft you created",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.CancelDraft(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func voteCmd() *cobra.Command {
	var reject bool
	var authorization, authFile string
	cmd := &cobra.Command{
		Use:   "vote <draft-id>",
		Short: "Approve or reject a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var blob []byte
			if authFile != "" {
				b, err := os.ReadFile(authFile)
				if err != nil {
					return err
				}
				blob = b
			} else if authorization != "" {
				blob = []byte(authorization)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Vote(ctx, engine.VoteInput{
					DraftID:       args[0],
					VoterID:       viper.GetString("actor-id"),
					Approve:       !reject,
					Authorization: blob,
				})
				if err != nil && res.DraftID != "" {
					_ = printJSONOrTable(res)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	cmd.Flags().StringVar(&authorization, "authorization", "", "authorization blob")
	cmd.Flags().StringVar(&authFile, "authorization-file", "", "read the authorization blob from a file")
	return cmd
}

func commitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit <draft-id>",
		Short: "Sign and commit an approved draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ref, err := e.Commit(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ref)
			})
		},
	}
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rules", Short: "Inspect the rule configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current rule configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg, err := e.CurrentRules(ctx)
				if err != nil {
					return err
				}
				var doc any
				if err := json.Unmarshal(cfg.Payload, &doc); err != nil {
					return err
				}
				return printJSON(map[string]any{
					"id":           cfg.ID,
					"version":      cfg.Version,
					"draft_id":     cfg.DraftID,
					"committed_at": cfg.CommittedAt,
					"rules":        doc,
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check the current configuration's certificate against the committer key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				signer, ok := e.Committer.(*committer.Signer)
				if !ok {
					return errors.New("committer does not expose a public key")
				}
				cert, err := e.VerifyCurrentRules(ctx, signer.Public())
				if err != nil {
					return err
				}
				return printJSONOrTable(cert)
			})
		},
	})
	var n int
	history := &cobra.Command{
		Use:   "history",
		Short: "List committed rule configurations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.RuleHistory(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Version", "Draft", "Committed"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Version, c.DraftID, c.CommittedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	history.Flags().IntVar(&n, "n", 20, "number of configurations")
	cmd.AddCommand(history)
	return cmd
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "role", Short: "Manage the role directory"}
	var target, role string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, target, role, viper.GetString("actor-id"))
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role; the actor's past votes stop counting",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, target, role, viper.GetString("actor-id"))
			})
		},
	}
	for _, c := range []*cobra.Command{grant, revoke} {
		c.Flags().StringVar(&target, "actor", "", "actor id")
		c.Flags().StringVar(&role, "role", "", "role id")
	}
	var filter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List role grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				grants, err := e.ListRoleGrants(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(grants)
				}
				tw := newTable(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"Actor", "Role", "Granted"})
				for _, g := range grants {
					tw.AppendRow(table.Row{g.ActorID, g.RoleID, g.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&filter, "actor", "", "only this actor")
	cmd.AddCommand(grant, revoke, list)
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every draft, vote, commit and role change, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, repo.EventFilter{
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "DEV ONLY: mint a bearer token for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return runEngine(ctx, true, fn)
}

// runEngine opens the workspace and hands fn an engine. With bootstrap set an
// empty store is seeded from signoff.yml first.
func runEngine(ctx context.Context, bootstrap bool, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	signer, err := loadSigner(workspace)
	if err != nil {
		return err
	}
	shutdown, err := telemetry.Setup(ctx, "signoff", version, os.Stderr, viper.GetBool("trace"))
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	e := engine.New(conn, cfg, signer)
	e.Logger = slog.Default()
	if bootstrap {
		if _, err := app.Bootstrap(ctx, e, "system"); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// loadSigner uses --signing-key when set, else the workspace key file,
// creating it on first use.
func loadSigner(workspace string) (*committer.Signer, error) {
	if seed := viper.GetString("signing-key"); seed != "" {
		return committer.NewSigner(seed)
	}
	dir, err := db.EnsureWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "signing.key")
	data, err := os.ReadFile(path)
	if err == nil {
		return committer.NewSigner(strings.TrimSpace(string(data)))
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	signer, err := committer.NewSigner("")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(signer.Key.Seed())+"\n"), 0o600); err != nil {
		return nil, err
	}
	return signer, nil
}

func readPayload(stdin io.Reader, file, inline string) ([]byte, error) {
	switch {
	case inline != "" && file != "":
		return nil, errors.New("use either --payload or --file")
	case inline != "":
		return []byte(inline), nil
	case file == "-":
		return io.ReadAll(stdin)
	case file != "":
		return os.ReadFile(file)
	}
	return nil, errors.New("--payload or --file required")
}

func newLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if viper.GetString("log-format") == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	return tw
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
