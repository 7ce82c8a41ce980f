package main

import (
	"context"
	"database/sql"
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
	"go.uber.org/zap"

	"federator/internal/config"
	"federator/internal/db"
	"federator/internal/engine"
	"federator/internal/fedclient"
	"federator/internal/ledger"
	"federator/internal/migrate"
	"federator/internal/receiver"
	"federator/internal/server"
	"federator/internal/summarize"
)

var rootCmd = &cobra.Command{
	Use:   "fed",
	Short: "Federator node CLI",
	Long: `Federator exchanges signed event batches between mutually-untrusted peers.
Each node keeps a durable ledger: outbox jobs with per-target delivery status,
and an idempotent inbox of everything received. Sends are explicit; nothing
retries in the background.`,
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
	viper.SetEnvPrefix("FEDERATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "federation.yaml", "config file")
	rootCmd.PersistentFlags().String("peer-id", "", "this node's peer id (overrides config)")
	rootCmd.PersistentFlags().String("state-dir", "dbs", "directory for database files")
	rootCmd.PersistentFlags().String("db", "", "database path (overrides state-dir)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("peer-id", rootCmd.PersistentFlags().Lookup("peer-id"))
	_ = viper.BindPFlag("state-dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(peersCmd())
}

func serveCmd() *cobra.Command {
	var addr, logLevel string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the receiver and the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Apply(conn, logger); err != nil {
				return err
			}
			store := ledger.Store{DB: conn}

			client, err := fedclient.New(cfg, logger)
			if err != nil {
				return err
			}
			eng := engine.New(cfg, store, client, summarize.FromConfig(cfg.Summarizer), logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rc, err := receiver.New(cfg, store, logger)
			if err != nil {
				return err
			}
			if rc.Enabled() {
				if err := rc.Start(); err != nil {
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					rc.Shutdown(sctx)
				}()
			} else {
				logger.Info("receiver disabled, send-only node")
			}

			handler, err := server.New(server.Config{
				Engine:   eng,
				Store:    store,
				Peers:    cfg,
				BasePath: cfg.Admin.BasePath,
				Auth:     server.AuthConfig{JWTSecret: viper.GetString("admin-jwt-secret")},
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Admin.Addr
			}
			if addr == "" {
				addr = "127.0.0.1:8080"
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			logger.Info("operator api listening", zap.String("addr", addr), zap.String("base_path", cfg.Admin.BasePath))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "operator api address (default from config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func docCmd() *cobra.Command {
	doc := &cobra.Command{Use: "doc", Short: "Compose document jobs"}
	doc.AddCommand(docAddCmd())
	return doc
}

func docAddCmd() *cobra.Command {
	var text, file, source, label string
	var targets []string
	var withSummary, summaryOnly, send bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a document for federation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" && file == "" {
				return fmt.Errorf("--text or --file required")
			}
			if text != "" && file != "" {
				return fmt.Errorf("--text and --file are mutually exclusive")
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				text = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, cfg *config.Config) error {
				if len(targets) == 0 {
					targets = cfg.OtherPeerIDs()
				}
				opts := engine.ComposeOptions{
					IncludeDocument: !summaryOnly,
					IncludeSummary:  withSummary || summaryOnly,
				}
				jobID, err := eng.ComposeJob(ctx, text, source, label, opts, targets)
				if err != nil {
					return err
				}
				if !send {
					return printJSONOrTable(map[string]any{"job_id": jobID, "targets": targets})
				}
				outcomes, err := eng.SendJob(ctx, jobID)
				if err != nil {
					return err
				}
				return printOutcomes(jobID, outcomes)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "document text")
	cmd.Flags().StringVar(&file, "file", "", "read document text from file")
	cmd.Flags().StringVar(&source, "source", "cli", "logical source of the document")
	cmd.Flags().StringVar(&label, "label", "", "job label")
	cmd.Flags().StringArrayVar(&targets, "to", nil, "target peer id (repeatable; default all other peers)")
	cmd.Flags().BoolVar(&withSummary, "with-summary", false, "attach a summary artifact")
	cmd.Flags().BoolVar(&summaryOnly, "summary-only", false, "send only the summary, not the document")
	cmd.Flags().BoolVar(&send, "send", false, "push immediately after queueing")
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Inspect and drive outbox jobs"}
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobEventsCmd())
	job.AddCommand(jobSendCmd("send", "Push a job to its pending targets"))
	job.AddCommand(jobSendCmd("resend", "Re-push a job to unsent targets"))
	return job
}

func jobListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store ledger.Store, _ *config.Config) error {
				jobs, err := store.ListJobs(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Job", "Created", "Label", "Targets"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.JobID, fmtTS(j.CreatedAt), j.Label, strings.Join(j.Targets, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")
	return cmd
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show per-target delivery status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store ledger.Store, _ *config.Config) error {
				if _, err := store.GetJobEvents(ctx, args[0]); err != nil {
					return err
				}
				dels, err := store.ListDeliveries(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(dels)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Target", "Status", "Attempts", "Last Attempt", "HTTP", "Error"})
				for _, d := range dels {
					tw.AppendRow(table.Row{
						d.TargetPeerID, d.Status, d.Attempts,
						fmtTSPtr(d.LastAttemptAt), intOrBlank(d.LastHTTPStatus), strOrBlank(d.LastError),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func jobEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <job-id>",
		Short: "Print the events a job carries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store ledger.Store, _ *config.Config) error {
				evs, err := store.GetJobEvents(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(evs)
			})
		},
	}
	return cmd
}

func jobSendCmd(use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, eng engine.Engine, _ *config.Config) error {
				drive := eng.SendJob
				if use == "resend" {
					drive = eng.ResendJob
				}
				outcomes, err := drive(ctx, args[0])
				if err != nil {
					return err
				}
				return printOutcomes(args[0], outcomes)
			})
		},
	}
	return cmd
}

func inboxCmd() *cobra.Command {
	inbox := &cobra.Command{Use: "inbox", Short: "Inspect received pushes and events"}
	inbox.AddCommand(inboxPushesCmd())
	inbox.AddCommand(inboxEventsCmd())
	inbox.AddCommand(inboxShowCmd())
	return inbox
}

func inboxPushesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pushes",
		Short: "List received pushes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store ledger.Store, _ *config.Config) error {
				pushes, err := store.ListInboxPushes(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pushes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Push", "Received", "From", "Events", "Bytes"})
				for _, p := range pushes {
					tw.AppendRow(table.Row{p.PushID, fmtTS(p.ReceivedAt), strOrBlank(p.FromPeerID), p.EventsCount, p.BytesLen})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum pushes to list")
	return cmd
}

func inboxEventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List received events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store ledger.Store, _ *config.Config) error {
				events, err := store.ListInboxEvents(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Event", "Received", "From", "Type", "Doc", "Kind"})
				for _, e := range events {
					tw.AppendRow(table.Row{
						e.EventID, fmtTS(e.ReceivedAt), strOrBlank(e.FromPeerID),
						e.EventType, strOrBlank(e.DocID), strOrBlank(e.Kind),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to list")
	return cmd
}

func inboxShowCmd() *cobra.Command {
	var push bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print the stored payload of an event, or a push body with --push",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store ledger.Store, _ *config.Config) error {
				var body string
				var err error
				if push {
					body, err = store.GetInboxPushBody(ctx, args[0])
				} else {
					body, err = store.GetInboxEventPayload(ctx, args[0])
				}
				if err != nil {
					return err
				}
				var v any
				if json.Unmarshal([]byte(body), &v) == nil {
					return printJSON(v)
				}
				fmt.Println(body)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&push, "push", false, "id is a push id, show the raw push body")
	return cmd
}

func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Show the configured roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Peers)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Peer", "Name", "URL", "Verify", "Self"})
			for _, p := range cfg.Peers {
				self := ""
				if p.PeerID == cfg.Self.PeerID {
					self = "*"
				}
				tw.AppendRow(table.Row{p.PeerID, p.Name, p.URL, p.TLS.Verify.Enabled, self})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

// --- helpers ---

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("config"), viper.GetString("peer-id"))
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	return db.Open(db.Config{
		StateDir: viper.GetString("state-dir"),
		PeerID:   cfg.Self.PeerID,
		Path:     viper.GetString("db"),
	})
}

func withStore(ctx context.Context, fn func(context.Context, ledger.Store, *config.Config) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, ledger.Store{DB: conn}, cfg)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, *config.Config) error) error {
	return withStore(ctx, func(ctx context.Context, store ledger.Store, cfg *config.Config) error {
		client, err := fedclient.New(cfg, nil)
		if err != nil {
			return err
		}
		eng := engine.New(cfg, store, client, summarize.FromConfig(cfg.Summarizer), nil)
		return fn(ctx, eng, cfg)
	})
}

func printOutcomes(jobID string, outcomes []engine.SendOutcome) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"job_id": jobID, "outcomes": outcomes})
	}
	if len(outcomes) == 0 {
		fmt.Println("nothing to send: no pending or failed targets")
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Target", "OK", "Attempts", "HTTP", "Message"})
	for _, o := range outcomes {
		tw.AppendRow(table.Row{o.TargetPeerID, o.Result.OK, o.Attempts, o.Result.HTTPStatus, o.Result.Message})
	}
	tw.Render()
	return nil
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

func fmtTS(ts float64) string {
	if ts == 0 {
		return ""
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC().Format("2006-01-02 15:04:05")
}

func fmtTSPtr(ts *float64) string {
	if ts == nil {
		return ""
	}
	return fmtTS(*ts)
}

func strOrBlank(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intOrBlank(v *int) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%d", *v)
}
