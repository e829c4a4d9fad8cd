package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/loansync/loansync/internal/alert"
	"github.com/loansync/loansync/internal/config"
	"github.com/loansync/loansync/internal/creditscore"
	"github.com/loansync/loansync/internal/ledger"
	"github.com/loansync/loansync/internal/ledger/indexer"
	"github.com/loansync/loansync/internal/ledger/rpc"
	"github.com/loansync/loansync/internal/session"
	"github.com/loansync/loansync/internal/storage"
	"github.com/loansync/loansync/internal/write"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "loansync",
	Short:        "LoanSync - ledger-backed loan and governance client",
	Long:         `Keeps a local view of loans, votes, members and credit scores consistent with a remote loan ledger`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "loansync.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(loanCmd)
	rootCmd.AddCommand(voteCmd)
	rootCmd.AddCommand(repayCmd)
	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(addMemberCmd)
	rootCmd.AddCommand(initScoreCmd)
	rootCmd.AddCommand(watchCmd)

	voteCmd.Flags().Bool("approve", false, "vote to approve the loan")
	voteCmd.Flags().Bool("reject", false, "vote to reject the loan")
	voteCmd.MarkFlagsMutuallyExclusive("approve", "reject")
	voteCmd.MarkFlagsOneRequired("approve", "reject")

	repayCmd.Flags().String("amount", "", "amount to repay (defaults to the full loan amount)")

	requestCmd.Flags().String("amount", "", "amount to borrow, e.g. 1.5")
	requestCmd.Flags().Uint64("duration", 30, "repayment period in days")
	_ = requestCmd.MarkFlagRequired("amount")
}

// runtime holds everything a command needs against the configured ledger.
type runtime struct {
	cfg     *config.Config
	log     *logrus.Logger
	store   *storage.Storage
	pool    *pgxpool.Pool
	session *session.Session
}

type runtimeOptions struct {
	subscribe bool
	poll      bool
	metrics   *session.Metrics
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func newRuntime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := newLogger(cfg)

	if err := os.MkdirAll(cfg.Cache.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.New(cfg.Cache.Path())
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	rt := &runtime{cfg: cfg, log: log, store: store}

	client := rpc.New(rpc.Config{
		URL:          cfg.Ledger.RPCURL,
		WSURL:        cfg.Ledger.WSURL,
		Contracts:    cfg.Ledger.Contracts(),
		Timeout:      cfg.Ledger.TimeoutDuration(),
		PollInterval: cfg.Ledger.PollDuration(),
	})
	gw := ledger.NewGateway(client, cfg.Ledger.Contracts(), log)

	sessOpts := []session.Option{
		session.WithCache(store),
		session.WithNotifier(alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)),
	}
	if opts.metrics != nil {
		sessOpts = append(sessOpts, session.WithMetrics(opts.metrics))
	}

	if cfg.Indexer.DSN != "" {
		pool, err := indexer.Connect(ctx, cfg.Indexer.DSN)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.pool = pool
		idx := indexer.New(pool)
		if err := idx.EnsureSchema(ctx); err != nil {
			rt.Close()
			return nil, err
		}
		sessOpts = append(sessOpts, session.WithIndexer(idx))
	}

	sessCfg := session.Config{
		Discovery: cfg.Discovery.Service(),
		MaxAge:    cfg.Cache.MaxAgeDuration(),
		Subscribe: opts.subscribe,
	}
	if opts.poll {
		sessCfg.PollSchedule = cfg.Sync.PollSchedule
	}

	sess, err := session.New(ctx, gw, sessCfg, log, sessOpts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.session = sess
	return rt, nil
}

func (r *runtime) Close() {
	if r.session != nil {
		r.session.Teardown()
	}
	if r.pool != nil {
		r.pool.Close()
	}
	if r.store != nil {
		r.store.Close()
	}
}

// sender switches the session to the configured account, which every write
// is sent from.
func (r *runtime) sender(ctx context.Context) error {
	if r.cfg.Ledger.From == "" {
		return fmt.Errorf("ledger.from is required to send transactions")
	}
	_, err := r.session.Switch(ctx, ledger.Address(r.cfg.Ledger.From))
	if err != nil && !ledger.IsKind(err, ledger.KindDiscoveryExhausted) {
		return err
	}
	return nil
}

func describe(err error) error {
	var lerr *ledger.Error
	if !errors.As(err, &lerr) {
		return err
	}
	switch lerr.Kind {
	case ledger.KindPreflightRejected:
		return fmt.Errorf("Transaction would fail: %s", ledger.ReasonOf(err))
	case ledger.KindUserRejected:
		return errors.New("Transaction cancelled by the signer")
	case ledger.KindReverted:
		return fmt.Errorf("Transaction reverted: %s", ledger.ReasonOf(err))
	case ledger.KindConnectionUnavailable:
		return fmt.Errorf("Ledger unavailable: %s", ledger.ReasonOf(err))
	}
	return err
}

func printResult(res *write.TransactionResult) {
	fmt.Printf("✅ %s confirmed\n", res.Operation)
	fmt.Printf("  Transaction: %s\n", res.TxHash)
	fmt.Printf("  Block: %d\n", res.BlockNumber)
}

// printLoans lists every id in ids, with details for the ones in loans.
func printLoans(ids []ledger.LoanID, loans []*ledger.Loan) {
	if len(ids) == 0 && len(loans) == 0 {
		fmt.Println("  No loans found")
		return
	}
	known := make(map[ledger.LoanID]bool, len(loans))
	for _, loan := range loans {
		known[loan.ID] = true
	}
	for _, id := range ids {
		if !known[id] {
			fmt.Printf("  - %s  (cached, details unavailable)\n", id)
		}
	}
	for _, loan := range loans {
		status := "pending"
		switch {
		case loan.IsPaid:
			status = "repaid"
		case loan.IsApproved:
			status = "active"
		}
		due := "-"
		if !loan.RepaymentDueAt.IsZero() {
			due = loan.RepaymentDueAt.Format("2006-01-02")
		}
		fmt.Printf("  - %s  %s  %-8s votes=%d due=%s\n",
			loan.ID, ledger.FormatAmount(loan.Amount), status, loan.VoteCount, due)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("loansync v0.1.0-alpha")
		fmt.Println("Ledger-backed loan and governance client")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data directory and cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := os.MkdirAll(cfg.Cache.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, err := storage.New(cfg.Cache.Path())
		if err != nil {
			return fmt.Errorf("failed to initialize cache: %w", err)
		}
		defer store.Close()

		fmt.Printf("Data directory: %s\n", cfg.Cache.DataDir)
		fmt.Printf("Cache path: %s\n", cfg.Cache.Path())
		return nil
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover <address>",
	Short: "List the loans, score and DAO members for an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx, runtimeOptions{})
		if err != nil {
			return err
		}
		defer rt.Close()

		_, err = rt.session.Switch(ctx, ledger.Address(args[0]))
		if err != nil && !ledger.IsKind(err, ledger.KindDiscoveryExhausted) {
			return describe(err)
		}

		view := rt.session.View()
		fmt.Printf("Address: %s\n", view.Address)
		if err != nil {
			fmt.Println("⚠️  Live discovery unavailable, showing cached loans")
		}
		if !view.CapturedAt.IsZero() {
			fmt.Printf("Captured: %s", view.CapturedAt.Local().Format(time.RFC3339))
			if view.Stale {
				fmt.Print(" (stale)")
			}
			fmt.Println()
		}

		fmt.Printf("\nLoans:\n")
		printLoans(view.LoanIDs, view.Loans)

		fmt.Printf("\nCredit score: ")
		if view.Score != nil && view.Score.HasScore {
			fmt.Printf("%d (%s)\n", view.Score.Score, view.ScoreBand)
		} else {
			fmt.Println("not initialized")
		}

		fmt.Printf("\nMembers:\n")
		for _, m := range view.Members {
			fmt.Printf("  - %s\n", m.Address)
		}
		return nil
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score <address>",
	Short: "Show the credit score for an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx, runtimeOptions{})
		if err != nil {
			return err
		}
		defer rt.Close()

		rec, err := rt.session.Scores().Refresh(ctx, ledger.Address(args[0]))
		if err != nil {
			return describe(err)
		}
		if !rec.HasScore {
			fmt.Printf("%s has no credit score yet\n", rec.Address)
			return nil
		}
		fmt.Printf("Address: %s\n", rec.Address)
		fmt.Printf("Score: %d (%s)\n", rec.Score, creditscore.BandOf(rec))
		return nil
	},
}

var loanCmd = &cobra.Command{
	Use:   "loan <id>",
	Short: "Show a loan and its approval status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx, runtimeOptions{})
		if err != nil {
			return err
		}
		defer rt.Close()

		id := ledger.LoanID(args[0])
		details, err := rt.session.Gateway().GetLoanDetails(ctx, id)
		if err != nil {
			if ledger.IsKind(err, ledger.KindNoRecord) {
				fmt.Printf("Loan %s does not exist\n", id)
				return nil
			}
			return describe(err)
		}
		snap, err := rt.session.Quorum().Refresh(ctx, id)
		if err != nil {
			return describe(err)
		}

		fmt.Printf("Loan: %s\n", details.ID)
		fmt.Printf("Borrower: %s\n", details.Borrower)
		fmt.Printf("Amount: %s\n", ledger.FormatAmount(details.Amount))
		if !details.RepaymentDueAt.IsZero() {
			fmt.Printf("Due: %s\n", details.RepaymentDueAt.Format(time.RFC3339))
		}
		fmt.Printf("Status: %s (%d/%d votes)\n", snap.Status, snap.Votes, snap.Required)
		fmt.Printf("Repaid: %t\n", details.IsPaid)
		return nil
	},
}

var voteCmd = &cobra.Command{
	Use:   "vote <id>",
	Short: "Vote on a pending loan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx, runtimeOptions{})
		if err != nil {
			return err
		}
		defer rt.Close()
		if err := rt.sender(ctx); err != nil {
			return describe(err)
		}

		choice := ledger.Approve
		if reject, _ := cmd.Flags().GetBool("reject"); reject {
			choice = ledger.Reject
		}
		res, err := rt.session.Writer().Vote(ctx, ledger.LoanID(args[0]), choice)
		if err != nil {
			return describe(err)
		}
		printResult(res)

		if snap, ok := rt.session.Quorum().Status(res.LoanID); ok {
			fmt.Printf("  Status: %s (%d/%d votes)\n", snap.Status, snap.Votes, snap.Required)
		}
		return nil
	},
}

var repayCmd = &cobra.Command{
	Use:   "repay <id>",
	Short: "Repay a loan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx, runtimeOptions{})
		if err != nil {
			return err
		}
		defer rt.Close()
		if err := rt.sender(ctx); err != nil {
			return describe(err)
		}

		var amount *big.Int
		if raw, _ := cmd.Flags().GetString("amount"); raw != "" {
			if amount, err = ledger.ParseAmount(raw); err != nil {
				return fmt.Errorf("Please enter a valid amount: %w", err)
			}
		}

		res, err := rt.session.Writer().Repay(ctx, ledger.LoanID(args[0]), amount)
		if err != nil {
			return describe(err)
		}
		printResult(res)

		if rec, ok := rt.session.State().Score(); ok && rec.HasScore {
			fmt.Printf("  Credit score: %d (%s)\n", rec.Score, creditscore.BandOf(rec))
		}
		return nil
	},
}

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Request a new loan",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		raw, _ := cmd.Flags().GetString("amount")
		amount, err := ledger.ParseAmount(raw)
		if err != nil || amount.Sign() <= 0 {
			return errors.New("Please enter a valid amount")
		}
		duration, _ := cmd.Flags().GetUint64("duration")

		rt, err := newRuntime(ctx, runtimeOptions{})
		if err != nil {
			return err
		}
		defer rt.Close()
		if err := rt.sender(ctx); err != nil {
			return describe(err)
		}

		res, err := rt.session.Writer().RequestLoan(ctx, amount, duration)
		if err != nil {
			return describe(err)
		}
		printResult(res)

		fmt.Printf("\nLoans:\n")
		view := rt.session.View()
		printLoans(view.LoanIDs, view.Loans)
		return nil
	},
}

var addMemberCmd = &cobra.Command{
	Use:   "add-member <address>",
	Short: "Add a DAO member (owner only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx, runtimeOptions{})
		if err != nil {
			return err
		}
		defer rt.Close()
		if err := rt.sender(ctx); err != nil {
			return describe(err)
		}

		res, err := rt.session.Writer().AddMember(ctx, ledger.Address(args[0]))
		if err != nil {
			return describe(err)
		}
		printResult(res)
		return nil
	},
}

var initScoreCmd = &cobra.Command{
	Use:   "init-score",
	Short: "Initialize the credit score for the configured account",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx, runtimeOptions{})
		if err != nil {
			return err
		}
		defer rt.Close()
		if err := rt.sender(ctx); err != nil {
			return describe(err)
		}

		res, err := rt.session.Writer().InitializeCreditScore(ctx)
		if err != nil {
			return describe(err)
		}
		printResult(res)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <address>",
	Short: "Follow an address until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		var metrics *session.Metrics
		var srv *http.Server
		if cfg.Metrics.ListenAddr != "" {
			metrics = session.PrometheusMetrics(cfg.Metrics.Namespace)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "metrics server failed: %v\n", err)
				}
			}()
			fmt.Printf("Metrics: http://%s/metrics\n", cfg.Metrics.ListenAddr)
		}

		rt, err := newRuntime(ctx, runtimeOptions{subscribe: true, poll: true, metrics: metrics})
		if err != nil {
			return err
		}
		defer rt.Close()

		_, err = rt.session.Switch(ctx, ledger.Address(args[0]))
		if err != nil && !ledger.IsKind(err, ledger.KindDiscoveryExhausted) {
			return describe(err)
		}
		view := rt.session.View()
		fmt.Printf("Watching %s (%d loans, %d active)\n", view.Address, len(view.Loans), len(view.ActiveLoans))
		fmt.Println("Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		cancel()
		if srv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}

		if block := rt.session.Reconciler().LastBlock(); block > 0 {
			fmt.Printf("Last block seen: %d\n", block)
		}
		fmt.Println("Stopped")
		return nil
	},
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
