// Command reportctl drives one report from the command line the way an app
// screen does: a single start per attempt, polling to a terminal state, and
// an explicit failure once the type's time bound is exceeded.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/astro-report/internal/auth"
	"github.com/suPer8Hu/astro-report/internal/config"
	"github.com/suPer8Hu/astro-report/internal/payment"
	"github.com/suPer8Hu/astro-report/internal/report"
	"github.com/suPer8Hu/astro-report/internal/reportclient"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "reportctl",
		Short:        "Generate reports against a running API",
		SilenceUsage: true,
	}
	root.AddCommand(newGenerateCmd(), newTokenCmd(), newTypesCmd())
	return root
}

func newGenerateCmd() *cobra.Command {
	var (
		server       string
		token        string
		reportType   string
		input        report.Input
		paymentToken string
		retries      int
		bound        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Start a report and poll it to completion",
		Example: `  reportctl generate --token "$JWT" --type year-analysis --dob 1990-01-01 \
    --payment-token "$PAY"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			t := report.Type(reportType)
			if _, ok := report.Lookup(t); !ok {
				return fmt.Errorf("unknown report type %q", reportType)
			}
			return generate(ctx, cmd.OutOrStdout(), reportclient.NewClient(server, token), reportclient.Options{
				ReportType:   t,
				Input:        input,
				PaymentToken: paymentToken,
				AutoStart:    true,
				Bound:        bound,
			}, retries)
		},
	}
	f := cmd.Flags()
	f.StringVar(&server, "server", "http://localhost:8080", "API base URL")
	f.StringVar(&token, "token", os.Getenv("REPORT_JWT"), "bearer token (default $REPORT_JWT)")
	f.StringVar(&reportType, "type", string(report.TypeYearAnalysis), "report type")
	f.StringVar(&input.Name, "name", "", "name")
	f.StringVar(&input.DOB, "dob", "", "date of birth, YYYY-MM-DD")
	f.StringVar(&input.TOB, "tob", "", "time of birth, HH:MM")
	f.StringVar(&input.Place, "place", "", "place of birth")
	f.StringVar(&input.Timezone, "tz", "", "IANA timezone of the birth place")
	f.StringVar(&input.Question, "question", "", "question for decision-support")
	f.StringVar(&input.PartnerName, "partner", "", "partner name for marriage-timing")
	f.StringVar(&paymentToken, "payment-token", "", "payment token for paid types")
	f.IntVar(&retries, "retries", 0, "retry a failed attempt this many times")
	f.DurationVar(&bound, "bound", 0, "give up after this long (default: the report type's bound)")
	return cmd
}

func generate(ctx context.Context, out io.Writer, api reportclient.API, opts reportclient.Options, retries int) error {
	var last reportclient.Phase
	opts.OnUpdate = func(s reportclient.State) {
		if s.Phase == last {
			return
		}
		last = s.Phase
		fmt.Fprintf(out, "%-10s attempt=%s report=%s elapsed=%s\n",
			s.Phase, s.AttemptID, s.ReportID, s.Elapsed.Round(time.Millisecond))
	}
	c := reportclient.New(api, opts)
	defer c.Close()

	done := func() (reportclient.State, error) {
		t := time.NewTicker(100 * time.Millisecond)
		defer t.Stop()
		for {
			if s := c.Snapshot(); s.Phase.Terminal() {
				return s, nil
			}
			select {
			case <-ctx.Done():
				return c.Snapshot(), ctx.Err()
			case <-t.C:
			}
		}
	}

	if err := c.Mount(ctx); err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		s, err := done()
		if err != nil {
			return err
		}
		if s.Phase == reportclient.PhaseCompleted {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"reportId": s.ReportID,
				"quality":  s.Quality,
				"content":  s.Content,
			})
		}
		fmt.Fprintf(out, "failed: kind=%s code=%s message=%q\n", s.Failure.Kind, s.Failure.Code, s.Failure.Message)
		if attempt >= retries || !s.Failure.Retryable {
			return errors.New("report failed")
		}
		if err := c.Retry(ctx); err != nil {
			return err
		}
	}
}

func newTokenCmd() *cobra.Command {
	var (
		userID     uint64
		ttl        time.Duration
		intent     string
		reportType string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development JWT, and optionally a payment token",
		Long: `Mint tokens signed with the local JWT_SECRET and PAYMENT_TOKEN_SECRET.
Only for development environments.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if !cfg.IsDevelopment() {
				return errors.New("token minting is only available when APP_ENV=development")
			}
			jwt, err := auth.SignJWT(userID, cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "jwt=%s\n", jwt)
			if intent == "" {
				return nil
			}
			pay, err := payment.NewTokenVerifier(cfg.PaymentTokenSecret).Issue(intent, reportType, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "payment_token=%s\n", pay)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&userID, "user", 1, "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&intent, "intent", "", "payment intent id to mint a payment token for")
	cmd.Flags().StringVar(&reportType, "type", string(report.TypeYearAnalysis), "report type the payment token covers")
	return cmd
}

func newTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List report types",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, t := range report.Types() {
				spec, _ := report.Lookup(t)
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s paid=%-5t bound=%s sections=%d\n",
					t, spec.Paid, spec.ClientBound, len(spec.Sections))
			}
		},
	}
}
