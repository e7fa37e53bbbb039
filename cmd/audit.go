package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
	"github.com/JakeFAU/script-cpu-analyzer/internal/attribution"
	"github.com/JakeFAU/script-cpu-analyzer/internal/config"
	"github.com/JakeFAU/script-cpu-analyzer/internal/server"
)

// newLauncher builds the browser launcher for manual audits. Tests replace it.
var newLauncher = func(cfg config.Config, logger *zap.Logger) (analysis.BrowserLauncher, error) {
	return server.NewLauncher(cfg, 1, logger)
}

type auditOptions struct {
	url     string
	device  string
	runs    int
	inject  string
	consent string
}

func newAuditCmd() *cobra.Command {
	var opts auditOptions
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audits one URL and prints the CPU time per third-party entity",
		Example: `  analyzer audit --url https://www.toyota.fr/ --device mobile --runs 3`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return runAudit(cmd, rt, opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "page URL to audit (required)")
	cmd.Flags().StringVar(&opts.device, "device", string(analysis.DeviceMobile), "desktop or mobile")
	cmd.Flags().IntVar(&opts.runs, "runs", 1, "number of audits to run")
	cmd.Flags().StringVar(&opts.inject, "inject", "", "script URL to inject before page scripts")
	cmd.Flags().StringVar(&opts.consent, "consent", "", "CSS selector of the cookie consent button")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runAudit(cmd *cobra.Command, rt Runtime, opts auditOptions) error {
	device := analysis.Device(strings.ToLower(opts.device))
	if device != analysis.DeviceDesktop && device != analysis.DeviceMobile {
		return fmt.Errorf("device must be desktop or mobile, got %q", opts.device)
	}
	if opts.runs <= 0 {
		return fmt.Errorf("runs must be > 0")
	}

	attributor, err := attribution.New(rt.Config.Attribution.Entities)
	if err != nil {
		return fmt.Errorf("attribution init failed: %w", err)
	}
	launcher, err := newLauncher(rt.Config, rt.Logger.Named("audit"))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	browser, err := launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	defer func() {
		if cerr := browser.Close(); cerr != nil {
			rt.Logger.Warn("failed to close browser", zap.Error(cerr))
		}
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Starting manual analysis")
	fmt.Fprintf(out, "URL: %s\nDevice: %s\nRuns: %d\n", opts.url, device, opts.runs)
	fmt.Fprintln(out, strings.Repeat("-", 40))

	req := analysis.AuditRequest{
		URL:             opts.url,
		Device:          device,
		InjectScriptURL: opts.inject,
		ConsentSelector: opts.consent,
	}
	failed := 0
	for i := 0; i < opts.runs; i++ {
		fmt.Fprintf(out, "\nRun %d/%d...\n", i+1, opts.runs)
		start := time.Now()
		report, err := browser.Audit(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "Run %d failed: %v\n", i+1, err)
			continue
		}
		fmt.Fprintf(out, "Completed in %.2fs\n", time.Since(start).Seconds())
		printEntities(out, attributor.Attribute(report.Scripts))
	}
	if failed == opts.runs {
		return errors.New("every audit run failed")
	}
	return nil
}

func printEntities(w io.Writer, result attribution.Result) {
	names := make([]string, 0, len(result))
	for name := range result {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "Third-party script impact:")
	for _, name := range names {
		if cost := result[name].CPUTimeMs; cost > 0 {
			fmt.Fprintf(w, "- %s: %.2f ms\n", name, cost)
		}
	}
}
