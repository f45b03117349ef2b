package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/actions"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/auth"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/config"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/persona"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/verifier"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/versioning"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServe

// Run is the entrypoint for testing. It returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if args == nil {
		args = []string{}
	}
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "coworkerd",
		Short:         "AI coworker service for real-estate teams",
		SilenceUsage:  true,
		SilenceErrors: true,
		// with no subcommand, serve
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), stderr)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		newServeCmd(stderr),
		newPersonasCmd(stdout),
		newNormalizeCmd(stdout),
		newVersionCmd(stdout),
		newTokenCmd(stdout),
		newVerifyCmd(stdout),
	)
	return root
}

func newServeCmd(stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), stderr)
		},
	}
}

func serve(parent context.Context, stderr io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return startServer(ctx, cfg, logger)
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func newPersonasCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List the persona catalog",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			registry, err := loadRegistry(cfg)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tNAME\tSPECIALTY\t")
			def := registry.Default().ID
			for _, p := range registry.All() {
				id := p.ID
				if id == def {
					id += " (default)"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t\n", id, p.DisplayName, p.Specialty)
			}
			return tw.Flush()
		},
	}
}

func newNormalizeCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <raw>",
		Short: "Resolve a free-form action label against the vocabulary",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			t, err := actions.DefaultNormalizer().Resolve(strings.Join(args, " "))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, t)
			return nil
		},
	}
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(stdout, versioning.Current().String())
		},
	}
}

func newTokenCmd(stdout io.Writer) *cobra.Command {
	var (
		subject string
		tenant  string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			validator := auth.NewJWTValidator(cfg.JWTSecret, cfg.JWTIssuer)
			if validator == nil {
				return errors.New("JWT_SECRET is not set")
			}
			if tenant == "" {
				return errors.New("--tenant is required")
			}
			token, err := validator.Sign(subject, tenant, roles, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject (operator id)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"operator"}, "role to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func newVerifyCmd(stdout io.Writer) *cobra.Command {
	var (
		checksum string
		jsonOut  bool
	)
	cmd := &cobra.Command{
		Use:   "verify <pack.zip>",
		Short: "Verify an exported audit evidence pack offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			report, err := verifier.VerifyPackFile(args[0], checksum)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				for _, c := range report.Checks {
					mark := "ok  "
					note := c.Detail
					if !c.Pass {
						mark = "FAIL"
						note = c.Reason
					}
					_, _ = fmt.Fprintf(stdout, "%s %-14s %s\n", mark, c.Name, note)
				}
				_, _ = fmt.Fprintln(stdout, report.Summary)
			}
			if !report.Verified {
				return fmt.Errorf("pack %s failed verification", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&checksum, "sha256", "", "expected pack checksum (X-Content-SHA256)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the report as JSON")
	return cmd
}

// loadRegistry reads PERSONA_CATALOG when set, otherwise the built-in catalog.
func loadRegistry(cfg *config.Config) (*persona.Registry, error) {
	if cfg.PersonaCatalog != "" {
		return persona.LoadFile(cfg.PersonaCatalog, cfg.DefaultPersona)
	}
	return persona.Builtin(cfg.DefaultPersona)
}
