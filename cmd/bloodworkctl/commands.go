package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vetlab/bloodwork-analyzer/internal/bootstrap"
	"github.com/vetlab/bloodwork-analyzer/internal/config"
	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
	"github.com/vetlab/bloodwork-analyzer/internal/core/usecase"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/queue/nats"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/repository/postgres"
	"github.com/vetlab/bloodwork-analyzer/internal/observability/logging"
)

const commandTimeout = 30 * time.Second

type cli struct {
	loadConfig func() (config.Config, error)
	openDB     func(context.Context, config.Config) (*sql.DB, error)
	now        func() time.Time

	cfg config.Config
}

func defaultCLI() *cli {
	return &cli{
		loadConfig: config.Load,
		openDB:     bootstrap.OpenDatabase,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "bloodworkctl",
		Short:         "Operator tools for the bloodwork analysis service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			c.cfg = cfg
			slog.SetDefault(logging.NewJSONLoggerTo(cmd.ErrOrStderr(), "bloodworkctl", cfg.LogLevel))
			return nil
		},
	}
	root.AddCommand(
		newMigrateCmd(c),
		newPatientCmd(c),
		newDiagnosticCmd(c),
		newEventsCmd(c),
	)
	return root
}

func (c *cli) withDB(cmd *cobra.Command, fn func(ctx context.Context, db *sql.DB) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	db, err := c.openDB(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, db)
}

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withDB(cmd, func(context.Context, *sql.DB) error {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	}
}

func newPatientCmd(c *cli) *cobra.Command {
	patient := &cobra.Command{
		Use:   "patient",
		Short: "Create and inspect patients",
	}

	var name, species, breed, createdBy string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a patient and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(name) == "" || strings.TrimSpace(species) == "" {
				return errors.New("--name and --species are required")
			}
			return c.withDB(cmd, func(ctx context.Context, db *sql.DB) error {
				id, err := postgres.NewSequenceRepository(db).NextID(ctx, "patient")
				if err != nil {
					return err
				}
				p := &domain.Patient{
					ID:        id,
					Name:      strings.TrimSpace(name),
					Species:   strings.TrimSpace(species),
					Breed:     strings.TrimSpace(breed),
					CreatedBy: createdBy,
					CreatedAt: c.now(),
					IsActive:  true,
				}
				if err := postgres.NewPatientRepository(db).Create(ctx, p); err != nil {
					return err
				}
				slog.Info("patient_created", "patient_id", p.ID)
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "patient name (required)")
	create.Flags().StringVar(&species, "species", "", "species, e.g. dog or cat (required)")
	create.Flags().StringVar(&breed, "breed", "", "breed")
	create.Flags().StringVar(&createdBy, "created-by", "ADM-001", "id of the operator creating the patient")

	get := &cobra.Command{
		Use:   "get <patient_id>",
		Short: "Print a patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withDB(cmd, func(ctx context.Context, db *sql.DB) error {
				p, err := postgres.NewPatientRepository(db).GetByID(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}

	patient.AddCommand(create, get)
	return patient
}

func newDiagnosticCmd(c *cli) *cobra.Command {
	diagnostic := &cobra.Command{
		Use:   "diagnostic",
		Short: "Inspect diagnostic records",
	}

	get := &cobra.Command{
		Use:   "get <diagnostic_id>",
		Short: "Print a diagnostic record with its analysis state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withDB(cmd, func(ctx context.Context, db *sql.DB) error {
				queries := usecase.NewDiagnosticQueryUseCase(postgres.NewDiagnosticRepository(db), postgres.NewPatientRepository(db))
				diag, err := queries.GetDiagnostic(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), struct {
					*domain.AnalysisRequest
					Status domain.AnalysisStatus `json:"status"`
				}{diag, diag.State().Status})
			})
		},
	}

	var page, limit int
	list := &cobra.Command{
		Use:   "list <patient_id>",
		Short: "List a patient's diagnostics, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withDB(cmd, func(ctx context.Context, db *sql.DB) error {
				queries := usecase.NewDiagnosticQueryUseCase(postgres.NewDiagnosticRepository(db), postgres.NewPatientRepository(db))
				result, err := queries.ListPatientDiagnostics(ctx, args[0], page, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	list.Flags().IntVar(&page, "page", 1, "1-based page number")
	list.Flags().IntVar(&limit, "limit", usecase.DefaultPageLimit, "page size")

	diagnostic.AddCommand(get, list)
	return diagnostic
}

func newEventsCmd(c *cli) *cobra.Command {
	events := &cobra.Command{
		Use:   "events",
		Short: "Follow terminal analysis events",
	}
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print analysis events as JSON lines until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.NATSURL == "" {
				return errors.New("NATS_URL is not configured")
			}
			bus, err := nats.New(c.cfg.NATSURL, c.cfg.NATSSubject, nats.Options{})
			if err != nil {
				return err
			}
			defer bus.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			return bus.SubscribeAnalysisEvents(ctx, func(_ context.Context, event domain.AnalysisEvent) error {
				return printJSONLine(out, event)
			})
		},
	}
	events.AddCommand(tail)
	return events
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func printJSONLine(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
