package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/contact"
	"github.com/Ramsey-B/fern/internal/repositories/history"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/locator"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/remediation"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// store joins the contact and history repositories behind remediation.Store.
type store struct {
	contacts  *contact.Repository
	histories *history.Repository
}

func (s store) Get(ctx context.Context, tenantID, id string) (*models.Contact, error) {
	return s.contacts.Get(ctx, tenantID, id)
}

func (s store) ListInactive(ctx context.Context, tenantID string, before time.Time) ([]models.Contact, error) {
	return s.contacts.ListInactive(ctx, tenantID, before)
}

func (s store) DeleteCascade(ctx context.Context, tenantID, contactID string) (models.HistoryCounts, error) {
	return s.contacts.DeleteCascade(ctx, tenantID, contactID)
}

func (s store) LastTicketActivity(ctx context.Context, contactID string) (*time.Time, error) {
	return s.histories.LastTicketActivity(ctx, contactID)
}

func (s store) CountByContact(ctx context.Context, contactID string) (models.HistoryCounts, error) {
	return s.histories.CountByContact(ctx, contactID)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "fern-remediate",
		Short:        "Review and clean up inactive LID-keyed contacts for one tenant",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, _ := cmd.Flags().GetString("tenant")
			inactiveDays, _ := cmd.Flags().GetInt("inactive-days")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			reportPath, _ := cmd.Flags().GetString("report")
			suffixDigits, _ := cmd.Flags().GetInt("suffix-digits")
			noEvents, _ := cmd.Flags().GetBool("no-events")
			envFile, _ := cmd.Flags().GetString("env-file")

			if inactiveDays < 1 {
				return fmt.Errorf("--inactive-days must be at least 1")
			}

			var envFiles []string
			if envFile != "" {
				envFiles = append(envFiles, envFile)
			}
			cfg, err := config.Load(envFiles...)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if !cmd.Flags().Changed("suffix-digits") {
				suffixDigits = cfg.RemediationSuffixDigits
			}
			if reportPath == "" {
				reportPath = fmt.Sprintf("remediation-%s-%s.json", tenantID, time.Now().UTC().Format("20060102T150405Z"))
			}

			logger, sync, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return remediate(ctx, cfg, logger, runOptions{
				tenantID:     tenantID,
				inactiveFor:  time.Duration(inactiveDays) * 24 * time.Hour,
				dryRun:       dryRun,
				reportPath:   reportPath,
				suffixDigits: suffixDigits,
				emitEvents:   !noEvents && !dryRun,
			}, cmd)
		},
	}

	cmd.Flags().String("tenant", "", "Tenant to remediate")
	cmd.Flags().Int("inactive-days", 90, "Only consider contacts with no activity for this many days")
	cmd.Flags().Bool("dry-run", false, "Categorize and report without changing anything")
	cmd.Flags().String("report", "", "Report output path (default remediation-<tenant>-<timestamp>.json)")
	cmd.Flags().Int("suffix-digits", remediation.DefaultSuffixDigits, "Trailing digits used to match a LID contact to a phone contact")
	cmd.Flags().Bool("no-events", false, "Do not publish contact events for applied changes")
	cmd.Flags().String("env-file", "", "Optional .env file to load before the environment")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

type runOptions struct {
	tenantID     string
	inactiveFor  time.Duration
	dryRun       bool
	reportPath   string
	suffixDigits int
	emitEvents   bool
}

func remediate(ctx context.Context, cfg *config.Config, logger ectologger.Logger, opts runOptions, cmd *cobra.Command) error {
	sqlDB, err := database.Connect(ctx, database.ConnectionConfig{
		Driver:          cfg.DatabaseDriver,
		Host:            cfg.DatabaseHost,
		Port:            cfg.DatabasePort,
		UserName:        cfg.DatabaseUserName,
		Password:        cfg.DatabasePassword,
		Name:            cfg.DatabaseName,
		SSLMode:         cfg.DatabaseSSLMode,
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	}, logger)
	if err != nil {
		return err
	}
	db := database.NewDatabaseInstance(sqlDB, logger)
	defer db.Close()

	contacts := contact.NewRepository(db, logger)
	histories := history.NewRepository(db, logger)

	loc := locator.NewLocator(contacts, logger, locator.Limits{Fanout: cfg.LocatorFanout})
	engine := merging.NewEngine(logger, histories, contacts, merging.Limits{
		ImmediateCap:         cfg.MergeImmediateCap,
		UnitTimeout:          cfg.MergeUnitTimeout,
		TicketWarnThreshold:  cfg.MergeTicketWarnThreshold,
		MessageWarnThreshold: cfg.MergeMessageWarnThreshold,
	})

	service := remediation.NewService(logger, store{contacts, histories}, loc, engine, remediation.Options{
		SuffixDigits: opts.suffixDigits,
		DryRun:       opts.dryRun,
	})

	if opts.emitEvents {
		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaOutputTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}, logger)
		defer producer.Close()
		service.WithNotifier(events.NewEmitter(producer, logger))
	}

	prompter := remediation.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
	session := remediation.NewSession(service, prompter, cmd.OutOrStdout(), logger)

	report, err := session.Run(ctx, opts.tenantID, opts.inactiveFor)
	if report != nil {
		if writeErr := report.Write(opts.reportPath); writeErr != nil {
			logger.WithError(writeErr).WithField("path", opts.reportPath).Error("Failed to write remediation report")
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s\n", opts.reportPath)
		}
	}
	return err
}

func newLogger(level string) (ectologger.Logger, func(), error) {
	zapCfg := zap.NewProductionConfig()
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	zapCfg.Level = zap.NewAtomicLevelAt(parsed)
	zapLogger, err := zapCfg.Build()
	if err != nil {
		return nil, nil, err
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), func() { _ = zapLogger.Sync() }, nil
}
