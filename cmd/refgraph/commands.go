// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/refgraph/pkg/logging"
	"github.com/AleutianAI/refgraph/pkg/ux"
	"github.com/AleutianAI/refgraph/pkg/validation"
	"github.com/AleutianAI/refgraph/services/refgraph/archive"
	"github.com/AleutianAI/refgraph/services/refgraph/config"
	"github.com/AleutianAI/refgraph/services/refgraph/deserializer"
	"github.com/AleutianAI/refgraph/services/refgraph/encoded"
	"github.com/AleutianAI/refgraph/services/refgraph/history"
	"github.com/AleutianAI/refgraph/services/refgraph/registry"
	"github.com/AleutianAI/refgraph/services/refgraph/serializer"
)

// EnvConfigPath names the config file when --config is not given.
const EnvConfigPath = "REFGRAPH_CONFIG"

// =============================================================================
// APPLICATION STATE
// =============================================================================

// app carries the flags and the loaded configuration shared by every
// subcommand.
type app struct {
	configPath string
	dbPath     string
	inMemory   bool
	logLevel   string
	output     string
	trace      bool

	cfg     config.Config
	logger  *logging.Logger
	tracing *sdktrace.TracerProvider
}

// setup loads configuration, applies flag overrides and installs the
// process logger.
func (a *app) setup(cmd *cobra.Command) error {
	path := a.configPath
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Storage.Path = a.dbPath
	}
	if a.inMemory {
		cfg.Storage.InMemory = true
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	lc, err := cfg.LoggerConfig()
	if err != nil {
		return err
	}
	lc.Output = cmd.ErrOrStderr()
	a.logger = logging.New(lc)
	logging.Install(a.logger)

	if a.trace {
		exporter, err := stdouttrace.New(
			stdouttrace.WithWriter(cmd.ErrOrStderr()),
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		a.tracing = sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
		otel.SetTracerProvider(a.tracing)
	}
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	var errs []error
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	if a.logger != nil {
		if err := a.logger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *app) printer(cmd *cobra.Command) *ux.Printer {
	out := cmd.OutOrStdout()
	return ux.NewPrinter(out, ux.DetectPersonality(out, a.output))
}

// withStore opens the archive for the duration of fn.
func (a *app) withStore(fn func(*archive.Store) error) (err error) {
	store, err := archive.Open(a.cfg.ArchiveConfig(a.logger.Slog()))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(store)
}

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "refgraph",
		Short: "Inspect refgraph documents and their undo history",
		Long: `refgraph reads the document archive written by refgraph sessions.

Subcommands:
  docs     - List saved documents
  history  - Show the persisted undo history of a document
  show     - Print a document, or one of its checkpoints, as JSON
  delete   - Remove a document and its history
  config   - Print the effective configuration

Examples:
  refgraph docs --db ~/.refgraph/db
  refgraph history drawing-1
  refgraph show drawing-1 --index 0`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"config file (YAML or JSON); defaults to $"+EnvConfigPath)
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "archive directory, overrides storage.path")
	root.PersistentFlags().BoolVar(&a.inMemory, "in-memory", false, "use an empty in-memory archive")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")
	root.PersistentFlags().StringVar(&a.output, "output", "",
		"standard, minimal or machine; defaults to $"+ux.EnvPersonality+" or terminal detection")
	root.PersistentFlags().BoolVar(&a.trace, "trace", false, "print OpenTelemetry spans to stderr")

	root.AddCommand(newDocsCmd(a))
	root.AddCommand(newHistoryCmd(a))
	root.AddCommand(newShowCmd(a))
	root.AddCommand(newDeleteCmd(a))
	root.AddCommand(newConfigCmd(a))
	return root
}

func newDocsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "docs",
		Short: "List saved documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(store *archive.Store) error {
				ids, err := store.Documents(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				return nil
			})
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history DOCUMENT",
		Short: "Show the persisted undo history of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validation.SanitizeDocumentID(args[0])
			if err != nil {
				return err
			}
			return a.withStore(func(store *archive.Store) error {
				snap, err := store.LoadHistory(cmd.Context(), id)
				if err != nil {
					return err
				}
				if asJSON {
					data, err := json.MarshalIndent(snap, "", "  ")
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
					return err
				}
				printHistory(a.printer(cmd), id, snap)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full history snapshot as JSON")
	return cmd
}

func printHistory(p *ux.Printer, id string, snap *history.Snapshot) {
	p.Title("History of " + id)
	p.Field("mode", snap.Mode)
	p.Field("capacity", snap.Capacity)
	p.Field("cursor", snap.Cursor)
	p.Field("checkpoints", len(snap.Entries))
	if len(snap.Entries) == 0 {
		p.Muted("no checkpoints recorded since the last save")
		return
	}
	rows := make([][]string, len(snap.Entries))
	for i, e := range snap.Entries {
		marker := ""
		if i == snap.Cursor {
			marker = "*"
			if !p.Machine() {
				marker = ux.IconCursor.Render()
			}
		}
		rows[i] = []string{
			marker,
			fmt.Sprint(i),
			e.Info.ID.String(),
			time.UnixMilli(e.Info.RecordedAt).UTC().Format(time.RFC3339),
			fmt.Sprint(e.Info.Size),
		}
	}
	p.Table([]string{"", "INDEX", "ID", "RECORDED", "SIZE"}, rows)
}

func newShowCmd(a *app) *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "show DOCUMENT",
		Short: "Print a document, or one of its checkpoints, as JSON",
		Long: `Print the saved encoded tree of a document.

With --index, print the state of that history checkpoint instead. Delta
histories are materialized by replaying from the base state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validation.SanitizeDocumentID(args[0])
			if err != nil {
				return err
			}
			return a.withStore(func(store *archive.Store) error {
				var (
					v   encoded.Value
					err error
				)
				if index < 0 {
					v, err = store.LoadDocument(cmd.Context(), id)
				} else {
					v, err = checkpointState(cmd.Context(), store, id, index)
				}
				if err != nil {
					return err
				}
				data, err := encoded.MarshalIndent(v, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			})
		},
	}
	cmd.Flags().IntVar(&index, "index", -1, "history checkpoint to print; -1 prints the saved document")
	return cmd
}

// checkpointState loads the history of id into a scratch engine and
// materializes checkpoint i. No types are needed because nothing is
// deserialized.
func checkpointState(ctx context.Context, store *archive.Store, id string, i int) (encoded.Value, error) {
	snap, err := store.LoadHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	capacity := max(snap.Capacity, len(snap.Entries), 1)
	reg := registry.New()
	engine, err := history.NewEngine(serializer.New(reg), deserializer.New(reg),
		history.Config{Mode: snap.Mode, Capacity: capacity})
	if err != nil {
		return nil, err
	}
	if err := engine.Import(snap); err != nil {
		return nil, err
	}
	return engine.State(i)
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete DOCUMENT",
		Short: "Remove a document and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validation.SanitizeDocumentID(args[0])
			if err != nil {
				return err
			}
			return a.withStore(func(store *archive.Store) error {
				if err := store.Delete(cmd.Context(), id); err != nil {
					return err
				}
				a.logger.Info("document deleted", "document", id)
				a.printer(cmd).Success("deleted " + id)
				return nil
			})
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(a.cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
