package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/graphstore/core/indexmanager"
	"github.com/sushant-115/graphstore/core/storage_engine/fs"
	"github.com/sushant-115/graphstore/pkg/config"
	"github.com/sushant-115/graphstore/pkg/logger"
	"github.com/sushant-115/graphstore/pkg/telemetry"
)

// session is the store a command runs against. The shell keeps one
// session open across commands; one-shot commands open and close it.
type session struct {
	cfg       *config.Config
	fsys      fs.FileSystem
	logger    *zap.Logger
	manager   *indexmanager.Manager
	telemetry *telemetry.Telemetry
	shutdown  telemetry.ShutdownFunc
}

type globalFlags struct {
	home      string
	config    string
	logLevel  string
	ephemeral bool
}

func openSession(flags *globalFlags) (*session, error) {
	cfg, err := config.Load(flags.home, flags.config)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Logger.Level = flags.logLevel
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	var fsys fs.FileSystem = fs.NewOSFileSystem()
	if flags.ephemeral {
		fsys = fs.NewEphemeralFileSystem()
	}
	m, err := indexmanager.New(cfg.ManagerConfig(), fsys, log, tel)
	if err != nil {
		return nil, multierr.Append(err, shutdown(context.Background()))
	}
	return &session{cfg: cfg, fsys: fsys, logger: log, manager: m, telemetry: tel, shutdown: shutdown}, nil
}

func (s *session) close() error {
	err := s.manager.Close()
	err = multierr.Append(err, s.shutdown(context.Background()))
	_ = s.logger.Sync()
	return err
}

// index opens name unless the session already has it open.
func (s *session) index(ctx context.Context, name string) error {
	if _, release, err := s.manager.Index(name); err == nil {
		release()
		return nil
	}
	return s.manager.OpenIndex(ctx, name)
}

// app carries the state shared by all commands of one root command.
type app struct {
	flags globalFlags
	// shared is set while the shell runs.
	shared *session
}

// withSession runs fn against the shell's session or a fresh one.
func (a *app) withSession(fn func(*session) error) (err error) {
	if a.shared != nil {
		return fn(a.shared)
	}
	s, err := openSession(&a.flags)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, s.close()) }()
	return fn(s)
}

func newRootCmd() *cobra.Command {
	return buildRootCmd(&app{})
}

func buildRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "graphstore_cli",
		Short:         "graphstore - inspect and maintain number index stores",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.home, "home", "", "store home directory (default $"+config.HomeEnv+" or ~/.local/share/graphstore)")
	pf.StringVar(&a.flags.config, "config", "", "config file (default <home>/config.yaml)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "override logger.level")
	pf.BoolVar(&a.flags.ephemeral, "ephemeral", false, "keep the store in memory; mostly useful with shell")

	root.AddCommand(
		newListCmd(a),
		newCreateCmd(a),
		newInspectCmd(a),
		newCheckCmd(a),
		newDumpCmd(a),
		newAddCmd(a),
		newRemoveCmd(a),
		newQueryCmd(a),
		newBackupCmd(a),
		newShellCmd(a),
	)
	return root
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
