package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidahmann/skillgate/core/config"
	coreerrors "github.com/davidahmann/skillgate/core/errors"
	"github.com/davidahmann/skillgate/core/ledger"
	"github.com/davidahmann/skillgate/core/logx"
	"github.com/davidahmann/skillgate/core/playbook"
)

const defaultConfigPathHint = config.DefaultPath

type app struct {
	stdout    io.Writer
	stderr    io.Writer
	lookupEnv func(string) (string, bool)
	now       func() time.Time

	configPath string
	jsonOutput bool
}

// session is everything one command invocation opened. close releases the
// playbook worker before the store so queued derivatives are written.
type session struct {
	cfg      config.Resolved
	logger   *slog.Logger
	ledger   *ledger.Ledger
	store    ledger.LocalStore
	playbook *playbook.Runner
	closers  []func()
}

func (s *session) close() {
	for index := len(s.closers) - 1; index >= 0; index-- {
		s.closers[index]()
	}
	s.closers = nil
}

// loadConfig reads the project config. An unset --config tolerates a missing
// default file.
func (a *app) loadConfig() (config.Resolved, error) {
	path := strings.TrimSpace(a.configPath)
	allowMissing := path == ""
	if allowMissing {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path, allowMissing)
	if err != nil {
		return config.Resolved{}, err
	}
	return config.Resolve(cfg, a.lookupEnv)
}

func (a *app) openSession(ctx context.Context, withPlaybook bool) (*session, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logx.New(a.stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryConfiguration, "config_invalid", "set log.level to debug, info, warn or error", false)
	}
	sess := &session{cfg: cfg, logger: logger}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sess.store = store
	sess.closers = append(sess.closers, closeStore)

	var remote ledger.RemoteSink
	if cfg.Ledger.Remote.URL != "" {
		sink, err := ledger.NewHTTPSink(ledger.RemoteConfig{
			URL:       cfg.Ledger.Remote.URL,
			Token:     cfg.Ledger.Remote.Token,
			JWTSecret: []byte(cfg.Ledger.Remote.JWTSecret),
			JWTIssuer: cfg.Ledger.Remote.JWTIssuer,
			Timeout:   cfg.RemoteTimeout,
		})
		if err != nil {
			sess.close()
			return nil, err
		}
		remote = sink
	}
	sess.ledger, err = ledger.New(ledger.Options{Local: store, Remote: remote, Logger: logger})
	if err != nil {
		sess.close()
		return nil, err
	}

	if withPlaybook && cfg.Playbook.Rules != "" {
		rules, err := playbook.LoadRules(cfg.Playbook.Rules)
		if err != nil {
			sess.close()
			return nil, coreerrors.Wrap(err, coreerrors.CategoryConfiguration, "playbook_rules_invalid", "fix the playbook rules file", false)
		}
		evaluator, err := playbook.NewEvaluator(rules)
		if err != nil {
			sess.close()
			return nil, coreerrors.Wrap(err, coreerrors.CategoryConfiguration, "playbook_rules_invalid", "fix the playbook rule conditions", false)
		}
		sess.playbook = playbook.NewRunner(evaluator, sess.ledger, playbook.RunnerOptions{
			QueueSize:   cfg.Playbook.QueueSize,
			ItemTimeout: cfg.PlaybookItemTimeout,
			Logger:      logger,
			Now:         a.now,
		})
		sess.closers = append(sess.closers, sess.playbook.Close)
	}
	return sess, nil
}

func openStore(ctx context.Context, cfg config.Resolved) (ledger.LocalStore, func(), error) {
	path := cfg.Ledger.Path
	switch cfg.Ledger.Backend {
	case config.BackendSQLite:
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, nil, coreerrors.Wrap(fmt.Errorf("create ledger directory: %w", err), coreerrors.CategoryPersistenceFailure, coreerrors.CodeLocalAppendFailed, "", false)
			}
		}
		store, err := ledger.OpenSQLiteStore(ctx, path)
		if err != nil {
			return nil, nil, coreerrors.Wrap(err, coreerrors.CategoryPersistenceFailure, coreerrors.CodeLocalAppendFailed, "check ledger.path", false)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		store, err := ledger.NewJSONLStore(path)
		if err != nil {
			return nil, nil, coreerrors.Wrap(err, coreerrors.CategoryConfiguration, "config_invalid", "set ledger.path", false)
		}
		return store, func() {}, nil
	}
}

func readJSONFile(path string, out any) error {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return coreerrors.New(coreerrors.CategoryInvalidInput, "input_missing", "input path is required", "")
	}
	var content []byte
	var err error
	if trimmed == "-" {
		content, err = io.ReadAll(os.Stdin)
	} else {
		// #nosec G304 -- input path is explicit local user input.
		content, err = os.ReadFile(trimmed)
	}
	if err != nil {
		return coreerrors.Wrap(fmt.Errorf("read %s: %w", trimmed, err), coreerrors.CategoryInvalidInput, "input_unreadable", "", false)
	}
	if err := json.Unmarshal(content, out); err != nil {
		return coreerrors.Wrap(fmt.Errorf("parse %s: %w", trimmed, err), coreerrors.CategoryInvalidInput, "input_invalid", "input must be a JSON document", false)
	}
	return nil
}

// emit writes output as JSON or through text and maps the exit code into the
// error cobra returns.
func (a *app) emit(output any, text func(io.Writer), exitCode int) error {
	if a.jsonOutput {
		return withExit(writeJSONOutput(a.stdout, output, exitCode))
	}
	text(a.stdout)
	return withExit(exitCode)
}

// fail reports err in the command's output format.
func (a *app) fail(err error, fallbackExit int) error {
	exitCode := exitCodeForError(err, fallbackExit)
	if a.jsonOutput {
		return withExit(writeJSONOutput(a.stdout, errorOutputFor(err), exitCode))
	}
	_, _ = fmt.Fprintln(a.stderr, "error:", err)
	if hint := coreerrors.HintOf(err); hint != "" {
		_, _ = fmt.Fprintln(a.stderr, "hint:", hint)
	}
	return withExit(exitCode)
}
