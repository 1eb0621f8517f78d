package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"schoolchat/api"
	"schoolchat/config"
	"schoolchat/hub"
	"schoolchat/logging"
	"schoolchat/session"
	"schoolchat/storage"
)

// app holds the process-wide singletons shared by every command.
type app struct {
	cfg      *config.ClientConfig
	cfgPath  string
	logger   *zap.Logger
	store    *storage.Store
	tokens   *session.TokenStore
	client   *api.Client
	notifier *hub.Notifier
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.IsDebug())
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	store, dbPath, err := storage.Open(filepath.Dir(cfgPath), logger)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("open secure store: %w", err)
	}
	logger.Debug("secure store opened", zap.String("path", dbPath))

	a := &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		logger:  logger,
		store:   store,
		tokens:  session.NewTokenStore(store),
	}

	baseURL := cfg.ResolveBaseURL()
	a.client, err = api.New(api.Options{
		BaseURL:            baseURL,
		Tokens:             a.tokens,
		InsecureTLS:        cfg.InsecureTLS(),
		Timeout:            cfg.RequestTimeout(),
		RequestsPerSecond:  cfg.RequestsPerSecond,
		BreakerMaxFailures: cfg.BreakerMaxFailures,
		BreakerOpen:        cfg.BreakerOpen(),
		OnUnauthorized:     a.expireSession,
		Logger:             logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.notifier, err = hub.NewNotifier(hub.Options{
		BaseURL:        baseURL,
		Tokens:         a.tokens,
		InsecureTLS:    cfg.InsecureTLS(),
		MaxRetries:     cfg.HubMaxRetries,
		InitialBackoff: cfg.HubInitialBackoff(),
		MaxBackoff:     cfg.HubMaxBackoff(),
		Logger:         logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.tokens.OnChange(func(token string) {
		if token == "" {
			a.client.Reset()
			a.notifier.Disconnect()
		}
	})

	logger.Debug("client ready",
		zap.String("environment", cfg.Environment),
		zap.String("base_url", baseURL),
		zap.String("config", cfgPath),
	)
	return a, nil
}

// expireSession is the single place a 401 is handled: the token is dropped
// so the next command asks for a login.
func (a *app) expireSession() {
	a.logger.Warn("session rejected by backend, clearing token")
	if err := a.tokens.Clear(); err != nil {
		a.logger.Error("clear token", zap.Error(err))
	}
}

func (a *app) Close() {
	if a.notifier != nil {
		a.notifier.Disconnect()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close secure store", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// requireUser returns the signed-in user id.
func (a *app) requireUser() (int64, error) {
	userID, err := a.tokens.CurrentUserID()
	if errors.Is(err, session.ErrNoToken) {
		return 0, errors.New("not logged in, run `schoolchat login` first")
	}
	if err != nil {
		return 0, err
	}
	return userID, nil
}

// withApp wraps a command body with app setup and teardown.
func withApp(run func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return presentError(run(cmd, args, a))
	}
}

// presentError turns backend failures into the text a user should see.
func presentError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		if text := api.UserMessage(err); text != "" {
			return errors.New(text)
		}
	}
	return err
}
