// Package app wires configuration, credentials, the chat session and the
// diagnostics listener into one lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"pingo/internal/retention"
	"pingo/pkg/auth"
	"pingo/pkg/banner"
	"pingo/pkg/config"
	"pingo/pkg/history"
	"pingo/pkg/logger"
	"pingo/pkg/models"
	"pingo/pkg/session"
)

// App encapsulates the client components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	creds auth.CredentialProvider
	sess  *session.Session

	srv *http.Server
}

// New validates the effective config and builds the session. It does not
// start the diagnostics listener or the retention scheduler; call Run for
// those.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	creds, user, err := credentialsFromEnv(eff.APIURL)
	if err != nil {
		return nil, err
	}

	cfg := eff.Config
	heartbeat, err := cfg.HeartbeatInterval()
	if err != nil {
		return nil, err
	}
	base, err := cfg.ReconnectBase()
	if err != nil {
		return nil, err
	}
	dialTimeout, err := cfg.DialTimeout()
	if err != nil {
		return nil, err
	}

	sess, err := session.New(session.Options{
		WSBase:               eff.WSURL,
		Credentials:          creds,
		Loader:               history.NewRESTLoader(eff.APIURL, creds),
		User:                 user,
		Heartbeat:            heartbeat,
		ReconnectBase:        base,
		DialTimeout:          dialTimeout,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		MaxBackoffDoublings:  cfg.Connection.MaxBackoffDoublings,
		MaxMessageLength:     cfg.Send.MaxLength,
		SendRPS:              cfg.Send.RateLimit.RPS,
		SendBurst:            cfg.Send.RateLimit.Burst,
		QueueCapacity:        cfg.Dispatch.QueueCapacity,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build session: %w", err)
	}

	return &App{eff: eff, version: version, commit: commit, buildDate: buildDate, creds: creds, sess: sess}, nil
}

// Session returns the running chat session.
func (a *App) Session() *session.Session { return a.sess }

// Run starts the diagnostics listener (if configured) and the retention
// scheduler, then blocks until ctx is canceled or a fatal listener error
// occurs.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	cancelRetention, err := retention.Start(ctx, a.eff.Config.Retention, a.sess)
	if err != nil {
		return err
	}
	defer cancelRetention()

	errCh := a.startDiagnostics(ctx)

	select {
	case <-ctx.Done():
		a.shutdownDiagnostics()
		a.sess.Close()
		return nil
	case err := <-errCh:
		a.sess.Close()
		return err
	}
}

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "" && a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.PrintWithEff(a.eff, verStr)
}

// credentialsFromEnv builds the credential provider from PINGO_* env
// vars. A refresh token yields a self-refreshing client; an access token
// alone yields a static one.
func credentialsFromEnv(apiURL string) (auth.CredentialProvider, models.Author, error) {
	access := os.Getenv("PINGO_ACCESS_TOKEN")
	refresh := os.Getenv("PINGO_REFRESH_TOKEN")
	if access == "" {
		return nil, models.Author{}, fmt.Errorf("no credentials: set PINGO_ACCESS_TOKEN (and optionally PINGO_REFRESH_TOKEN)")
	}

	user := models.Author{
		ID:          os.Getenv("PINGO_USER_ID"),
		DisplayName: os.Getenv("PINGO_USER_NAME"),
	}
	if user.DisplayName == "" {
		user.DisplayName = "me"
	}

	if refresh != "" {
		tc := auth.NewTokenClient(auth.RefreshEndpoint(apiURL), access, refresh)
		logger.Info("credentials_loaded", "mode", "refreshing", "user", user.ID)
		return tc, user, nil
	}
	logger.Info("credentials_loaded", "mode", "static", "user", user.ID)
	return &auth.StaticToken{AccessToken: access}, user, nil
}
