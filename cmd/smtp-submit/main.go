// Package main is the entry point for the one-shot SMTP submission client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shineum/smtp-submit-lite/internal/config"
	"github.com/shineum/smtp-submit-lite/internal/email"
	"github.com/shineum/smtp-submit-lite/internal/oauth"
	"github.com/shineum/smtp-submit-lite/internal/parser"
	"github.com/shineum/smtp-submit-lite/internal/ses"
	"github.com/shineum/smtp-submit-lite/internal/smtp"
	smtptls "github.com/shineum/smtp-submit-lite/internal/tls"
)

// flags holds the per-message command line.
type flags struct {
	configPath  string
	from        string
	to          string
	subject     string
	body        string
	bodyFile    string
	emlFile     string
	metricsFile string
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "path to YAML configuration file (optional)")
	flag.StringVar(&f.from, "from", "", "envelope sender")
	flag.StringVar(&f.to, "to", "", "recipient")
	flag.StringVar(&f.subject, "subject", "", "subject line")
	flag.StringVar(&f.body, "body", "", "message body")
	flag.StringVar(&f.bodyFile, "body-file", "", "read the body from a file, - for stdin")
	flag.StringVar(&f.emlFile, "eml", "", "send a stored RFC 5322 message; flags override its headers")
	flag.StringVar(&f.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	flag.Parse()

	os.Exit(run(f, os.Stdin))
}

func run(f flags, stdin io.Reader) int {
	// Load configuration
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return 1
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		return 1
	}

	env, err := buildEnvelope(f, stdin)
	if err != nil {
		slog.Error("failed to build message", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := buildConnectionConfig(ctx, cfg)
	if err != nil {
		slog.Error("failed to prepare relay connection", "error", err)
		return 1
	}

	reg := prometheus.NewRegistry()
	manager := smtp.NewManager(
		smtp.WithLogger(slog.Default()),
		smtp.WithMetrics(smtp.NewMetrics(reg)),
	)
	manager.Configure(conn)

	slog.Info("submitting message",
		"relay", conn.Addr(),
		"encryption", conn.Encryption,
		"timeout", cfg.Timeout(),
		"from", env.From,
		"to", env.To,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	result := manager.SendMail(env.From, env.To, env.Subject, env.Body)

	var ev smtp.Event
	select {
	case ev = <-result:
	case sig := <-sigCh:
		// Sessions cannot be cancelled; leave the outcome unknown.
		slog.Warn("received signal before the relay answered", "signal", sig)
		return 130
	}

	if f.metricsFile != "" {
		if err := prometheus.WriteToTextfile(f.metricsFile, reg); err != nil {
			slog.Warn("failed to write metrics", "path", f.metricsFile, "error", err)
		}
	}

	if ev.Kind != smtp.EventMessageSent {
		slog.Error("message not sent",
			"session", ev.SessionID.String(),
			"kind", ev.Err.Kind,
			"code", ev.Err.Code,
			"error", ev.Err,
		)
		return 1
	}

	slog.Info("message sent", "session", ev.SessionID.String())
	return 0
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// buildEnvelope combines an optional .eml file with the command line. Flags
// win over the stored headers.
func buildEnvelope(f flags, stdin io.Reader) (email.Envelope, error) {
	var env email.Envelope

	if f.emlFile != "" {
		raw, err := os.ReadFile(f.emlFile)
		if err != nil {
			return env, fmt.Errorf("failed to read message file: %w", err)
		}
		env, err = parser.Parse(raw)
		if err != nil {
			return env, err
		}
	}

	if f.from != "" {
		env.From = f.from
	}
	if f.to != "" {
		env.To = f.to
	}
	if f.subject != "" {
		env.Subject = f.subject
	}

	switch {
	case f.body != "" && f.bodyFile != "":
		return env, errors.New("-body and -body-file are mutually exclusive")
	case f.body != "":
		env.Body = f.body
	case f.bodyFile == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return env, fmt.Errorf("failed to read body from stdin: %w", err)
		}
		env.Body = string(b)
	case f.bodyFile != "":
		b, err := os.ReadFile(f.bodyFile)
		if err != nil {
			return env, fmt.Errorf("failed to read body file: %w", err)
		}
		env.Body = string(b)
	}

	if env.From == "" || env.To == "" {
		return env, errors.New("a sender and a recipient are required")
	}
	return env, nil
}

// buildConnectionConfig resolves credentials and TLS settings into the
// session configuration.
func buildConnectionConfig(ctx context.Context, cfg *config.Config) (smtp.ConnectionConfig, error) {
	enc, err := cfg.Encryption()
	if err != nil {
		return smtp.ConnectionConfig{}, err
	}

	host, username, password := cfg.SMTP.Host, cfg.SMTP.Username, cfg.SMTP.Password

	if cfg.SESConfigured() {
		creds, err := ses.Resolve(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		})
		if err != nil {
			return smtp.ConnectionConfig{}, fmt.Errorf("failed to derive SES credentials: %w", err)
		}
		if host == "" {
			host = creds.Host
		}
		if username == "" {
			username, password = creds.Username, creds.Password
		}
		slog.Info("using Amazon SES SMTP credentials", "region", cfg.SES.Region, "host", host)
	}

	tlsConfig, err := smtptls.ClientConfig(smtptls.ClientOptions{
		ServerName:         cfg.TLS.ServerName,
		CAFile:             cfg.TLS.CAFile,
		CertFile:           cfg.TLS.CertFile,
		KeyFile:            cfg.TLS.KeyFile,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
	})
	if err != nil {
		return smtp.ConnectionConfig{}, fmt.Errorf("failed to setup TLS: %w", err)
	}
	if cfg.TLS.InsecureSkipVerify {
		slog.Warn("relay certificate verification is disabled")
	}

	var ts smtp.TokenSource
	if cfg.TokenAuth() {
		ts = oauth.NewTokenCache(oauth.Config{
			TokenURL:     cfg.OAuth.TokenURL,
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			Scope:        cfg.OAuth.Scope,
		}, nil)
	}

	mech, err := smtp.MechanismByName(cfg.SMTP.Auth, ts)
	if err != nil {
		return smtp.ConnectionConfig{}, err
	}

	conn := smtp.NewConnectionConfig(host, cfg.SMTP.Port, username, password, enc, cfg.SMTP.TimeoutMs)
	conn.LocalName = cfg.SMTP.LocalName
	conn.TLSConfig = tlsConfig
	conn.Auth = mech
	return conn, nil
}
