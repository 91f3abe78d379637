package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/atvirokodosprendimai/deltaledger/internal/app"
	"github.com/atvirokodosprendimai/deltaledger/internal/config"
)

func main() {
	cmd := &cli.Command{
		Name:  "deltaledger",
		Usage: "Historical CRUD ledger with snapshot and differential change queries",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   ".",
				Sources: cli.EnvVars("DELTALEDGER_CONFIG_DIR"),
				Usage:   "Directory holding config.yaml",
			},
			&cli.StringFlag{
				Name:  "db-path",
				Usage: "SQLite file path (overrides db.path)",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			exportCommand(),
			verifyCommand(),
			apiKeyCommand(),
		},
		DefaultCommand: "serve",
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig layers explicitly set flags over config.yaml and env.
func loadConfig(c *cli.Command) (app.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return app.Config{}, err
	}
	if c.IsSet("db-path") {
		cfg.DBPath = c.String("db-path")
	}
	return cfg, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "HTTP listen address (overrides server.addr)",
			},
			&cli.StringFlag{
				Name:    "bootstrap-api-key",
				Sources: cli.EnvVars("DELTALEDGER_BOOTSTRAP_API_KEY"),
				Usage:   "Optional API key to upsert at startup",
			},
			&cli.StringFlag{
				Name:  "bootstrap-user",
				Usage: "User id the bootstrap API key acts as",
			},
			&cli.StringFlag{
				Name:    "webhook-url",
				Sources: cli.EnvVars("DELTALEDGER_WEBHOOK_URL"),
				Usage:   "Outbox event webhook target URL (enables push delivery of ledger changes)",
			},
			&cli.StringFlag{
				Name:    "webhook-secret",
				Sources: cli.EnvVars("DELTALEDGER_WEBHOOK_SECRET"),
				Usage:   "HMAC-SHA256 signing secret for outbound webhook requests",
			},
			&cli.BoolFlag{
				Name:  "auto-commit",
				Usage: "Flush the ledger after every append (overrides ledger.auto_commit)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("addr") {
				cfg.Addr = c.String("addr")
			}
			if c.IsSet("bootstrap-api-key") {
				cfg.BootstrapAPIKey = c.String("bootstrap-api-key")
			}
			if c.IsSet("bootstrap-user") {
				cfg.BootstrapUser = c.String("bootstrap-user")
			}
			if c.IsSet("webhook-url") {
				cfg.WebhookURL = c.String("webhook-url")
			}
			if c.IsSet("webhook-secret") {
				cfg.WebhookSecret = c.String("webhook-secret")
			}
			if c.IsSet("auto-commit") {
				cfg.AutoCommit = c.Bool("auto-commit")
			}

			server, closer, err := app.NewServer(ctx, cfg)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			defer func() {
				if closeErr := closer.Close(); closeErr != nil {
					log.Printf("close resources: %v", closeErr)
				}
			}()

			errCh := make(chan error, 1)
			go func() {
				log.Printf("listening on %s", cfg.Addr)
				errCh <- server.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case sig := <-sigCh:
				log.Printf("received signal %s", sig)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Write an account's ledger history as xlsx",
		ArgsUsage: "<account-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "Output file; stdout when omitted",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			id := c.Args().First()
			if id == "" {
				return errors.New("export: account id is required")
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			var w io.Writer = os.Stdout
			if path := c.String("out"); path != "" {
				f, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("create %s: %w", path, err)
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			return app.ExportHistory(ctx, cfg, id, w)
		},
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Replay the ledger and check every entity's lifecycle",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "batch-size",
				Value: 500,
				Usage: "Ledger events read per page",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			result, err := app.Verify(ctx, cfg, int(c.Int("batch-size")))
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(map[string]any{
				"schema_version": result.SchemaVersion,
				"report":         result.Report,
			}); err != nil {
				return err
			}
			if !result.Report.OK() {
				return fmt.Errorf("ledger verification found %d problems", len(result.Report.Problems))
			}
			return nil
		},
	}
}

func apiKeyCommand() *cli.Command {
	return &cli.Command{
		Name:  "apikey",
		Usage: "Manage the API keys ledger writes are attributed through",
		Commands: []*cli.Command{
			{
				Name:  "issue",
				Usage: "Create a key for a user and print its token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Required: true, Usage: "User id events are recorded against"},
					&cli.StringFlag{Name: "name", Usage: "Label for the key"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					token, err := app.IssueAPIKey(ctx, cfg, c.String("user"), c.String("name"))
					if err != nil {
						return err
					}
					fmt.Println(token)
					return nil
				},
			},
			{
				Name:      "revoke",
				Usage:     "Deactivate the key for a token",
				ArgsUsage: "<token>",
				Action: func(ctx context.Context, c *cli.Command) error {
					token := c.Args().First()
					if token == "" {
						return errors.New("revoke: token is required")
					}
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					return app.RevokeAPIKey(ctx, cfg, token)
				},
			},
			{
				Name:  "list",
				Usage: "List a user's keys",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Required: true},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					keys, err := app.ListAPIKeys(ctx, cfg, c.String("user"))
					if err != nil {
						return err
					}
					for _, k := range keys {
						fmt.Printf("%s\t%s\tactive=%t\t%s\n", k.Name, k.TokenHash[:12], k.Active, k.CreatedAt.Format(time.RFC3339))
					}
					return nil
				},
			},
		},
	}
}
