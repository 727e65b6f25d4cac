// embedkit - embeddable website chat widget core.
//
// Commands:
//
//	embedkit chat     interactive terminal chat through the widget core
//	embedkit serve    run the local widget gateway for embedded pages
//	embedkit lead     submit a lead-capture form
//	embedkit upload   upload a mascot image
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/embedkit/embedkit/pkg/backend"
	"github.com/embedkit/embedkit/pkg/config"
	"github.com/embedkit/embedkit/pkg/gateway"
	"github.com/embedkit/embedkit/pkg/history"
	"github.com/embedkit/embedkit/pkg/logger"
	"github.com/embedkit/embedkit/pkg/netclient"
	"github.com/embedkit/embedkit/pkg/widget"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "embedkit",
		Short:         "Embeddable website chat widget core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "~/.embedkit/config.json", "config file path")

	root.AddCommand(chatCmd(), serveCmd(), leadCmd(), uploadCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *backend.Client, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	policy := netclient.Policy{
		MaxRetries: cfg.Backend.Retries,
		Timeout:    cfg.Backend.Timeout(),
		Backoff:    netclient.ExponentialBackoff(cfg.Backend.Backoff()),
	}
	api := backend.New(netclient.New(cfg.Backend.BaseURL, policy))
	return cfg, api, nil
}

func openStore(cfg *config.Config) (history.Store, func(), error) {
	switch cfg.History.Store {
	case "memory":
		return history.NewMemoryStore(cfg.History.Limit), func() {}, nil
	case "sqlite":
		db, err := history.NewSQLiteStore(filepath.Join(cfg.HistoryPath(), "history.db"), cfg.History.Limit)
		if err != nil {
			return nil, nil, err
		}
		return db.Session(history.NewSessionID()), func() { db.Close() }, nil
	default:
		return history.NewFileStore(cfg.HistoryPath(), cfg.History.Limit), func() {}, nil
	}
}

func chatCmd() *cobra.Command {
	var stream bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the backend from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, api, err := setup()
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			ui := &terminalUI{out: os.Stdout}
			w := widget.New(cfg, store, api, ui)

			ctx := cmd.Context()
			w.Open(ctx)

			fmt.Println("Type a message, or /quit to exit.")
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "/quit" || line == "/exit" {
					return nil
				}
				if stream {
					w.SendStreaming(ctx, line)
				} else {
					w.Send(ctx, line)
				}
				if w.Disabled() {
					return nil
				}
			}
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", false, "stream the reply as it arrives")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the widget gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, api, err := setup()
			if err != nil {
				return err
			}

			db, err := history.NewSQLiteStore(filepath.Join(cfg.HistoryPath(), "history.db"), cfg.History.Limit)
			if err != nil {
				return err
			}
			defer db.Close()

			gw := gateway.New(cfg, api, db)
			if err := gw.Start(cmd.Context()); err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return gw.Stop(ctx)
		},
	}
}

func leadCmd() *cobra.Command {
	var name, email, message string

	cmd := &cobra.Command{
		Use:   "lead",
		Short: "Submit a lead-capture form",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, api, err := setup()
			if err != nil {
				return err
			}
			err = api.Lead(cmd.Context(), backend.Lead{
				Site:    cfg.Site(),
				Name:    name,
				Email:   email,
				Message: message,
				PageURL: cfg.Widget.PageURL,
			})
			if err != nil {
				return err
			}
			fmt.Println("Lead submitted.")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "contact name")
	cmd.Flags().StringVar(&email, "email", "", "contact email")
	cmd.Flags().StringVar(&message, "message", "", "message")
	cmd.MarkFlagRequired("email")
	return cmd
}

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a mascot image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, api, err := setup()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			url, err := api.UploadMascot(cmd.Context(), filepath.Base(args[0]), data)
			if err != nil {
				return err
			}
			fmt.Println(url)
			return nil
		},
	}
}
