package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/upb/llm-resilience/app"
	"github.com/upb/llm-resilience/config"
	"github.com/upb/llm-resilience/internal/observability"
	"github.com/upb/llm-resilience/routes"
	"github.com/upb/llm-resilience/services/providers"
	"go.uber.org/zap"
)

const (
	Version = "0.1.0"
	appName = "llm-gateway"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Resilient gateway in front of LLM chat providers",
		Long: `llm-gateway fronts OpenAI, Anthropic and Gemini style chat APIs with
per-provider retries, circuit breaking, rate limiting, stream
normalization and provider fallback.

Running it without a subcommand starts the HTTP server.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context())
			},
		},
		chatCmd(),
		providersCmd(),
		tokenCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}

// initLogger builds the process logger from LOG_LEVEL and LOG_FORMAT
func initLogger() (*zap.Logger, error) {
	return observability.NewLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// bootstrap loads configuration and wires every dependency
func bootstrap(ctx context.Context) (*app.Dependencies, error) {
	logger, err := initLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return app.NewDependencies(ctx, cfg, logger)
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(orBackground(ctx), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	cfg := deps.Config
	logger := deps.Logger

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           routes.SetupRoutes(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Environment),
			zap.Bool("tls", cfg.Server.TLS.Enabled))

		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = deps.Close(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	return deps.Close(shutdownCtx)
}

func chatCmd() *cobra.Command {
	var (
		model  string
		system string
		noWait bool
	)

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Send one prompt through the fallback chain and print the reply",
		Long:  "Sends a prompt through the same retry, rate limit and fallback path the server uses. Reads the prompt from stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := promptFrom(args, cmd.InOrStdin())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(orBackground(cmd.Context()), os.Interrupt)
			defer stop()

			deps, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer deps.Close(context.Background())

			req := &providers.ChatRequest{Model: model, Stream: !noWait}
			if system != "" {
				req.Messages = append(req.Messages, providers.Message{Role: "system", Content: system})
			}
			req.Messages = append(req.Messages, providers.Message{Role: "user", Content: prompt})

			out := cmd.OutOrStdout()
			outcome, err := deps.Chain.Chat(ctx, req, func(delta string) {
				fmt.Fprint(out, delta)
			})
			if err != nil {
				fmt.Fprintln(out)
				return err
			}
			if noWait {
				fmt.Fprint(out, outcome.Text)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(cmd.ErrOrStderr(), "provider=%s model=%s attempted=%s latency=%s\n",
				outcome.Provider, outcome.Model, strings.Join(outcome.Attempted, ","), outcome.Latency.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "", "Model to request (routes to its provider)")
	cmd.Flags().StringVarP(&system, "system", "s", "", "System prompt")
	cmd.Flags().BoolVar(&noWait, "no-stream", false, "Wait for the whole reply instead of streaming")
	return cmd
}

func providersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect configured providers",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "check",
			Short: "Test the key and reachability of every provider",
			RunE: func(cmd *cobra.Command, args []string) error {
				deps, err := bootstrap(orBackground(cmd.Context()))
				if err != nil {
					return err
				}
				defer deps.Close(context.Background())

				results := deps.Chain.CheckAll(cmd.Context())
				ids := make([]string, 0, len(results))
				for id := range results {
					ids = append(ids, id)
				}
				sort.Strings(ids)

				failed := 0
				for _, id := range ids {
					mark := "ok  "
					if !results[id].Success {
						mark = "FAIL"
						failed++
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %-12s %s\n", mark, id, results[id].Message)
				}
				if failed == len(ids) {
					return errors.New("no provider is reachable")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "health",
			Short: "Print each provider's circuit state and rate window",
			RunE: func(cmd *cobra.Command, args []string) error {
				deps, err := bootstrap(orBackground(cmd.Context()))
				if err != nil {
					return err
				}
				defer deps.Close(context.Background())

				circuits := deps.Chain.Circuits()
				limits := deps.Chain.Limits()
				for _, id := range deps.Registry.IDs() {
					fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-9s failures=%d window=%d/%d\n",
						id, circuits[id].State, circuits[id].ConsecutiveFailures,
						limits[id].InWindow, limits[id].MaxRequests)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "test <id>",
			Short: "Test one provider",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				deps, err := bootstrap(orBackground(cmd.Context()))
				if err != nil {
					return err
				}
				defer deps.Close(context.Background())

				result := deps.Chain.TestConnection(cmd.Context(), args[0])
				fmt.Fprintln(cmd.OutOrStdout(), result.Message)
				if !result.Success {
					return fmt.Errorf("provider %s failed the connection test", args[0])
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Print the provider table as JSON",
			RunE: func(cmd *cobra.Command, args []string) error {
				deps, err := bootstrap(orBackground(cmd.Context()))
				if err != nil {
					return err
				}
				defer deps.Close(context.Background())

				type row struct {
					ID         string `json:"id"`
					Name       string `json:"name"`
					Priority   int    `json:"priority"`
					Model      string `json:"default_model"`
					Credential string `json:"credential"`
					Default    bool   `json:"default"`
				}
				var rows []row
				for _, spec := range deps.Registry.Ordered() {
					rows = append(rows, row{
						ID:         spec.ID,
						Name:       spec.DisplayName(),
						Priority:   spec.Priority,
						Model:      spec.DefaultModel,
						Credential: spec.CheckCredential().String(),
						Default:    spec.ID == deps.Registry.Default(),
					})
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			},
		},
	)
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with AUTH_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := bootstrap(orBackground(cmd.Context()))
			if err != nil {
				return err
			}
			defer deps.Close(context.Background())

			if deps.TokenIssuer == nil {
				return errors.New("AUTH_JWT_SECRET is not set")
			}
			token, err := deps.TokenIssuer.Sign(subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "sub", "cli", "Token subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func promptFrom(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("reading prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(b))
	if prompt == "" {
		return "", errors.New("empty prompt")
	}
	return prompt, nil
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
