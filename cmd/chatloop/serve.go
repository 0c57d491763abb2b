package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"chatloop/internal/agent"
	"chatloop/internal/channel"
	"chatloop/internal/metrics"
	"chatloop/internal/tool"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service (and Telegram when enabled)",
		Long:  "Serves POST /chat and POST /search, plus Telegram when configured. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.gateway.Healthy(ctx); err != nil {
		logger.Warn("gateway unhealthy at startup", "gateway", a.gateway.Name(), "err", err)
	} else {
		logger.Info("gateway healthy", "gateway", a.gateway.Name())
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	started := 0

	if cfg.Channels.HTTP.Enabled {
		httpCfg := channel.HTTPConfig{
			Host:     cfg.Channels.HTTP.Host,
			Port:     cfg.Channels.HTTP.Port,
			Runner:   a.loop,
			Searcher: a.search,
			Health:   a.gateway.Healthy,
			Logger:   logger,
		}
		if cfg.Metrics.Enabled {
			httpCfg.Metrics = metrics.Collector.Handler()
			httpCfg.MetricsEndpoint = cfg.Metrics.Endpoint
		}
		srv := channel.NewHTTPServer(httpCfg)
		started++
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				errCh <- err
				stop()
			}
		}()
	}

	if tg := cfg.Channels.Telegram; tg.Enabled && tg.Token != "" {
		bot := channel.NewTelegram(channel.TelegramConfig{
			Token:     tg.Token,
			AllowFrom: tg.AllowFrom,
			ParseMode: tg.ParseMode,
			Model:     a.model(""),
			Runner:    a.loop,
			Logger:    logger,
		})
		started++
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bot.Start(ctx); err != nil {
				errCh <- err
				stop()
			}
		}()
	} else {
		logger.Info("telegram channel disabled")
	}

	if started == 0 {
		return fmt.Errorf("no channels enabled (channels.http.enabled or channels.telegram.enabled)")
	}
	logger.Info("chatloop started. Press Ctrl+C to stop.", "version", version)

	<-ctx.Done()
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func chatCmd() *cobra.Command {
	var (
		model       string
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Answer one message, or read messages line by line with -i",
		Args: func(cmd *cobra.Command, args []string) error {
			if !interactive && len(args) == 0 {
				return fmt.Errorf("a message is required unless -i is set")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()
			model = a.model(model)

			if !interactive {
				return chatOnce(ctx, a, model, strings.Join(args, " "))
			}
			return chatInteractive(ctx, a, model)
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model to request (default: the gateway's default model)")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "answer each input line as an independent request")
	return cmd
}

func chatOnce(ctx context.Context, a *app, model, message string) error {
	res, err := a.loop.Run(ctx, agent.ChatInput{Message: message, Model: model, Channel: "cli"})
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		return err
	}
	fmt.Println(res.Answer)
	if res.ToolCalls > 0 {
		fmt.Fprintln(os.Stderr, color.HiBlackString("(%d rounds, %d tool calls)", res.Rounds, res.ToolCalls))
	}
	return nil
}

func chatInteractive(ctx context.Context, a *app, model string) error {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.CyanString("chatloop"), color.HiBlackString("model=%s, Ctrl+D to quit", model))
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(os.Stderr, color.GreenString("> "))
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			return nil
		}
		// Failures are reported and the session continues.
		_ = chatOnce(ctx, a, model, line)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func searchCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Run a web search and print the results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if count < 0 {
				return fmt.Errorf("count must not be negative")
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			results, err := newSearch(cfg).Search(ctx, strings.Join(args, " "), count)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println(color.YellowString("No results"))
				return nil
			}
			fmt.Println(tool.RenderResults(results))
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of results")
	return cmd
}
