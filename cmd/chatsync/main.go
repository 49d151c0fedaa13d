// Command chatsync is a terminal chat client built on the synchronization
// store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/omochice/chatsync/internal/api"
	"github.com/omochice/chatsync/internal/client/ws"
	"github.com/omochice/chatsync/internal/config"
	"github.com/omochice/chatsync/internal/model"
	"github.com/omochice/chatsync/internal/store"
	"github.com/omochice/chatsync/internal/visibility"
	"github.com/omochice/chatsync/pkg/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

type flags struct {
	configPath  string
	userID      string
	userName    string
	metricsAddr string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "chatsync",
		Short: "Terminal chat client",
		Long: `chatsync connects to the chat API and push channel, keeps a live view of
the selected conversation and marks what you see as read.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(f.configPath)
			if err != nil {
				return err
			}
			if f.userID != "" {
				cfg.UserID = f.userID
			}
			if f.userName != "" {
				cfg.UserName = f.userName
			}
			if f.metricsAddr != "" {
				cfg.MetricsAddr = f.metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if cfg.UserID == "" {
				return errors.New("a user id is required (--user or CHATSYNC_USER_ID)")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "TOML config file")
	cmd.Flags().StringVarP(&f.userID, "user", "u", "", "current user id")
	cmd.Flags().StringVarP(&f.userName, "name", "n", "", "current user display name")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if cfg.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.MetricsAddr, log)
		defer shutdown()
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	transport := ws.New(cfg.SocketURL,
		ws.WithHeader(header),
		ws.WithReconnectPolicy(ws.Policy{
			MaxAttempts:  cfg.ReconnectAttempts,
			InitialDelay: cfg.ReconnectDelay,
			MaxDelay:     cfg.ReconnectMaxDelay,
		}),
		ws.WithDedupWindow(cfg.DedupWindow),
		ws.WithLogger(log),
	)
	defer transport.Teardown()

	apiClient := api.New(cfg.APIURL,
		api.WithToken(cfg.Token),
		api.WithPublisher(transport),
		api.WithReceiptLimiter(rate.Limit(cfg.ReceiptRate), cfg.ReceiptBurst),
		api.WithTimeout(cfg.RequestTimeout),
		api.WithLogger(log),
	)

	me := model.User{ID: cfg.UserID, Name: cfg.UserName}
	st := store.New(apiClient, transport, store.StaticIdentity(me), store.WithLogger(log))
	st.Start()
	defer st.Stop()

	if err := transport.Connect(ctx, me.ID); err != nil {
		return err
	}
	log.Info("Connected", zap.String("socket_url", cfg.SocketURL), zap.String("user_id", me.ID))

	helper := visibility.New(st, st, visibility.AllVisible,
		visibility.WithReadDelay(cfg.ReadDebounce),
		visibility.WithTypingDelay(cfg.TypingDebounce),
		visibility.WithLogger(log),
	)
	helper.Start(ctx)
	defer helper.Stop()

	out := newPrinter(os.Stdout, me.ID)
	defer st.Subscribe(out.render)()

	r := &repl{store: st, api: apiClient, input: helper, out: out}
	return r.run(ctx, os.Stdin)
}

// serveMetrics exposes the Prometheus registry and returns a shutdown func.
func serveMetrics(addr string, log *logger.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()
	log.Info("Serving metrics", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
