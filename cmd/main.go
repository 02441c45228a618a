package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"RankedLobby/config"
	"RankedLobby/internal/utils"
)

var rootCmd = &cobra.Command{
	Use:           "rankedlobby",
	Short:         "Ranked 1v1 matchmaking server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		return serve(cmd.Context(), path)
	},
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "config file (default config/config.yaml)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		utils.Print.Error("exit", "err", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, path string) error {
	if err := config.Load(path); err != nil {
		return err
	}
	utils.Init(config.C.Log.Level)

	srv, err := newServer(ctx, config.C)
	if err != nil {
		return err
	}
	defer srv.close()

	httpSrv := &http.Server{Addr: config.C.Server.Port, Handler: srv.router}
	errCh := make(chan error, 1)
	go func() {
		utils.Print.Info("server running", "addr", config.C.Server.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		utils.Print.Info("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
