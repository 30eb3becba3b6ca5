package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/andresmejia3/lookout/internal/api"
	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the identity management API over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		addr := cfg.Listen
		if cmd.Flags().Changed("listen") {
			addr = serveAddr
		}
		return runServe(cmd.Context(), addr)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "listen", "l", ":8080", "Address to listen on")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, addr string) error {
	store, err := openStore()
	if err != nil {
		utils.ShowError("Failed to open identity store", err, nil)
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(store, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	fmt.Fprintf(os.Stderr, "🌐 Serving %d identities on %s\n", store.Len(), addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			utils.ShowError("HTTP server failed", err, nil)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "\n👋 Server stopped.")
	return nil
}
