package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"HandoverDesk/internal/responder"
)

func newResponderCmd() *cobra.Command {
	var (
		grpcAddr string
		httpAddr string
		delay    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "responder",
		Short: "Run the built-in AI responder over gRPC and HTTP",
		Long:  "Serves the keyword knowledge base so the gateway can be exercised end to end\nwithout an external model service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResponder(cmd.Context(), grpcAddr, httpAddr, delay)
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "127.0.0.1:18091", "gRPC listen address (empty disables)")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "127.0.0.1:18090", "HTTP listen address (empty disables)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "artificial answer latency, useful for timeout testing")
	return cmd
}

func runResponder(ctx context.Context, grpcAddr, httpAddr string, delay time.Duration) error {
	if grpcAddr == "" && httpAddr == "" {
		return errors.New("at least one of --grpc-addr or --http-addr is required")
	}
	srv := responder.NewServer(nil, responder.WithDelay(delay))
	errCh := make(chan error, 2)

	if grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", grpcAddr, err)
		}
		gs, grpcErr := responder.ServeGRPC(lis, srv)
		defer gs.GracefulStop()
		go func() { errCh <- <-grpcErr }()
	}

	if httpAddr != "" {
		hs := &http.Server{Addr: httpAddr, Handler: srv.HTTPHandler()}
		go func() {
			log.Printf("Responder HTTP server listening on %s", httpAddr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hs.Shutdown(shutdownCtx)
		}()
	}

	select {
	case <-ctx.Done():
		log.Printf("Responder shutting down (%d requests served)", srv.RequestCount())
		return nil
	case err := <-errCh:
		return err
	}
}
