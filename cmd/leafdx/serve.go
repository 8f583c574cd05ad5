package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdx-api/internal/handlers"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the diagnosis HTTP API",
		Long: `Serve exposes the diagnosis pipeline over HTTP.

Endpoints:
  GET  /health          health check and model status
  GET  /labels          active label table
  POST /predict         JSON {"image": "<base64 or data URL>", "encoding": "base64|data_url"}
  POST /predict/image   multipart upload, field "image"
  POST /predict/tensor  JSON {"shape": [1,224,224,3], "data": [...]}
  GET  /result/:id      stored diagnosis
  GET  /history         recent diagnoses (?limit=N)

Example:
  curl -X POST -F "image=@leaf.jpg" http://localhost:8080/predict/image`,
		Args: cobra.NoArgs,
		RunE: runServeCmd,
	}

	cmd.Flags().StringP("addr", "a", "", "Listen address (default :8080 or :$PORT)")
	cmd.Flags().Bool("warmup", false, "Load the model before accepting requests")
	addCommonFlags(cmd)

	return cmd
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	defer logger.Sync() //nolint:errcheck

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg, logger, appOptions{history: true, cache: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Warmup {
		warmCtx, cancel := context.WithTimeout(ctx, cfg.InferenceTimeout+time.Minute)
		err := a.pipeline.Warmup(warmCtx)
		cancel()
		if err != nil {
			logger.Warn("model warmup failed, will retry on first request", zap.Error(err))
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestLogger(logger), handlers.CORS())
	router.MaxMultipartMemory = cfg.MaxUploadSize

	h := handlers.NewHandler(a.service, a.labels, logger,
		handlers.WithMaxUploadSize(cfg.MaxUploadSize),
		handlers.WithTensorShape([]int64{1, int64(cfg.ImageSize), int64(cfg.ImageSize), 3}),
	)
	h.RegisterRoutes(router)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("leafdx listening",
		zap.String("addr", cfg.Addr),
		zap.String("model", cfg.ModelPath),
		zap.Int("labels", a.labels.Len()),
		zap.String("config", cfg.ConfigFilePath))

	return serveHTTPServer(server, cfg.ShutdownTimeout, logger)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

// serveHTTPServerWithOptions serves until the server fails or a signal
// arrives, then drains in-flight requests for up to shutdownTimeout. A nil
// listener uses server.Addr; a nil signalCh listens for SIGINT and SIGTERM.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
