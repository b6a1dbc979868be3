package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browsermux/internal/config"
	"github.com/shehryarbajwa/browsermux/internal/pipe"
	"github.com/shehryarbajwa/browsermux/internal/router"
	"github.com/shehryarbajwa/browsermux/internal/server"
	"github.com/shehryarbajwa/browsermux/internal/supervisor"
	"github.com/shehryarbajwa/browsermux/pkg/protocol"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Debug)
	defer logger.Sync()
	log := logger.Sugar()

	log.Info("Starting browsermux...")

	// the graceful-close hook and the transport reference each other, so
	// the transport variable is bound after launch
	var transport *pipe.Transport

	handle, err := supervisor.Launch(supervisor.Options{
		ExecPath:       cfg.BrowserPath,
		Args:           strings.Fields(cfg.BrowserArgs),
		Env:            childEnv(cfg),
		DownloadsDir:   cfg.DownloadsDir,
		TempProfileDir: cfg.ProfileDir,
		GracePeriod:    cfg.GracePeriod,
		HandleSignals:  cfg.HandleSignals,
		GracefulClose: func(ctx context.Context) error {
			// ask the browser to shut itself down before the pipe goes away
			transport.Send(protocol.NewRequest(protocol.BrowserCloseMessageID, protocol.MethodClose, nil))
			return nil
		},
		Log: log,
	})
	if err != nil {
		log.Fatalw("Failed to launch browser", "error", err)
	}
	log.Infow("✓ Browser launched", "pid", handle.PID)

	transport = pipe.New(handle.PipeRead, handle.PipeWrite, log)
	rtr := router.New(transport, log)
	transport.Start(rtr.OnTransportMessage, rtr.OnTransportClose)
	log.Info("✓ Session router initialized")

	srvOpts := server.Options{
		Host:              cfg.Host,
		Port:              cfg.Port,
		MaxSessions:       cfg.MaxSessions,
		ConnectsPerMinute: cfg.ConnectsPerMinute,
		ConnectBurst:      cfg.ConnectBurst,
	}
	srv := server.New(rtr, srvOpts, log)
	if err := srv.Start(srvOpts); err != nil {
		log.Fatalw("Failed to start listener", "error", err)
	}
	log.Infow("✓ Listening for controllers", "wsEndpoint", srv.WSEndpoint())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		log.Infow("Shutting down", "signal", sig.String())
	case <-handle.Exited():
		// unexpected death; sessions were already torn down by the
		// transport close fanout
		log.Warn("Browser process exited unexpectedly")
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod+cfg.GracePeriod/2)
	defer cancel()

	if err := handle.Close(ctx); err != nil {
		log.Warnw("Browser shutdown failed", "error", err)
	}
	transport.Close()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnw("Listener shutdown failed", "error", err)
	}

	log.Info("✅ Stopped cleanly")
	logger.Sync()
	os.Exit(exitCode)
}

func newLogger(debug bool) *zap.Logger {
	if debug {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}

// childEnv is the browser's environment: the host's, plus the persistent
// cookie jar location when configured.
func childEnv(cfg *config.Config) []string {
	env := os.Environ()
	if cfg.CookieJarPath != "" {
		env = append(env, "CURL_COOKIE_JAR_PATH="+cfg.CookieJarPath)
	}
	return env
}
