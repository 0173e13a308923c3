package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"app-security/internal/config"
	"app-security/internal/factory"
	"app-security/internal/handler"
	apptls "app-security/internal/tls"
	"app-security/internal/util"
)

func main() {
	cfg, err := config.LoadConfig(util.GetEnv("APPSEC_CONFIG", "appsec.yaml"))
	if err != nil {
		util.Init("development", "info", "console")
		util.Fatal("Failed to load config", util.ErrorField(err))
	}
	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	f, err := factory.NewFactory(cfg, logger)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	securityHandler := handler.NewSecurityHandler(f.SecurityCore(), logger)
	router := handler.NewRouter(securityHandler, f, logger)

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Server.EnableTLS {
		server.TLSConfig = apptls.NewTLSManager(cfg.Server, logger).GetTLSConfig()
	}

	go func() {
		var err error
		if cfg.Server.EnableTLS {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.String("address", server.Addr),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("device_id", f.DeviceID()),
	)

	waitForShutdown(f, server)
}

func waitForShutdown(f *factory.Factory, server *http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
	} else {
		util.Info("Server shutdown completed")
	}
	f.Close()
}
