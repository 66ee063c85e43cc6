package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"e2ee-keys/internal/config"
	"e2ee-keys/internal/membership"
	"e2ee-keys/internal/observability/logging"
	"e2ee-keys/internal/observability/metrics"
	"e2ee-keys/internal/service"
	"e2ee-keys/internal/store"
	httptransport "e2ee-keys/internal/transport/http"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const serviceName = "keyserver"

func main() {
	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("gorm open: %v", err)
	}

	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	metrics.MustRegister(serviceName)

	members := membership.New(st)
	svc := httptransport.Services{
		Directory: service.NewDirectory(st, service.DirectoryConfig{
			MinOneTimeKeys:     cfg.MinOneTimeKeys,
			ReplenishThreshold: cfg.ReplenishThreshold,
		}),
		Sessions: service.NewSessions(st),
		Groups:   service.NewGroups(st, members),
		Members:  members,
	}

	mux := httptransport.NewRouter(svc, httptransport.Options{
		AuthSecret:  cfg.AuthSecret,
		AuthIssuer:  cfg.AuthIssuer,
		CORSOrigins: strings.Split(cfg.CORSOrigins, ","),
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("key service listening", "addr", cfg.Addr)
	log.Fatal(srv.ListenAndServe())
}
