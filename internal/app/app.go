// Package app wires the portal's components together and runs the server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nexdesk/trustplane/internal/audit"
	"github.com/nexdesk/trustplane/internal/authn"
	"github.com/nexdesk/trustplane/internal/broker"
	"github.com/nexdesk/trustplane/internal/config"
	"github.com/nexdesk/trustplane/internal/db"
	"github.com/nexdesk/trustplane/internal/http/api/portal"
	"github.com/nexdesk/trustplane/internal/quota"
	"github.com/nexdesk/trustplane/internal/reauth"
	"github.com/nexdesk/trustplane/internal/security"
	"github.com/nexdesk/trustplane/internal/session"
	internalsettings "github.com/nexdesk/trustplane/internal/settings"
	"github.com/nexdesk/trustplane/internal/vault"
	log "github.com/sirupsen/logrus"
)

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	return db.Migrate(conn)
}

// RunServer boots the portal API server with database-backed components and
// blocks until the context is cancelled.
func RunServer(ctx context.Context, cfg config.AppConfig, defaultPort int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	vaultCfg, errVault := config.LoadVaultConfig(configPath)
	if errVault != nil {
		return errVault
	}
	v, errNew := vault.New(vaultCfg.Keys, vaultCfg.ActiveID, vaultCfg.HashKey)
	if errNew != nil {
		return errNew
	}

	jwtCfg, errJWT := config.LoadJWTConfig(configPath)
	if errJWT != nil {
		return errJWT
	}
	securityCfg, errSecurity := config.LoadSecurityConfig(configPath)
	if errSecurity != nil {
		return errSecurity
	}
	location, errLocation := time.LoadLocation(securityCfg.QuotaTimezone)
	if errLocation != nil {
		return fmt.Errorf("load quota timezone: %w", errLocation)
	}
	policy := security.LockoutPolicy{
		Threshold: securityCfg.LockoutThreshold,
		Duration:  securityCfg.LockoutDuration,
	}

	if errBootstrap := BootstrapFromEnv(conn); errBootstrap != nil {
		return errBootstrap
	}

	loader := internalsettings.NewLoader(conn)
	events := broker.New()
	recorder := audit.NewRecorder(conn, v, events, config.DefaultAuditQueueSize)
	recorder.Start()
	defer recorder.Stop()

	if securityCfg.GeoEndpoint != "" {
		lookup := audit.NewHTTPLookup(securityCfg.GeoEndpoint)
		enricher := audit.NewEnricher(conn, v, events, lookup)
		stopEnrichment := startEnrichmentWorker(events, enricher)
		defer stopEnrichment()
	}

	registry := session.NewRegistry(conn, v, loader, recorder)
	guard := quota.NewGuard(conn, loader, location)
	gate := reauth.NewGate(conn, v, policy)
	service := authn.NewService(conn, v, registry, recorder, loader, jwtCfg, policy)
	store := audit.NewStore(conn, v)

	engine := gin.New()
	engine.Use(gin.Recovery())
	portal.RegisterRoutes(engine, portal.Deps{
		DB:       conn,
		JWT:      jwtCfg,
		Service:  service,
		Registry: registry,
		Gate:     gate,
		Store:    store,
		Recorder: recorder,
		Broker:   events,
		Guard:    guard,
	})

	if defaultPort <= 0 {
		defaultPort = 8318
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", defaultPort),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	log.Infof("portal listening on %s", server.Addr)

	select {
	case errServe := <-errCh:
		if errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return errServe
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			return errShutdown
		}
		return nil
	}
}

// startEnrichmentWorker subscribes to created-record broadcasts and kicks
// off geo enrichment for each. Returns a stop function.
func startEnrichmentWorker(events *broker.Broker, enricher *audit.Enricher) func() {
	sub := events.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range sub.C {
			if event.Kind != broker.KindCreated {
				continue
			}
			if id, ok := recordID(event.Payload); ok {
				enricher.EnrichAsync(id)
			}
		}
	}()
	return func() {
		sub.Cancel()
		<-done
	}
}

// recordID extracts the record id from a broadcast payload.
func recordID(payload map[string]any) (uint64, bool) {
	switch id := payload["id"].(type) {
	case uint64:
		return id, true
	case int64:
		if id > 0 {
			return uint64(id), true
		}
	case float64:
		if id > 0 {
			return uint64(id), true
		}
	}
	return 0, false
}
