package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clubfund.org/internal/addr"
	"clubfund.org/internal/authn"
	"clubfund.org/internal/escrow"
	"clubfund.org/internal/factory"
	"clubfund.org/internal/httpapi"
	"clubfund.org/internal/obs"
	"clubfund.org/internal/permit"
	"clubfund.org/internal/store/pg"
	"clubfund.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	factoryAddr := mustAddr("CLUBFUND_FACTORY_ADDR")
	escrowAddr := mustAddr("CLUBFUND_ESCROW_ADDR")
	adminAddr := mustAddr("CLUBFUND_ADMIN_ADDR")
	treasuryAddr := mustAddr("CLUBFUND_TREASURY_ADDR")
	distributorAddr := mustAddr("CLUBFUND_DISTRIBUTOR_ADDR")
	payoutAddr := optionalAddr("CLUBFUND_PAYOUT_ADDR")

	// Archive store (optional). The in-memory state machine is authoritative;
	// without a DSN the service runs without persistence.
	var store *pg.Store
	if dsn := os.Getenv("CLUBFUND_PG_DSN"); dsn != "" {
		var err error
		store, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
	}

	var auth *authn.Service
	if secret := os.Getenv("CLUBFUND_JWT_SECRET"); secret != "" {
		var err error
		auth, err = authn.New(secret, time.Hour)
		if err != nil {
			log.Fatalf("authn: %v", err)
		}
	} else {
		log.Print("CLUBFUND_JWT_SECRET not set; privileged endpoints disabled")
	}

	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()

	bus := stream.New(256)
	obs.ObserveBus(busCtx, bus)

	tokens := factory.New(factoryAddr, bus)
	permits := permit.NewAuthorizer(tokens)

	var archive escrow.Archiver
	if store != nil {
		archive = store
	}
	manager := escrow.NewManager(escrow.Config{
		Self:        escrowAddr,
		Admin:       adminAddr,
		Treasury:    treasuryAddr,
		Distributor: distributorAddr,
		Payout:      payoutAddr,
		BaseURI:     os.Getenv("CLUBFUND_BASE_URI"),
		Tokens:      tokens,
		Permits:     permits,
		Bus:         bus,
		Archive:     archive,
	})

	rp := httpapi.ReadyProbe{}
	var deployments httpapi.DeploymentArchiver
	if store != nil {
		rp.DB = store.DB()
		deployments = store
	}
	api := httpapi.New(rp, version, tokens, manager, bus, auth, deployments)

	listen := os.Getenv("CLUBFUND_HTTP_ADDR")
	if listen == "" {
		listen = ":8080"
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting clubfund-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}

func mustAddr(env string) addr.Address {
	raw := os.Getenv(env)
	if raw == "" {
		log.Fatalf("%s is required", env)
	}
	a, err := addr.Parse(raw)
	if err != nil {
		log.Fatalf("%s: %v", env, err)
	}
	return a
}

func optionalAddr(env string) addr.Address {
	raw := os.Getenv(env)
	if raw == "" {
		return addr.Zero
	}
	a, err := addr.Parse(raw)
	if err != nil {
		log.Fatalf("%s: %v", env, err)
	}
	return a
}
