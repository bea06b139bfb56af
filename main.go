package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"confio-referral-engine/chain"
	"confio-referral-engine/handlers"
	"confio-referral-engine/middleware"
	"confio-referral-engine/models"
	"confio-referral-engine/services"
	"confio-referral-engine/utils"
	"confio-referral-engine/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{})

	// 🔐 GLOBAL: only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.UserReferral{},
		&models.ReferralRewardEvent{},
		&models.UserMirror{},
		&models.WalletMirror{},
		&models.ReconcilerHeartbeat{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	// --- Vault adapter (Algorand rewards contract) ---
	var vault chain.Vault
	if os.Getenv("ALGOD_URL") == "" {
		log.Println("⚠️  ALGOD_URL not set — using in-memory vault (local development only)")
		vault = chain.NewMemVault(0)
	} else {
		algodVault, err := chain.NewAlgodVault(chain.VaultConfig{
			AlgodURL:       os.Getenv("ALGOD_URL"),
			AlgodToken:     os.Getenv("ALGOD_TOKEN"),
			AppID:          utils.GetenvUint64("VAULT_APP_ID", 0),
			AssetID:        utils.GetenvUint64("CONFIO_ASSET_ID", 0),
			SignerMnemonic: os.Getenv("VAULT_SIGNER_MNEMONIC"),
			SubmitTimeout:  utils.GetenvSeconds("CHAIN_SUBMIT_TIMEOUT", 30*time.Second),
			ConfirmRounds:  utils.GetenvUint64("CHAIN_CONFIRM_ROUNDS", 4),
		})
		if err != nil {
			log.Fatal("failed to initialize vault adapter:", err)
		}
		vault = algodVault
	}

	ledgerService := services.NewLedgerService(db)
	referralService := services.NewReferralService(db, ledgerService)
	dispatcher := services.NewDispatcher(db, referralService, ledgerService, vault)
	exportService := services.NewExportService(db)

	// --- Sync service (main Confío backend) ---
	syncServiceURL := os.Getenv("SYNC_SERVICE_URL")
	if syncServiceURL == "" {
		log.Fatal("SYNC_SERVICE_URL environment variable not set")
	}
	serviceToken := os.Getenv("CONFIO_SERVICE_TOKEN")
	if serviceToken == "" {
		log.Fatal("CONFIO_SERVICE_TOKEN environment variable not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	userSyncWorker := workers.NewUserSyncWorker(db, referralService, syncServiceURL, "/api/v1/public/profiles", serviceToken)
	userSyncWorker.Start(ctx)

	walletSyncClient := workers.NewWalletSyncClient(db, dispatcher)
	go workers.PollWallets(ctx, walletSyncClient, 10*time.Second)

	reconciler := workers.NewReconciler(db, vault, dispatcher)
	go reconciler.Run(ctx)

	// Ledger accounting exports are optional; they need R2 credentials.
	r2Ready, err := utils.InitR2()
	if err != nil {
		log.Fatal("failed to initialize R2 client:", err)
	}
	if r2Ready {
		exportService.StartExportScheduler()
	} else {
		log.Println("⚠️  R2 not configured — ledger exports disabled")
	}

	handlers.SetupReferralRoutes(app, dispatcher, referralService, ledgerService, vault, db)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Referral engine running on http://localhost:5300")
	log.Println("✅ User sync worker running")
	log.Println("✅ Wallet polling running (every 10s)")
	log.Printf("✅ Reconciler running (every %s)", reconciler.Interval)
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := app.Shutdown(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
