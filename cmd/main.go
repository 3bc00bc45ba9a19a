package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"corporate-voting/internal/app"
	"corporate-voting/internal/blockchain"
	"corporate-voting/internal/config"
	"corporate-voting/internal/feed"
	"corporate-voting/internal/feed/zmqpub"
	"corporate-voting/internal/identity"
	"corporate-voting/internal/ports/http"
	"corporate-voting/internal/ports/http/middleware/auth"
	"corporate-voting/internal/repository/bolt"
	"corporate-voting/internal/repository/mongodb"
	"corporate-voting/internal/verification"
	"corporate-voting/internal/wallet"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 15 * time.Second
	sweepInterval   = time.Minute
)

var errLocalIdentityNeedsDirectory = errors.New("the local identity backend needs the employee directory, check DB_URI or set IDENTITY_MODE=remote")

func main() {
	logger, err := getLogger()
	if err != nil {
		log.Fatalln("setting up the logger failed: ", err)
		return
	}
	defer logger.Sync()

	logger.Info("application started")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("application failed: " + err.Error())
		os.Exit(1)
	}

	logger.Info("application finished")
}

func run(ctx context.Context, logger *zap.Logger) error {
	gateway, closeChain, err := connectChain(ctx, logger)
	if err != nil {
		return err
	}
	defer closeChain()

	hub := feed.NewHub(logger, 0)
	defer hub.Close()
	if endpoint := config.GetFeedZmqEndpoint(); endpoint != "" {
		publisher, err := zmqpub.NewPublisher(logger, endpoint)
		if err != nil {
			return err
		}
		hub.AddSink(publisher)
	}
	gateway.SetObserver(app.NewTxFeed(hub))

	// the metadata store is optional, the chain alone serves every read
	var meta app.MetadataStore
	repo, err := mongodb.NewConnection(logger, config.GetDbConnectionURI())
	if err != nil {
		logger.Warn("metadata store unavailable, serving chain data only", zap.Error(err))
	} else {
		defer repo.Disconnect()
		meta = repo
	}

	backend, local, err := identityBackend(ctx, logger, gateway, repo, meta != nil)
	if err != nil {
		return err
	}

	var store verification.SessionStore
	sessions, err := bolt.Open(logger, config.GetSessionDbPath())
	if err != nil {
		logger.Warn("session store unavailable, sessions will not survive a restart", zap.Error(err))
	} else {
		defer sessions.Close()
		store = sessions
	}
	manager := verification.NewManager(logger, backend, store, config.GetSessionTTL())

	application := app.NewApp(logger, gateway, meta, hub, app.Config{
		MetadataTimeout: config.GetMetadataTimeout(),
		AuditTrailLimit: config.GetAuditTrailLimit(),
	})
	if err := application.BridgeEvents(gateway); err != nil {
		logger.Warn("contract events are not streamed, publishing local actions only", zap.Error(err))
	}
	defer gateway.RemoveAllListeners()

	deps := http.Dependencies{
		App:            application,
		Sessions:       manager,
		Feed:           hub,
		Auth:           auth.JwtTokenParams{Secret: []byte(config.GetJWTSecret()), Issuer: config.GetJWTIssuer()},
		CorsOrigins:    config.GetCorsOrigins(),
		RequestTimeout: config.GetRequestTimeout(),
	}
	if local != nil {
		deps.Identity = local
	}
	ser := http.NewServer(logger, deps, config.GetPort())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		manager.Run(gctx, sweepInterval)
		return nil
	})
	g.Go(ser.Run)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return ser.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// connectChain picks the contract backend and connects the admin wallet.
func connectChain(ctx context.Context, logger *zap.Logger) (*blockchain.Gateway, func(), error) {
	gatewayConfig := blockchain.GatewayConfig{
		ReadTimeout: config.GetChainReadTimeout(),
		TxTimeout:   config.GetTxTimeout(),
	}
	walletConfig := wallet.Config{
		PrivateKeyHex: config.GetAdminPrivateKey(),
		KeystoreFile:  config.GetKeystoreFile(),
		Passphrase:    config.GetKeystorePassphrase(),
		ChainID:       config.GetChainID(),
	}

	if config.GetChainMode() == config.ChainModeMemory {
		if walletConfig.PrivateKeyHex == "" && walletConfig.KeystoreFile == "" {
			_, keyHex, err := wallet.GenerateKey()
			if err != nil {
				return nil, nil, err
			}
			walletConfig.PrivateKeyHex = keyHex
			logger.Warn("no admin key configured, using an ephemeral one")
		}

		session, err := wallet.NewAdapter(logger, walletConfig, nil).Connect(ctx)
		if err != nil {
			return nil, nil, err
		}
		contract, err := blockchain.NewMemoryContract(session.Account)
		if err != nil {
			return nil, nil, err
		}
		gateway, err := blockchain.NewGateway(logger, contract, gatewayConfig)
		if err != nil {
			return nil, nil, err
		}
		gateway.SetSigner(session.Signer)
		logger.Info("using the in-memory election contract", zap.String("owner", session.Account.Hex()))
		return gateway, func() {}, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, config.GetRequestTimeout())
	defer cancel()
	backend, err := blockchain.DialEthereum(dialCtx, logger, config.GetRPCURL(), config.GetContractAddress())
	if err != nil {
		return nil, nil, err
	}

	gateway, err := blockchain.NewGateway(logger, backend, gatewayConfig)
	if err != nil {
		backend.Close()
		return nil, nil, err
	}

	// reads work without a wallet, writes fail until one is connected
	session, err := wallet.NewAdapter(logger, walletConfig, backend).Connect(dialCtx)
	if err != nil {
		logger.Warn("admin wallet not connected, transactions are disabled", zap.Error(err))
	} else {
		gateway.SetSigner(session.Signer)
	}

	logger.Info("connected to the election contract", zap.String("contract", backend.Address().Hex()))
	return gateway, backend.Close, nil
}

// identityBackend returns the backend the wizard uses and, in local mode, the
// service to expose over the identity endpoints.
func identityBackend(ctx context.Context, logger *zap.Logger, gateway *blockchain.Gateway, repo mongodb.Repository, haveDirectory bool) (verification.Backend, *identity.Service, error) {
	if config.GetIdentityMode() == config.IdentityModeRemote {
		url := config.GetIdentityBackendURL()
		logger.Info("using the remote identity backend", zap.String("url", url))
		return identity.NewClient(logger, url, config.GetBackendTimeout()), nil, nil
	}

	if !haveDirectory {
		return nil, nil, errLocalIdentityNeedsDirectory
	}

	// the in-memory chain is a development setup, codes may go to the log
	webhook := config.GetOTPWebhookURL()
	sender, err := identity.NewSender(logger, identity.SenderConfig{
		Log:        config.GetOTPSender() == config.OTPSenderLog || (webhook == "" && config.GetChainMode() == config.ChainModeMemory),
		WebhookURL: webhook,
		Timeout:    config.GetBackendTimeout(),
	})
	if err != nil {
		return nil, nil, err
	}

	service := identity.NewService(logger, identity.ServiceConfig{
		FaceThreshold: config.GetFaceThreshold(),
		OTPTTL:        config.GetOTPTTL(),
		TestBypass:    config.GetOTPTestBypass(),
	}, repo, gateway, sender)
	if config.GetOTPTestBypass() {
		logger.Warn("the fixed test code is accepted for every employee")
	}

	if path := config.GetEmployeeSeedFile(); path != "" {
		seeded, err := service.SeedFile(ctx, path)
		if err != nil {
			logger.Warn("some employees were not seeded", zap.Error(err))
		}
		logger.Info("employee directory seeded", zap.Int("employees", seeded))
	}
	return service, service, nil
}

func getLogger() (*zap.Logger, error) {
	options := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zap.FatalLevel),
	}

	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	config.Development = true
	config.Level.SetLevel(zap.DebugLevel)

	logger, err := config.Build()
	return logger.WithOptions(options...), err
}
