package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"stagesale/config"
	"stagesale/core/events"
	"stagesale/core/types"
	"stagesale/native/oracle"
	"stagesale/native/sale"
	"stagesale/native/token"
	"stagesale/observability"
	"stagesale/observability/logging"
	"stagesale/rpc"
	"stagesale/storage"
)

const envVar = "STAGESALE_ENV"

// logEmitter forwards sale events into the structured log stream.
type logEmitter struct {
	log *slog.Logger
}

func (l logEmitter) Emit(evt events.Event) {
	attrs := []any{slog.String("type", evt.EventType())}
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := carrier.Event(); payload != nil {
			for key, value := range payload.Attributes {
				attrs = append(attrs, slog.String(key, value))
			}
		}
	}
	l.log.Info("sale event", attrs...)
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envVar))
	logger := logging.Setup("staged", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	store := sale.NewStore(db)
	saleToken := token.NewLedger(db, "SALE")
	nativeCoin := token.NewLedger(db, "COIN")

	engine := sale.NewEngine()
	engine.SetState(store)
	engine.SetEmitter(logEmitter{log: logger})
	engine.SetOwner(cfg.OwnerAddress())
	engine.SetTreasury(cfg.TreasuryAddress())
	engine.SetSaleAccount(cfg.SaleAccountAddress())
	engine.SetSaleToken(cfg.SaleTokenAddress(), saleToken)
	engine.SetNativeCoin(nativeCoin)
	engine.SetPriceSource(oracle.NewClient(buildFeed(cfg, logger), cfg.Oracle.Decimals))
	engine.SetNativeFeedRef(cfg.NativeFeedRef)

	if err := engine.Initialize(cfg.StartTime, cfg.EndTime, cfg.MaxPurchaseAmount()); err != nil {
		if !errors.Is(err, sale.ErrAlreadyInitialized) {
			logger.Error("Failed to initialise sale", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		logger.Info("sale initialised",
			slog.Int64("startTime", cfg.StartTime),
			slog.Int64("endTime", cfg.EndTime),
		)
	}

	if err := seedStages(engine, store, cfg); err != nil {
		logger.Error("Failed to seed stages", slog.Any("error", err))
		os.Exit(1)
	}
	if err := bindPaymentTokens(engine, db, cfg, logger); err != nil {
		logger.Error("Failed to bind payment tokens", slog.Any("error", err))
		os.Exit(1)
	}

	if state, stages, err := engine.Status(); err == nil {
		remaining := big.NewInt(0)
		if state.CurrentStage < uint64(len(stages)) {
			stage := stages[state.CurrentStage]
			remaining = new(big.Int).Sub(stage.Cap, stage.Sold)
		}
		observability.Sale().RecordProgress(state.CurrentStage, state.TotalTokensSold, remaining)
		logger.Info("sale state loaded",
			slog.Uint64("currentStage", state.CurrentStage),
			slog.String("totalTokensSold", state.TotalTokensSold.String()),
			slog.Int("stages", len(stages)),
		)
	}

	server := rpc.NewServer(engine, store)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func buildFeed(cfg *config.Config, logger *slog.Logger) oracle.Feed {
	endpoint := strings.TrimSpace(cfg.Oracle.Endpoint)
	if endpoint == "" {
		logger.Warn("no oracle endpoint configured, using manual feed; prices must be seeded out of band")
		return oracle.NewManualFeed()
	}
	apiKey := ""
	if keyEnv := strings.TrimSpace(cfg.Oracle.APIKeyEnv); keyEnv != "" {
		apiKey = strings.TrimSpace(os.Getenv(keyEnv))
	}
	return oracle.NewHTTPFeed(nil, endpoint, apiKey)
}

// seedStages loads the configured schedule on first boot. An existing stage
// list is authoritative; the config is ignored on restart so operator-driven
// additions survive.
func seedStages(engine *sale.Engine, store *sale.Store, cfg *config.Config) error {
	existing, err := store.StagesGet()
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for i, stage := range cfg.Stages {
		rate, err := config.ParseAmount(stage.Rate)
		if err != nil {
			return fmt.Errorf("stage %d rate: %w", i, err)
		}
		cap, err := config.ParseAmount(stage.Cap)
		if err != nil {
			return fmt.Errorf("stage %d cap: %w", i, err)
		}
		if err := engine.AddStage(cfg.OwnerAddress(), rate, cap); err != nil {
			return fmt.Errorf("stage %d: %w", i, err)
		}
	}
	return nil
}

// bindPaymentTokens registers configured payment assets and binds a ledger
// namespace per symbol. Registration is an upsert, so restarting with the same
// config is harmless; enabling tolerates an already active asset.
func bindPaymentTokens(engine *sale.Engine, db storage.Database, cfg *config.Config, logger *slog.Logger) error {
	for i, asset := range cfg.PaymentTokens {
		addr := ethcommon.HexToAddress(strings.TrimSpace(asset.Address))
		symbol := strings.ToUpper(strings.TrimSpace(asset.Symbol))
		if symbol == "" {
			symbol = fmt.Sprintf("TOKEN%d", i)
		}
		engine.SetPaymentLedger(addr, token.NewLedger(db, symbol))
		if err := engine.RegisterPaymentToken(cfg.OwnerAddress(), addr, asset.FeedRef); err != nil {
			return fmt.Errorf("payment token %s: %w", symbol, err)
		}
		if asset.Enabled {
			if err := engine.EnablePaymentToken(cfg.OwnerAddress(), addr); err != nil && !errors.Is(err, sale.ErrAssetAlreadyEnabled) {
				return fmt.Errorf("payment token %s: %w", symbol, err)
			}
			logger.Info("payment token enabled", slog.String("symbol", symbol), slog.String("asset", addr.Hex()))
		}
	}
	return nil
}
