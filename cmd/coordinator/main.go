package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meshcompute/coordinator/internal/api"
	"github.com/meshcompute/coordinator/internal/auth"
	"github.com/meshcompute/coordinator/internal/config"
	"github.com/meshcompute/coordinator/internal/coordinator"
	"github.com/meshcompute/coordinator/internal/escrow"
	"github.com/meshcompute/coordinator/internal/lazystore"
	"github.com/meshcompute/coordinator/internal/nodes"
	"github.com/meshcompute/coordinator/internal/registry"
	"github.com/meshcompute/coordinator/internal/store"
	"github.com/meshcompute/coordinator/internal/subscription"
	"github.com/meshcompute/coordinator/internal/wallet"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	st := store.New(rdb)
	feeRecipient := common.HexToAddress(cfg.Protocol.FeeRecipient)

	// ── Components ────────────────────────────────────────────────────────────
	ledger := wallet.NewLedger(st, log)
	subs := subscription.NewRegistry(st, time.Now, log)
	engine := escrow.NewEngine(
		st,
		cfg.Protocol.BaseFeeBps,
		feeRecipient,
		time.Duration(cfg.Protocol.ProofWindowSec)*time.Second,
		time.Now,
		log,
	)
	coord := coordinator.New(st, engine, time.Now, log)
	nodeMgr := nodes.NewManager(st, time.Duration(cfg.Protocol.NodeCooldownSec)*time.Second, time.Now, log)
	lazy := lazystore.New(st)

	names := registry.New()
	names.Set(registry.FeeRecipient, feeRecipient)

	// ── Goroutines ────────────────────────────────────────────────────────────
	go runExpirySweeper(ctx, rdb, engine, feeRecipient, log)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	group := r.Group("/v1", auth.Middleware(rdb))
	api.NewHandler(ledger, subs, coord, engine, nodeMgr, lazy, names, log).Register(group)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// runExpirySweeper periodically scans proof:* for requests whose verification
// window has lapsed and resolves them. Past the window any caller may
// finalize and the outcome is forced valid, so the sweep keeps nodes from
// waiting on verifiers that never respond.
func runExpirySweeper(ctx context.Context, rdb *redis.Client, engine *escrow.Engine, caller common.Address, log *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sweepExpiredProofs(ctx, rdb, engine, caller, time.Now().Unix(), log)
		case <-ctx.Done():
			return
		}
	}
}

func sweepExpiredProofs(ctx context.Context, rdb *redis.Client, engine *escrow.Engine, caller common.Address, now int64, log *zap.Logger) {
	var cursor uint64
	for {
		keys, next, err := rdb.Scan(ctx, cursor, "proof:*", 100).Result()
		if err != nil {
			log.Error("proof sweep: scan", zap.Error(err))
			return
		}
		for _, key := range keys {
			// Finalize opens to any caller at the expiry instant, so the
			// sweep must not wait one extra tick past it.
			expiry, err := rdb.HGet(ctx, key, "expiry").Int64()
			if err != nil || now < expiry {
				continue
			}
			subID, interval, node, ok := parseProofKey(key)
			if !ok {
				continue
			}
			if err := engine.Finalize(ctx, caller, subID, interval, node, true); err != nil {
				log.Error("proof sweep: finalize",
					zap.String("key", key),
					zap.Error(err),
				)
				continue
			}
			log.Info("expired proof resolved",
				zap.Uint64("subscription", subID),
				zap.Uint32("interval", interval),
				zap.String("node", node.Hex()),
			)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
}

// parseProofKey splits proof:<sub>:<interval>:<node>.
func parseProofKey(key string) (uint64, uint32, common.Address, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 {
		return 0, 0, common.Address{}, false
	}
	subID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, common.Address{}, false
	}
	interval, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return 0, 0, common.Address{}, false
	}
	return subID, uint32(interval), common.HexToAddress(parts[3]), true
}
