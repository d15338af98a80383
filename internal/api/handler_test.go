package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meshcompute/coordinator/internal/auth"
	"github.com/meshcompute/coordinator/internal/coordinator"
	"github.com/meshcompute/coordinator/internal/escrow"
	"github.com/meshcompute/coordinator/internal/lazystore"
	"github.com/meshcompute/coordinator/internal/nodes"
	"github.com/meshcompute/coordinator/internal/registry"
	"github.com/meshcompute/coordinator/internal/store"
	"github.com/meshcompute/coordinator/internal/subscription"
	"github.com/meshcompute/coordinator/internal/wallet"
)

var (
	alice = common.HexToAddress("0xA11ce00000000000000000000000000000000001")
	bob   = common.HexToAddress("0xB0b0000000000000000000000000000000000002")
)

// testAuth stands in for the signature middleware: it trusts a plain header
// so handler tests exercise routing and status mapping, not EIP-191.
func testAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetHeader("X-Test-Caller")
		if caller == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing caller"})
			return
		}
		c.Set(auth.CallerKey, common.HexToAddress(caller).Hex())
		c.Next()
	}
}

func newTestRouter(t *testing.T) (*gin.Engine, *wallet.Ledger) {
	return newTestRouterCooldown(t, time.Hour)
}

func newTestRouterCooldown(t *testing.T, cooldown time.Duration) (*gin.Engine, *wallet.Ledger) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.New(rdb)
	log := zap.NewNop()

	ledger := wallet.NewLedger(st, log)
	subs := subscription.NewRegistry(st, time.Now, log)
	engine := escrow.NewEngine(st, 500, common.HexToAddress("0xFee"), time.Hour, time.Now, log)
	coord := coordinator.New(st, engine, time.Now, log)
	nodeMgr := nodes.NewManager(st, cooldown, time.Now, log)
	lazy := lazystore.New(st)
	names := registry.New()
	names.Set(registry.FeeRecipient, common.HexToAddress("0xFee"))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	group := router.Group("/v1", testAuth())
	NewHandler(ledger, subs, coord, engine, nodeMgr, lazy, names, log).Register(group)
	return router, ledger
}

func do(t *testing.T, router *gin.Engine, caller common.Address, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Test-Caller", caller.Hex())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestWalletLifecycle(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, alice, http.MethodPost, "/v1/wallets", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create wallet: status %d, body %s", w.Code, w.Body.String())
	}
	addr := decode(t, w)["wallet"].(string)

	w = do(t, router, alice, http.MethodPost, "/v1/wallets/"+addr+"/deposit",
		gin.H{"amount": "1000"})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: status %d, body %s", w.Code, w.Body.String())
	}

	w = do(t, router, alice, http.MethodGet, "/v1/wallets/"+addr+"/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: status %d", w.Code)
	}
	resp := decode(t, w)
	if resp["balance"] != "1000" || resp["locked"] != "0" {
		t.Fatalf("balance response = %v", resp)
	}

	// Withdrawing from someone else's wallet is forbidden.
	w = do(t, router, bob, http.MethodPost, "/v1/wallets/"+addr+"/withdraw",
		gin.H{"amount": "1"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign withdraw: status %d, want 403", w.Code)
	}

	// Overdrawing is a conflict.
	w = do(t, router, alice, http.MethodPost, "/v1/wallets/"+addr+"/withdraw",
		gin.H{"amount": "5000"})
	if w.Code != http.StatusConflict {
		t.Fatalf("overdraw: status %d, want 409", w.Code)
	}

	w = do(t, router, alice, http.MethodPost, "/v1/wallets/"+addr+"/approve",
		gin.H{"spender": alice.Hex(), "amount": "600"})
	if w.Code != http.StatusOK {
		t.Fatalf("approve: status %d, body %s", w.Code, w.Body.String())
	}
}

func TestWalletBadAmount(t *testing.T) {
	router, ledger := newTestRouter(t)
	addr, err := ledger.Create(context.Background(), alice)
	if err != nil {
		t.Fatal(err)
	}
	w := do(t, router, alice, http.MethodPost, "/v1/wallets/"+addr.Hex()+"/deposit",
		gin.H{"amount": "not-a-number"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestSubscriptionRoutes(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, alice, http.MethodPost, "/v1/subscriptions", gin.H{
		"frequency":    3,
		"redundancy":   2,
		"period":       60,
		"container_id": "sha256:abc",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d, body %s", w.Code, w.Body.String())
	}
	id := uint64(decode(t, w)["id"].(float64))
	if id != 1 {
		t.Fatalf("first subscription id = %d, want 1", id)
	}

	w = do(t, router, bob, http.MethodGet, fmt.Sprintf("/v1/subscriptions/%d", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}
	resp := decode(t, w)
	if resp["owner"] != alice.Hex() || resp["container_id"] != "sha256:abc" {
		t.Fatalf("get response = %v", resp)
	}
	if resp["cancelled"] != false {
		t.Fatalf("fresh subscription reported cancelled")
	}

	w = do(t, router, bob, http.MethodGet, "/v1/subscriptions/999", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing get: status %d, want 404", w.Code)
	}

	w = do(t, router, bob, http.MethodDelete, fmt.Sprintf("/v1/subscriptions/%d", id), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign cancel: status %d, want 403", w.Code)
	}

	w = do(t, router, alice, http.MethodDelete, fmt.Sprintf("/v1/subscriptions/%d", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: status %d", w.Code)
	}

	w = do(t, router, bob, http.MethodGet, fmt.Sprintf("/v1/subscriptions/%d", id), nil)
	if resp := decode(t, w); resp["cancelled"] != true {
		t.Fatalf("cancelled subscription record = %v", resp)
	}
}

func TestSubscriptionNegativePeriod(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, alice, http.MethodPost, "/v1/subscriptions", gin.H{
		"frequency":    1,
		"redundancy":   1,
		"period":       -60,
		"container_id": "sha256:abc",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestDeliveryRoute(t *testing.T) {
	router, _ := newTestRouter(t)

	// One-shot free subscription so the node can respond immediately.
	w := do(t, router, alice, http.MethodPost, "/v1/subscriptions", gin.H{
		"frequency":    1,
		"redundancy":   1,
		"container_id": "sha256:abc",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d", w.Code)
	}
	id := uint64(decode(t, w)["id"].(float64))

	body := gin.H{
		"subscription_id": id,
		"interval":        1,
		"output":          []byte("result"),
	}

	// Inactive node is rejected before anything else.
	w = do(t, router, bob, http.MethodPost, "/v1/deliveries", body)
	if w.Code != http.StatusForbidden {
		t.Fatalf("inactive node: status %d, want 403", w.Code)
	}

	if w = do(t, router, bob, http.MethodPost, "/v1/nodes/register", nil); w.Code != http.StatusOK {
		t.Fatalf("register: status %d", w.Code)
	}
	// Cooldown has not elapsed yet.
	if w = do(t, router, bob, http.MethodPost, "/v1/nodes/activate", nil); w.Code != http.StatusConflict {
		t.Fatalf("early activate: status %d, want 409", w.Code)
	}
	if w = do(t, router, bob, http.MethodPost, "/v1/nodes/register", nil); w.Code != http.StatusConflict {
		t.Fatalf("double register: status %d, want 409", w.Code)
	}
}

func TestDeliveryRouteAccepts(t *testing.T) {
	router, _ := newTestRouterCooldown(t, 0)

	w := do(t, router, alice, http.MethodPost, "/v1/subscriptions", gin.H{
		"frequency":    1,
		"redundancy":   1,
		"container_id": "sha256:abc",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d", w.Code)
	}
	id := uint64(decode(t, w)["id"].(float64))

	if w = do(t, router, bob, http.MethodPost, "/v1/nodes/register", nil); w.Code != http.StatusOK {
		t.Fatalf("register: status %d", w.Code)
	}
	if w = do(t, router, bob, http.MethodPost, "/v1/nodes/activate", nil); w.Code != http.StatusOK {
		t.Fatalf("activate: status %d, body %s", w.Code, w.Body.String())
	}

	body := gin.H{
		"subscription_id": id,
		"interval":        1,
		"output":          []byte("result"),
	}
	if w = do(t, router, bob, http.MethodPost, "/v1/deliveries", body); w.Code != http.StatusOK {
		t.Fatalf("deliver: status %d, body %s", w.Code, w.Body.String())
	}
	// Second response exceeds redundancy.
	if w = do(t, router, bob, http.MethodPost, "/v1/deliveries", body); w.Code != http.StatusConflict {
		t.Fatalf("repeat deliver: status %d, want 409", w.Code)
	}
}

func TestProofRoutes(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, alice, http.MethodGet,
		"/v1/proofs?subscription_id=1&interval=1&node="+bob.Hex(), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing proof: status %d, want 404", w.Code)
	}

	w = do(t, router, alice, http.MethodPost, "/v1/proofs/finalize", gin.H{
		"subscription_id": 1,
		"interval":        1,
		"node":            bob.Hex(),
		"valid":           true,
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("finalize missing: status %d, want 404", w.Code)
	}
}

func TestLazyReadRoute(t *testing.T) {
	router, _ := newTestRouter(t)
	w := do(t, router, alice, http.MethodGet,
		"/v1/containers/sha256:abc/nodes/"+bob.Hex()+"/items/0", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing item: status %d, want 404", w.Code)
	}
}

func TestRegistryLookup(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(t, router, alice, http.MethodGet, "/v1/registry/fee_recipient", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if got := decode(t, w)["address"]; got != common.HexToAddress("0xFee").Hex() {
		t.Fatalf("address = %v", got)
	}

	w = do(t, router, alice, http.MethodGet, "/v1/registry/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown name: status %d, want 404", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/wallets", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", w.Code)
	}
}

func TestBalanceOfMissingWallet(t *testing.T) {
	router, _ := newTestRouter(t)
	w := do(t, router, alice, http.MethodGet,
		"/v1/wallets/"+bob.Hex()+"/balance?token="+common.Address{}.Hex(), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
}
