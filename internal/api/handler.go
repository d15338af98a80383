// Package api exposes the coordinator over HTTP. The auth middleware has
// already recovered the caller principal; handlers translate JSON bodies into
// component calls and domain errors into status codes.
package api

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meshcompute/coordinator/internal/auth"
	"github.com/meshcompute/coordinator/internal/coordinator"
	"github.com/meshcompute/coordinator/internal/escrow"
	"github.com/meshcompute/coordinator/internal/lazystore"
	"github.com/meshcompute/coordinator/internal/nodes"
	"github.com/meshcompute/coordinator/internal/registry"
	"github.com/meshcompute/coordinator/internal/subscription"
	"github.com/meshcompute/coordinator/internal/wallet"
)

type Handler struct {
	ledger *wallet.Ledger
	subs   *subscription.Registry
	coord  *coordinator.Coordinator
	engine *escrow.Engine
	nodes  *nodes.Manager
	lazy   *lazystore.Store
	names  *registry.Registry
	log    *zap.Logger
}

func NewHandler(
	ledger *wallet.Ledger,
	subs *subscription.Registry,
	coord *coordinator.Coordinator,
	engine *escrow.Engine,
	nodeMgr *nodes.Manager,
	lazy *lazystore.Store,
	names *registry.Registry,
	log *zap.Logger,
) *Handler {
	return &Handler{
		ledger: ledger,
		subs:   subs,
		coord:  coord,
		engine: engine,
		nodes:  nodeMgr,
		lazy:   lazy,
		names:  names,
		log:    log,
	}
}

// Register mounts all routes. The auth middleware should already be applied
// to the group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/wallets", h.handleWalletCreate)
	rg.POST("/wallets/:addr/deposit", h.handleDeposit)
	rg.POST("/wallets/:addr/approve", h.handleApprove)
	rg.POST("/wallets/:addr/withdraw", h.handleWithdraw)
	rg.GET("/wallets/:addr/balance", h.handleBalance)

	rg.POST("/subscriptions", h.handleSubscriptionCreate)
	rg.GET("/subscriptions/:id", h.handleSubscriptionGet)
	rg.DELETE("/subscriptions/:id", h.handleSubscriptionCancel)

	rg.POST("/deliveries", h.handleDeliver)

	rg.GET("/proofs", h.handleProofGet)
	rg.POST("/proofs/finalize", h.handleProofFinalize)

	rg.POST("/nodes/register", h.handleNodeRegister)
	rg.POST("/nodes/activate", h.handleNodeActivate)
	rg.POST("/nodes/deactivate", h.handleNodeDeactivate)

	rg.GET("/containers/:id/nodes/:node/items/:index", h.handleLazyRead)

	rg.GET("/registry/:name", h.handleRegistryLookup)
}

func caller(c *gin.Context) common.Address {
	return common.HexToAddress(c.GetString(auth.CallerKey))
}

// ── Wallets ────────────────────────────────────────────────────────────────

func (h *Handler) handleWalletCreate(c *gin.Context) {
	addr, err := h.ledger.Create(c.Request.Context(), caller(c))
	if err != nil {
		abortDomain(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"wallet": addr.Hex()})
}

type fundsRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount" binding:"required"`
}

func (h *Handler) handleDeposit(c *gin.Context) {
	var req fundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	err := h.ledger.Deposit(c.Request.Context(),
		common.HexToAddress(c.Param("addr")), common.HexToAddress(req.Token), amount)
	if err != nil {
		abortDomain(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) handleWithdraw(c *gin.Context) {
	var req fundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	err := h.ledger.Withdraw(c.Request.Context(), caller(c),
		common.HexToAddress(c.Param("addr")), common.HexToAddress(req.Token), amount)
	if err != nil {
		abortDomain(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type approveRequest struct {
	Spender string `json:"spender" binding:"required"`
	Token   string `json:"token"`
	Amount  string `json:"amount" binding:"required"`
}

func (h *Handler) handleApprove(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	err := h.ledger.Approve(c.Request.Context(), caller(c),
		common.HexToAddress(c.Param("addr")), common.HexToAddress(req.Spender),
		common.HexToAddress(req.Token), amount)
	if err != nil {
		abortDomain(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) handleBalance(c *gin.Context) {
	addr := common.HexToAddress(c.Param("addr"))
	token := common.HexToAddress(c.Query("token"))
	ctx := c.Request.Context()

	valid, err := h.ledger.IsValid(ctx, addr)
	if err != nil {
		abortDomain(c, err)
		return
	}
	if !valid {
		abortDomain(c, wallet.ErrWalletNotFound)
		return
	}
	balance, err := h.ledger.Balance(ctx, addr, token)
	if err != nil {
		abortDomain(c, err)
		return
	}
	locked, err := h.ledger.Locked(ctx, addr, token)
	if err != nil {
		abortDomain(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance": balance.String(),
		"locked":  locked.String(),
	})
}

// ── Subscriptions ──────────────────────────────────────────────────────────

type subscriptionRequest struct {
	Period        int64  `json:"period"`
	Frequency     uint32 `json:"frequency" binding:"required"`
	Redundancy    uint16 `json:"redundancy" binding:"required"`
	ContainerID   string `json:"container_id" binding:"required"`
	Lazy          bool   `json:"lazy"`
	Verifier      string `json:"verifier"`
	PaymentAmount string `json:"payment_amount"`
	PaymentToken  string `json:"payment_token"`
	Wallet        string `json:"wallet"`
}

func (h *Handler) handleSubscriptionCreate(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount := big.NewInt(0)
	if req.PaymentAmount != "" {
		var ok bool
		if amount, ok = new(big.Int).SetString(req.PaymentAmount, 10); !ok || amount.Sign() < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment_amount"})
			return
		}
	}
	id, err := h.subs.Create(c.Request.Context(), caller(c), subscription.CreateParams{
		Period:        req.Period,
		Frequency:     req.Frequency,
		Redundancy:    req.Redundancy,
		ContainerID:   req.ContainerID,
		Lazy:          req.Lazy,
		Verifier:      common.HexToAddress(req.Verifier),
		PaymentAmount: amount,
		PaymentToken:  common.HexToAddress(req.PaymentToken),
		Wallet:        common.HexToAddress(req.Wallet),
	})
	if err != nil {
		abortDomain(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *Handler) handleSubscriptionGet(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription id"})
		return
	}
	sub, err := h.subs.Get(c.Request.Context(), id)
	if err != nil {
		abortDomain(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":             sub.ID,
		"owner":          sub.Owner.Hex(),
		"active_at":      sub.ActiveAt,
		"period":         sub.Period,
		"frequency":      sub.Frequency,
		"redundancy":     sub.Redundancy,
		"container_id":   sub.ContainerID,
		"lazy":           sub.Lazy,
		"verifier":       sub.Verifier.Hex(),
		"payment_amount": sub.PaymentAmount.String(),
		"payment_token":  sub.PaymentToken.Hex(),
		"wallet":         sub.Wallet.Hex(),
		"cancelled":      sub.Cancelled(),
	})
}

func (h *Handler) handleSubscriptionCancel(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription id"})
		return
	}
	if err := h.subs.Cancel(c.Request.Context(), caller(c), id); err != nil {
		abortDomain(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ── Deliveries ─────────────────────────────────────────────────────────────

type deliveryRequest struct {
	SubscriptionID uint64 `json:"subscription_id" binding:"required"`
	Interval       uint32 `json:"interval" binding:"required"`
	Input          []byte `json:"input"`
	Output         []byte `json:"output"`
	Proof          []byte `json:"proof"`
	NodeWallet     string `json:"node_wallet"`
}

func (h *Handler) handleDeliver(c *gin.Context) {
	var req deliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := h.coord.Deliver(c.Request.Context(), caller(c), coordinator.DeliveryRequest{
		SubscriptionID: req.SubscriptionID,
		Interval:       req.Interval,
		Input:          req.Input,
		Output:         req.Output,
		Proof:          req.Proof,
		NodeWallet:     common.HexToAddress(req.NodeWallet),
	})
	if err != nil {
		abortDomain(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ── Proofs ─────────────────────────────────────────────────────────────────

type finalizeRequest struct {
	SubscriptionID uint64 `json:"subscription_id" binding:"required"`
	Interval       uint32 `json:"interval" binding:"required"`
	Node           string `json:"node" binding:"required"`
	Valid          bool   `json:"valid"`
}

func (h *Handler) handleProofFinalize(c *gin.Context) {
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := h.engine.Finalize(c.Request.Context(), caller(c),
		req.SubscriptionID, req.Interval, common.HexToAddress(req.Node), req.Valid)
	if err != nil {
		abortDomain(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) handleProofGet(c *gin.Context) {
	id, err := strconv.ParseUint(c.Query("subscription_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription_id"})
		return
	}
	interval, err := strconv.ParseUint(c.Query("interval"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid interval"})
		return
	}
	node := common.HexToAddress(c.Query("node"))

	req, err := h.engine.PendingRequest(c.Request.Context(), id, uint32(interval), node)
	if err != nil {
		abortDomain(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"expiry":            req.Expiry,
		"node_wallet":       req.NodeWallet.Hex(),
		"consumer_escrowed": req.ConsumerEscrowed.String(),
	})
}

// ── Nodes ──────────────────────────────────────────────────────────────────

func (h *Handler) handleNodeRegister(c *gin.Context) {
	if err := h.nodes.Register(c.Request.Context(), caller(c)); err != nil {
		abortDomain(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) handleNodeActivate(c *gin.Context) {
	if err := h.nodes.Activate(c.Request.Context(), caller(c)); err != nil {
		abortDomain(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) handleNodeDeactivate(c *gin.Context) {
	if err := h.nodes.Deactivate(c.Request.Context(), caller(c)); err != nil {
		abortDomain(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ── Lazy store ─────────────────────────────────────────────────────────────

func (h *Handler) handleLazyRead(c *gin.Context) {
	index, err := strconv.ParseUint(c.Param("index"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid index"})
		return
	}
	item, err := h.lazy.Read(c.Request.Context(),
		c.Param("id"), common.HexToAddress(c.Param("node")), index)
	if err != nil {
		abortDomain(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// ── Registry ───────────────────────────────────────────────────────────────

func (h *Handler) handleRegistryLookup(c *gin.Context) {
	addr, err := h.names.Lookup(c.Param("name"))
	if err != nil {
		abortDomain(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr.Hex()})
}

// ── Error mapping ──────────────────────────────────────────────────────────

// abortDomain maps domain errors onto HTTP statuses: absent records are 404,
// capability failures 403, state conflicts 409.
func abortDomain(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, subscription.ErrSubscriptionNotFound),
		errors.Is(err, wallet.ErrWalletNotFound),
		errors.Is(err, escrow.ErrProofRequestNotFound),
		errors.Is(err, lazystore.ErrItemNotFound),
		errors.Is(err, registry.ErrUnknownName):
		status = http.StatusNotFound

	case errors.Is(err, wallet.ErrNotOwner),
		errors.Is(err, subscription.ErrNotSubscriptionOwner),
		errors.Is(err, escrow.ErrUnauthorizedVerifier),
		errors.Is(err, coordinator.ErrNodeNotActive):
		status = http.StatusForbidden

	case errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, subscription.ErrInvalidPeriod):
		status = http.StatusBadRequest

	case errors.Is(err, coordinator.ErrSubscriptionNotActive),
		errors.Is(err, coordinator.ErrIntervalMismatch),
		errors.Is(err, coordinator.ErrSubscriptionCompleted),
		errors.Is(err, coordinator.ErrIntervalCompleted),
		errors.Is(err, coordinator.ErrNodeRespondedAlready),
		errors.Is(err, coordinator.ErrReentrantDelivery),
		errors.Is(err, escrow.ErrInvalidWallet),
		errors.Is(err, escrow.ErrUnknownVerifier),
		errors.Is(err, escrow.ErrUnsupportedToken),
		errors.Is(err, escrow.ErrVerifierFeeTooHigh),
		errors.Is(err, wallet.ErrInsufficientFunds),
		errors.Is(err, wallet.ErrInsufficientAllowance),
		errors.Is(err, wallet.ErrInsufficientLocked),
		errors.Is(err, nodes.ErrAlreadyRegistered),
		errors.Is(err, nodes.ErrNotRegistered),
		errors.Is(err, nodes.ErrCooldownActive):
		status = http.StatusConflict
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
