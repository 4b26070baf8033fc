package handlers

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"tonix/internal/cache"
	"tonix/internal/limiter"
	"tonix/internal/models"
	"tonix/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// addressPattern accepts raw ("0:<hex>") and user-friendly base64 addresses
// as well as plain account names.
var addressPattern = regexp.MustCompile(`^[A-Za-z0-9:_+/=-]{1,128}$`)

// Archive is the durable history used by the winners and ticket listings
// when storage is configured.
type Archive interface {
	ListDraws(limit int) ([]models.DrawResult, error)
	TicketsByAccount(account string, limit int) ([]models.Ticket, error)
	WinsByAccount(account string, limit int) ([]models.DrawResult, error)
	Leaderboard(limit int) ([]models.LeaderboardEntry, error)
}

// Options carries the optional collaborators of HTTPHandler. Zero values get
// in-process defaults.
type Options struct {
	Balances   *cache.Cache[float64]
	Limiter    *limiter.Limiter
	Nonces     *NonceGuard
	Archive    Archive
	Recorder   Recorder
	SourceKind string
	// Events, if set, serves the live feed.
	Events     http.Handler
}

// HTTPHandler holds the dependencies for the HTTP handlers, like the lottery service.
type HTTPHandler struct {
	service    *services.LotteryService
	balances   *cache.Cache[float64]
	limiter    *limiter.Limiter
	nonces     *NonceGuard
	archive    Archive
	recorder   Recorder
	sourceKind string
	events     http.Handler
}

// NewHTTPHandler creates a new HTTPHandler.
func NewHTTPHandler(service *services.LotteryService, opts Options) *HTTPHandler {
	h := &HTTPHandler{
		service:    service,
		balances:   opts.Balances,
		limiter:    opts.Limiter,
		nonces:     opts.Nonces,
		archive:    opts.Archive,
		recorder:   opts.Recorder,
		sourceKind: opts.SourceKind,
		events:     opts.Events,
	}
	if h.balances == nil {
		h.balances = cache.New(cache.LedgerBalance(service.Store()))
	}
	if h.limiter == nil {
		h.limiter = limiter.New(limiter.DefaultRequests, limiter.DefaultWindow)
	}
	if h.nonces == nil {
		h.nonces = NewNonceGuard(0)
	}
	if h.recorder == nil {
		h.recorder = nopRecorder{}
	}
	if h.sourceKind == "" {
		h.sourceKind = "ledger"
	}
	return h
}

// RegisterRoutes registers all the application routes.
func (h *HTTPHandler) RegisterRoutes(router *gin.Engine) {
	router.Use(Instrument(h.recorder), SecurityHeaders())

	router.GET("/api/health", h.Health)
	if h.events != nil {
		router.GET("/ws/events", gin.WrapH(h.events))
	}

	api := router.Group("/api/lottery")
	api.POST("/buy", h.Buy)
	api.POST("/draw", h.Draw)
	api.POST("/tx", h.ApplyTx)

	reads := api.Group("", RateLimit(h.limiter, h.recorder), CacheHints())
	reads.GET("/balance/:address", h.Balance)
	reads.GET("/rounds", h.Rounds)
	reads.GET("/draws", h.Draws)
	reads.GET("/round/:id", h.Round)
	reads.GET("/my-tickets", h.MyTickets)
	reads.GET("/stats", h.Stats)
	reads.GET("/winners", h.Winners)
}

type buyRequest struct {
	Account string `json:"account" binding:"required"`
	Amount  int64  `json:"amount"`
	Seq     uint64 `json:"seq"`
}

type drawRequest struct {
	Account string `json:"account" binding:"required"`
	Seq     uint64 `json:"seq"`
}

// Buy handles a ticket purchase.
func (h *HTTPHandler) Buy(c *gin.Context) {
	var req buyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request body"})
		return
	}
	if !h.admit(c, req.Account, req.Seq) {
		return
	}

	ticket, err := h.service.Buy(req.Account, req.Amount, req.Seq)
	if err != nil {
		h.ledgerError(c, "buy", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":               true,
		"ticket":           ticket,
		"participantCount": ticket.Index + 1,
	})
}

// Draw handles the owner's request to close the open round.
func (h *HTTPHandler) Draw(c *gin.Context) {
	var req drawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request body"})
		return
	}
	if !h.admit(c, req.Account, req.Seq) {
		return
	}

	result, err := h.service.Draw(req.Account)
	if err != nil {
		h.ledgerError(c, "draw", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
}

// ApplyTx handles a raw wire request and dispatches it by opcode.
func (h *HTTPHandler) ApplyTx(c *gin.Context) {
	var req models.Request
	if err := c.ShouldBindJSON(&req); err != nil || req.Sender == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request body"})
		return
	}
	if !h.admit(c, req.Sender, req.Seq) {
		return
	}

	out, err := h.service.Apply(req)
	if err != nil {
		h.ledgerError(c, "tx", err)
		return
	}
	resp := gin.H{"ok": true}
	if out.Ticket != nil {
		resp["ticket"] = out.Ticket
	}
	if out.Result != nil {
		resp["result"] = out.Result
	}
	c.JSON(http.StatusOK, resp)
}

// Balance handles the observation endpoint. Values come from the balance
// cache; an upstream failure yields 502.
func (h *HTTPHandler) Balance(c *gin.Context) {
	address := c.Param("address")
	if !addressPattern.MatchString(address) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid address"})
		return
	}
	value, err := h.balances.Get(c.Request.Context(), address)
	if err != nil {
		logger.Warningf("Balance lookup for %s failed: %v", address, err)
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": "balance source unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "value": value})
}

// Rounds returns the open round and the most recent closed rounds.
func (h *HTTPHandler) Rounds(c *gin.Context) {
	current, history := h.service.Rounds().Overview(queryLimit(c))
	c.JSON(http.StatusOK, gin.H{"ok": true, "current": current, "history": history})
}

// Draws lists past draw results, newest first, from the archive when present.
func (h *HTTPHandler) Draws(c *gin.Context) {
	limit := queryLimit(c)
	if h.archive == nil {
		history := h.service.Rounds().History(limit)
		draws := make([]models.DrawResult, 0, len(history))
		for _, closed := range history {
			draws = append(draws, closed.Result)
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "draws": draws})
		return
	}
	draws, err := h.archive.ListDraws(limit)
	if err != nil {
		logger.Errorf("Draw listing failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "draws unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "draws": draws})
}

// Round returns one round by id, or the open round for "current".
func (h *HTTPHandler) Round(c *gin.Context) {
	rounds := h.service.Rounds()
	param := c.Param("id")
	if param == "current" {
		c.JSON(http.StatusOK, gin.H{"ok": true, "round": rounds.Current()})
		return
	}
	id, err := strconv.ParseInt(param, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid round id"})
		return
	}
	round, result, ok := rounds.Round(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "round not found"})
		return
	}
	resp := gin.H{"ok": true, "round": round}
	if result != nil {
		resp["result"] = result
	}
	c.JSON(http.StatusOK, resp)
}

// MyTickets lists the tickets an address holds in the open round, its wins,
// its credited prizes and, with an archive, its ticket history.
func (h *HTTPHandler) MyTickets(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "address is required"})
		return
	}
	if !addressPattern.MatchString(address) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid address"})
		return
	}
	limit := queryLimit(c)
	rounds := h.service.Rounds()
	tickets := rounds.TicketsOf(address)
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	resp := gin.H{
		"ok":       true,
		"roundId":  rounds.Current().ID,
		"tickets":  tickets,
		"credited": rounds.Credited(address),
	}
	if h.archive == nil {
		resp["wins"] = rounds.WinsOf(address, limit)
		c.JSON(http.StatusOK, resp)
		return
	}
	history, err := h.archive.TicketsByAccount(address, limit)
	if err != nil {
		logger.Errorf("Ticket history for %s failed: %v", address, err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "history unavailable"})
		return
	}
	wins, err := h.archive.WinsByAccount(address, limit)
	if err != nil {
		logger.Errorf("Wins of %s failed: %v", address, err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "history unavailable"})
		return
	}
	resp["history"] = history
	resp["wins"] = wins
	c.JSON(http.StatusOK, resp)
}

// Stats returns ledger totals, with the jackpot also given in whole coins.
func (h *HTTPHandler) Stats(c *gin.Context) {
	stats := h.service.Rounds().Stats()
	c.JSON(http.StatusOK, gin.H{
		"ok":           true,
		"stats":        stats,
		"jackpotCoins": cache.ToCoins(stats.CurrentJackpot),
	})
}

// Winners ranks accounts by prizes won. The archive is used when present
// since in-memory history only covers this process.
func (h *HTTPHandler) Winners(c *gin.Context) {
	limit := queryLimit(c)
	if h.archive == nil {
		c.JSON(http.StatusOK, gin.H{"ok": true, "winners": h.service.Rounds().Leaderboard(limit)})
		return
	}
	board, err := h.archive.Leaderboard(limit)
	if err != nil {
		logger.Errorf("Leaderboard query failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "leaderboard unavailable"})
		return
	}
	if board == nil {
		board = []models.LeaderboardEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "winners": board})
}

// Health reports liveness and which optional components are configured.
func (h *HTTPHandler) Health(c *gin.Context) {
	snap := h.service.Store().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"address": snap.Address,
		"round":   snap.Current.ID,
		"version": snap.Version,
		"source":  h.sourceKind,
		"archive": h.archive != nil,
		"events":  h.events != nil,
	})
}

// admit applies the replay guard and answers the request itself on failure.
func (h *HTTPHandler) admit(c *gin.Context, account string, seq uint64) bool {
	err := h.nonces.Admit(account, seq)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrStaleSeq):
		c.JSON(http.StatusConflict, gin.H{"ok": false, "error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
	}
	return false
}

// ledgerError maps core errors to HTTP statuses. Validation failures carry
// their stable code in the body.
func (h *HTTPHandler) ledgerError(c *gin.Context, op string, err error) {
	code := services.CodeOf(err)
	switch {
	case code == services.CodeNotOwner:
		h.recorder.Rejected(op, code)
		c.JSON(http.StatusForbidden, gin.H{"ok": false, "code": code, "error": err.Error()})
	case code != 0:
		h.recorder.Rejected(op, code)
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "code": code, "error": err.Error()})
	case errors.Is(err, services.ErrInvalidAccount), errors.Is(err, services.ErrUnknownOp):
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
	default:
		logger.Errorf("Ledger %s failed: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "internal error"})
	}
}

// queryLimit reads ?limit=, falling back to defaultListLimit when it is
// missing or not positive.
func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
