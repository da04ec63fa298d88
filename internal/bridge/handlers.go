package bridge

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/brokerbridge/pkg/response"
)

// GinHandlers exposes the command surface over HTTP.
type GinHandlers struct {
	state *SessionState
}

func NewGinHandlers(state *SessionState) *GinHandlers {
	return &GinHandlers{state: state}
}

type buyRequest struct {
	Symbol   string  `json:"symbol" binding:"required"`
	Quantity float64 `json:"quantity" binding:"required"`
	StopDist float64 `json:"stop_dist"`
	Limit    float64 `json:"limit"`
}

type closeRequest struct {
	Amount float64 `json:"amount"`
	Limit  float64 `json:"limit"`
}

type comboRequest struct {
	Legs int `json:"legs"`
}

type policyRequest struct {
	Policy string `json:"policy" binding:"required"`
}

// Register mounts the command routes on a router group.
func (h *GinHandlers) Register(rg *gin.RouterGroup) {
	rg.POST("/login", h.LoginHandler())
	rg.GET("/assets/*symbol", h.AssetHandler())
	rg.POST("/orders", h.BuyHandler())
	rg.POST("/trades/:id/close", h.CloseHandler())
	rg.GET("/trades/:id", h.TradeHandler())
	rg.DELETE("/trades/:id", h.CancelHandler())
	rg.POST("/sync", h.SyncHandler())
	rg.PUT("/combo-legs", h.ComboLegsHandler())
	rg.PUT("/sell-policy", h.SellPolicyHandler())
	rg.GET("/account", h.AccountHandler())
	rg.GET("/positions/*symbol", h.PositionHandler())
	rg.GET("/history/*symbol", h.HistoryHandler())
	rg.GET("/contracts/*symbol", h.ContractsHandler())
	rg.GET("/time", h.TimeHandler())
}

func (h *GinHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.state.login(c.Request.Context())
		response.Handle(c, gin.H{"logged_in": err == nil}, err)
	}
}

func (h *GinHandlers) AssetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sym, ok := symbolParam(c)
		if !ok {
			return
		}
		asset, err := h.state.asset(c.Request.Context(), sym)
		response.Handle(c, asset, err)
	}
}

// BuyHandler opens a trade. Pending combo legs come back with status
// COMBO_PENDING and no local id.
func (h *GinHandlers) BuyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req buyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		rec, err := h.state.buy(c.Request.Context(), req.Symbol, req.Quantity, req.StopDist, req.Limit)
		response.Handle(c, rec, err)
	}
}

func (h *GinHandlers) CloseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		localID, ok := localIDParam(c)
		if !ok {
			return
		}
		var req closeRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, err.Error())
				return
			}
		}

		rec, err := h.state.lifecycle.Close(c.Request.Context(), localID, req.Amount, req.Limit)
		response.Handle(c, rec, err)
	}
}

func (h *GinHandlers) TradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		localID, ok := localIDParam(c)
		if !ok {
			return
		}
		rec, err := h.state.lifecycle.Status(c.Request.Context(), localID)
		response.Handle(c, rec, err)
	}
}

func (h *GinHandlers) CancelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		localID, ok := localIDParam(c)
		if !ok {
			return
		}
		err := h.state.lifecycle.Cancel(c.Request.Context(), localID)
		response.Handle(c, gin.H{"local_id": localID, "canceled": err == nil}, err)
	}
}

func (h *GinHandlers) SyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := h.state.lifecycle.Reconcile(c.Request.Context())
		response.Handle(c, gin.H{"synced": ok}, err)
	}
}

func (h *GinHandlers) ComboLegsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req comboRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.state.lifecycle.ExpectComboLegs(req.Legs)
		response.Handle(c, gin.H{"legs": req.Legs}, err)
	}
}

func (h *GinHandlers) SellPolicyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req policyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.state.SetSellPolicy(req.Policy)
		response.Handle(c, gin.H{"policy": req.Policy}, err)
	}
}

func (h *GinHandlers) AccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := h.state.Account(c.Request.Context())
		response.Handle(c, account, err)
	}
}

func (h *GinHandlers) PositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol, ok := symbolParam(c)
		if !ok {
			return
		}
		qty, err := h.state.Position(c.Request.Context(), symbol)
		response.Handle(c, gin.H{"symbol": symbol, "quantity": qty}, err)
	}
}

// HistoryHandler serves bars. Query parameters: minutes (default 1),
// ticks (default and maximum 300), start and end as RFC 3339 (end defaults
// to now).
func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sym, ok := symbolParam(c)
		if !ok {
			return
		}
		minutes, err := strconv.Atoi(c.DefaultQuery("minutes", "1"))
		if err != nil {
			response.BadRequest(c, "minutes must be an integer")
			return
		}
		ticks, err := strconv.Atoi(c.DefaultQuery("ticks", strconv.Itoa(MaxHistoryTicks)))
		if err != nil {
			response.BadRequest(c, "ticks must be an integer")
			return
		}
		end := h.state.now()
		if v := c.Query("end"); v != "" {
			if end, err = time.Parse(time.RFC3339, v); err != nil {
				response.BadRequest(c, "end must be RFC 3339")
				return
			}
		}
		var start time.Time
		if v := c.Query("start"); v != "" {
			if start, err = time.Parse(time.RFC3339, v); err != nil {
				response.BadRequest(c, "start must be RFC 3339")
				return
			}
		}

		bars, err := h.state.History(c.Request.Context(), sym, start, end, minutes, ticks)
		response.Handle(c, bars, err)
	}
}

func (h *GinHandlers) ContractsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sym, ok := symbolParam(c)
		if !ok {
			return
		}
		records, err := h.state.Contracts(c.Request.Context(), sym)
		response.Handle(c, records, err)
	}
}

func (h *GinHandlers) TimeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, gin.H{"state": h.state.Time(c.Request.Context())})
	}
}

// symbolParam reads the symbol captured by a trailing wildcard, which keeps
// the slash of forex pairs such as EUR/USD.
func symbolParam(c *gin.Context) (string, bool) {
	sym := strings.TrimPrefix(c.Param("symbol"), "/")
	if sym == "" {
		response.BadRequest(c, "symbol is required")
		return "", false
	}
	return sym, true
}

func localIDParam(c *gin.Context) (int32, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "trade id must be an integer")
		return 0, false
	}
	return int32(id), true
}
