package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"energy-bap/internal/models"
	"energy-bap/internal/service"
	"energy-bap/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	correlator *service.Correlator
}

// NewHandler creates a new HTTP handler
func NewHandler(correlator *service.Correlator) *Handler {
	return &Handler{
		correlator: correlator,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/transactions", h.openTransaction)
		v1.GET("/transactions/:id", h.getTransaction)
		v1.POST("/transactions/:id/actions/:action", h.sendAction)
		v1.GET("/offers", h.listOffers)
		v1.GET("/offers/:id/blocks", h.listOfferBlocks)
	}

	// on_* deliveries from provider platforms
	router.POST("/callbacks/:action", h.handleCallback)
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// OpenTransactionRequest opens a new buyer transaction
type OpenTransactionRequest struct {
	QuantityKWh float64   `json:"quantity_kwh" binding:"required"`
	SourceType  string    `json:"source_type,omitempty"`
	WindowStart time.Time `json:"window_start" binding:"required"`
	WindowEnd   time.Time `json:"window_end" binding:"required"`
	MaxPrice    float64   `json:"max_price,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	TTLSeconds  int       `json:"ttl_seconds,omitempty"`
}

// openTransaction handles transaction creation
func (h *Handler) openTransaction(c *gin.Context) {
	var req OpenTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	intent := models.Intent{
		QuantityKWh: req.QuantityKWh,
		SourceType:  req.SourceType,
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
		MaxPrice:    req.MaxPrice,
		Currency:    req.Currency,
	}

	t, err := h.correlator.Open(c.Request.Context(), intent, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, t)
}

// sendAction drives one outbound protocol leg for a transaction
func (h *Handler) sendAction(c *gin.Context) {
	txID := c.Param("id")
	action := c.Param("action")

	var message json.RawMessage
	if err := c.ShouldBindJSON(&message); err != nil {
		message = json.RawMessage(`{}`)
	}

	messageID, err := h.correlator.SendAction(c.Request.Context(), txID, action, message)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"transaction_id": txID,
		"message_id":     messageID,
		"action":         action,
	})
}

// getTransaction returns a transaction's state, order, held blocks and
// message audit trail
func (h *Handler) getTransaction(c *gin.Context) {
	t, order, blocks, events, err := h.correlator.View(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction": t,
		"order":       order,
		"blocks":      blocks,
		"events":      events,
	})
}

// listOffers returns the active catalog
func (h *Handler) listOffers(c *gin.Context) {
	offers, err := h.correlator.Offers(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

// listOfferBlocks returns an offer's blocks for reservation views
func (h *Handler) listOfferBlocks(c *gin.Context) {
	blocks, err := h.correlator.OfferBlocks(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": blocks})
}

// handleCallback receives an on_* delivery and answers with the protocol
// ACK/NACK envelope. Duplicates ACK without reprocessing.
func (h *Handler) handleCallback(c *gin.Context) {
	var cb models.CallbackMessage
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusBadRequest, nack("INVALID_PAYLOAD", err.Error()))
		return
	}

	if action := c.Param("action"); cb.Context.Action == "" {
		cb.Context.Action = action
	}

	if err := h.correlator.HandleCallback(c.Request.Context(), &cb); err != nil {
		switch {
		case errors.Is(err, models.ErrIllegalTransition):
			c.JSON(http.StatusConflict, nack("ILLEGAL_TRANSITION", err.Error()))
		case errors.Is(err, models.ErrNotFound):
			c.JSON(http.StatusNotFound, nack("UNKNOWN_TRANSACTION", err.Error()))
		case errors.Is(err, models.ErrInsufficientQuantity), errors.Is(err, models.ErrNotReserved):
			// The failure is recorded on the transaction; the delivery
			// itself was understood.
			c.JSON(http.StatusOK, ack())
		default:
			c.JSON(http.StatusInternalServerError, nack("INTERNAL_ERROR", err.Error()))
		}
		return
	}

	c.JSON(http.StatusOK, ack())
}

func ack() gin.H {
	return gin.H{"message": gin.H{"ack": gin.H{"status": "ACK"}}}
}

func nack(code, message string) gin.H {
	return gin.H{
		"message": gin.H{"ack": gin.H{"status": "NACK"}},
		"error":   gin.H{"code": code, "message": message},
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidIntent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
