package api

import (
	"io"
	"net/http"

	"bookstore/internal/service"

	"github.com/gin-gonic/gin"
)

// maxWebhookBody caps the webhook payload read into memory.
const maxWebhookBody = 64 << 10

// createSession handles checkout initiation
func (h *Handler) createSession(c *gin.Context) {
	var req service.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	if claims := claimsFrom(c); claims != nil {
		if id, ok := claims.UserID(); ok {
			req.UserID = &id
		}
	}

	resp, err := h.checkout.CreateSession(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":    true,
		"orderId":    resp.OrderID,
		"sessionId":  resp.SessionID,
		"sessionUrl": resp.SessionURL,
	})
}

type verifyRequest struct {
	SessionID string `json:"sessionId"`
}

// verify handles the customer's return from the payment page. success is true
// only once the order is paid.
func (h *Handler) verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	result, err := h.reconciler.Verify(c.Request.Context(), req.SessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       result.Paid,
		"paymentStatus": result.Order.PaymentStatus,
		"order":         result.Order,
	})
}

// webhook handles payment processor events. Anything past signature
// verification is acknowledged with 200.
func (h *Handler) webhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		h.badRequest(c, "Failed to read request body", nil)
		return
	}

	if err := h.reconciler.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature")); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
