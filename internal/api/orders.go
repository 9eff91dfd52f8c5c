package api

import (
	"net/http"
	"strconv"

	"bookstore/internal/models"
	"bookstore/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// updateStatus handles administrative status changes
func (h *Handler) updateStatus(c *gin.Context) {
	var req service.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	order, err := h.orders.UpdateStatus(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"order":   order,
	})
}

// reconcileOrder re-checks an order's payment session at the processor
func (h *Handler) reconcileOrder(c *gin.Context) {
	orderID, ok := h.orderIDParam(c)
	if !ok {
		return
	}

	result, err := h.reconciler.ReconcileOrder(c.Request.Context(), orderID)
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

// getOrder returns an order to an admin or to the user who placed it
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := h.orderIDParam(c)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	claims := claimsFrom(c)
	if !claims.IsAdmin() {
		userID, ok := claims.UserID()
		if !ok || order.UserID == nil || *order.UserID != userID {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"message": "Order not found",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"order":   order,
	})
}

// listOrders lists orders, optionally filtered by status and payment status
func (h *Handler) listOrders(c *gin.Context) {
	filter := models.OrderFilter{
		Status:        models.OrderStatus(c.Query("status")),
		PaymentStatus: models.PaymentStatus(c.Query("paymentStatus")),
	}

	var err error
	if filter.Limit, err = intQuery(c, "limit"); err != nil {
		h.badRequest(c, "Invalid limit", nil)
		return
	}
	if filter.Offset, err = intQuery(c, "offset"); err != nil {
		h.badRequest(c, "Invalid offset", nil)
		return
	}

	orders, err := h.orders.ListOrders(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"orders":  orders,
	})
}

func (h *Handler) totalRevenue(c *gin.Context) {
	total, err := h.orders.TotalRevenue(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "totalRevenue": total})
}

func (h *Handler) weeklyOrders(c *gin.Context) {
	points, err := h.orders.WeeklyOrders(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": points})
}

func (h *Handler) monthlyRevenue(c *gin.Context) {
	points, err := h.orders.MonthlyRevenue(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": points})
}

// purchasedBooks aggregates paid purchases: all of them for admins, the
// caller's own otherwise.
func (h *Handler) purchasedBooks(c *gin.Context) {
	claims := claimsFrom(c)

	var userID *uuid.UUID
	if !claims.IsAdmin() {
		id, ok := claims.UserID()
		if !ok {
			c.JSON(http.StatusOK, gin.H{"success": true, "books": []models.PurchasedBook{}})
			return
		}
		userID = &id
	}

	books, err := h.orders.PurchasedBooks(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "books": books})
}

func (h *Handler) orderIDParam(c *gin.Context) (uuid.UUID, bool) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.badRequest(c, "Invalid order ID", nil)
		return uuid.Nil, false
	}
	return orderID, true
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
