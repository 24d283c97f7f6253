package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kunalverma25/chatmeter/internal/ledger"
	"github.com/kunalverma25/chatmeter/internal/middleware"
)

// callTypeHeader marks the kind of chat call being metered. Summary calls
// are free and skip the pre-consume charge.
const callTypeHeader = "X-Call-Type"

// getQuota returns the caller's remaining message quota
func (api *API) getQuota(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	quota, err := api.ledger.GetQuota(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			fail(c, http.StatusNotFound, "user not found")
			return
		}
		api.logger.ErrorWithErr("quota lookup failed", err)
		fail(c, http.StatusInternalServerError, "quota lookup failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"quota":   quota,
	})
}

// consume charges one message against the caller's quota. An exhausted
// quota is reported with 403 and charged=false; nothing is deducted.
func (api *API) consume(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	result, err := api.ledger.Consume(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			fail(c, http.StatusNotFound, "user not found")
			return
		}
		api.logger.ErrorWithErr("quota consume failed", err)
		fail(c, http.StatusInternalServerError, "quota consume failed")
		return
	}

	if !result.Charged {
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   "message quota exhausted",
			"charged": false,
			"quota":   0,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"charged": true,
		"quota":   result.Remaining,
	})
}

// preConsume charges ahead of dispatching a chat call. Summary calls are
// exempt: they respond with skipped=true and leave the quota untouched.
func (api *API) preConsume(c *gin.Context) {
	if c.GetHeader(callTypeHeader) == "summary" {
		userID, _ := middleware.GetUserID(c)
		quota, err := api.ledger.GetQuota(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				fail(c, http.StatusNotFound, "user not found")
				return
			}
			api.logger.ErrorWithErr("quota lookup failed", err)
			fail(c, http.StatusInternalServerError, "quota lookup failed")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"charged": false,
			"skipped": true,
			"quota":   quota,
		})
		return
	}
	api.consume(c)
}

// refundQuota credits one message back, typically after a failed chat call.
// The credit is unconditional and not matched against a prior charge.
func (api *API) refundQuota(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	result, err := api.ledger.Refund(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			fail(c, http.StatusNotFound, "user not found")
			return
		}
		api.logger.ErrorWithErr("quota refund failed", err)
		fail(c, http.StatusInternalServerError, "quota refund failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"quota":   result.Remaining,
	})
}
