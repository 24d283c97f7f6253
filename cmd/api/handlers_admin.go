package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kunalverma25/chatmeter/internal/ledger"
)

// adminListUsers returns every user, ordered by creation time
func (api *API) adminListUsers(c *gin.Context) {
	users := api.ledger.ListUsers(c.Request.Context())

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"users":   users,
		"count":   len(users),
	})
}

type adminUpdateUserRequest struct {
	Name         *string `json:"name"`
	Avatar       *string `json:"avatar"`
	MessageQuota *int    `json:"messageQuota"`
}

// adminUpdateUser edits any user's profile fields or overwrites their quota
func (api *API) adminUpdateUser(c *gin.Context) {
	var req adminUpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := api.ledger.AdminUpdateUser(c.Request.Context(), c.Param("id"), ledger.AdminUserUpdate{
		Name:         req.Name,
		Avatar:       req.Avatar,
		MessageQuota: req.MessageQuota,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			fail(c, http.StatusNotFound, "user not found")
		case errors.Is(err, ledger.ErrNegativeQuota):
			fail(c, http.StatusBadRequest, "message quota must not be negative")
		default:
			api.logger.ErrorWithErr("admin user update failed", err)
			fail(c, http.StatusInternalServerError, "user update failed")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user":    user,
	})
}

// adminDeleteUser removes a user and their stored avatar. A failed avatar
// delete does not block the user delete.
func (api *API) adminDeleteUser(c *gin.Context) {
	id := c.Param("id")

	user, err := api.ledger.GetUser(c.Request.Context(), id)
	if err != nil {
		fail(c, http.StatusNotFound, "user not found")
		return
	}

	if err := api.ledger.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			fail(c, http.StatusNotFound, "user not found")
			return
		}
		api.logger.ErrorWithErr("user delete failed", err)
		fail(c, http.StatusInternalServerError, "user delete failed")
		return
	}

	if api.storage != nil && user.Avatar != "" {
		if err := api.storage.DeleteAvatar(c.Request.Context(), user.Avatar); err != nil {
			api.logger.WithUserID(id).Warnf("avatar cleanup failed: %v", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
	})
}

// adminGetSettings returns the service settings
func (api *API) adminGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"settings": gin.H{
			"defaultQuota": api.ledger.DefaultQuota(c.Request.Context()),
		},
	})
}

type adminUpdateSettingsRequest struct {
	DefaultQuota *int `json:"defaultQuota"`
}

// adminUpdateSettings changes the default quota for future registrations.
// Existing users keep their current balance.
func (api *API) adminUpdateSettings(c *gin.Context) {
	var req adminUpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DefaultQuota == nil {
		fail(c, http.StatusBadRequest, "defaultQuota is required")
		return
	}

	if err := api.ledger.SetDefaultQuota(c.Request.Context(), *req.DefaultQuota); err != nil {
		fail(c, http.StatusBadRequest, "default quota must not be negative")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"settings": gin.H{
			"defaultQuota": *req.DefaultQuota,
		},
	})
}
