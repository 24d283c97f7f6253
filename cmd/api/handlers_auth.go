package main

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kunalverma25/chatmeter/internal/ledger"
	"github.com/kunalverma25/chatmeter/internal/metrics"
	"github.com/kunalverma25/chatmeter/internal/middleware"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

const minPasswordLength = 8

const maxAvatarSize = 2 << 20 // 2MB

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// register creates a user seeded with the current default quota and issues
// a session token
func (api *API) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if !emailPattern.MatchString(req.Email) {
		fail(c, http.StatusBadRequest, "invalid email address")
		return
	}
	if len(req.Password) < minPasswordLength {
		fail(c, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := api.auth.HashPassword(req.Password)
	if err != nil {
		api.logger.ErrorWithErr("password hashing failed", err)
		fail(c, http.StatusInternalServerError, "registration failed")
		return
	}

	user, err := api.ledger.CreateUser(c.Request.Context(), req.Email, hash, strings.TrimSpace(req.Name))
	if err != nil {
		if errors.Is(err, ledger.ErrEmailExists) {
			fail(c, http.StatusBadRequest, "email already registered")
			return
		}
		api.logger.ErrorWithErr("user creation failed", err)
		fail(c, http.StatusInternalServerError, "registration failed")
		return
	}

	token, expiresAt, err := api.auth.IssueToken(user.ID, user.Email)
	if err != nil {
		api.logger.ErrorWithErr("token issuance failed", err)
		fail(c, http.StatusInternalServerError, "registration failed")
		return
	}
	metrics.TokensIssuedTotal.Inc()

	c.JSON(http.StatusCreated, gin.H{
		"success":   true,
		"user":      user,
		"token":     token,
		"expiresAt": expiresAt,
	})
}

// login verifies credentials and issues a session token. Unknown email and
// wrong password are indistinguishable in the response.
func (api *API) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := api.ledger.GetUserByEmail(c.Request.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		// Pay the bcrypt cost anyway so an unknown email is not
		// distinguishable from a wrong password by timing
		api.auth.VerifyDummyPassword(req.Password)
		metrics.RecordAuthFailure("bad_credentials")
		fail(c, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if !api.auth.VerifyPassword(user.PasswordHash, req.Password) {
		metrics.RecordAuthFailure("bad_credentials")
		fail(c, http.StatusUnauthorized, "invalid email or password")
		return
	}

	token, expiresAt, err := api.auth.IssueToken(user.ID, user.Email)
	if err != nil {
		api.logger.ErrorWithErr("token issuance failed", err)
		fail(c, http.StatusInternalServerError, "login failed")
		return
	}
	metrics.TokensIssuedTotal.Inc()

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"user":      user,
		"token":     token,
		"expiresAt": expiresAt,
	})
}

// getProfile returns the authenticated user's profile
func (api *API) getProfile(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	user, err := api.ledger.GetUser(c.Request.Context(), userID)
	if err != nil {
		fail(c, http.StatusNotFound, "user not found")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user":    user,
	})
}

type updateProfileRequest struct {
	Name   *string `json:"name"`
	Avatar *string `json:"avatar"`
}

// updateProfile updates the user-mutable display fields
func (api *API) updateProfile(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := api.ledger.UpdateProfile(c.Request.Context(), userID, ledger.ProfileUpdate{
		Name:   req.Name,
		Avatar: req.Avatar,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			fail(c, http.StatusNotFound, "user not found")
			return
		}
		api.logger.ErrorWithErr("profile update failed", err)
		fail(c, http.StatusInternalServerError, "profile update failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user":    user,
	})
}

// uploadAvatar stores an avatar image in object storage and points the
// profile at it
func (api *API) uploadAvatar(c *gin.Context) {
	if api.storage == nil {
		fail(c, http.StatusServiceUnavailable, "avatar storage is not configured")
		return
	}

	userID, _ := middleware.GetUserID(c)

	file, err := c.FormFile("avatar")
	if err != nil {
		fail(c, http.StatusBadRequest, "no avatar file provided")
		return
	}
	if file.Size > maxAvatarSize {
		fail(c, http.StatusBadRequest, "avatar exceeds 2MB limit")
		return
	}

	contentType := file.Header.Get("Content-Type")
	switch contentType {
	case "image/png", "image/jpeg", "image/webp":
	default:
		fail(c, http.StatusBadRequest, "avatar must be a PNG, JPEG or WebP image")
		return
	}

	src, err := file.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, "unreadable avatar file")
		return
	}
	defer src.Close()

	objectName, err := api.storage.UploadAvatar(c.Request.Context(), userID, src, file.Size, contentType)
	if err != nil {
		api.logger.ErrorWithErr("avatar upload failed", err)
		fail(c, http.StatusInternalServerError, "avatar upload failed")
		return
	}

	user, err := api.ledger.UpdateProfile(c.Request.Context(), userID, ledger.ProfileUpdate{
		Avatar: &objectName,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			fail(c, http.StatusNotFound, "user not found")
			return
		}
		api.logger.ErrorWithErr("profile update failed", err)
		fail(c, http.StatusInternalServerError, "avatar upload failed")
		return
	}

	url, err := api.storage.AvatarURL(c.Request.Context(), objectName)
	if err != nil {
		api.logger.ErrorWithErr("presign failed", err)
		url = ""
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user":    user,
		"url":     url,
	})
}
