package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"isp-saas.com/netsync/internal/middleware"
	"isp-saas.com/netsync/internal/models"
	"isp-saas.com/netsync/internal/store"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	TenantName string `json:"tenant_name"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	FullName   string `json:"full_name"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid request body"})
		return
	}

	if req.Email == "" || req.Password == "" {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Email and password are required"})
		return
	}

	user, err := h.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Error("Login lookup failed", "error", err)
		}
		h.logger.Warn("Login failed - user not found", "email", req.Email)
		h.sendJSON(w, http.StatusUnauthorized, Response{Success: false, Error: "Invalid credentials"})
		return
	}

	if !user.IsActive {
		h.sendJSON(w, http.StatusUnauthorized, Response{Success: false, Error: "Account is disabled"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		h.logger.Warn("Login failed - invalid password", "email", req.Email)
		h.sendJSON(w, http.StatusUnauthorized, Response{Success: false, Error: "Invalid credentials"})
		return
	}

	token, err := middleware.IssueToken(h.jwtSecret, user.ID, user.TenantID, user.Email, user.Role, h.tokenTTL)
	if err != nil {
		h.logger.Error("Failed to generate JWT", "error", err)
		h.sendJSON(w, http.StatusInternalServerError, Response{Success: false, Error: "Failed to generate token"})
		return
	}

	h.logger.Info("User logged in", "user_id", user.ID, "tenant_id", user.TenantID)

	h.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Message: "Login successful",
		Data: map[string]interface{}{
			"token": token,
			"user":  user,
		},
	})
}

// Register creates a tenant together with its owner account.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Invalid request body"})
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	req.TenantName = strings.TrimSpace(req.TenantName)
	if req.Email == "" || req.Password == "" || req.TenantName == "" {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: "Tenant name, email and password are required"})
		return
	}

	if err := ValidatePassword(req.Password); err != nil {
		h.sendJSON(w, http.StatusBadRequest, Response{Success: false, Error: err.Error()})
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.sendJSON(w, http.StatusInternalServerError, Response{Success: false, Error: "Failed to process password"})
		return
	}

	tenant := &models.Tenant{Name: req.TenantName, Status: "active"}
	owner := &models.User{
		Email:        req.Email,
		PasswordHash: string(hashedPassword),
		Role:         middleware.RoleOwner,
		FullName:     req.FullName,
		IsActive:     true,
	}
	if err := h.store.RegisterTenant(r.Context(), tenant, owner); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			h.sendJSON(w, http.StatusConflict, Response{Success: false, Error: "Email already exists"})
			return
		}
		h.sendStoreError(w, "tenant", err)
		return
	}

	token, err := middleware.IssueToken(h.jwtSecret, owner.ID, tenant.ID, owner.Email, owner.Role, h.tokenTTL)
	if err != nil {
		h.logger.Error("Failed to generate JWT", "error", err)
	}

	h.logger.Info("Tenant registered", "tenant_id", tenant.ID, "user_id", owner.ID)

	h.sendJSON(w, http.StatusCreated, Response{
		Success: true,
		Message: "Tenant registered successfully",
		Data: map[string]interface{}{
			"token":     token,
			"tenant_id": tenant.ID,
			"user_id":   owner.ID,
		},
	})
}

func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r)
	if claims == nil {
		h.sendJSON(w, http.StatusUnauthorized, Response{Success: false, Error: "Invalid token"})
		return
	}

	user, err := h.store.GetUser(r.Context(), claims.UserID)
	if err != nil || !user.IsActive {
		h.sendJSON(w, http.StatusUnauthorized, Response{Success: false, Error: "Account is disabled"})
		return
	}

	token, err := middleware.IssueToken(h.jwtSecret, user.ID, user.TenantID, user.Email, user.Role, h.tokenTTL)
	if err != nil {
		h.sendJSON(w, http.StatusInternalServerError, Response{Success: false, Error: "Failed to refresh token"})
		return
	}

	h.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]string{"token": token},
	})
}
