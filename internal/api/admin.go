package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mr1hm/go-civictrack/internal/models"
)

const adminKey = "admin"

// requireAdmin aborts unless the X-User-ID header names an active admin.
func (h *Handler) requireAdmin(c *gin.Context) {
	u, err := h.Accounts.Authorize(c.Request.Context(), c.GetHeader(userIDHeader))
	if err != nil {
		writeError(c, err)
		c.Abort()
		return
	}
	c.Set(adminKey, u)
	c.Next()
}

func actor(c *gin.Context) string {
	if u, ok := c.Get(adminKey); ok {
		return u.(*models.User).ID
	}
	return ""
}

func (h *Handler) listUsers(c *gin.Context) {
	users, err := h.Accounts.Search(c.Request.Context(), c.Query("q"))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := make([]userResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, newUserResponse(u))
	}
	c.JSON(http.StatusOK, gin.H{"users": resp, "count": len(resp)})
}

func (h *Handler) banUser(c *gin.Context) {
	h.moderate(c, h.Accounts.Ban(c.Request.Context(), actor(c), c.Param("id")))
}

func (h *Handler) unbanUser(c *gin.Context) {
	h.moderate(c, h.Accounts.Unban(c.Request.Context(), c.Param("id")))
}

func (h *Handler) promoteUser(c *gin.Context) {
	h.moderate(c, h.Accounts.Promote(c.Request.Context(), c.Param("id")))
}

func (h *Handler) demoteUser(c *gin.Context) {
	h.moderate(c, h.Accounts.Demote(c.Request.Context(), actor(c), c.Param("id")))
}

// moderate answers with the updated user.
func (h *Handler) moderate(c *gin.Context, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	u, err := h.Accounts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newUserResponse(*u))
}
