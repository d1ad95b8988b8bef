package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/switchboard-io/switchboard/internal/inbox"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth())

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/conversations", handleListConversations(opts))
		apiGroup.GET("/conversations/:id/messages", handleMessages(opts))
		apiGroup.POST("/conversations/:id/reply", handleReply(opts))
		apiGroup.POST("/conversations/:id/read", handleMarkRead(opts))
		apiGroup.POST("/conversations/:id/assign", handleAssign(opts))
		apiGroup.POST("/conversations/:id/status", handleSetStatus(opts))
		apiGroup.POST("/conversations/:id/tags", handleAddTags(opts))
		apiGroup.POST("/conversations/:id/ai-context", handleSetAIContext(opts))
	}

	router.POST("/channels/:id/events/:transport", handleChannelEvent(opts))
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleListConversations(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		offset, _ := strconv.Atoi(c.Query("offset"))

		convs, err := opts.Inbox.ListConversations(c.Request.Context(), inbox.Filter{
			TenantID:   opts.Tenant,
			Status:     c.Query("status"),
			Handler:    c.Query("handler"),
			AssigneeID: c.Query("assignee_id"),
			Tag:        c.Query("tag"),
			Search:     c.Query("q"),
			Limit:      limit,
			Offset:     offset,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"conversations": convs})
	}
}

func handleMessages(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		var before time.Time
		if raw := c.Query("before"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "before must be RFC3339"})
				return
			}
			before = parsed
		}

		msgs, err := opts.Inbox.Messages(c.Request.Context(), opts.Tenant, c.Param("id"), limit, before)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}

func handleReply(opts StartOpts) gin.HandlerFunc {
	type replyRequest struct {
		Content    string `json:"content"`
		Type       string `json:"type"`
		MediaURL   string `json:"media_url"`
		SenderID   string `json:"sender_id"`
		SenderName string `json:"sender_name"`
	}
	return func(c *gin.Context) {
		var req replyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		msg, err := opts.Inbox.SendReply(c.Request.Context(), opts.Tenant, c.Param("id"), inbox.Reply{
			Content:    req.Content,
			Type:       req.Type,
			MediaURL:   req.MediaURL,
			SenderID:   req.SenderID,
			SenderName: req.SenderName,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"message": msg})
	}
}

func handleMarkRead(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := opts.Inbox.MarkRead(c.Request.Context(), opts.Tenant, c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleAssign(opts StartOpts) gin.HandlerFunc {
	type assignRequest struct {
		AssigneeID string `json:"assignee_id"`
	}
	return func(c *gin.Context) {
		var req assignRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.AssigneeID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "assignee_id is required"})
			return
		}
		if err := opts.Inbox.Assign(c.Request.Context(), opts.Tenant, c.Param("id"), req.AssigneeID); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleSetStatus(opts StartOpts) gin.HandlerFunc {
	type statusRequest struct {
		Status string `json:"status"`
	}
	return func(c *gin.Context) {
		var req statusRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
			return
		}
		if err := opts.Inbox.SetStatus(c.Request.Context(), opts.Tenant, c.Param("id"), req.Status); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleAddTags(opts StartOpts) gin.HandlerFunc {
	type tagsRequest struct {
		Tags []string `json:"tags"`
	}
	return func(c *gin.Context) {
		var req tagsRequest
		if err := c.ShouldBindJSON(&req); err != nil || len(req.Tags) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tags are required"})
			return
		}
		if err := opts.Inbox.AddTags(c.Request.Context(), opts.Tenant, c.Param("id"), req.Tags...); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleSetAIContext(opts StartOpts) gin.HandlerFunc {
	type contextRequest struct {
		Context string `json:"context"`
	}
	return func(c *gin.Context) {
		var req contextRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := opts.Inbox.SetAIContext(c.Request.Context(), opts.Tenant, c.Param("id"), req.Context); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// writeError maps service errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, inbox.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, inbox.ErrActiveExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
