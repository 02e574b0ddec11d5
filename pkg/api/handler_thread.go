package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type createThreadRequest struct {
	Title string `json:"title"`
}

// createThreadHandler creates a thread owned by the caller.
func (s *Server) createThreadHandler(c *gin.Context) {
	var req createThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	thread, err := s.threads.CreateThread(c.Request.Context(), currentUser(c), req.Title)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, thread)
}

// getThreadHandler returns a thread if the caller owns it. Threads
// owned by other users are indistinguishable from missing ones.
func (s *Server) getThreadHandler(c *gin.Context) {
	thread, err := s.threads.GetThread(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}
