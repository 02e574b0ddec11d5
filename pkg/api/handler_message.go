package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parley-chat/parley/pkg/generation"
)

type sendMessageRequest struct {
	Content            string `json:"content"`
	AssistantID        string `json:"assistantId"`
	LLMModel           string `json:"llmModel"`
	IsWebSearchEnabled bool   `json:"isWebSearchEnabled"`
}

// sendMessageHandler persists the user's message and kicks off
// generation. Responds 202 with the user message and the assistant
// placeholder; the assistant content arrives via the event stream.
func (s *Server) sendMessageHandler(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	threadID := c.Param("id")
	userID := currentUser(c)

	// Ownership gate; the executor trusts its input.
	if _, err := s.threads.GetThread(c.Request.Context(), threadID, userID); err != nil {
		abortWithServiceError(c, err)
		return
	}

	result, err := s.generator.Submit(c.Request.Context(), generation.SubmitInput{
		ThreadID:    threadID,
		UserID:      userID,
		Content:     req.Content,
		AssistantID: req.AssistantID,
		ModelID:     req.LLMModel,
		WebSearch:   req.IsWebSearchEnabled,
	})
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}
