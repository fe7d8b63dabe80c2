package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/thereceipt/order-print-agent/internal/queue"
)

func (s *Server) handleEnqueueJob(c *gin.Context) {
	var req struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "data is required"})
		return
	}

	job, err := s.queue.Enqueue(req.Type, req.Data)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidJob) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		s.logger.Error("failed to queue print job", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to queue job"})
		return
	}

	s.hub.JobEnqueued(job)

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"jobId":       job.ID,
		"downloadUrl": s.baseURL(c) + "/print-queue/jobs/" + strconv.FormatInt(job.ID, 10),
	})
}

// handleGetJob returns the stored job. The first retrieval starts the
// deletion grace period.
func (s *Server) handleGetJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	job, err := s.queue.Fetch(id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		s.logger.Error("failed to read print job", "job_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read job"})
		return
	}

	c.JSON(http.StatusOK, job)
}

func (s *Server) handleListJobs(c *gin.Context) {
	entries, err := s.queue.List()
	if err != nil {
		s.logger.Error("failed to list print jobs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": entries})
}

// handleAckJob records the agent's print outcome
func (s *Server) handleAckJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	var req struct {
		Success bool `json:"success"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := s.queue.Ack(id, req.Success); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		s.logger.Error("failed to acknowledge print job", "job_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to acknowledge job"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
