package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// handleIngestRaw accepts an externally supplied trader payload. Required
// fields are leadId and fetchedAt; everything else is stored opaque.
func (s *Server) handleIngestRaw(c *gin.Context) {
	var payload map[string]interface{}
	if err := json.NewDecoder(c.Request.Body).Decode(&payload); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	leadID, _ := payload["leadId"].(string)
	if leadID == "" {
		errorResponse(c, http.StatusBadRequest, "leadId is required")
		return
	}
	fetchedAtRaw, _ := payload["fetchedAt"].(string)
	if fetchedAtRaw == "" {
		errorResponse(c, http.StatusBadRequest, "fetchedAt is required")
		return
	}
	fetchedAt, err := time.Parse(time.RFC3339, fetchedAtRaw)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "fetchedAt must be an RFC3339 timestamp")
		return
	}

	raw, derived, err := s.ingestor.IngestPayload(c.Request.Context(), leadID, fetchedAt, payload)
	if err != nil {
		if raw != nil {
			// The raw record landed but derivation failed; report both.
			s.logger.Error().Err(err).Str("lead_id", leadID).Msg("derivation failed after ingest")
			successResponse(c, gin.H{"ingest": raw, "derivationError": err.Error()})
			return
		}
		s.respondErr(c, err)
		return
	}

	s.invalidateSignals(c.Request.Context())
	if s.bus != nil {
		s.bus.PublishIngest(leadID, raw.PositionsCount, raw.OrdersCount, derived)
	}
	successResponse(c, gin.H{
		"ingest": raw,
		"parity": gin.H{
			"positionsCount": raw.PositionsCount,
			"ordersCount":    raw.OrdersCount,
		},
	})
}

// handleIngestHistory lists a trader's raw records, latest first.
func (s *Server) handleIngestHistory(c *gin.Context) {
	leadID := c.Param("leadId")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	includePayload := c.Query("includePayload") == "true"

	ingests, err := s.repo.GetRawIngests(c.Request.Context(), leadID, limit, includePayload)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	successResponse(c, ingests)
}
