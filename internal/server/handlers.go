package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/models"
)

const (
	defaultDatesLimit = 30
	maxDatesLimit     = 3650
)

// pushEnvelope is the body Pub/Sub push subscriptions deliver.
type pushEnvelope struct {
	Message *struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		Attributes  map[string]string `json:"attributes"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func (s *Server) handlePubSub(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteStatusError(w, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}
	if len(body) == 0 {
		WriteStatusError(w, http.StatusBadRequest, "Invalid request: empty body")
		return
	}

	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		WriteStatusError(w, http.StatusBadRequest, "Invalid request: invalid JSON")
		return
	}
	if env.Message == nil {
		WriteStatusError(w, http.StatusBadRequest, "Invalid request: missing message")
		return
	}

	var data []byte
	if env.Message.Data != "" {
		data, err = base64.StdEncoding.DecodeString(env.Message.Data)
		if err != nil {
			WriteStatusError(w, http.StatusBadRequest, "Invalid request: message data is not base64")
			return
		}
	}

	trigger, err := models.DecodeTrigger(data, models.TriggerDaily)
	if err != nil {
		WriteStatusError(w, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	s.logger.Info().
		Str("message_id", env.Message.MessageID).
		Str("subscription", env.Subscription).
		Str("trigger_type", trigger.TriggerType).
		Msg("Pub/Sub trigger received")

	s.process(w, r, trigger)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteStatusError(w, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	trigger, err := models.DecodeTrigger(body, models.TriggerManual)
	if err != nil {
		WriteStatusError(w, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	s.process(w, r, trigger)
}

// process runs the trigger and maps the outcome to a status code. Every
// pipeline result is a 200; only triggers that never ran are errors.
func (s *Server) process(w http.ResponseWriter, r *http.Request, trigger models.Trigger) {
	result, err := s.processor.Process(r.Context(), trigger)
	if err != nil {
		var dateErr *common.DateParseError
		if errors.As(err, &dateErr) {
			WriteStatusError(w, http.StatusBadRequest, "Invalid request: "+err.Error())
			return
		}
		s.logger.Error().Err(err).Str("trigger_type", trigger.TriggerType).Msg("Trigger processing failed")
		WriteStatusError(w, http.StatusInternalServerError, "Unexpected error: "+err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   common.GetVersion(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleDates(w http.ResponseWriter, r *http.Request) {
	limit := defaultDatesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxDatesLimit {
			WriteError(w, http.StatusBadRequest, "limit must be an integer between 1 and "+strconv.Itoa(maxDatesLimit))
			return
		}
		limit = n
	}

	dates, err := s.ingest.ExistingDates(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list existing dates")
		WriteError(w, http.StatusInternalServerError, "failed to list existing dates")
		return
	}

	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.String()
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"dates": out,
		"count": len(out),
	})
}
