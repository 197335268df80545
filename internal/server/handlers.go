package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/xela07ax/helpdesk-agent-gateway/internal/backend"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/health"
	"github.com/xela07ax/helpdesk-agent-gateway/internal/orchestrator"
)

// streamRequest — тело POST /v1/chat/stream.
// Аутентификация — забота внешнего периметра: сюда приходят уже проверенные
// атрибуты (заголовки от прокси), мы лишь выводим из них приоритет.
type streamRequest struct {
	Message        string            `json:"message"`
	History        []backend.Message `json:"history,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Agent          string            `json:"agent,omitempty"`
	Urgent         bool              `json:"urgent,omitempty"`
	Background     bool              `json:"background,omitempty"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Message == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}

	customerID := r.Header.Get("X-Customer-ID")

	stream, err := s.orch.ProcessStream(r.Context(), orchestrator.Request{
		Message:        req.Message,
		History:        req.History,
		ConversationID: req.ConversationID,
		CustomerID:     customerID,
		AgentLabel:     req.Agent,
		TraceID:        extractTraceID(r.Context()),
		Authenticated:  customerID != "",
		Urgent:         req.Urgent,
		Background:     req.Background,
	})
	if err != nil {
		// Синхронный отказ в допуске: клиенту имеет смысл повторить позже
		writeJSONError(w, http.StatusTooManyRequests, "capacity_exceeded", err.Error())
		return
	}

	// Придерживаем заголовки до первого события: отказ без единого чанка
	// должен уйти структурированной ошибкой, а не пустым SSE
	first, ok := <-stream.Chunks()
	if !ok && stream.Err() != nil {
		s.writePreStreamError(w, stream.Err())
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Request-ID", stream.RequestID)
	w.WriteHeader(http.StatusOK)

	writeEvent := func(event string, payload any) {
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		if canFlush {
			flusher.Flush()
		}
	}

	if ok {
		writeEvent("chunk", map[string]string{"text": first})
		for chunk := range stream.Chunks() {
			writeEvent("chunk", map[string]string{"text": chunk})
		}
	}

	if streamErr := stream.Err(); streamErr != nil {
		// Чанки уже ушли — откатить нельзя, терминальная ошибка потока.
		// Клиент обязан различать: частичный вывод повторять самому нельзя.
		writeEvent("error", map[string]string{
			"kind":    string(backend.Classify(streamErr)),
			"message": streamErr.Error(),
		})
		return
	}

	writeEvent("done", map[string]string{
		"request_id":      stream.RequestID,
		"agent":           stream.AgentLabel,
		"conversation_id": stream.ConversationID,
	})
}

// writePreStreamError — ни один чанк не ушел, можно ответить обычным статусом.
// Коды различимы: по ним клиент решает, повторять ли запрос.
func (s *Server) writePreStreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrQueueTimeout):
		writeJSONError(w, http.StatusGatewayTimeout, "queue_timeout", err.Error())
	case errors.Is(err, orchestrator.ErrStreamAborted):
		// Клиент уже ушел, писать некому — фиксируем только в логе
		s.logger.Debug("client disconnected before stream start", zap.Error(err))
	default:
		switch backend.Classify(err) {
		case backend.KindAuth:
			writeJSONError(w, http.StatusBadGateway, "backend_auth_failure", err.Error())
		case backend.KindRateLimit, backend.KindNetwork, backend.KindTimeout:
			// Внутренние ретраи уже исчерпаны
			writeJSONError(w, http.StatusServiceUnavailable, "backend_transient", err.Error())
		default:
			writeJSONError(w, http.StatusInternalServerError, "backend_error", err.Error())
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.reporter.GetHealth()
	writeJSON(w, health.HTTPStatus(report.Status), report)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reporter.GetMetrics())
}

func (s *Server) handleRecentMetrics(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.agg.Recent(limit))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
