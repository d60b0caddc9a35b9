package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/PromptDesk/internal/models"
)

func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	status := models.ConversationStatus(r.URL.Query().Get("status"))
	convs, err := s.operator.List(r.Context(), status)
	if err != nil {
		writeError(w, "listConversationsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(convs))
}

func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.operator.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "getConversationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) transferConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.operator.Transfer(r.Context(), id); err != nil {
		writeError(w, "transferConversationHandler", err)
		return
	}
	slog.Info("Server.transferConversationHandler: conversation transferred", "conversationID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation transferred to human agent", nil))
}

func (s *Server) closeConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.operator.Close(r.Context(), id); err != nil {
		writeError(w, "closeConversationHandler", err)
		return
	}
	slog.Info("Server.closeConversationHandler: conversation closed", "conversationID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation closed", nil))
}

func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Warn("Server.sendMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	out, err := s.operator.SendAgentMessage(r.Context(), req)
	if err != nil {
		writeError(w, "sendMessageHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message sent", out))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.operator.Stats(r.Context())
	if err != nil {
		writeError(w, "statsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}
