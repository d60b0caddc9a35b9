package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/PromptDesk/internal/flow"
	"github.com/BTreeMap/PromptDesk/internal/models"
)

// evolutionWebhook is the envelope posted by the Evolution API on message events.
type evolutionWebhook struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	PushName string `json:"pushName"`
	Data     struct {
		Key struct {
			RemoteJID string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
			ID        string `json:"id"`
		} `json:"key"`
		PushName string `json:"pushName"`
		Message  struct {
			Conversation        string `json:"conversation"`
			ExtendedTextMessage struct {
				Text string `json:"text"`
			} `json:"extendedTextMessage"`
		} `json:"message"`
	} `json:"data"`
}

// inboundEvent translates the envelope into the orchestrator's event shape.
func (p evolutionWebhook) inboundEvent() models.InboundEvent {
	name := p.Data.PushName
	if name == "" {
		name = p.PushName
	}
	if name == "" {
		name = models.DefaultDisplayName
	}
	text := p.Data.Message.Conversation
	if text == "" {
		text = p.Data.Message.ExtendedTextMessage.Text
	}
	return models.InboundEvent{
		FromMe:    p.Data.Key.FromMe,
		Phone:     models.PhoneFromJID(p.Data.Key.RemoteJID),
		PushName:  name,
		Text:      text,
		MessageID: p.Data.Key.ID,
	}
}

// webhookHandler runs one inbound message through the orchestrator. Every
// decoded event gets a 200 so the gateway does not redeliver it; the outcome
// is carried in the body.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("webhookID")
	var payload evolutionWebhook
	if err := decodeJSON(r, &payload); err != nil {
		slog.Warn("Server.webhookHandler: failed to decode JSON", "error", err, "webhookID", webhookID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	evt := payload.inboundEvent()
	slog.Debug("Server.webhookHandler: event received", "webhookID", webhookID, "event", payload.Event,
		"instance", payload.Instance, "phone", evt.Phone, "fromMe", evt.FromMe)

	res := s.orch.Handle(r.Context(), evt)

	switch res.Status {
	case flow.OutcomeIgnored, flow.OutcomeDuplicate:
		writeJSONResponse(w, http.StatusOK, models.Ignored(res.Reason, res))
	case flow.OutcomeError:
		writeJSONResponse(w, http.StatusOK, models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage(res.Reason).
			WithResult(res).
			Build())
	default:
		writeJSONResponse(w, http.StatusOK, models.Success(res))
	}
}
