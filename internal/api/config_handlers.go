package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/PromptDesk/internal/evolution"
	"github.com/BTreeMap/PromptDesk/internal/models"
)

// StateUnknown is reported for drivers without a connection-state endpoint.
const StateUnknown = "unknown"

func (s *Server) getSettingsHandler(w http.ResponseWriter, r *http.Request) {
	settings, err := s.st.GetSettings(r.Context())
	if err != nil {
		writeError(w, "getSettingsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(settings.Masked()))
}

func (s *Server) updateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var update models.SettingsUpdate
	if err := decodeJSON(r, &update); err != nil {
		slog.Warn("Server.updateSettingsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	settings, err := s.st.GetSettings(r.Context())
	if err != nil {
		writeError(w, "updateSettingsHandler", err)
		return
	}
	update.Apply(&settings)
	if err := s.st.SaveSettings(r.Context(), settings); err != nil {
		writeError(w, "updateSettingsHandler", err)
		return
	}
	slog.Info("Server.updateSettingsHandler: settings updated",
		"openAIAPIKey_set", settings.OpenAIAPIKey != "",
		"customKeywords", settings.TransferKeywords != nil,
		"notifyEveryKeyword", settings.NotifyEveryKeyword)
	writeJSONResponse(w, http.StatusOK, models.Success(settings.Masked()))
}

// promptUpdate is a partial BotPrompt update.
type promptUpdate struct {
	Name         *string `json:"name,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
	IsActive     *bool   `json:"is_active,omitempty"`
}

func (s *Server) listPromptsHandler(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.st.ListPrompts(r.Context())
	if err != nil {
		writeError(w, "listPromptsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(prompts))
}

func (s *Server) createPromptHandler(w http.ResponseWriter, r *http.Request) {
	var p models.BotPrompt
	if err := decodeJSON(r, &p); err != nil {
		slog.Warn("Server.createPromptHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	p.ID = ""
	if err := s.st.SavePrompt(r.Context(), &p); err != nil {
		writeError(w, "createPromptHandler", err)
		return
	}
	slog.Info("Server.createPromptHandler: prompt created", "promptID", p.ID, "active", p.IsActive)
	writeJSONResponse(w, http.StatusCreated, models.Success(p))
}

func (s *Server) updatePromptHandler(w http.ResponseWriter, r *http.Request) {
	var update promptUpdate
	if err := decodeJSON(r, &update); err != nil {
		slog.Warn("Server.updatePromptHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	p, err := s.st.GetPrompt(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "updatePromptHandler", err)
		return
	}
	if update.Name != nil {
		p.Name = *update.Name
	}
	if update.SystemPrompt != nil {
		p.SystemPrompt = *update.SystemPrompt
	}
	if update.IsActive != nil {
		p.IsActive = *update.IsActive
	}
	if err := s.st.SavePrompt(r.Context(), p); err != nil {
		writeError(w, "updatePromptHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

func (s *Server) deletePromptHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.st.DeletePrompt(r.Context(), id); err != nil {
		writeError(w, "deletePromptHandler", err)
		return
	}
	slog.Info("Server.deletePromptHandler: prompt deleted", "promptID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Prompt deleted successfully", nil))
}

// activePromptHandler returns the active prompt, or the built-in default when none is active.
func (s *Server) activePromptHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.st.ActivePrompt(r.Context())
	if errors.Is(err, models.ErrPromptNotFound) {
		p = &models.BotPrompt{Name: "Default", SystemPrompt: models.DefaultSystemPrompt, IsActive: true}
	} else if err != nil {
		writeError(w, "activePromptHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

func (s *Server) listInstancesHandler(w http.ResponseWriter, r *http.Request) {
	instances, err := s.st.ListInstances(r.Context())
	if err != nil {
		writeError(w, "listInstancesHandler", err)
		return
	}
	masked := make([]models.ChannelInstance, len(instances))
	for i, inst := range instances {
		masked[i] = inst.Masked()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(masked))
}

func (s *Server) createInstanceHandler(w http.ResponseWriter, r *http.Request) {
	var inst models.ChannelInstance
	if err := decodeJSON(r, &inst); err != nil {
		slog.Warn("Server.createInstanceHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	inst.ID = ""
	if err := s.st.SaveInstance(r.Context(), &inst); err != nil {
		writeError(w, "createInstanceHandler", err)
		return
	}
	slog.Info("Server.createInstanceHandler: instance created", "instanceID", inst.ID, "driver", inst.Driver, "default", inst.IsDefault)
	writeJSONResponse(w, http.StatusCreated, models.Success(inst.Masked()))
}

func (s *Server) setDefaultInstanceHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.st.SetDefaultInstance(r.Context(), id); err != nil {
		writeError(w, "setDefaultInstanceHandler", err)
		return
	}
	slog.Info("Server.setDefaultInstanceHandler: default instance changed", "instanceID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Default instance updated", nil))
}

// instanceStatus is the body of GET /instances/{id}/status.
type instanceStatus struct {
	InstanceID string               `json:"instance_id"`
	Driver     models.ChannelDriver `json:"driver"`
	State      string               `json:"state"`
}

func (s *Server) instanceStatusHandler(w http.ResponseWriter, r *http.Request) {
	inst, err := s.st.GetInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "instanceStatusHandler", err)
		return
	}
	out := instanceStatus{InstanceID: inst.ID, Driver: inst.Driver, State: StateUnknown}
	if inst.Driver != models.DriverEvolution {
		writeJSONResponse(w, http.StatusOK, models.Success(out))
		return
	}
	if s.checker == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Evolution client not configured"))
		return
	}
	state, err := s.checker.ConnectionState(r.Context(), evolution.Target{
		BaseURL:  inst.APIURL,
		APIKey:   inst.APIKey,
		Instance: inst.InstanceName,
	})
	if err != nil {
		slog.Warn("Server.instanceStatusHandler: gateway lookup failed", "error", err, "instanceID", inst.ID)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to reach Evolution API"))
		return
	}
	out.State = state
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}
