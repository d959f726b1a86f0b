package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// decodeJSON decodes the request body into v. An empty body is accepted when
// allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	slog.Warn("Server.decodeJSON: failed to decode JSON", "error", err, "path", r.URL.Path)
	writeBadRequest(w, "Invalid JSON format")
	return false
}

// saveFlowHandler handles POST /flows.
func (s *Server) saveFlowHandler(w http.ResponseWriter, r *http.Request) {
	var def models.FlowDefinition
	if !decodeJSON(w, r, &def, false) {
		return
	}
	if err := def.Validate(); err != nil {
		slog.Warn("Server.saveFlowHandler: validation failed", "error", err, "flowID", def.ID)
		writeBadRequest(w, err.Error())
		return
	}
	if err := s.st.SaveFlow(def); err != nil {
		slog.Error("Server.saveFlowHandler: save failed", "error", err, "flowID", def.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorWithCode(codeInternal, "Failed to save flow"))
		return
	}
	slog.Info("Server.saveFlowHandler: flow saved", "flowID", def.ID, "screens", len(def.Screens))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow saved", def))
}

// getFlowHandler handles GET /flows/{id}.
func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, err := s.st.GetFlow(id)
	if err != nil {
		slog.Error("Server.getFlowHandler: load failed", "error", err, "flowID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorWithCode(codeInternal, "Failed to load flow"))
		return
	}
	if def == nil {
		writeJSONResponse(w, http.StatusNotFound, models.ErrorWithCode(codeFlowNotFound, "Flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(def))
}

// startSessionHandler handles POST /sessions.
func (s *Server) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req models.StartSessionRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if err := req.Validate(); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	phone := req.Phone
	if phone != "" {
		canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(phone)
		if err != nil {
			slog.Warn("Server.startSessionHandler: phone validation failed", "error", err, "phone", phone)
			writeBadRequest(w, "Invalid phone number: "+err.Error())
			return
		}
		phone = canonical
	}

	session, err := s.navigator.StartSession(r.Context(), req.FlowID, phone)
	if err != nil {
		slog.Warn("Server.startSessionHandler: start failed", "error", err, "flowID", req.FlowID)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(s.sessionView(session)))
}

// getSessionHandler handles GET /sessions/{id}.
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.st.GetSession(id)
	if err != nil {
		slog.Error("Server.getSessionHandler: load failed", "error", err, "sessionID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorWithCode(codeInternal, "Failed to load session"))
		return
	}
	if session == nil {
		writeJSONResponse(w, http.StatusNotFound, models.ErrorWithCode(codeSessionNotFound, "Session not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.sessionView(session)))
}

// sessionInputHandler handles POST /sessions/{id}/input. A rejected input is a
// successful request whose result carries ok=false and the error code.
func (s *Server) sessionInputHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req models.SessionInputRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	res, err := s.navigator.HandleInput(r.Context(), id, req.Input)
	if err != nil {
		slog.Warn("Server.sessionInputHandler: input failed", "error", err, "sessionID", id)
		if !errors.Is(err, models.ErrSessionEnded) {
			writeError(w, err)
			return
		}
		status, code := classify(err)
		writeJSONResponse(w, status, models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithCode(code).
			WithMessage(err.Error()).
			WithResult(res).
			Build())
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// cancelSessionHandler handles POST /sessions/{id}/cancel.
func (s *Server) cancelSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req models.CancelSessionRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	session, err := s.navigator.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		slog.Warn("Server.cancelSessionHandler: cancel failed", "error", err, "sessionID", id)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session ended", session))
}

// saveAutomationHandler handles POST /automations.
func (s *Server) saveAutomationHandler(w http.ResponseWriter, r *http.Request) {
	var a models.Automation
	if !decodeJSON(w, r, &a, false) {
		return
	}
	if err := a.Validate(); err != nil {
		slog.Warn("Server.saveAutomationHandler: validation failed", "error", err, "automationID", a.ID)
		writeBadRequest(w, err.Error())
		return
	}
	a.Normalize()
	if err := s.st.SaveAutomation(a); err != nil {
		slog.Error("Server.saveAutomationHandler: save failed", "error", err, "automationID", a.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorWithCode(codeInternal, "Failed to save automation"))
		return
	}
	slog.Info("Server.saveAutomationHandler: automation saved", "automationID", a.ID, "steps", len(a.Steps))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Automation saved", a))
}

// getAutomationHandler handles GET /automations/{id}.
func (s *Server) getAutomationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := s.st.GetAutomation(id)
	if err != nil {
		slog.Error("Server.getAutomationHandler: load failed", "error", err, "automationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorWithCode(codeInternal, "Failed to load automation"))
		return
	}
	if a == nil {
		writeJSONResponse(w, http.StatusNotFound, models.ErrorWithCode(codeAutomationNotFound, "Automation not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(a))
}

// triggerAutomationHandler handles POST /automations/{id}/trigger. The dispatch
// runs asynchronously; the response carries the queued job id.
func (s *Server) triggerAutomationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req models.TriggerRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if err := req.Validate(); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	phone, err := s.msgService.ValidateAndCanonicalizeRecipient(req.Phone)
	if err != nil {
		writeBadRequest(w, "Invalid phone number: "+err.Error())
		return
	}

	a, err := s.st.GetAutomation(id)
	if err != nil {
		slog.Error("Server.triggerAutomationHandler: load failed", "error", err, "automationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorWithCode(codeInternal, "Failed to load automation"))
		return
	}
	if a == nil {
		writeJSONResponse(w, http.StatusNotFound, models.ErrorWithCode(codeAutomationNotFound, "Automation not found"))
		return
	}

	receipt, err := s.automations.Trigger(r.Context(), id, phone, req.Event)
	if err != nil {
		slog.Error("Server.triggerAutomationHandler: trigger failed", "error", err, "automationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorWithCode(codeInternal, "Failed to queue automation"))
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Accepted(receipt))
}

// healthHandler reports liveness and whether the store answers.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}
	statusCode := http.StatusOK
	if _, err := s.st.GetFlow(""); err != nil {
		slog.Warn("Server.healthHandler: store check failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Store unavailable"
		statusCode = http.StatusServiceUnavailable
	} else if q, ok := s.st.(interface {
		CountJobs() (map[store.JobStatus]int, error)
	}); ok {
		if counts, err := q.CountJobs(); err == nil {
			healthData["jobs"] = counts
		}
	}
	writeJSONResponse(w, statusCode, healthData)
}

func (s *Server) sessionView(session *models.SessionContext) models.SessionView {
	view := models.SessionView{Session: session}
	if session.Ended() {
		return view
	}
	def, err := s.st.GetFlow(session.FlowID)
	if err != nil || def == nil {
		return view
	}
	if screen, _ := def.Screen(session.CurrentScreenID); screen != nil {
		view.Prompt = flow.RenderPrompt(*screen)
	}
	return view
}
