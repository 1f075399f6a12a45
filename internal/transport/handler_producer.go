package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/pulse/internal/coordinator"
	"github.com/pitabwire/pulse/model"
)

const maxBodyBytes = 1 << 20

type progressRequest struct {
	Progress *int `json:"progress"`
}

type stageErrorRequest struct {
	Error string `json:"error"`
}

type stageLogRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type finishRequest struct {
	Outcome model.SessionStatus `json:"outcome"`
}

type noticeRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type noticeResponse struct {
	Recipients int `json:"recipients"`
}

// pathSession reads the tenant and campaign from the URL. When the request
// carries an authenticated tenant, the path tenant must match it.
func pathSession(r *http.Request) (tenantID, campaignID string, err error) {
	tenantID = strings.TrimSpace(chi.URLParam(r, "tenantId"))
	campaignID = chi.URLParam(r, "campaignId")
	if rctx := model.RequestContextFrom(r.Context()); rctx != nil && rctx.TenantID != "" {
		if tenantID != strings.TrimSpace(rctx.TenantID) {
			return "", "", model.NewInvalidTenantError("token is not valid for tenant " + tenantID)
		}
	}
	return tenantID, campaignID, nil
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return model.NewBadRequestError("invalid JSON body")
}

func handleStageStart(p coordinator.Producer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, campaignID, err := pathSession(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		if err := p.ReportStart(r.Context(), tenantID, campaignID, chi.URLParam(r, "stageId")); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleStageProgress(p coordinator.Producer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, campaignID, err := pathSession(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var req progressRequest
		if err := decodeBody(w, r, &req); err != nil {
			WriteError(w, err)
			return
		}
		if req.Progress == nil {
			WriteError(w, model.NewBadRequestError("progress is required"))
			return
		}
		if err := p.ReportProgress(r.Context(), tenantID, campaignID, chi.URLParam(r, "stageId"), *req.Progress); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleStageComplete(p coordinator.Producer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, campaignID, err := pathSession(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var result model.StageResult
		if err := decodeBody(w, r, &result); err != nil {
			WriteError(w, err)
			return
		}
		if err := p.ReportComplete(r.Context(), tenantID, campaignID, chi.URLParam(r, "stageId"), result); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleStageError(p coordinator.Producer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, campaignID, err := pathSession(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var req stageErrorRequest
		if err := decodeBody(w, r, &req); err != nil {
			WriteError(w, err)
			return
		}
		if err := p.ReportError(r.Context(), tenantID, campaignID, chi.URLParam(r, "stageId"), req.Error); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleStageData(p coordinator.Producer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, campaignID, err := pathSession(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var result model.StageResult
		if err := decodeBody(w, r, &result); err != nil {
			WriteError(w, err)
			return
		}
		if err := p.ReportData(r.Context(), tenantID, campaignID, chi.URLParam(r, "stageId"), result); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleStageLog(p coordinator.Producer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, campaignID, err := pathSession(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var req stageLogRequest
		if err := decodeBody(w, r, &req); err != nil {
			WriteError(w, err)
			return
		}
		if err := p.ReportLog(r.Context(), tenantID, campaignID, chi.URLParam(r, "stageId"), req.Level, req.Message); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleFinish(p coordinator.Producer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, campaignID, err := pathSession(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var req finishRequest
		if err := decodeBody(w, r, &req); err != nil {
			WriteError(w, err)
			return
		}
		if err := p.Finish(r.Context(), tenantID, campaignID, req.Outcome); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSnapshot(svc *coordinator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, campaignID, err := pathSession(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		snap, err := svc.Snapshot(r.Context(), tenantID, campaignID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}

func handleStats(svc *coordinator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, svc.Stats())
	}
}

func handleNotice(svc *coordinator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req noticeRequest
		if err := decodeBody(w, r, &req); err != nil {
			WriteError(w, err)
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			WriteError(w, model.NewBadRequestError("message is required"))
			return
		}
		WriteJSON(w, http.StatusOK, noticeResponse{Recipients: svc.Notice(req.Level, req.Message)})
	}
}
