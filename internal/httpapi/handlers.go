package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/agentworkforce/sheetmirror/internal/export"
	"github.com/agentworkforce/sheetmirror/internal/sheetmirror"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type submitRequest struct {
	ID        string                  `json:"id"`
	FormID    string                  `json:"formId"`
	FormTitle string                  `json:"formTitle"`
	Data      sheetmirror.FieldValues `json:"data"`
}

type chatRequest struct {
	Message string `json:"message"`
}

type sheetResponse struct {
	Name string            `json:"name"`
	ID   string            `json:"id"`
	Rows []sheetmirror.Row `json:"rows"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"pending": s.syncer.PendingDepth(),
	})
}

func (s *Server) handleActiveForm(w http.ResponseWriter, r *http.Request) {
	result := s.syncer.LoadActiveSchema(r.Context())
	if result.Schema == nil {
		writeError(w, http.StatusNotFound, "not_found", "no active form", correlationID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFormTemplates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.responder.Forms())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	result, err := s.syncer.Submit(r.Context(), sheetmirror.Submission{
		ID:        strings.TrimSpace(req.ID),
		FormID:    req.FormID,
		FormTitle: req.FormTitle,
		Data:      req.Data,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "message is required", correlationID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, s.responder.Respond(req.Message))
}

func (s *Server) handleSaveForm(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	schema, err := sheetmirror.ParseSchema(body)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	result, err := s.syncer.SaveFormConfiguration(r.Context(), schema)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	s.logger.Info("form configuration saved",
		zap.String("form_id", result.Schema.ID),
		zap.String("sheet", result.Sheet),
		zap.String("persisted", string(result.Persisted)),
		zap.String("actor", actor(r)),
	)
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.syncer.LoadSubmissions(r.Context()))
}

func (s *Server) handleListSheets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"activeSheet": s.store.ActiveSheet(),
		"sheets":      s.store.ListSheetMetadata(),
	})
}

func (s *Server) handleSheet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rows, ok := s.store.Sheet(name)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "sheet not found", correlationID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, sheetResponse{Name: name, ID: sheetmirror.ParseSheetID(name), Rows: rows})
}

func (s *Server) handleSheetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name, ok := s.store.FindSheetByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "sheet not found", correlationID(r.Context()))
		return
	}
	rows, _ := s.store.Sheet(name)
	writeJSON(w, http.StatusOK, sheetResponse{Name: name, ID: id, Rows: rows})
}

// handleAddRow appends an empty manual row to a sheet. The optional body
// pre-fills columns.
func (s *Server) handleAddRow(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var values map[string]string
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &values); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID(r.Context()))
			return
		}
	}
	name := chi.URLParam(r, "name")
	row, found, err := s.store.AppendManualRow(name, values)
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "sheet not found", correlationID(r.Context()))
		return
	}
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	s.logger.Info("manual row added", zap.String("sheet", name), zap.String("id", row.ID), zap.String("actor", actor(r)))
	writeJSON(w, http.StatusCreated, map[string]any{"sheet": name, "row": row})
}

func (s *Server) handleGetRow(w http.ResponseWriter, r *http.Request) {
	row, sheet, ok := s.store.FindRow(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "row not found", correlationID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sheet": sheet, "row": row})
}

func (s *Server) handleModifyRow(w http.ResponseWriter, r *http.Request) {
	var updates map[string]string
	if !s.decodeJSONBody(w, r, &updates) {
		return
	}
	id := chi.URLParam(r, "id")
	result, err := s.syncer.ModifyRow(r.Context(), id, updates)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if !result.Found {
		writeError(w, http.StatusNotFound, "not_found", "row not found", correlationID(r.Context()))
		return
	}
	s.logger.Info("row modified", zap.String("id", id), zap.String("actor", actor(r)))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteRow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.syncer.DeleteRow(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if !result.Found {
		writeError(w, http.StatusNotFound, "not_found", "row not found", correlationID(r.Context()))
		return
	}
	s.logger.Info("row deleted", zap.String("id", id), zap.String("actor", actor(r)))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.syncer.Statistics(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListQA(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.syncer.LoadCustomQA(r.Context()))
}

func (s *Server) handleSaveQA(w http.ResponseWriter, r *http.Request) {
	var list []sheetmirror.QAPair
	if !s.decodeJSONBody(w, r, &list) {
		return
	}
	result, err := s.syncer.SaveCustomQA(r.Context(), list)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	s.responder.SetCustomQA(result.Items)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	wb, err := export.BuildWorkbook(s.store.Snapshot(), s.now())
	s.writeWorkbook(w, r, wb, err)
}

func (s *Server) handleExportGrouped(w http.ResponseWriter, r *http.Request) {
	subs, schema := s.exportInputs(r)
	var (
		wb  *export.Workbook
		err error
	)
	if formType := strings.TrimSpace(r.URL.Query().Get("formType")); formType != "" {
		wb, err = export.BuildFormTypeWorkbook(subs, schema, formType, s.now())
	} else {
		wb, err = export.BuildGroupedWorkbook(subs, schema, s.now())
	}
	s.writeWorkbook(w, r, wb, err)
}

func (s *Server) handleExportReport(w http.ResponseWriter, r *http.Request) {
	subs, schema := s.exportInputs(r)
	wb, err := export.BuildSummaryReport(subs, schema, s.now())
	s.writeWorkbook(w, r, wb, err)
}

func (s *Server) exportInputs(r *http.Request) ([]sheetmirror.Submission, *sheetmirror.Schema) {
	loaded := s.syncer.LoadSubmissions(r.Context())
	var schema *sheetmirror.Schema
	if form, ok := s.store.ActiveForm(); ok {
		schema = &form
	}
	return loaded.Submissions, schema
}

func (s *Server) writeWorkbook(w http.ResponseWriter, r *http.Request, wb *export.Workbook, err error) {
	if err != nil {
		if errors.Is(err, export.ErrNoSubmissions) {
			writeError(w, http.StatusNotFound, "no_data", err.Error(), correlationID(r.Context()))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID(r.Context()))
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+wb.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wb.Data)
}

func actor(r *http.Request) string {
	if claims := claimsFrom(r.Context()); claims != nil {
		return claims.Subject
	}
	return "anonymous"
}
