package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxPDFBytes bounds a sheet PDF body.
const maxPDFBytes = 128 << 20

type metadataRequest struct {
	SheetURL string `json:"sheet_url"`
	SheetID  string `json:"sheet_id"`
}

func (s *Server) handleExtractMetadata(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		s.writeError(w, http.StatusServiceUnavailable, "detectors are still loading", "retry shortly")
		return
	}
	if s.meta == nil {
		s.writeError(w, http.StatusServiceUnavailable, "metadata extraction not configured", "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPDFBytes)

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/pdf"):
		sheetID := r.Header.Get("X-Sheet-Id")
		if sheetID == "" {
			s.writeError(w, http.StatusBadRequest, "missing X-Sheet-Id header", "")
			return
		}
		pdf, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "failed to read pdf body", err.Error())
			return
		}
		result, err := s.meta.Extract(r.Context(), pdf, sheetID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "metadata extraction failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)

	case strings.HasPrefix(contentType, "application/json"):
		var req metadataRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid json", err.Error())
			return
		}
		if req.SheetURL == "" || req.SheetID == "" {
			s.writeError(w, http.StatusBadRequest, "sheet_url and sheet_id are required", "")
			return
		}
		result, err := s.meta.ExtractFromURL(r.Context(), req.SheetURL, req.SheetID)
		if err != nil {
			s.writeError(w, http.StatusBadGateway, "failed to fetch sheet pdf", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)

	default:
		s.writeError(w, http.StatusBadRequest, "unsupported content type", contentType)
	}
}

// handleExtractSchedule forwards schedule/notes extraction to the external
// service; this process only owns the boundary.
func (s *Server) handleExtractSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		s.writeError(w, http.StatusServiceUnavailable, "detectors are still loading", "retry shortly")
		return
	}
	if s.cfg.ScheduleServiceURL == "" {
		s.writeError(w, http.StatusServiceUnavailable, "schedule extraction not configured", "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPDFBytes)

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.cfg.ScheduleServiceURL, r.Body)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to build upstream request", err.Error())
		return
	}
	req.Header.Set("Content-Type", r.Header.Get("Content-Type"))
	for _, h := range []string{"X-Sheet-Id", "X-Request-Id"} {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "schedule service unreachable", err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.writeError(w, http.StatusBadGateway,
			fmt.Sprintf("schedule service returned status %d", resp.StatusCode), "")
		return
	}

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, resp.Body)
}
