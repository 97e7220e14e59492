package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// mintResponse is the body returned to clients requesting an ephemeral
// realtime credential.
type mintResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleMintToken exchanges the server's API key for a short-lived client
// token via the upstream realtime sessions endpoint.
func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := json.Marshal(map[string]string{
		"model": s.cfg.RealtimeModel,
		"voice": s.cfg.RealtimeVoice,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	url := strings.TrimSuffix(s.cfg.OpenAIBaseURL, "/") + "/v1/realtime/sessions"
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.OpenAIAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.metrics.TokenFailures.Inc()
		s.logger.Error("token mint failed", "error", err)
		writeError(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.metrics.TokenFailures.Inc()
		upstream, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		s.logger.Error("token mint rejected", "status", resp.StatusCode, "body", string(upstream))
		writeError(w, http.StatusBadGateway, fmt.Sprintf("upstream returned %d", resp.StatusCode))
		return
	}

	var session struct {
		ClientSecret struct {
			Value     string `json:"value"`
			ExpiresAt int64  `json:"expires_at"`
		} `json:"client_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil || session.ClientSecret.Value == "" {
		s.metrics.TokenFailures.Inc()
		s.logger.Error("token mint decode failed", "error", err)
		writeError(w, http.StatusBadGateway, "malformed upstream response")
		return
	}

	s.metrics.TokensMinted.Inc()
	s.metrics.MintLatency.Observe(time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, mintResponse{
		Token:     session.ClientSecret.Value,
		ExpiresAt: time.Unix(session.ClientSecret.ExpiresAt, 0).UTC(),
	})
}

type applicationRequest struct {
	UserID   string `json:"user_id"`
	JobID    string `json:"job_id"`
	JobTitle string `json:"job_title"`
	Company  string `json:"company"`
	ResumeID string `json:"resume_id"`
}

// handleSubmitApplication records the application document and enqueues the
// submission job for the worker.
func (s *Server) handleSubmitApplication(w http.ResponseWriter, r *http.Request) {
	var req applicationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.cfg.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.UserID == "" || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "user_id and job_id are required")
		return
	}

	if s.docs != nil {
		_, err := s.docs.Add(r.Context(), "users/"+req.UserID+"/applications", map[string]any{
			"job_id":    req.JobID,
			"job_title": req.JobTitle,
			"company":   req.Company,
			"resume_id": req.ResumeID,
			"status":    "queued",
		})
		if err != nil {
			s.logger.Error("record application", "error", err)
			writeError(w, http.StatusInternalServerError, "could not record application")
			return
		}
	}

	jobID, err := s.jobs.Enqueue(r.Context(), "submit_application", req)
	if err != nil {
		s.logger.Error("enqueue application", "error", err)
		writeError(w, http.StatusInternalServerError, "could not enqueue application")
		return
	}

	s.metrics.JobsEnqueued.WithLabelValues("submit_application").Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// handleUploadResume accepts a multipart resume file, stores it, and
// enqueues background parsing.
func (s *Server) handleUploadResume(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxBodyBytes); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}
	userID := r.FormValue("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	resumeID := randHex(12)
	path := fmt.Sprintf("users/%s/resumes/%s/%s", userID, resumeID, header.Filename)
	if err := s.blobs.Upload(r.Context(), path, file, header.Size, nil); err != nil {
		s.logger.Error("resume upload", "error", err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	s.metrics.UploadBytes.Add(float64(header.Size))

	if s.jobs != nil {
		if _, err := s.jobs.Enqueue(r.Context(), "parse_resume", map[string]string{
			"user_id":   userID,
			"resume_id": resumeID,
			"path":      path,
			"mime_type": header.Header.Get("Content-Type"),
		}); err != nil {
			s.logger.Error("enqueue parse", "error", err)
		} else {
			s.metrics.JobsEnqueued.WithLabelValues("parse_resume").Inc()
		}
	}

	writeJSON(w, http.StatusCreated, map[string]string{"resume_id": resumeID, "path": path})
}

// handleResumeURL returns a short-lived download URL for a stored resume.
func (s *Server) handleResumeURL(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	resumeID := chi.URLParam(r, "resumeID")
	if userID == "" || resumeID == "" {
		writeError(w, http.StatusBadRequest, "user and resume IDs are required")
		return
	}

	doc, err := s.docs.Get(r.Context(), "users/"+userID+"/resumes/"+resumeID)
	if err != nil {
		writeError(w, http.StatusNotFound, "resume not found")
		return
	}
	path, _ := doc.Data["path"].(string)
	if path == "" {
		writeError(w, http.StatusNotFound, "resume has no stored file")
		return
	}

	url, err := s.blobs.DownloadURL(r.Context(), path)
	if err != nil {
		s.logger.Error("presign resume", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create download url")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}
