package license

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"giro/internal/cloud"
	"giro/internal/giro"
)

const (
	maxBodyBytes   = 4 << 20
	maxCreateBatch = 50
)

type handler struct {
	svc    *Service
	tokens *AdminTokens
	logger giro.Logger
}

// NewRouter registers the license and sync API.
func NewRouter(svc *Service, tokens *AdminTokens, limiter Limiter, logger giro.Logger) http.Handler {
	if logger == nil {
		logger = giro.NewNopLogger()
	}
	h := &handler{svc: svc, tokens: tokens, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(logger))
	r.Use(loggingMiddleware(logger))

	r.Get("/healthz", h.healthz)

	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(rateLimitMiddleware(limiter, logger))
		}
		r.Post("/license/activate", h.activate)
		r.Post("/license/validate", h.validate)

		r.Route("/sync", func(r chi.Router) {
			r.Post("/push", h.push)
			r.Post("/pull", h.pull)
			r.Post("/status", h.syncStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.adminMiddleware)
			r.Post("/license/transfer", h.transfer)
			r.Post("/license/revoke", h.revoke)
			r.Post("/license/suspend", h.suspend)

			r.Post("/licenses", h.createLicenses)
			r.Get("/licenses", h.listLicenses)
			r.Get("/licenses/stats", h.stats)
			r.Get("/licenses/{key}", h.getLicense)
			r.Get("/licenses/{key}/audit", h.audit)
		})
	})
	return r
}

type hardwareView struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	MachineName string    `json:"machine_name,omitempty"`
	OSVersion   string    `json:"os_version,omitempty"`
	CPUInfo     string    `json:"cpu_info,omitempty"`
	LastSeenIP  string    `json:"last_seen_ip,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

type licenseView struct {
	ID              string        `json:"id"`
	Key             string        `json:"license_key"`
	Plan            Plan          `json:"plan_type"`
	Status          Status        `json:"status"`
	ActivatedAt     *time.Time    `json:"activated_at,omitempty"`
	ExpiresAt       *time.Time    `json:"expires_at,omitempty"`
	LastValidated   *time.Time    `json:"last_validated,omitempty"`
	ValidationCount int64         `json:"validation_count"`
	CreatedAt       time.Time     `json:"created_at"`
	Hardware        *hardwareView `json:"hardware,omitempty"`
}

func viewOf(l License, hw *Hardware) licenseView {
	v := licenseView{
		ID:              l.ID,
		Key:             l.Key,
		Plan:            l.Plan,
		Status:          l.Status,
		ActivatedAt:     l.ActivatedAt,
		ExpiresAt:       l.ExpiresAt,
		LastValidated:   l.LastValidated,
		ValidationCount: l.ValidationCount,
		CreatedAt:       l.CreatedAt,
	}
	if hw != nil {
		v.Hardware = &hardwareView{
			ID:          hw.ID,
			Fingerprint: hw.Fingerprint,
			MachineName: hw.MachineName,
			OSVersion:   hw.OSVersion,
			CPUInfo:     hw.CPUInfo,
			LastSeenIP:  hw.LastSeenIP,
			LastSeenAt:  hw.LastSeenAt,
		}
	}
	return v
}

type createRequest struct {
	Plan     string `json:"plan_type"`
	Quantity int    `json:"quantity"`
}

type keyRequest struct {
	Key string `json:"key"`
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) activate(w http.ResponseWriter, r *http.Request) {
	var req cloud.ActivateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Key == "" {
		req.Key = r.Header.Get(cloud.LicenseKeyHeader)
	}
	out, err := h.svc.Activate(r.Context(), ActivateInput{
		Key:         req.Key,
		Fingerprint: req.HardwareFingerprint,
		MachineName: req.MachineName,
		OSVersion:   req.OSVersion,
		CPUInfo:     req.CPUInfo,
		IP:          clientIP(r),
	})
	h.respond(w, r, out, err)
}

func (h *handler) validate(w http.ResponseWriter, r *http.Request) {
	var req cloud.ValidateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Key == "" {
		req.Key = r.Header.Get(cloud.LicenseKeyHeader)
	}
	if req.ClientTime.IsZero() {
		writeError(w, http.StatusUnprocessableEntity, cloud.CodeValidation, "client_time is required")
		return
	}
	out, err := h.svc.Validate(r.Context(), ValidateInput{
		Key:         req.Key,
		Fingerprint: req.HardwareFingerprint,
		ClientTime:  req.ClientTime,
		IP:          clientIP(r),
	})
	h.respond(w, r, out, err)
}

func (h *handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.Transfer(r.Context(), adminIDFromContext(r.Context()), req.Key, clientIP(r))
	h.respond(w, r, out, err)
}

func (h *handler) revoke(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !h.decode(w, r, &req) {
		return
	}
	l, err := h.svc.Revoke(r.Context(), adminIDFromContext(r.Context()), req.Key, clientIP(r))
	h.respondLicense(w, r, l, err)
}

func (h *handler) suspend(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !h.decode(w, r, &req) {
		return
	}
	l, err := h.svc.Suspend(r.Context(), adminIDFromContext(r.Context()), req.Key, clientIP(r))
	h.respondLicense(w, r, l, err)
}

func (h *handler) respondLicense(w http.ResponseWriter, r *http.Request, l *License, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*l, nil))
}

func (h *handler) createLicenses(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.Quantity < 0 || req.Quantity > maxCreateBatch {
		writeError(w, http.StatusUnprocessableEntity, cloud.CodeValidation,
			fmt.Sprintf("quantity must be between 1 and %d", maxCreateBatch))
		return
	}
	plan, err := ParsePlan(req.Plan)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	adminID := adminIDFromContext(r.Context())
	out := make([]licenseView, 0, req.Quantity)
	for range req.Quantity {
		l, err := h.svc.Create(r.Context(), adminID, plan)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		out = append(out, viewOf(*l, nil))
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *handler) listLicenses(w http.ResponseWriter, r *http.Request) {
	ls, err := h.svc.List(r.Context(), adminIDFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := Status(strings.ToLower(r.URL.Query().Get("status")))
	out := make([]licenseView, 0, len(ls))
	for _, l := range ls {
		if status != "" && l.Status != status {
			continue
		}
		out = append(out, viewOf(l, nil))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context(), adminIDFromContext(r.Context()))
	h.respond(w, r, st, err)
}

func (h *handler) getLicense(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Get(r.Context(), adminIDFromContext(r.Context()), chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(d.License, d.Hardware))
}

func (h *handler) audit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Audit(r.Context(), adminIDFromContext(r.Context()), chi.URLParam(r, "key"))
	if entries == nil {
		entries = []AuditEntry{}
	}
	h.respond(w, r, entries, err)
}

func (h *handler) push(w http.ResponseWriter, r *http.Request) {
	var req cloud.PushRequest
	if !h.decode(w, r, &req) || !h.licenseHeader(w, r, &req.LicenseKey) {
		return
	}
	out, err := h.svc.Push(r.Context(), req)
	h.respond(w, r, out, err)
}

func (h *handler) pull(w http.ResponseWriter, r *http.Request) {
	var req cloud.PullRequest
	if !h.decode(w, r, &req) || !h.licenseHeader(w, r, &req.LicenseKey) {
		return
	}
	out, err := h.svc.Pull(r.Context(), req)
	h.respond(w, r, out, err)
}

func (h *handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	var req cloud.StatusRequest
	if !h.decode(w, r, &req) || !h.licenseHeader(w, r, &req.LicenseKey) {
		return
	}
	out, err := h.svc.SyncStatus(r.Context(), req)
	h.respond(w, r, out, err)
}

// licenseHeader fills key from the X-License-Key header and rejects a body
// that names a different license.
func (h *handler) licenseHeader(w http.ResponseWriter, r *http.Request, key *string) bool {
	header := strings.TrimSpace(r.Header.Get(cloud.LicenseKeyHeader))
	switch {
	case header == "":
	case *key == "":
		*key = header
	case normalizeKey(*key) != normalizeKey(header):
		writeError(w, http.StatusUnprocessableEntity, cloud.CodeValidation, "license key header does not match the request body")
		return false
	}
	return true
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, cloud.CodeValidation, "request body is required")
		return false
	}
	writeError(w, http.StatusBadRequest, cloud.CodeValidation, "invalid JSON body: "+err.Error())
	return false
}

func (h *handler) respond(w http.ResponseWriter, r *http.Request, out any, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := mapError(err)
	msg := err.Error()
	var de *Error
	if errors.As(err, &de) {
		msg = de.Message
	}
	if status >= 500 {
		h.logger.Error("license request failed",
			"path", r.URL.Path,
			"request_id", requestIDFromContext(r.Context()),
			"error", err,
		)
		msg = "internal server error"
	}
	writeError(w, status, code, msg)
}
