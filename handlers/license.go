package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"junior.app/backend/internal/apperr"
	"junior.app/backend/internal/version"
)

type LicenseRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
	AppVersion string `json:"app_version"`
}

type ValidateResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

// ValidateLicense lets the desktop app check a key on activation. Lookups
// that fail for business reasons answer 200 with valid=false.
func (s *Server) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	var req LicenseRequest
	if err := s.decode(w, r, &req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, "Invalid license")
		return
	}

	license, err := s.Storage.FindLicenseByKey(r.Context(), req.LicenseKey)
	if errors.Is(err, apperr.ErrNotFound) {
		respondWithValidation(w, r, false, "License not found")
		return
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if !license.IsActive() {
		respondWithValidation(w, r, false, "License not active")
		return
	}

	compatible, err := version.Compatible(s.productVersion, req.AppVersion)
	if err != nil {
		respondWithValidation(w, r, false, "Invalid version format")
		return
	}
	if !compatible {
		respondWithValidation(w, r, false, "License not valid for this app version")
		return
	}

	respondWithValidation(w, r, true, "License valid")
}

func respondWithValidation(w http.ResponseWriter, r *http.Request, valid bool, message string) {
	render.JSON(w, r, ValidateResponse{Valid: valid, Message: message})
}
