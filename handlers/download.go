package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"junior.app/backend/internal/apperr"
)

func (s *Server) Download(w http.ResponseWriter, r *http.Request) {
	info, err := s.downloads.Redeem(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		outcome := "failed"
		if apperr.KindOf(err) == apperr.NotFound {
			outcome = "rejected"
		}
		s.metrics.Redemptions.WithLabelValues(outcome).Inc()
		s.respondError(w, r, err)
		return
	}

	s.metrics.Redemptions.WithLabelValues("redeemed").Inc()
	render.JSON(w, r, info)
}
