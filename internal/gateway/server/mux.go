package server

import (
	"net/http"

	"appforge/internal/gateway/handler"
	"appforge/internal/gateway/middleware"
)

func NewMux(svc *handler.Service) http.Handler {
	return middleware.CORS(handler.BuildMux(svc))
}
