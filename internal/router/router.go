package router

import (
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"ocrgateway/internal/handlers"
	"ocrgateway/internal/middleware"
	"ocrgateway/internal/utils"
)

func NewRouter(handler *handlers.OCRHandler, staticDir string, logger *utils.Logger) http.Handler {
	r := mux.NewRouter()

	// Middlewares
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS())
	r.Use(middleware.Recovery(logger))

	// Routes. Each one also accepts OPTIONS: mux runs Use middleware only on
	// matched routes, and the CORS middleware answers preflight itself.
	r.HandleFunc("/health", handler.Health).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/ocr/base64", handler.Base64).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/ocr/upload", handler.Upload).Methods(http.MethodPost, http.MethodOptions)

	// The demo page is optional; serve it only when the directory exists.
	if info, err := os.Stat(staticDir); err == nil && info.IsDir() {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
		logger.Info("serving static assets", "dir", staticDir)
	}

	return r
}
