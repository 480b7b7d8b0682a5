package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSMiddleware answers preflights for the configured origins; "*" allows any.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", requestIDHeader},
		ExposedHeaders:   []string{"Retry-After", requestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
