package middleware

import (
	"log/slog"
	"net/http"
)

// NewUpgradeLogger logs every websocket upgrade attempt before the handshake.
// The fabric's only HTTP surface is the upgrade endpoint, so this logs the
// fields that matter for a pre-auth connection attempt; user identity does
// not exist until after the handshake.
func NewUpgradeLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var ip string
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				ip = reqMeta.IP
			}

			logger.Info("Websocket upgrade requested",
				slog.String("path", r.URL.Path),
				slog.String("ip", ip),
				slog.String("origin", r.Header.Get("Origin")),
				slog.String("userAgent", r.UserAgent()),
			)
			next.ServeHTTP(w, r)
		})
	}
}
