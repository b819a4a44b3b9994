package middleware

import (
	"log/slog"
	"net/http"

	"github.com/a-essam23/go-fabric/pkg/config"
)

type AddrConnectionCounter func(addr string) int
type AddrConnectionCycler func(addr string)

// NewConnectionLimiter bounds concurrent connections per remote address.
// Identity is not known before the post-handshake authentication, so the
// limit keys on the address instead of the user.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter AddrConnectionCounter,
	cycler AddrConnectionCycler,
	cfg config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxPerAddr <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			count := counter(reqMeta.IP)
			if count < cfg.MaxPerAddr {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("Address connection limit reached", slog.String("addr", reqMeta.IP), slog.Int("count", count))
			switch cfg.Mode {
			case "reject":
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
			case "cycle":
				cycler(reqMeta.IP)
				next.ServeHTTP(w, r)
			default:
				logger.Error("Invalid connection limit mode configured", slog.String("mode", cfg.Mode))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		})
	}
}
