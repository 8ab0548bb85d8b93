package httpapi

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/yuqie6/WorkTrail/internal/pkg/config"
	"github.com/yuqie6/WorkTrail/internal/trail"
)

const (
	defaultActorHeader     = "X-Actor"
	defaultRequestIDHeader = "X-Request-ID"
)

// Middleware 为每个 HTTP 请求建立独立的版本请求上下文：
// 操作者取自 actor 请求头，请求信息作为 controller info 写入版本元数据
func Middleware(cfg config.HTTPConfig) func(http.Handler) http.Handler {
	actorHeader := strings.TrimSpace(cfg.ActorHeader)
	if actorHeader == "" {
		actorHeader = defaultActorHeader
	}
	idHeader := strings.TrimSpace(cfg.RequestIDHeader)
	if idHeader == "" {
		idHeader = defaultRequestIDHeader
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := trail.NewContext(r.Context())
			req := trail.FromContext(ctx)

			if actor := strings.TrimSpace(r.Header.Get(actorHeader)); actor != "" {
				req.SetWhodunnit(actor)
			}

			requestID := strings.TrimSpace(r.Header.Get(idHeader))
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(idHeader, requestID)

			req.SetControllerInfo(map[string]any{
				"request_id": requestID,
				"ip":         clientIP(r),
				"user_agent": r.UserAgent(),
				"method":     r.Method,
				"path":       r.URL.Path,
			})

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
