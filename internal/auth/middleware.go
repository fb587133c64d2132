package auth

import (
	"errors"
	"net/http"

	loggerpkg "TxPilot-Chain/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限列表，
	// 键 "*" 作为兜底。
	RequiredPermissions map[string][]string
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
// 认证关闭时请求直接放行。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrSubjectRevoked) || errors.Is(err, ErrPermissionDenied) {
					status = http.StatusForbidden
				}
				http.Error(w, http.StatusText(status), status)
				loggerpkg.Audit().Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				return
			}

			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if len(perms) > 0 {
				if err := subject.Authorize(perms...); err != nil {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					loggerpkg.Audit().Warn("permission_denied",
						"path", r.URL.Path,
						"method", r.Method,
						"error", err.Error(),
						"subject", subject.Name,
					)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}
