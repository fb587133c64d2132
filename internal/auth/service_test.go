package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func staticService() *Service {
	return NewService(Config{
		Mode: ModeStatic,
		Keys: []KeyConfig{
			{Key: "admin-key", Name: "admin", Permissions: []string{"*"}},
			{Key: "reader-key", Name: "reader", Permissions: []string{"sessions:read"}},
			{Key: "revoked-key", Name: "ghost", Disabled: true},
		},
	})
}

func TestAuthenticateRequest(t *testing.T) {
	svc := staticService()
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer admin-key")
	if err != nil || subject.Name != "admin" {
		t.Fatalf("合法 key 认证失败: %v", err)
	}

	if _, err := svc.AuthenticateRequest(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("缺少 token 应返回 ErrMissingToken, 实际 %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("非法 token 应返回 ErrInvalidToken, 实际 %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Basic admin-key"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("非 Bearer 方案应返回 ErrInvalidToken, 实际 %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer revoked-key"); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("吊销的 key 应返回 ErrSubjectRevoked, 实际 %v", err)
	}
}

func TestSubjectAuthorize(t *testing.T) {
	svc := staticService()
	ctx := context.Background()

	reader, err := svc.AuthenticateRequest(ctx, "Bearer reader-key")
	if err != nil {
		t.Fatalf("认证失败: %v", err)
	}
	if err := reader.Authorize("sessions:read"); err != nil {
		t.Fatalf("reader 应持有 sessions:read: %v", err)
	}
	if err := reader.Authorize("sessions:write"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("reader 不应持有 sessions:write, 实际 %v", err)
	}

	admin, err := svc.AuthenticateRequest(ctx, "Bearer admin-key")
	if err != nil {
		t.Fatalf("认证失败: %v", err)
	}
	if err := admin.Authorize("anything:at:all"); err != nil {
		t.Fatalf("通配权限应放行所有检查: %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := staticService()
	var captured *Subject
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodPost: {"sessions:write"},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	// 无凭据被拒绝。
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("无凭据应返回 401, 实际 %d", rec.Code)
	}

	// 权限不足被拒绝。
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer reader-key")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("权限不足应返回 403, 实际 %d", rec.Code)
	}

	// 合法请求放行并注入主体。
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer admin-key")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("合法请求应放行, 实际 %d", rec.Code)
	}
	if captured == nil || captured.Name != "admin" {
		t.Fatalf("上下文中应携带认证主体: %+v", captured)
	}

	// 认证关闭时直接放行。
	disabled := NewService(Config{Mode: ModeDisabled})
	rec = httptest.NewRecorder()
	disabled.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("认证关闭时应放行, 实际 %d", rec.Code)
	}
}
