package auth

import "context"

type ctxKey int

const subjectCtxKey ctxKey = iota

// WithSubject 把通过认证的调用方写入请求上下文, 供下游处理器读取。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectCtxKey, subject)
}

// SubjectFromContext 取出当前请求的调用方, 未认证时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectCtxKey).(*Subject)
	return subject
}
