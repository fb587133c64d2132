package auth

import (
	"context"
	"crypto/subtle"
	"strings"
)

// Mode 表示认证子系统的运行模式。
type Mode string

const (
	// ModeDisabled 关闭认证，所有请求直接放行。仅用于本地开发。
	ModeDisabled Mode = "disabled"
	// ModeStatic 使用配置文件中的静态 API Key 做 Bearer 认证。
	ModeStatic Mode = "static"
)

// KeyConfig 描述一个静态 API Key 及其权限。
type KeyConfig struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions,omitempty"`
	Disabled    bool     `json:"disabled,omitempty"`
}

// Config 汇总认证子系统的配置。
type Config struct {
	Mode Mode        `json:"mode"`
	Keys []KeyConfig `json:"keys,omitempty"`
}

// Service 负责请求认证。静态模式下凭据全部来自配置，无持久化依赖。
type Service struct {
	mode Mode
	keys map[string]*Subject
}

// NewService 按配置构建认证服务。
func NewService(cfg Config) *Service {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{
		mode: mode,
		keys: make(map[string]*Subject, len(cfg.Keys)),
	}
	for _, key := range cfg.Keys {
		token := strings.TrimSpace(key.Key)
		if token == "" {
			continue
		}
		s.keys[token] = &Subject{
			Name:        key.Name,
			Permissions: append([]string(nil), key.Permissions...),
			Disabled:    key.Disabled,
		}
	}
	return s
}

// Enabled 报告认证是否处于开启状态。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// AuthenticateRequest 校验 Authorization 头并返回认证主体。
func (s *Service) AuthenticateRequest(_ context.Context, header string) (*Subject, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	token, err := bearerToken(header)
	if err != nil {
		return nil, err
	}
	for candidate, subject := range s.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			if subject.Disabled {
				return nil, ErrSubjectRevoked
			}
			return subject, nil
		}
	}
	return nil, ErrInvalidToken
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
