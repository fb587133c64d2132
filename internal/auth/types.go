package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled         = errors.New("authentication disabled")
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("subject is disabled")
)

// Subject captures the identity attached to an authenticated request and is
// passed to handlers via context.
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			perm = strings.TrimSpace(perm)
			if perm == "" {
				continue
			}
			s.permissionsSet[perm] = struct{}{}
		}
	}
}

// Authorize verifies the subject holds every requested permission.
// A subject holding the wildcard "*" passes every check.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrPermissionDenied
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	s.normalise()
	if _, ok := s.permissionsSet["*"]; ok {
		return nil
	}
	for _, perm := range perms {
		if _, ok := s.permissionsSet[perm]; !ok {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}
