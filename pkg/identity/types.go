package identity

import (
	"strings"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

type PrincipalType string

const (
	PrincipalUser    PrincipalType = "USER"
	PrincipalService PrincipalType = "SERVICE"
)

// Principal represents anyone who can sign off on a rule or a conflict.
type Principal interface {
	ID() string
	Type() PrincipalType
}

// Reviewer is a human approver.
type Reviewer struct {
	ReviewerID string
	Roles      []string
}

func (r *Reviewer) ID() string          { return r.ReviewerID }
func (r *Reviewer) Type() PrincipalType { return PrincipalUser }

// Service is a pipeline component acting on its own authority. Its ID always
// carries the automated prefix so it can never pass as a human.
type Service struct {
	Name string
}

func (s *Service) ID() string {
	if strings.HasPrefix(s.Name, model.AutomatedPrefix) {
		return s.Name
	}
	return model.AutomatedPrefix + s.Name
}

func (s *Service) Type() PrincipalType { return PrincipalService }
