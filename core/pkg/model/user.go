package model

import "strings"

// AnonymousSubject is the bucketing key when no identity is available at all.
const AnonymousSubject = "anonymous"

type User struct {
	ID        string `json:"userId,omitempty"`
	Email     string `json:"email,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// SubjectKey resolves the bucketing identifier. Precedence is user id, email,
// session id, then AnonymousSubject. Blank values count as missing.
func (u User) SubjectKey() string {
	for _, k := range []string{u.ID, u.Email, u.SessionID} {
		if k = strings.TrimSpace(k); k != "" {
			return k
		}
	}
	return AnonymousSubject
}
