package domain

import (
	"fmt"
	"strings"
)

// URN identifies the billable and visible scope a job belongs to.
// Three forms are accepted:
//
//	user:{id}        personal job, billed to the user
//	team:{id}        team job, billed to the team
//	{team}:{user}    member job attributed inside a team, billed to the team
type URN string

// URNKind distinguishes the three owner forms.
type URNKind int

const (
	URNUser URNKind = iota
	URNTeam
	URNTeamMember
)

// ParseURN validates an owner URN.
func ParseURN(raw string) (URN, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("malformed owner urn %q: %w", raw, ErrInvalidArgument)
	}
	return URN(raw), nil
}

// Kind returns the owner form of the URN.
func (u URN) Kind() URNKind {
	switch u.prefix() {
	case "user":
		return URNUser
	case "team":
		return URNTeam
	default:
		return URNTeamMember
	}
}

// TeamScoped reports whether the URN is rooted at a team. Both team:{id}
// and {team}:{user} count toward the same team pool.
func (u URN) TeamScoped() bool {
	return u.Kind() != URNUser
}

// UserID returns the user id of a user or member URN, empty otherwise.
func (u URN) UserID() string {
	switch u.Kind() {
	case URNUser, URNTeamMember:
		return u.suffix()
	}
	return ""
}

// TeamID returns the team id the URN is rooted at, empty for personal owners.
func (u URN) TeamID() string {
	switch u.Kind() {
	case URNTeam:
		return u.suffix()
	case URNTeamMember:
		return u.prefix()
	}
	return ""
}

// CreditSource resolves the URN to the credit pool that pays for it.
// A team always pays for work attributed to its members.
func (u URN) CreditSource() string {
	if u.TeamScoped() {
		return "team:" + u.TeamID()
	}
	return "user:" + u.UserID()
}

// ConcurrencyScope names the pool non-terminal jobs are counted in for
// admission. All URNs rooted at one team share a single pool.
func (u URN) ConcurrencyScope() string {
	return u.CreditSource()
}

func (u URN) prefix() string {
	s := string(u)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

func (u URN) suffix() string {
	s := string(u)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return ""
}
