package model

import (
	"time"

	"github.com/google/uuid"
)

// UserRole is a user's RBAC role.
type UserRole string

const (
	RoleMember    UserRole = "member"
	RoleModerator UserRole = "moderator"
	RoleAdmin     UserRole = "admin"
)

// roleRank orders roles for minimum-role checks.
var roleRank = map[UserRole]int{
	RoleMember:    1,
	RoleModerator: 2,
	RoleAdmin:     3,
}

// ValidRole reports whether r is a known role.
func ValidRole(r UserRole) bool {
	_, ok := roleRank[r]
	return ok
}

// RoleAtLeast reports whether role meets or exceeds min.
func RoleAtLeast(role, min UserRole) bool {
	return roleRank[role] >= roleRank[min]
}

// User is a platform account. Voter ids in DecisionOption.Voters are the
// string form of User.ID.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         UserRole  `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Chat is the conversation a decision belongs to. Decisions are never
// re-parented: ChatID is immutable after creation.
type Chat struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	CreatedBy uuid.UUID `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}
