package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Role determines coarse-grained permissions.
type Role string

const (
	RoleUser          Role = "user"
	RoleBusinessOwner Role = "business_owner"
	RoleAdmin         Role = "admin"
)

// ParseRole normalizes s into a known role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.TrimSpace(strings.ToLower(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return r, nil
}

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleBusinessOwner, RoleAdmin:
		return true
	}
	return false
}

// CanManageBusiness reports whether the role may manage its own business.
func (r Role) CanManageBusiness() bool { return Authorize(r, ActionManageBusiness) == Allow }

func (r Role) IsAdmin() bool { return r == RoleAdmin }

// Action is a role-gated operation.
type Action string

const (
	ActionBrowse          Action = "browse"
	ActionBook            Action = "book"
	ActionReview          Action = "review"
	ActionMessage         Action = "message"
	ActionFollow          Action = "follow"
	ActionManageBusiness  Action = "manage_business"
	ActionCreateCampaign  Action = "create_campaign"
	ActionRespondToReview Action = "respond_to_review"
	ActionModerate        Action = "moderate"
	ActionElevateRole     Action = "elevate_role"
)

// ParseAction normalizes s into a known action.
func ParseAction(s string) (Action, error) {
	a := Action(strings.TrimSpace(strings.ToLower(s)))
	if _, ok := allActions[a]; !ok {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidInput, s)
	}
	return a, nil
}

// Decision is the outcome of a policy evaluation.
type Decision bool

const (
	Deny  Decision = false
	Allow Decision = true
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

var allActions = actionSet(
	ActionBrowse, ActionBook, ActionReview, ActionMessage, ActionFollow,
	ActionManageBusiness, ActionCreateCampaign, ActionRespondToReview,
	ActionModerate, ActionElevateRole,
)

var userActions = []Action{ActionBrowse, ActionBook, ActionReview, ActionMessage, ActionFollow}

// permissionTable is built once and never mutated.
var permissionTable = map[Role]map[Action]struct{}{
	RoleUser: actionSet(userActions...),
	RoleBusinessOwner: actionSet(append(append([]Action{}, userActions...),
		ActionManageBusiness, ActionCreateCampaign, ActionRespondToReview)...),
	RoleAdmin: allActions,
}

func actionSet(actions ...Action) map[Action]struct{} {
	set := make(map[Action]struct{}, len(actions))
	for _, a := range actions {
		set[a] = struct{}{}
	}
	return set
}

// Authorize evaluates the static role table. Unknown roles and actions are denied.
func Authorize(role Role, action Action) Decision {
	allowed, ok := permissionTable[role]
	if !ok {
		return Deny
	}
	_, ok = allowed[action]
	return Decision(ok)
}

// AuthorizeOwnership allows the resource owner and admins.
func AuthorizeOwnership(p Principal, resourceOwnerID string) Decision {
	if p.AccountID == "" {
		return Deny
	}
	if p.Role == RoleAdmin {
		return Allow
	}
	return Decision(p.AccountID == resourceOwnerID)
}

// Check is Authorize returning ErrForbidden on Deny.
func Check(role Role, action Action) error {
	if Authorize(role, action) == Deny {
		return fmt.Errorf("%w: role %q may not %s", ErrForbidden, role, action)
	}
	return nil
}

// CheckOwnership is AuthorizeOwnership returning ErrForbidden on Deny.
func CheckOwnership(p Principal, resourceOwnerID string) error {
	if AuthorizeOwnership(p, resourceOwnerID) == Deny {
		return fmt.Errorf("%w: resource belongs to another account", ErrForbidden)
	}
	return nil
}

// Capabilities lists the actions a role may perform, sorted.
func Capabilities(role Role) []Action {
	allowed := permissionTable[role]
	out := make([]Action, 0, len(allowed))
	for a := range allowed {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
