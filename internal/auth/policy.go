package auth

import (
	"github.com/kinovino/rosterbot/internal/models"
)

// CreatePolicy decides who may create events.
type CreatePolicy string

const (
	CreateOpen  CreatePolicy = "open"  // any actor
	CreateAdmin CreatePolicy = "admin" // admin allow-list only
)

// Policy is the static allow-list authorization used by every surface.
type Policy struct {
	admins map[int64]struct{}
	create CreatePolicy
}

// NewPolicy builds a policy from admin ids and the creation rule.
func NewPolicy(adminIDs []int64, create CreatePolicy) *Policy {
	admins := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	if create != CreateAdmin {
		create = CreateOpen
	}
	return &Policy{admins: admins, create: create}
}

// IsAdmin reports allow-list membership.
func (p *Policy) IsAdmin(actorID int64) bool {
	_, ok := p.admins[actorID]
	return ok
}

// CanCreate reports whether actorID may create an event.
func (p *Policy) CanCreate(actorID int64) bool {
	return p.create == CreateOpen || p.IsAdmin(actorID)
}

// CanManage reports whether actorID may edit, export, delete, or manually
// change the roster of ev: admins and the event's creator.
func (p *Policy) CanManage(actorID int64, ev *models.Event) bool {
	if p.IsAdmin(actorID) {
		return true
	}
	return ev != nil && ev.CreatorID == actorID
}
