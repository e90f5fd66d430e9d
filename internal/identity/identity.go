// Package identity maps numeric actor ids to display names and handles.
package identity

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kinovino/rosterbot/internal/models"
)

// ErrUnknownActor is returned when a resolver has no record of the actor.
var ErrUnknownActor = errors.New("unknown actor")

// Identity is what a directory knows about an actor.
type Identity struct {
	DisplayName string
	Handle      string // without the leading @
}

// Resolver looks up an actor. Implementations may fail for unknown or unreachable actors.
type Resolver interface {
	Resolve(ctx context.Context, actorID int64) (Identity, error)
}

// FullName joins first and last name, falling back to the stringified id.
func FullName(actorID int64, first, last string) string {
	name := strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
	if name == "" {
		return strconv.FormatInt(actorID, 10)
	}
	return name
}

// Participant resolves actorID into a roster snapshot. Resolution failures
// are logged and replaced by a synthetic label (the id itself).
func Participant(ctx context.Context, r Resolver, actorID int64, logger *zap.Logger) models.Participant {
	p := models.Participant{ActorID: actorID, DisplayName: strconv.FormatInt(actorID, 10)}
	if r == nil {
		return p
	}
	id, err := r.Resolve(ctx, actorID)
	if err != nil {
		if logger != nil {
			logger.Info("identity lookup failed, using id label", zap.Int64("actor_id", actorID), zap.Error(err))
		}
		return p
	}
	if id.DisplayName != "" {
		p.DisplayName = id.DisplayName
	}
	p.Handle = strings.TrimPrefix(id.Handle, "@")
	return p
}

// Static is an in-memory directory.
type Static map[int64]Identity

// Resolve implements Resolver.
func (s Static) Resolve(_ context.Context, actorID int64) (Identity, error) {
	id, ok := s[actorID]
	if !ok {
		return Identity{}, ErrUnknownActor
	}
	return id, nil
}
