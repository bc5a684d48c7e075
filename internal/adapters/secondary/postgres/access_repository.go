package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
	"github.com/dattmumas/lnked-realtime/internal/core/ports"
)

// AccessRepository answers topic membership questions from the platform
// database.
type AccessRepository struct {
	pool *pgxpool.Pool
}

var _ ports.AccessChecker = (*AccessRepository)(nil)

func NewAccessRepository(pool *pgxpool.Pool) *AccessRepository {
	return &AccessRepository{pool: pool}
}

const canJoinConversationSQL = `
SELECT EXISTS (
    SELECT 1 FROM conversation_participants
    WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL
)`

const canJoinCollectiveSQL = `
SELECT EXISTS (
    SELECT 1 FROM collectives c
    WHERE c.id = $1
      AND (c.is_public
           OR c.owner_id = $2
           OR EXISTS (SELECT 1 FROM collective_members m WHERE m.collective_id = c.id AND m.user_id = $2))
)`

const canJoinPostSQL = `
SELECT EXISTS (
    SELECT 1 FROM posts p
    WHERE p.id = $1
      AND (p.visibility = 'public'
           OR p.author_id = $2
           OR (p.visibility = 'members' AND EXISTS (
                SELECT 1 FROM collective_members m WHERE m.collective_id = p.collective_id AND m.user_id = $2)))
)`

// CanJoin reports whether actorID may subscribe to topic. Unknown scopes
// and malformed ids are denied rather than reported as errors.
func (r *AccessRepository) CanJoin(ctx context.Context, topic domain.TopicKey, actorID string) (bool, error) {
	actor, err := uuid.Parse(actorID)
	if err != nil {
		return false, nil
	}
	if topic.Kind() == domain.TopicUser {
		return topic.Scope() == actor.String(), nil
	}

	scope, err := uuid.Parse(topic.Scope())
	if err != nil {
		return false, nil
	}

	var query string
	switch topic.Kind() {
	case domain.TopicConversation:
		query = canJoinConversationSQL
	case domain.TopicCollective:
		query = canJoinCollectiveSQL
	case domain.TopicPost:
		query = canJoinPostSQL
	default:
		return false, nil
	}

	var allowed bool
	if err := GetDBTX(ctx, r.pool).QueryRow(ctx, query, scope, actor).Scan(&allowed); err != nil {
		return false, fmt.Errorf("check access to %s: %w", topic, err)
	}
	return allowed, nil
}

// Ping checks database connectivity for readiness probes.
func (r *AccessRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
