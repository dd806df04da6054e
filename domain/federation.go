package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follow represents an effective follow relationship.
// Unique per (FollowerId, FolloweeId).
type Follow struct {
	Id         uuid.UUID
	FollowerId uuid.UUID
	FolloweeId uuid.UUID
	CreatedAt  time.Time
}

// FollowRequest represents a Follow activity that is not yet effective.
// URI is the id of the Follow activity; it is deleted on Accept or Reject.
type FollowRequest struct {
	Id         uuid.UUID
	URI        string
	FollowerId uuid.UUID
	FolloweeId uuid.UUID
	Incoming   bool // true when a remote actor asked to follow a local user
	CreatedAt  time.Time
}

// InboundActivity logs a received activity for deduplication and debugging.
type InboundActivity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	CreatedAt    time.Time
}

// DeliveryQueueItem is one pending outbound delivery: a signed POST of
// ActivityJSON to InboxURI on behalf of the signing local user.
type DeliveryQueueItem struct {
	Id           uuid.UUID
	InboxURI     string
	ActivityJSON string
	SignerId     uuid.UUID // local user whose key signs the request
	KeyId        string
	Attempts     int
	NextRetryAt  time.Time
	DeadlineAt   time.Time
	CreatedAt    time.Time
}
