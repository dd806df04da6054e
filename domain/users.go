package domain

import (
	"time"

	"github.com/google/uuid"
)

// User represents an actor known to this node, local or remote.
// A local user has an empty Host and carries both halves of its keypair;
// a remote user has a non-empty Host and a canonical URI.
type User struct {
	Id             uuid.UUID
	Username       string
	Host           string // empty for local users
	DisplayName    string
	Summary        string
	PrivateKey     string // PEM, local users only
	PublicKey      string // PEM
	URI            string // canonical actor URI, remote users only
	InboxURI       string
	OutboxURI      string
	SharedInboxURI string // optional host-level inbox
	CreatedAt      time.Time
}

// IsLocal reports whether the user is hosted on this node.
func (u *User) IsLocal() bool {
	return u.Host == ""
}

// Acct returns the webfinger-style handle of the user.
func (u *User) Acct() string {
	if u.Host == "" {
		return u.Username
	}
	return u.Username + "@" + u.Host
}

// RemoteUserInfo carries fetch bookkeeping for a remote user.
type RemoteUserInfo struct {
	UserId        uuid.UUID
	LastFetchedAt time.Time
}

// PublicKey represents a signing key advertised by an actor.
type PublicKey struct {
	Id            uuid.UUID
	KeyId         string // key URI, e.g. https://host/users/x#main-key
	OwnerId       uuid.UUID
	PublicKeyPem  string
	LastFetchedAt time.Time
}

// UserToken is a bearer token issued to a local API consumer.
type UserToken struct {
	Id        uuid.UUID
	UserId    uuid.UUID
	Token     string
	CreatedAt time.Time
}
