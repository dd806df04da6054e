package activitypub

import (
	"fmt"
	"strings"

	"github.com/deemkeen/lightpub/domain"
	"github.com/deemkeen/lightpub/util"
	"github.com/google/uuid"
)

// Local URI minting. Everything this node owns lives under
// {scheme}://{hostname}/api/.

func LocalUserURI(conf *util.AppConfig, id uuid.UUID) string {
	return fmt.Sprintf("%s/api/users/%s", conf.BaseURL(), id.String())
}

func LocalPostURI(conf *util.AppConfig, id uuid.UUID) string {
	return fmt.Sprintf("%s/api/posts/%s", conf.BaseURL(), id.String())
}

func LocalUserInboxURI(conf *util.AppConfig, id uuid.UUID) string {
	return LocalUserURI(conf, id) + "/inbox"
}

func LocalUserFollowersURI(conf *util.AppConfig, id uuid.UUID) string {
	return LocalUserURI(conf, id) + "/followers"
}

func SharedInboxURI(conf *util.AppConfig) string {
	return conf.BaseURL() + "/api/inbox"
}

func LocalKeyId(conf *util.AppConfig, id uuid.UUID) string {
	return LocalUserURI(conf, id) + "#main-key"
}

// NewActivityURI mints a fresh id for an outbound activity envelope.
func NewActivityURI(conf *util.AppConfig) string {
	return fmt.Sprintf("%s/api/activities/%s", conf.BaseURL(), uuid.New().String())
}

// ActorURI returns the canonical URI of a user: the stored one for remote
// users, the derived one for local users.
func ActorURI(conf *util.AppConfig, user *domain.User) string {
	if user.IsLocal() {
		return LocalUserURI(conf, user.Id)
	}
	return user.URI
}

// PostURI returns the canonical URI of a post, deriving it for local posts.
func PostURI(conf *util.AppConfig, post *domain.Post) string {
	if post.URI != "" {
		return post.URI
	}
	return LocalPostURI(conf, post.Id)
}

// IsLocalURI reports whether a URI is minted by this node.
func IsLocalURI(conf *util.AppConfig, uri string) bool {
	return strings.HasPrefix(uri, conf.BaseURL()+"/")
}

// LocalUserIdFromURI extracts the user id from a local actor URI.
func LocalUserIdFromURI(conf *util.AppConfig, uri string) (uuid.UUID, bool) {
	return localIdFromURI(conf, uri, "/api/users/")
}

// LocalPostIdFromURI extracts the post id from a local post URI.
func LocalPostIdFromURI(conf *util.AppConfig, uri string) (uuid.UUID, bool) {
	return localIdFromURI(conf, uri, "/api/posts/")
}

func localIdFromURI(conf *util.AppConfig, uri string, prefix string) (uuid.UUID, bool) {
	full := conf.BaseURL() + prefix
	if !strings.HasPrefix(uri, full) {
		return uuid.Nil, false
	}
	rest := strings.TrimPrefix(uri, full)
	// strip fragments and sub-paths like /inbox or #main-key
	if idx := strings.IndexAny(rest, "/#?"); idx >= 0 {
		rest = rest[:idx]
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
