package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/deemkeen/lightpub/domain"
	"github.com/deemkeen/lightpub/util"
	"github.com/google/uuid"
)

// defaultHTTPClient is the default HTTP client for production use
var defaultHTTPClient HTTPClient = NewDefaultHTTPClient(10 * time.Second)

// Resolver failure taxonomy. Callers branch on these with errors.Is;
// RemoteDown is the only recoverable kind and feeds the delivery backoff.
var (
	ErrNotRemote               = errors.New("uri points at this host")
	ErrRemoteObjectNotFound    = errors.New("remote object not found")
	ErrMalformedRemoteResponse = errors.New("malformed remote response")
	ErrRemoteDown              = errors.New("remote server unavailable")
)

// maxReplyDepth bounds reply-chain materialization; a malicious peer can
// point a chain at itself.
const maxReplyDepth = 3

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           any    `json:"@context"`
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername"`
	Name              string `json:"name"`
	Summary           string `json:"summary"`
	Inbox             string `json:"inbox"`
	Outbox            string `json:"outbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// ResolveActor returns the user behind an actor URI, fetching and caching
// the remote record when it is unknown or stale.
// This is the production wrapper that uses the default HTTP client and database.
func ResolveActor(actorURI string, force bool, signer *domain.User, conf *util.AppConfig) (*domain.User, error) {
	return ResolveActorWithDeps(actorURI, force, signer, conf, defaultHTTPClient, NewDBWrapper())
}

// ResolveActorWithDeps returns the user behind an actor URI. Local URIs
// short-circuit to a direct lookup. Remote records within the configured
// freshness bound are returned from cache unless force is set.
func ResolveActorWithDeps(actorURI string, force bool, signer *domain.User, conf *util.AppConfig, client HTTPClient, database Database) (*domain.User, error) {
	if IsLocalURI(conf, actorURI) {
		id, ok := LocalUserIdFromURI(conf, actorURI)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a local actor uri", ErrNotRemote, actorURI)
		}
		err, user := database.ReadUserById(id)
		if err != nil || user == nil {
			return nil, fmt.Errorf("local actor %s not found", actorURI)
		}
		return user, nil
	}

	err, cached := database.ReadUserByURI(actorURI)
	if err == nil && cached != nil && !force {
		err, info := database.ReadRemoteUserInfo(cached.Id)
		if err == nil && info != nil && time.Since(info.LastFetchedAt) < conf.RemoteActorTTL() {
			return cached, nil
		}
	}

	return fetchRemoteActorWithDeps(actorURI, signer, conf, client, database)
}

// fetchRemoteActorWithDeps performs the signed GET, validates the document
// and upserts the user, its fetch info and its public keys in one
// transaction.
func fetchRemoteActorWithDeps(actorURI string, signer *domain.User, conf *util.AppConfig, client HTTPClient, database Database) (*domain.User, error) {
	body, err := fetchActivityDocument(actorURI, signer, conf, client)
	if err != nil {
		return nil, err
	}

	var actor ActorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRemoteResponse, err)
	}

	if actor.Type != "Person" {
		return nil, fmt.Errorf("%w: %s is a %s, not a Person", ErrMalformedRemoteResponse, actorURI, actor.Type)
	}
	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: actor %s missing required fields", ErrMalformedRemoteResponse, actorURI)
	}

	host, err := extractHost(actor.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRemoteResponse, err)
	}

	user := &domain.User{
		Username:       actor.PreferredUsername,
		Host:           host,
		DisplayName:    actor.Name,
		Summary:        actor.Summary,
		PublicKey:      actor.PublicKey.PublicKeyPem,
		URI:            actor.ID,
		InboxURI:       actor.Inbox,
		OutboxURI:      actor.Outbox,
		SharedInboxURI: actor.Endpoints.SharedInbox,
	}

	keys := []domain.PublicKey{{
		KeyId:        actor.PublicKey.ID,
		PublicKeyPem: actor.PublicKey.PublicKeyPem,
	}}

	err, user = database.UpsertRemoteUserWithKeys(user, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to store remote actor: %w", err)
	}

	log.Printf("Resolver: Cached actor %s@%s (%s)", user.Username, user.Host, actor.ID)
	return user, nil
}

// ResolveHandle resolves a username/host pair, going through WebFinger for
// hosts we have never seen the user from.
// This is the production wrapper that uses the default HTTP client and database.
func ResolveHandle(username, host string, signer *domain.User, conf *util.AppConfig) (*domain.User, error) {
	return ResolveHandleWithDeps(username, host, signer, conf, defaultHTTPClient, NewDBWrapper())
}

// ResolveHandleWithDeps resolves a username/host pair to a user record.
func ResolveHandleWithDeps(username, host string, signer *domain.User, conf *util.AppConfig, client HTTPClient, database Database) (*domain.User, error) {
	if host == "" || host == conf.Conf.Hostname {
		err, user := database.ReadLocalUserByUsername(username)
		if err != nil || user == nil {
			return nil, fmt.Errorf("local user %s not found", username)
		}
		return user, nil
	}

	err, cached := database.ReadUserByHandle(username, host)
	if err == nil && cached != nil {
		return ResolveActorWithDeps(cached.URI, false, signer, conf, client, database)
	}

	actorURI, err := webfingerLookup(username, host, client)
	if err != nil {
		return nil, err
	}

	return ResolveActorWithDeps(actorURI, false, signer, conf, client, database)
}

// webfingerLookup asks a host for the actor URI behind user@host.
func webfingerLookup(username, host string, client HTTPClient) (string, error) {
	webfingerURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=acct:%s@%s",
		host, username, host)

	req, err := http.NewRequest("GET", webfingerURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/jrd+json")
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: webfinger: %v", ErrRemoteDown, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return "", fmt.Errorf("%w: no webfinger record for %s@%s", ErrRemoteObjectNotFound, username, host)
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: webfinger returned %d", ErrRemoteDown, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: webfinger returned %d", ErrMalformedRemoteResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRemoteDown, err)
	}

	var result struct {
		Subject string `json:"subject"`
		Links   []struct {
			Rel  string `json:"rel"`
			Type string `json:"type"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedRemoteResponse, err)
	}

	for _, link := range result.Links {
		if link.Rel == "self" && (link.Type == ContentTypeActivityJSON || link.Type == ContentTypeLDJSON) {
			return link.Href, nil
		}
	}

	return "", fmt.Errorf("%w: no self link for %s@%s", ErrMalformedRemoteResponse, username, host)
}

// ResolvePost materializes the post behind a URI, fetching it from the
// owning host when unknown.
// This is the production wrapper that uses the default HTTP client and database.
func ResolvePost(postURI string, signer *domain.User, conf *util.AppConfig) (*domain.Post, error) {
	return ResolvePostWithDeps(postURI, 0, signer, conf, defaultHTTPClient, NewDBWrapper())
}

// ResolvePostWithDeps materializes the post behind a URI. Reply targets are
// resolved recursively up to maxReplyDepth.
func ResolvePostWithDeps(postURI string, depth int, signer *domain.User, conf *util.AppConfig, client HTTPClient, database Database) (*domain.Post, error) {
	if IsLocalURI(conf, postURI) {
		id, ok := LocalPostIdFromURI(conf, postURI)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a local post uri", ErrNotRemote, postURI)
		}
		err, post := database.ReadPostById(id)
		if err != nil || post == nil {
			return nil, fmt.Errorf("local post %s not found", postURI)
		}
		return post, nil
	}

	err, cached := database.ReadPostByURI(postURI)
	if err == nil && cached != nil {
		return cached, nil
	}

	body, err := fetchActivityDocument(postURI, signer, conf, client)
	if err != nil {
		return nil, err
	}

	var note NoteDoc
	if err := json.Unmarshal(body, &note); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRemoteResponse, err)
	}
	if note.Type != "Note" {
		return nil, fmt.Errorf("%w: %s is a %s, not a Note", ErrMalformedRemoteResponse, postURI, note.Type)
	}
	if note.ID == "" || note.AttributedTo == "" {
		return nil, fmt.Errorf("%w: note %s missing required fields", ErrMalformedRemoteResponse, postURI)
	}

	author, err := ResolveActorWithDeps(note.AttributedTo, false, signer, conf, client, database)
	if err != nil {
		return nil, err
	}

	var replyToId *uuid.UUID
	if note.InReplyTo != "" && depth < maxReplyDepth {
		parent, err := ResolvePostWithDeps(note.InReplyTo, depth+1, signer, conf, client, database)
		if err != nil {
			log.Printf("Resolver: Could not materialize reply target %s: %v", note.InReplyTo, err)
		} else {
			replyToId = &parent.Id
		}
	}

	content := note.Content
	post := &domain.Post{
		Id:        uuid.New(),
		URI:       note.ID,
		PosterId:  author.Id,
		Content:   &content,
		Privacy:   InferPrivacy(note.To, note.CC),
		ReplyToId: replyToId,
		CreatedAt: note.PublishedTime(),
	}

	if err := database.CreatePost(post, HashtagsFromTags(note.Tag), nil); err != nil {
		return nil, fmt.Errorf("failed to store remote post: %w", err)
	}

	// Re-read in case a concurrent delivery already stored the same URI
	if err, stored := database.ReadPostByURI(note.ID); err == nil && stored != nil {
		return stored, nil
	}
	return post, nil
}

// fetchActivityDocument performs a GET with the ActivityPub accept header,
// signed when a signer with a private key is available, and maps transport
// failures onto the resolver taxonomy.
func fetchActivityDocument(uri string, signer *domain.User, conf *util.AppConfig, client HTTPClient) ([]byte, error) {
	req, err := http.NewRequest("GET", uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", ContentTypeActivityJSON)
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	if signer != nil && signer.PrivateKey != "" {
		privateKey, err := ParsePrivateKey(signer.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signer key: %w", err)
		}
		if err := SignGetRequest(req, privateKey, LocalKeyId(conf, signer.Id)); err != nil {
			return nil, err
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteDown, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ErrRemoteObjectNotFound, uri)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s returned %d", ErrRemoteDown, uri, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %s returned %d", ErrMalformedRemoteResponse, uri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteDown, err)
	}
	return body, nil
}

// extractHost extracts the host from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractHost(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	return parsed.Host, nil
}
