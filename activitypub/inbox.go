package activitypub

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/lightpub/db"
	"github.com/deemkeen/lightpub/domain"
	"github.com/deemkeen/lightpub/util"
	"github.com/google/uuid"
)

// InboxDeps holds dependencies for inbox handlers (for testing)
type InboxDeps struct {
	Database   Database
	HTTPClient HTTPClient
}

// NewInboxDeps returns the production dependencies.
func NewInboxDeps(conf *util.AppConfig) *InboxDeps {
	return &InboxDeps{
		Database:   NewDBWrapper(),
		HTTPClient: NewOutboundHTTPClient(conf),
	}
}

// ProcessInbox authenticates and dispatches one inbound activity addressed
// to a local user. A nil return means the peer sees 204.
func ProcessInbox(r *http.Request, body []byte, recipientId uuid.UUID, conf *util.AppConfig) *InboxError {
	return ProcessInboxWithDeps(r, body, recipientId, conf, NewInboxDeps(conf))
}

// ProcessInboxWithDeps runs the full inbound pipeline: digest check,
// signature verification (resolving the key's actor when unknown), typed
// parse, key-owner check, dedup, and dispatch to the matching handler.
func ProcessInboxWithDeps(r *http.Request, body []byte, recipientId uuid.UUID, conf *util.AppConfig, deps *InboxDeps) *InboxError {
	err, recipient := deps.Database.ReadUserById(recipientId)
	if err != nil || recipient == nil || !recipient.IsLocal() {
		return NewInboxError(http.StatusNotFound, "no local user %s", recipientId)
	}

	declaredDigest := r.Header.Get("Digest")
	if declaredDigest == "" {
		return NewInboxError(http.StatusBadRequest, "missing Digest header")
	}
	if !CheckDigest(declaredDigest, body) {
		return NewInboxError(http.StatusUnauthorized, "digest does not match body")
	}

	keyId, err := ExtractKeyId(r)
	if err != nil {
		return NewInboxError(http.StatusUnauthorized, "unverifiable request: %v", err)
	}

	key, inboxErr := retrieveKey(keyId, recipient, conf, deps)
	if inboxErr != nil {
		return inboxErr
	}

	if _, err := VerifyRequest(r, key.PublicKeyPem); err != nil {
		log.Printf("Inbox: Signature verification failed for %s: %v", keyId, err)
		return NewInboxError(http.StatusUnauthorized, "invalid signature")
	}

	activity, inboxErr := ParseActivity(body)
	if inboxErr != nil {
		return inboxErr
	}

	err, keyOwner := deps.Database.ReadUserById(key.OwnerId)
	if err != nil || keyOwner == nil {
		return NewInboxError(http.StatusUnauthorized, "key %s has no known owner", keyId)
	}
	if keyOwner.URI != activity.Actor {
		return NewInboxError(http.StatusForbidden, "actor %s does not own key %s", activity.Actor, keyId)
	}

	log.Printf("Inbox: Received %s from %s for %s", activity.Type, activity.Actor, recipient.Username)

	// Log for dedup; a replayed activity id short-circuits to success
	if activity.ID != "" {
		logErr := deps.Database.CreateInboundActivity(&domain.InboundActivity{
			Id:           uuid.New(),
			ActivityURI:  activity.ID,
			ActivityType: activity.Type,
			ActorURI:     activity.Actor,
			ObjectURI:    activity.ObjectURI,
			RawJSON:      string(body),
			CreatedAt:    time.Now().UTC(),
		})
		if db.IsUniqueConstraintErr(logErr) {
			log.Printf("Inbox: Activity %s already processed", activity.ID)
			return nil
		}
		if logErr != nil {
			log.Printf("Inbox: Failed to log activity %s: %v", activity.ID, logErr)
		}
	}

	switch activity.Type {
	case "Follow":
		return handleFollow(activity, keyOwner, conf, deps)
	case "Accept":
		return handleAccept(activity, keyOwner, conf, deps)
	case "Reject":
		return handleReject(activity, keyOwner, conf, deps)
	case "Undo":
		return handleUndo(activity, keyOwner, conf, deps)
	case "Create":
		return handleCreate(activity, keyOwner, recipient, conf, deps)
	case "Announce":
		return handleAnnounce(activity, keyOwner, recipient, conf, deps)
	case "Delete":
		return handleDelete(activity, keyOwner, conf, deps)
	}

	return NewInboxError(http.StatusMethodNotAllowed, "unsupported activity type %s", activity.Type)
}

// retrieveKey looks up a signature key, fetching the owning actor when the
// key is unknown locally.
func retrieveKey(keyId string, recipient *domain.User, conf *util.AppConfig, deps *InboxDeps) (*domain.PublicKey, *InboxError) {
	err, key := deps.Database.ReadPublicKeyByKeyId(keyId)
	if err == nil && key != nil {
		return key, nil
	}

	actorURI := keyId
	if idx := strings.Index(actorURI, "#"); idx >= 0 {
		actorURI = actorURI[:idx]
	}

	if _, err := ResolveActorWithDeps(actorURI, true, recipient, conf, deps.HTTPClient, deps.Database); err != nil {
		log.Printf("Inbox: Failed to resolve key owner %s: %v", actorURI, err)
		if errors.Is(err, ErrRemoteDown) {
			return nil, NewInboxError(http.StatusBadGateway, "key owner %s unreachable", actorURI)
		}
		return nil, NewInboxError(http.StatusUnauthorized, "unknown signing key %s", keyId)
	}

	err, key = deps.Database.ReadPublicKeyByKeyId(keyId)
	if err != nil || key == nil {
		return nil, NewInboxError(http.StatusUnauthorized, "actor %s does not advertise key %s", actorURI, keyId)
	}
	return key, nil
}

// handleFollow processes an incoming follow: record the request and, per
// the auto-accept policy, answer with an Accept that makes it effective.
func handleFollow(activity *Activity, remoteActor *domain.User, conf *util.AppConfig, deps *InboxDeps) *InboxError {
	localId, ok := LocalUserIdFromURI(conf, activity.ObjectURI)
	if !ok {
		return NewInboxError(http.StatusBadRequest, "follow object %s is not a local actor", activity.ObjectURI)
	}
	err, localUser := deps.Database.ReadUserById(localId)
	if err != nil || localUser == nil || !localUser.IsLocal() {
		return NewInboxError(http.StatusNotFound, "no local user behind %s", activity.ObjectURI)
	}

	req := &domain.FollowRequest{
		Id:         uuid.New(),
		URI:        activity.ID,
		FollowerId: remoteActor.Id,
		FolloweeId: localUser.Id,
		Incoming:   true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := deps.Database.UpsertFollowRequest(req); err != nil {
		return NewInboxError(http.StatusInternalServerError, "failed to store follow request: %v", err)
	}

	// A replayed Follow reuses the stored row
	if err, stored := deps.Database.ReadFollowRequestByURI(activity.ID); err == nil && stored != nil {
		req = stored
	}

	if err := SendAcceptWithDeps(localUser, remoteActor, req, conf, deps.HTTPClient, deps.Database); err != nil {
		// The request stays pending; the peer may re-deliver the Follow
		log.Printf("Inbox: Could not answer follow %s yet: %v", activity.ID, err)
	}

	return nil
}

// handleAccept processes a peer's Accept of a follow our local user asked
// for: the outgoing FollowRequest becomes an effective Follow.
func handleAccept(activity *Activity, remoteActor *domain.User, conf *util.AppConfig, deps *InboxDeps) *InboxError {
	if activity.ObjectType != "" && activity.ObjectType != "Follow" {
		return NewInboxError(http.StatusBadRequest, "accept of a %s is not understood", activity.ObjectType)
	}

	err, req := deps.Database.ReadFollowRequestByURI(activity.ObjectURI)
	if err != nil || req == nil {
		// Fall back to the (follower, followee) pair from the inner Follow
		if localId, ok := LocalUserIdFromURI(conf, activity.ObjectActor); ok {
			err, req = deps.Database.ReadFollowRequestByUsers(localId, remoteActor.Id)
		}
	}
	if req == nil {
		return NewInboxError(http.StatusNotFound, "no follow request behind %s", activity.ObjectURI)
	}
	if req.Incoming {
		return NewInboxError(http.StatusForbidden, "follow %s was not requested by this node", req.URI)
	}

	err, follower := deps.Database.ReadUserById(req.FollowerId)
	if err != nil || follower == nil || !follower.IsLocal() {
		return NewInboxError(http.StatusForbidden, "follow %s was not requested by a local user", req.URI)
	}

	if err := deps.Database.AcceptFollowRequest(req); err != nil {
		return NewInboxError(http.StatusInternalServerError, "failed to accept follow: %v", err)
	}

	log.Printf("Inbox: Follow %s accepted by %s@%s", req.URI, remoteActor.Username, remoteActor.Host)
	return nil
}

// handleReject processes a peer's Reject: a pending outgoing request is
// dropped, or an already effective follow is revoked.
func handleReject(activity *Activity, remoteActor *domain.User, conf *util.AppConfig, deps *InboxDeps) *InboxError {
	if activity.ObjectType != "" && activity.ObjectType != "Follow" {
		return NewInboxError(http.StatusBadRequest, "reject of a %s is not understood", activity.ObjectType)
	}

	err, req := deps.Database.ReadFollowRequestByURI(activity.ObjectURI)
	if err == nil && req != nil {
		if req.Incoming {
			return NewInboxError(http.StatusForbidden, "follow %s was not requested by this node", req.URI)
		}
		if err := deps.Database.DeleteFollowRequest(req.Id); err != nil {
			return NewInboxError(http.StatusInternalServerError, "failed to delete follow request: %v", err)
		}
		log.Printf("Inbox: Follow %s rejected by %s@%s", req.URI, remoteActor.Username, remoteActor.Host)
		return nil
	}

	if localId, ok := LocalUserIdFromURI(conf, activity.ObjectActor); ok {
		if err, follow := deps.Database.ReadFollow(localId, remoteActor.Id); err == nil && follow != nil {
			if err := deps.Database.DeleteFollow(localId, remoteActor.Id); err != nil {
				return NewInboxError(http.StatusInternalServerError, "failed to delete follow: %v", err)
			}
			log.Printf("Inbox: Follow of %s@%s revoked by rejection", remoteActor.Username, remoteActor.Host)
			return nil
		}
	}

	return NewInboxError(http.StatusNotFound, "nothing to reject behind %s", activity.ObjectURI)
}

// handleUndo processes Undo(Follow): only the original follower may revoke,
// and revoking an absent follow is a silent success.
func handleUndo(activity *Activity, remoteActor *domain.User, conf *util.AppConfig, deps *InboxDeps) *InboxError {
	if activity.ObjectType != "Follow" {
		// Undo of anything else is acknowledged and ignored
		log.Printf("Inbox: Ignoring Undo of %s", activity.ObjectType)
		return nil
	}

	if activity.ObjectActor != "" && activity.ObjectActor != activity.Actor {
		return NewInboxError(http.StatusForbidden, "%s cannot undo a follow by %s", activity.Actor, activity.ObjectActor)
	}

	localId, ok := LocalUserIdFromURI(conf, activity.ObjectTo)
	if !ok {
		return NewInboxError(http.StatusBadRequest, "undo target %s is not a local actor", activity.ObjectTo)
	}

	if err := deps.Database.DeleteFollow(remoteActor.Id, localId); err != nil {
		return NewInboxError(http.StatusInternalServerError, "failed to delete follow: %v", err)
	}

	// A pending request for the same follow is dropped with it
	if err, req := deps.Database.ReadFollowRequestByURI(activity.ObjectURI); err == nil && req != nil && req.Incoming {
		deps.Database.DeleteFollowRequest(req.Id)
	}

	log.Printf("Inbox: Removed follow of %s by %s@%s", activity.ObjectTo, remoteActor.Username, remoteActor.Host)
	return nil
}

// handleCreate persists an incoming note, resolving its author and reply
// target as needed. Privacy is inferred from the note's addressing.
func handleCreate(activity *Activity, remoteActor *domain.User, recipient *domain.User, conf *util.AppConfig, deps *InboxDeps) *InboxError {
	note := activity.Note
	if note == nil {
		return NewInboxError(http.StatusBadRequest, "create without a note object")
	}
	if note.ID == "" {
		return NewInboxError(http.StatusBadRequest, "note without an id")
	}
	if note.AttributedTo != "" && note.AttributedTo != activity.Actor {
		return NewInboxError(http.StatusForbidden, "note %s is attributed to %s, not %s", note.ID, note.AttributedTo, activity.Actor)
	}

	if err, existing := deps.Database.ReadPostByURI(note.ID); err == nil && existing != nil {
		return nil
	}

	var replyToId *uuid.UUID
	if note.InReplyTo != "" {
		parent, err := ResolvePostWithDeps(note.InReplyTo, 1, recipient, conf, deps.HTTPClient, deps.Database)
		switch {
		case err == nil:
			replyToId = &parent.Id
		case errors.Is(err, ErrRemoteDown):
			// Peer retries once the reply target's host is reachable again
			return NewInboxError(http.StatusBadGateway, "reply target %s unreachable", note.InReplyTo)
		default:
			log.Printf("Inbox: Reply target %s not materialized: %v", note.InReplyTo, err)
		}
	}

	var mentionIds []uuid.UUID
	for _, tag := range note.Tag {
		if tag.Type != "Mention" || tag.Href == "" {
			continue
		}
		if id, ok := LocalUserIdFromURI(conf, tag.Href); ok {
			mentionIds = append(mentionIds, id)
		}
	}

	content := note.Content
	post := &domain.Post{
		Id:        uuid.New(),
		URI:       note.ID,
		PosterId:  remoteActor.Id,
		Content:   &content,
		Privacy:   InferPrivacy(note.To, note.CC),
		ReplyToId: replyToId,
		CreatedAt: note.PublishedTime(),
	}

	if err := deps.Database.CreatePost(post, HashtagsFromTags(note.Tag), mentionIds); err != nil {
		return NewInboxError(http.StatusInternalServerError, "failed to store post: %v", err)
	}

	log.Printf("Inbox: Stored note %s from %s@%s", note.ID, remoteActor.Username, remoteActor.Host)
	return nil
}

// handleAnnounce persists a remote repost of a known (or fetchable) post.
func handleAnnounce(activity *Activity, remoteActor *domain.User, recipient *domain.User, conf *util.AppConfig, deps *InboxDeps) *InboxError {
	if activity.ObjectURI == "" {
		return NewInboxError(http.StatusBadRequest, "announce without an object")
	}

	target, err := ResolvePostWithDeps(activity.ObjectURI, 1, recipient, conf, deps.HTTPClient, deps.Database)
	switch {
	case err == nil:
	case errors.Is(err, ErrRemoteDown):
		return NewInboxError(http.StatusBadGateway, "announce target %s unreachable", activity.ObjectURI)
	case errors.Is(err, ErrRemoteObjectNotFound):
		return NewInboxError(http.StatusNotFound, "announce target %s not found", activity.ObjectURI)
	default:
		return NewInboxError(http.StatusBadRequest, "announce target %s not usable: %v", activity.ObjectURI, err)
	}

	// A repost chain collapses onto its original
	if target.IsRepost() {
		err, original := deps.Database.ReadPostById(*target.RepostOfId)
		if err != nil || original == nil {
			return NewInboxError(http.StatusBadRequest, "announce target %s has no original", activity.ObjectURI)
		}
		target = original
	}

	if err, existing := deps.Database.ReadRepostByUsers(remoteActor.Id, target.Id); err == nil && existing != nil {
		return nil
	}

	targetId := target.Id
	repost := &domain.Post{
		Id:         uuid.New(),
		URI:        activity.ID,
		PosterId:   remoteActor.Id,
		Content:    nil,
		Privacy:    domain.PrivacyPublic,
		RepostOfId: &targetId,
		CreatedAt:  activity.ActivityTime(),
	}

	if err := deps.Database.CreatePost(repost, nil, nil); err != nil {
		return NewInboxError(http.StatusInternalServerError, "failed to store repost: %v", err)
	}

	log.Printf("Inbox: Stored repost of %s by %s@%s", activity.ObjectURI, remoteActor.Username, remoteActor.Host)
	return nil
}

// handleDelete tombstones a post the announcing actor owns.
func handleDelete(activity *Activity, remoteActor *domain.User, conf *util.AppConfig, deps *InboxDeps) *InboxError {
	if activity.ObjectURI == "" {
		return NewInboxError(http.StatusBadRequest, "delete without an object")
	}

	var post *domain.Post
	if id, ok := LocalPostIdFromURI(conf, activity.ObjectURI); ok {
		_, post = deps.Database.ReadPostById(id)
	} else {
		_, post = deps.Database.ReadPostByURI(activity.ObjectURI)
	}
	if post == nil {
		return NewInboxError(http.StatusNotFound, "no post behind %s", activity.ObjectURI)
	}

	if post.PosterId != remoteActor.Id {
		return NewInboxError(http.StatusForbidden, "%s cannot delete a post by someone else", activity.Actor)
	}

	if err := deps.Database.SoftDeletePost(post.Id, activity.ActivityTime()); err != nil {
		return NewInboxError(http.StatusInternalServerError, "failed to delete post: %v", err)
	}

	log.Printf("Inbox: Deleted post %s", activity.ObjectURI)
	return nil
}
