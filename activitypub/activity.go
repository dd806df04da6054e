package activitypub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/lightpub/domain"
)

const (
	// ActivityStreamsContext is the JSON-LD context of every envelope.
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	// PublicAudience denotes the special public addressing URI.
	PublicAudience = "https://www.w3.org/ns/activitystreams#Public"

	ContentTypeActivityJSON = "application/activity+json"
	ContentTypeLDJSON       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// InboxError carries an HTTP status out of a dispatcher handler; the web
// edge translates it into the response the peer sees.
type InboxError struct {
	Status  int
	Message string
}

func (e *InboxError) Error() string {
	return fmt.Sprintf("inbox processing failed (%d): %s", e.Status, e.Message)
}

func NewInboxError(status int, format string, args ...any) *InboxError {
	return &InboxError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// activityTypes is the closed set of inbound activity types the dispatcher
// understands. Anything else is answered with 405.
var activityTypes = map[string]bool{
	"Follow":   true,
	"Undo":     true,
	"Accept":   true,
	"Reject":   true,
	"Create":   true,
	"Announce": true,
	"Delete":   true,
}

// TagDoc is a hashtag or mention entry in a note's tag array.
type TagDoc struct {
	Type string `json:"type"`
	Href string `json:"href,omitempty"`
	Name string `json:"name,omitempty"`
}

// NoteDoc is the wire form of a Note object.
type NoteDoc struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	AttributedTo string   `json:"attributedTo"`
	Content      string   `json:"content"`
	Published    string   `json:"published"`
	Sensitive    bool     `json:"sensitive"`
	To           []string `json:"to"`
	CC           []string `json:"cc"`
	InReplyTo    string   `json:"inReplyTo,omitempty"`
	Tag          []TagDoc `json:"tag,omitempty"`
}

// PublishedTime parses the note's published stamp, falling back to now.
func (n *NoteDoc) PublishedTime() time.Time {
	if t, err := time.Parse(time.RFC3339, n.Published); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

// Activity is the typed view of an inbound activity envelope: one variant
// of the closed activity set, with the object flattened into either a URI
// reference, an embedded inner activity (Follow inside Undo/Accept/Reject),
// or a Note document.
type Activity struct {
	ID        string
	Type      string
	Actor     string
	Published string

	ObjectURI   string // object id, for both bare URIs and embedded objects
	ObjectType  string // inner type when the object was embedded
	ObjectActor string // inner actor (Follow inside Undo/Accept/Reject)
	ObjectTo    string // inner object (the followee URI of an inner Follow)
	Note        *NoteDoc
}

// rawActivity is the tolerant decode target: object may be a bare URI
// string or an embedded object.
type rawActivity struct {
	Context   any             `json:"@context"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Published string          `json:"published"`
	Object    json.RawMessage `json:"object"`
}

// ParseActivity turns a received body into its typed variant, or an
// InboxError carrying the status the peer should see.
func ParseActivity(body []byte) (*Activity, *InboxError) {
	var raw rawActivity
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, NewInboxError(http.StatusBadRequest, "invalid activity document: %v", err)
	}

	if raw.Type == "" || raw.Actor == "" {
		return nil, NewInboxError(http.StatusBadRequest, "activity missing type or actor")
	}
	if !activityTypes[raw.Type] {
		return nil, NewInboxError(http.StatusMethodNotAllowed, "unsupported activity type %s", raw.Type)
	}

	activity := &Activity{
		ID:        raw.ID,
		Type:      raw.Type,
		Actor:     raw.Actor,
		Published: raw.Published,
	}

	if len(raw.Object) == 0 {
		return nil, NewInboxError(http.StatusBadRequest, "activity %s missing object", raw.ID)
	}

	// Object is either a bare URI string or an embedded object
	var objectURI string
	if err := json.Unmarshal(raw.Object, &objectURI); err == nil {
		activity.ObjectURI = objectURI
		return activity, nil
	}

	var inner struct {
		ID     string          `json:"id"`
		Type   string          `json:"type"`
		Actor  string          `json:"actor"`
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(raw.Object, &inner); err != nil {
		return nil, NewInboxError(http.StatusBadRequest, "activity %s carries an unreadable object", raw.ID)
	}
	activity.ObjectURI = inner.ID
	activity.ObjectType = inner.Type
	activity.ObjectActor = inner.Actor

	if len(inner.Object) > 0 {
		var innerObjectURI string
		if err := json.Unmarshal(inner.Object, &innerObjectURI); err == nil {
			activity.ObjectTo = innerObjectURI
		}
	}

	if inner.Type == "Note" {
		var note NoteDoc
		if err := json.Unmarshal(raw.Object, &note); err != nil {
			return nil, NewInboxError(http.StatusBadRequest, "activity %s carries an unreadable note", raw.ID)
		}
		activity.Note = &note
	}

	return activity, nil
}

// ActivityTime parses the envelope's published stamp, falling back to now.
func (a *Activity) ActivityTime() time.Time {
	if t, err := time.Parse(time.RFC3339, a.Published); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

// InferPrivacy derives a post's visibility from its addressing:
// as:Public in to makes it public, in cc unlisted; a followers collection
// in to makes it followers-only; anything else is private.
func InferPrivacy(to []string, cc []string) domain.Privacy {
	for _, uri := range to {
		if uri == PublicAudience {
			return domain.PrivacyPublic
		}
	}
	for _, uri := range cc {
		if uri == PublicAudience {
			return domain.PrivacyUnlisted
		}
	}
	for _, uri := range to {
		if strings.HasSuffix(uri, "/followers") {
			return domain.PrivacyFollowers
		}
	}
	return domain.PrivacyPrivate
}

// HashtagsFromTags extracts hashtag names from a note's tag array,
// without the leading '#'.
func HashtagsFromTags(tags []TagDoc) []string {
	var names []string
	for _, tag := range tags {
		if tag.Type != "Hashtag" {
			continue
		}
		name := strings.TrimPrefix(tag.Name, "#")
		if name != "" {
			names = append(names, strings.ToLower(name))
		}
	}
	return names
}

// AcceptsActivityJSON reports whether a request's Accept header asks for an
// ActivityPub representation.
func AcceptsActivityJSON(accept string) bool {
	return strings.Contains(accept, "application/activity+json") ||
		strings.Contains(accept, "application/ld+json")
}
