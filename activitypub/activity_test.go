package activitypub

import (
	"net/http"
	"testing"

	"github.com/deemkeen/lightpub/domain"
)

func TestParseActivityBareObjectURI(t *testing.T) {
	body := []byte(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://peer/f1",
		"type": "Follow",
		"actor": "https://peer/users/B",
		"object": "http://self/api/users/5f9c6612-61b3-4a71-bb7c-a042d6d78f2b"
	}`)

	activity, inboxErr := ParseActivity(body)
	if inboxErr != nil {
		t.Fatalf("ParseActivity failed: %v", inboxErr)
	}
	if activity.Type != "Follow" {
		t.Errorf("Expected Follow, got %s", activity.Type)
	}
	if activity.ObjectURI != "http://self/api/users/5f9c6612-61b3-4a71-bb7c-a042d6d78f2b" {
		t.Errorf("Unexpected object URI: %s", activity.ObjectURI)
	}
}

func TestParseActivityEmbeddedFollow(t *testing.T) {
	body := []byte(`{
		"type": "Undo",
		"id": "https://peer/u1",
		"actor": "https://peer/users/B",
		"object": {
			"id": "https://peer/f1",
			"type": "Follow",
			"actor": "https://peer/users/B",
			"object": "http://self/api/users/5f9c6612-61b3-4a71-bb7c-a042d6d78f2b"
		}
	}`)

	activity, inboxErr := ParseActivity(body)
	if inboxErr != nil {
		t.Fatalf("ParseActivity failed: %v", inboxErr)
	}
	if activity.ObjectType != "Follow" {
		t.Errorf("Expected inner Follow, got %s", activity.ObjectType)
	}
	if activity.ObjectActor != "https://peer/users/B" {
		t.Errorf("Unexpected inner actor: %s", activity.ObjectActor)
	}
	if activity.ObjectTo != "http://self/api/users/5f9c6612-61b3-4a71-bb7c-a042d6d78f2b" {
		t.Errorf("Unexpected inner object: %s", activity.ObjectTo)
	}
}

func TestParseActivityNote(t *testing.T) {
	body := []byte(`{
		"type": "Create",
		"id": "https://peer/c1",
		"actor": "https://peer/users/B",
		"object": {
			"id": "https://peer/notes/n1",
			"type": "Note",
			"attributedTo": "https://peer/users/B",
			"content": "hi",
			"published": "2024-02-26T09:22:31Z",
			"to": ["https://www.w3.org/ns/activitystreams#Public"],
			"cc": ["https://peer/users/B/followers"]
		}
	}`)

	activity, inboxErr := ParseActivity(body)
	if inboxErr != nil {
		t.Fatalf("ParseActivity failed: %v", inboxErr)
	}
	if activity.Note == nil {
		t.Fatal("Expected a parsed note")
	}
	if activity.Note.Content != "hi" {
		t.Errorf("Unexpected content: %s", activity.Note.Content)
	}
	if activity.Note.PublishedTime().Format("2006-01-02") != "2024-02-26" {
		t.Errorf("Unexpected published time: %v", activity.Note.PublishedTime())
	}
}

func TestParseActivityUnknownType(t *testing.T) {
	body := []byte(`{"type": "Like", "actor": "https://peer/users/B", "object": "x"}`)

	_, inboxErr := ParseActivity(body)
	if inboxErr == nil {
		t.Fatal("Expected error for unknown type")
	}
	if inboxErr.Status != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", inboxErr.Status)
	}
}

func TestParseActivityMissingObject(t *testing.T) {
	body := []byte(`{"type": "Follow", "id": "https://peer/f1", "actor": "https://peer/users/B"}`)

	_, inboxErr := ParseActivity(body)
	if inboxErr == nil {
		t.Fatal("Expected error for missing object")
	}
	if inboxErr.Status != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", inboxErr.Status)
	}
}

func TestInferPrivacy(t *testing.T) {
	followers := "http://self/api/users/x/followers"

	tests := []struct {
		name string
		to   []string
		cc   []string
		want domain.Privacy
	}{
		{"public", []string{PublicAudience}, []string{followers}, domain.PrivacyPublic},
		{"unlisted", []string{followers}, []string{PublicAudience}, domain.PrivacyUnlisted},
		{"followers", []string{followers}, nil, domain.PrivacyFollowers},
		{"private", nil, nil, domain.PrivacyPrivate},
		{"private with direct recipient", []string{"https://peer/users/B"}, nil, domain.PrivacyPrivate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InferPrivacy(tt.to, tt.cc); got != tt.want {
				t.Errorf("InferPrivacy(%v, %v) = %v, want %v", tt.to, tt.cc, got, tt.want)
			}
		})
	}
}

// TestPrivacyRoundTrip checks that the privacy inferred from a plan's
// addressing is the privacy the plan was computed from.
func TestPrivacyRoundTrip(t *testing.T) {
	mockDB := NewMockDatabase()
	conf := testConfig()
	keypair, _ := GenerateTestKeyPair()
	author := newLocalUser(mockDB, "alice", keypair)

	for _, privacy := range []domain.Privacy{
		domain.PrivacyPublic,
		domain.PrivacyUnlisted,
		domain.PrivacyFollowers,
		domain.PrivacyPrivate,
	} {
		post := &domain.Post{PosterId: author.Id, Privacy: privacy}
		plan, err := PlanDeliveryWithDeps(post, author, conf, mockDB)
		if err != nil {
			t.Fatalf("PlanDeliveryWithDeps failed: %v", err)
		}
		if got := InferPrivacy(plan.To, plan.CC); got != privacy {
			t.Errorf("Round trip for %v yielded %v (to=%v cc=%v)", privacy, got, plan.To, plan.CC)
		}
	}
}

func TestHashtagsFromTags(t *testing.T) {
	tags := []TagDoc{
		{Type: "Hashtag", Name: "#World"},
		{Type: "Mention", Name: "@bob@peer", Href: "https://peer/users/B"},
		{Type: "Hashtag", Name: "#golang"},
	}

	names := HashtagsFromTags(tags)
	if len(names) != 2 || names[0] != "world" || names[1] != "golang" {
		t.Errorf("Unexpected hashtags: %v", names)
	}
}
