package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/deemkeen/lightpub/domain"
	"github.com/google/uuid"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	return database
}

func remoteUser(t *testing.T, database *DB, username, host string) *domain.User {
	t.Helper()
	uri := "https://" + host + "/users/" + username
	user := &domain.User{
		Username:  username,
		Host:      host,
		PublicKey: "PEM",
		URI:       uri,
		InboxURI:  uri + "/inbox",
	}
	keys := []domain.PublicKey{{KeyId: uri + "#main-key", PublicKeyPem: "PEM"}}
	err, stored := database.UpsertRemoteUserWithKeys(user, keys)
	if err != nil {
		t.Fatalf("UpsertRemoteUserWithKeys failed: %v", err)
	}
	return stored
}

func TestCreateAccountGeneratesKeypair(t *testing.T) {
	database := testDB(t)

	err, user := database.CreateAccount("alice", "")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	if user.PrivateKey == "" || user.PublicKey == "" {
		t.Error("Local accounts must carry both keys")
	}
	if !user.IsLocal() {
		t.Error("Created account must be local")
	}

	err, read := database.ReadLocalUserByUsername("alice")
	if err != nil || read == nil {
		t.Fatalf("ReadLocalUserByUsername failed: %v", err)
	}
	if read.Id != user.Id {
		t.Error("Read back a different account")
	}
	if read.PrivateKey == "" || read.PublicKey == "" {
		t.Error("Keys must survive the round trip")
	}

	// Duplicate usernames are refused
	if err, _ := database.CreateAccount("alice", ""); err == nil {
		t.Error("Expected duplicate username to fail")
	}
}

func TestUpsertRemoteUserKeepsId(t *testing.T) {
	database := testDB(t)

	first := remoteUser(t, database, "bob", "peer")

	// Second upsert of the same URI keeps the id, updates fields
	user := &domain.User{
		Username:    "bob",
		Host:        "peer",
		DisplayName: "Bob!",
		PublicKey:   "PEM2",
		URI:         first.URI,
		InboxURI:    first.InboxURI,
	}
	err, second := database.UpsertRemoteUserWithKeys(user, []domain.PublicKey{
		{KeyId: first.URI + "#main-key", PublicKeyPem: "PEM2"},
	})
	if err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}
	if second.Id != first.Id {
		t.Error("Upsert by URI must keep the existing id")
	}

	err, key := database.ReadPublicKeyByKeyId(first.URI + "#main-key")
	if err != nil || key == nil {
		t.Fatalf("ReadPublicKeyByKeyId failed: %v", err)
	}
	if key.PublicKeyPem != "PEM2" {
		t.Error("Key upsert must replace the PEM")
	}
	if key.OwnerId != first.Id {
		t.Error("Key owner mismatch")
	}
}

func TestUpsertFollowIsIdempotent(t *testing.T) {
	database := testDB(t)

	bob := remoteUser(t, database, "bob", "peer")
	carol := remoteUser(t, database, "carol", "peer")

	if err := database.UpsertFollow(bob.Id, carol.Id); err != nil {
		t.Fatalf("UpsertFollow failed: %v", err)
	}
	if err := database.UpsertFollow(bob.Id, carol.Id); err != nil {
		t.Fatalf("Second UpsertFollow failed: %v", err)
	}

	err, followers := database.ReadFollowersOfUser(carol.Id)
	if err != nil {
		t.Fatalf("ReadFollowersOfUser failed: %v", err)
	}
	if len(*followers) != 1 {
		t.Errorf("Expected 1 follower, got %d", len(*followers))
	}

	if err := database.DeleteFollow(bob.Id, carol.Id); err != nil {
		t.Fatalf("DeleteFollow failed: %v", err)
	}
	// Deleting again is a no-op
	if err := database.DeleteFollow(bob.Id, carol.Id); err != nil {
		t.Fatalf("Second DeleteFollow failed: %v", err)
	}
}

func TestAcceptFollowRequestIsAtomicAndIdempotent(t *testing.T) {
	database := testDB(t)

	bob := remoteUser(t, database, "bob", "peer")
	err, alice := database.CreateAccount("alice", "")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	req := &domain.FollowRequest{
		Id:         uuid.New(),
		URI:        "https://peer/f1",
		FollowerId: bob.Id,
		FolloweeId: alice.Id,
		Incoming:   true,
		CreatedAt:  time.Now(),
	}
	if err := database.UpsertFollowRequest(req); err != nil {
		t.Fatalf("UpsertFollowRequest failed: %v", err)
	}
	// Re-delivered Follow keeps the original row
	if err := database.UpsertFollowRequest(&domain.FollowRequest{
		Id:         uuid.New(),
		URI:        "https://peer/f1",
		FollowerId: bob.Id,
		FolloweeId: alice.Id,
		Incoming:   true,
		CreatedAt:  time.Now(),
	}); err != nil {
		t.Fatalf("Replayed UpsertFollowRequest failed: %v", err)
	}
	err, stored := database.ReadFollowRequestByURI("https://peer/f1")
	if err != nil || stored == nil {
		t.Fatalf("ReadFollowRequestByURI failed: %v", err)
	}
	if stored.Id != req.Id {
		t.Error("Replay must not replace the stored request")
	}

	if err := database.AcceptFollowRequest(stored); err != nil {
		t.Fatalf("AcceptFollowRequest failed: %v", err)
	}

	err, follow := database.ReadFollow(bob.Id, alice.Id)
	if err != nil || follow == nil {
		t.Error("Expected follow after acceptance")
	}
	if err, gone := database.ReadFollowRequestByURI("https://peer/f1"); err == nil && gone != nil {
		t.Error("Expected follow request to be deleted")
	}

	// Accepting again changes nothing
	if err := database.AcceptFollowRequest(stored); err != nil {
		t.Fatalf("Replayed AcceptFollowRequest failed: %v", err)
	}
}

func TestCreatePostIdempotencyByURI(t *testing.T) {
	database := testDB(t)

	bob := remoteUser(t, database, "bob", "peer")

	content := "hi"
	post := &domain.Post{
		Id:        uuid.New(),
		URI:       "https://peer/notes/n1",
		PosterId:  bob.Id,
		Content:   &content,
		Privacy:   domain.PrivacyPublic,
		CreatedAt: time.Now().UTC(),
	}
	if err := database.CreatePost(post, []string{"go"}, nil); err != nil {
		t.Fatalf("CreatePost failed: %v", err)
	}

	// Re-delivery with a fresh local id but the same URI is a no-op
	replay := &domain.Post{
		Id:        uuid.New(),
		URI:       "https://peer/notes/n1",
		PosterId:  bob.Id,
		Content:   &content,
		Privacy:   domain.PrivacyPublic,
		CreatedAt: time.Now().UTC(),
	}
	if err := database.CreatePost(replay, nil, nil); err != nil {
		t.Fatalf("Replayed CreatePost failed: %v", err)
	}

	err, stored := database.ReadPostByURI("https://peer/notes/n1")
	if err != nil || stored == nil {
		t.Fatalf("ReadPostByURI failed: %v", err)
	}
	if stored.Id != post.Id {
		t.Error("Replay must not replace the stored post")
	}

	err, tags := database.ReadPostHashtags(post.Id)
	if err != nil || len(tags) != 1 || tags[0] != "go" {
		t.Errorf("Expected hashtag [go], got %v", tags)
	}
}

func TestCreatePostUniqueRepost(t *testing.T) {
	database := testDB(t)

	bob := remoteUser(t, database, "bob", "peer")
	carol := remoteUser(t, database, "carol", "peer")

	content := "original"
	original := &domain.Post{
		Id:        uuid.New(),
		URI:       "https://peer/notes/n1",
		PosterId:  carol.Id,
		Content:   &content,
		CreatedAt: time.Now().UTC(),
	}
	if err := database.CreatePost(original, nil, nil); err != nil {
		t.Fatalf("CreatePost failed: %v", err)
	}

	repost := &domain.Post{
		Id:         uuid.New(),
		URI:        "https://peer/boosts/b1",
		PosterId:   bob.Id,
		RepostOfId: &original.Id,
		CreatedAt:  time.Now().UTC(),
	}
	if err := database.CreatePost(repost, nil, nil); err != nil {
		t.Fatalf("Repost CreatePost failed: %v", err)
	}

	// A second pure repost of the same target collapses into the first
	duplicate := &domain.Post{
		Id:         uuid.New(),
		URI:        "https://peer/boosts/b2",
		PosterId:   bob.Id,
		RepostOfId: &original.Id,
		CreatedAt:  time.Now().UTC(),
	}
	if err := database.CreatePost(duplicate, nil, nil); err != nil {
		t.Fatalf("Duplicate repost must be a silent no-op, got: %v", err)
	}

	err, stored := database.ReadRepostByUsers(bob.Id, original.Id)
	if err != nil || stored == nil {
		t.Fatalf("ReadRepostByUsers failed: %v", err)
	}
	if stored.Id != repost.Id {
		t.Error("Duplicate must not replace the first repost")
	}
}

func TestSoftDeletePostKeepsFirstTimestamp(t *testing.T) {
	database := testDB(t)

	bob := remoteUser(t, database, "bob", "peer")
	content := "bye"
	post := &domain.Post{
		Id:        uuid.New(),
		URI:       "https://peer/notes/n1",
		PosterId:  bob.Id,
		Content:   &content,
		CreatedAt: time.Now().UTC(),
	}
	if err := database.CreatePost(post, nil, nil); err != nil {
		t.Fatalf("CreatePost failed: %v", err)
	}

	first := time.Date(2024, 2, 26, 9, 0, 0, 0, time.UTC)
	if err := database.SoftDeletePost(post.Id, first); err != nil {
		t.Fatalf("SoftDeletePost failed: %v", err)
	}
	if err := database.SoftDeletePost(post.Id, first.Add(time.Hour)); err != nil {
		t.Fatalf("Replayed SoftDeletePost failed: %v", err)
	}

	err, stored := database.ReadPostById(post.Id)
	if err != nil || stored == nil {
		t.Fatalf("ReadPostById failed: %v", err)
	}
	if stored.DeletedAt == nil {
		t.Fatal("Expected deleted_at to be set")
	}
	if !stored.DeletedAt.Equal(first) {
		t.Errorf("Expected first deletion timestamp to win, got %v", stored.DeletedAt)
	}
}

func TestDeliveryQueueRoundTrip(t *testing.T) {
	database := testDB(t)

	bob := remoteUser(t, database, "bob", "peer")
	now := time.Now().UTC()
	item := &domain.DeliveryQueueItem{
		Id:           uuid.New(),
		InboxURI:     "https://peer/inbox",
		ActivityJSON: `{"type":"Create"}`,
		SignerId:     bob.Id,
		KeyId:        "key-1",
		Attempts:     0,
		NextRetryAt:  now.Add(-time.Minute),
		DeadlineAt:   now.Add(time.Hour),
		CreatedAt:    now,
	}
	if err := database.EnqueueDelivery(item); err != nil {
		t.Fatalf("EnqueueDelivery failed: %v", err)
	}

	err, pending := database.ReadPendingDeliveries(10)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(*pending) != 1 {
		t.Fatalf("Expected 1 due delivery, got %d", len(*pending))
	}
	if (*pending)[0].InboxURI != item.InboxURI {
		t.Error("Wrong item read back")
	}

	// Pushing the retry into the future hides the item
	if err := database.UpdateDeliveryAttempt(item.Id, 1, now.Add(time.Hour)); err != nil {
		t.Fatalf("UpdateDeliveryAttempt failed: %v", err)
	}
	err, pending = database.ReadPendingDeliveries(10)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(*pending) != 0 {
		t.Errorf("Expected no due deliveries, got %d", len(*pending))
	}

	if err := database.DeleteDelivery(item.Id); err != nil {
		t.Fatalf("DeleteDelivery failed: %v", err)
	}
}

func TestInboundActivityDeduplication(t *testing.T) {
	database := testDB(t)

	activity := &domain.InboundActivity{
		Id:           uuid.New(),
		ActivityURI:  "https://peer/f1",
		ActivityType: "Follow",
		ActorURI:     "https://peer/users/bob",
		RawJSON:      "{}",
		CreatedAt:    time.Now().UTC(),
	}
	if err := database.CreateInboundActivity(activity); err != nil {
		t.Fatalf("CreateInboundActivity failed: %v", err)
	}

	replay := &domain.InboundActivity{
		Id:           uuid.New(),
		ActivityURI:  "https://peer/f1",
		ActivityType: "Follow",
		ActorURI:     "https://peer/users/bob",
		RawJSON:      "{}",
		CreatedAt:    time.Now().UTC(),
	}
	err := database.CreateInboundActivity(replay)
	if !IsUniqueConstraintErr(err) {
		t.Errorf("Expected uniqueness violation on replay, got %v", err)
	}
}

func TestUserTokenRoundTrip(t *testing.T) {
	database := testDB(t)

	err, alice := database.CreateAccount("alice", "")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	err, token := database.CreateUserToken(alice.Id)
	if err != nil {
		t.Fatalf("CreateUserToken failed: %v", err)
	}
	if len(token.Token) != 64 {
		t.Errorf("Expected a 64-char token, got %d", len(token.Token))
	}

	err, user := database.ReadUserByToken(token.Token)
	if err != nil || user == nil {
		t.Fatalf("ReadUserByToken failed: %v", err)
	}
	if user.Id != alice.Id {
		t.Error("Token resolved to the wrong user")
	}
}
