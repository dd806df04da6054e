package activitypub

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/lightpub/domain"
	"github.com/google/uuid"
)

func queueItem(signer *domain.User, inboxURI string) *domain.DeliveryQueueItem {
	return &domain.DeliveryQueueItem{
		Id:       uuid.New(),
		InboxURI: inboxURI,
		ActivityJSON: `{
			"@context": "https://www.w3.org/ns/activitystreams",
			"id": "http://self/api/activities/123",
			"type": "Create",
			"actor": "http://self/api/users/` + signer.Id.String() + `",
			"object": {"id": "http://self/api/posts/456", "type": "Note", "content": "hello"}
		}`,
		SignerId:    signer.Id,
		KeyId:       "http://self/api/users/" + signer.Id.String() + "#main-key",
		Attempts:    0,
		NextRetryAt: time.Now(),
		DeadlineAt:  time.Now().Add(24 * time.Hour),
		CreatedAt:   time.Now(),
	}
}

func TestDeliverItemSuccess(t *testing.T) {
	mockDB := NewMockDatabase()
	mockHTTP := NewMockHTTPClient()
	conf := testConfig()
	deps := &DeliveryDeps{Database: mockDB, HTTPClient: mockHTTP}

	keypair, _ := GenerateTestKeyPair()
	alice := newLocalUser(mockDB, "alice", keypair)

	mockHTTP.SetResponse("https://remote.example.com/inbox", 202, nil)

	item := queueItem(alice, "https://remote.example.com/inbox")
	mockDB.EnqueueDelivery(item)

	if err := deliverItemWithDeps(item, conf, deps); err != nil {
		t.Fatalf("Expected successful delivery, got: %v", err)
	}

	if len(mockHTTP.Requests) != 1 {
		t.Fatal("Expected one HTTP request")
	}
	req := mockHTTP.Requests[0]
	if req.Method != "POST" {
		t.Errorf("Expected POST, got %s", req.Method)
	}
	if req.Header.Get("Content-Type") != "application/activity+json" {
		t.Errorf("Unexpected content type: %s", req.Header.Get("Content-Type"))
	}
	if req.Header.Get("Signature") == "" {
		t.Error("Expected Signature header to be set")
	}
	if req.Header.Get("Digest") == "" {
		t.Error("Expected Digest header to be set")
	}

	if len(mockDB.DeliveryQueue) != 0 {
		t.Error("Expected job to be removed after delivery")
	}
}

func TestDeliverItemTransientFailureReschedules(t *testing.T) {
	mockDB := NewMockDatabase()
	mockHTTP := NewMockHTTPClient()
	conf := testConfig()
	deps := &DeliveryDeps{Database: mockDB, HTTPClient: mockHTTP}

	keypair, _ := GenerateTestKeyPair()
	alice := newLocalUser(mockDB, "alice", keypair)

	mockHTTP.SetResponse("https://remote.example.com/inbox", 503, nil)

	item := queueItem(alice, "https://remote.example.com/inbox")
	mockDB.EnqueueDelivery(item)

	if err := deliverItemWithDeps(item, conf, deps); err != nil {
		t.Fatalf("Reschedule should not error: %v", err)
	}

	stored, ok := mockDB.DeliveryQueue[item.Id]
	if !ok {
		t.Fatal("Expected job to stay queued after a 503")
	}
	if stored.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", stored.Attempts)
	}
	if !stored.NextRetryAt.After(time.Now().Add(conf.DeliveryBackoffBase() / 2)) {
		t.Errorf("Expected a backed-off retry time, got %v", stored.NextRetryAt)
	}
}

func TestDeliverItemTerminalClientError(t *testing.T) {
	mockDB := NewMockDatabase()
	mockHTTP := NewMockHTTPClient()
	conf := testConfig()
	deps := &DeliveryDeps{Database: mockDB, HTTPClient: mockHTTP}

	keypair, _ := GenerateTestKeyPair()
	alice := newLocalUser(mockDB, "alice", keypair)

	mockHTTP.SetResponse("https://remote.example.com/inbox", 403, nil)

	item := queueItem(alice, "https://remote.example.com/inbox")
	mockDB.EnqueueDelivery(item)

	if err := deliverItemWithDeps(item, conf, deps); err != nil {
		t.Fatalf("Terminal drop should not error: %v", err)
	}
	if len(mockDB.DeliveryQueue) != 0 {
		t.Error("Expected job to be dropped on a 403")
	}
}

func TestDeliverItemRateLimitedIsTransient(t *testing.T) {
	mockDB := NewMockDatabase()
	mockHTTP := NewMockHTTPClient()
	conf := testConfig()
	deps := &DeliveryDeps{Database: mockDB, HTTPClient: mockHTTP}

	keypair, _ := GenerateTestKeyPair()
	alice := newLocalUser(mockDB, "alice", keypair)

	mockHTTP.SetResponse("https://remote.example.com/inbox", 429, nil)

	item := queueItem(alice, "https://remote.example.com/inbox")
	mockDB.EnqueueDelivery(item)

	if err := deliverItemWithDeps(item, conf, deps); err != nil {
		t.Fatalf("Reschedule should not error: %v", err)
	}
	if _, ok := mockDB.DeliveryQueue[item.Id]; !ok {
		t.Error("Expected 429 to be retried, not dropped")
	}
}

func TestDeliverItemGivesUpAfterMaxAttempts(t *testing.T) {
	mockDB := NewMockDatabase()
	mockHTTP := NewMockHTTPClient()
	conf := testConfig()
	deps := &DeliveryDeps{Database: mockDB, HTTPClient: mockHTTP}

	keypair, _ := GenerateTestKeyPair()
	alice := newLocalUser(mockDB, "alice", keypair)

	mockHTTP.SetResponse("https://remote.example.com/inbox", 500, nil)

	item := queueItem(alice, "https://remote.example.com/inbox")
	item.Attempts = conf.Conf.DeliveryMaxAttempts - 1
	mockDB.EnqueueDelivery(item)

	if err := deliverItemWithDeps(item, conf, deps); err != nil {
		t.Fatalf("Final drop should not error: %v", err)
	}
	if len(mockDB.DeliveryQueue) != 0 {
		t.Error("Expected job to be dropped after the attempt cap")
	}
}

func TestDeliverItemAbandonedPastDeadline(t *testing.T) {
	mockDB := NewMockDatabase()
	mockHTTP := NewMockHTTPClient()
	conf := testConfig()
	deps := &DeliveryDeps{Database: mockDB, HTTPClient: mockHTTP}

	keypair, _ := GenerateTestKeyPair()
	alice := newLocalUser(mockDB, "alice", keypair)

	item := queueItem(alice, "https://remote.example.com/inbox")
	item.DeadlineAt = time.Now().Add(-time.Minute)
	mockDB.EnqueueDelivery(item)

	if err := deliverItemWithDeps(item, conf, deps); err != nil {
		t.Fatalf("Abandon should not error: %v", err)
	}
	if len(mockHTTP.Requests) != 0 {
		t.Error("An expired job must not be sent")
	}
	if len(mockDB.DeliveryQueue) != 0 {
		t.Error("Expected expired job to be removed")
	}
}

func TestDeliverItemInvalidJSON(t *testing.T) {
	mockDB := NewMockDatabase()
	mockHTTP := NewMockHTTPClient()
	conf := testConfig()
	deps := &DeliveryDeps{Database: mockDB, HTTPClient: mockHTTP}

	keypair, _ := GenerateTestKeyPair()
	alice := newLocalUser(mockDB, "alice", keypair)

	item := queueItem(alice, "https://remote.example.com/inbox")
	item.ActivityJSON = "invalid json"
	mockDB.EnqueueDelivery(item)

	err := deliverItemWithDeps(item, conf, deps)
	if err == nil || !strings.Contains(err.Error(), "failed to parse activity JSON") {
		t.Errorf("Expected JSON parse error, got: %v", err)
	}
	if len(mockDB.DeliveryQueue) != 0 {
		t.Error("Unparseable jobs are dropped, not retried")
	}
}

func TestDeliverItemNetworkErrorReschedules(t *testing.T) {
	mockDB := NewMockDatabase()
	mockHTTP := NewMockHTTPClient()
	conf := testConfig()
	deps := &DeliveryDeps{Database: mockDB, HTTPClient: mockHTTP}

	keypair, _ := GenerateTestKeyPair()
	alice := newLocalUser(mockDB, "alice", keypair)

	mockHTTP.Err = errors.New("connection refused")

	item := queueItem(alice, "https://remote.example.com/inbox")
	mockDB.EnqueueDelivery(item)

	_ = deliverItemWithDeps(item, conf, deps)
	if _, ok := mockDB.DeliveryQueue[item.Id]; !ok {
		t.Error("Expected network failure to be retried")
	}
}
