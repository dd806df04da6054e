package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/deemkeen/lightpub/domain"
	"github.com/deemkeen/lightpub/util"
)

// DeliveryDeps holds dependencies for the delivery workers (for testing)
type DeliveryDeps struct {
	Database   Database
	HTTPClient HTTPClient
}

const deliveryPollInterval = 10 * time.Second
const deliveryBatchSize = 50

// StartDeliveryWorkers launches the queue drain: a poll loop feeding a
// bounded pool of workers. Jobs are independent; ordering across inboxes is
// not preserved.
func StartDeliveryWorkers(conf *util.AppConfig) {
	deps := &DeliveryDeps{
		Database:   NewDBWrapper(),
		HTTPClient: NewOutboundHTTPClient(conf),
	}

	go func() {
		log.Printf("Delivery: Started %d workers (poll every %s)", conf.Conf.DeliveryWorkers, deliveryPollInterval)
		ticker := time.NewTicker(deliveryPollInterval)
		for range ticker.C {
			runDeliveryBatchWithDeps(conf, deps)
		}
	}()
}

// runDeliveryBatchWithDeps drains one batch of due deliveries through the
// worker pool and waits for the batch to finish, so the next poll never
// re-reads an in-flight job.
func runDeliveryBatchWithDeps(conf *util.AppConfig, deps *DeliveryDeps) {
	err, items := deps.Database.ReadPendingDeliveries(deliveryBatchSize)
	if err != nil {
		log.Printf("Delivery: Failed to read pending deliveries: %v", err)
		return
	}
	if items == nil || len(*items) == 0 {
		return
	}

	sem := make(chan struct{}, conf.Conf.DeliveryWorkers)
	var wg sync.WaitGroup

	for i := range *items {
		item := (*items)[i]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := deliverItemWithDeps(&item, conf, deps); err != nil {
				log.Printf("Delivery: Job %s failed: %v", item.Id, err)
			}
		}()
	}

	wg.Wait()
}

// deliverItemWithDeps attempts one delivery. Transient failures (network
// errors, 5xx, 408, 429) reschedule the job with exponential backoff until
// the attempt cap or the job deadline is hit; other 4xx responses are
// terminal and drop the job.
func deliverItemWithDeps(item *domain.DeliveryQueueItem, conf *util.AppConfig, deps *DeliveryDeps) error {
	now := time.Now().UTC()
	if now.After(item.DeadlineAt) {
		log.Printf("Delivery: Abandoning job %s to %s past its deadline", item.Id, item.InboxURI)
		return deps.Database.DeleteDelivery(item.Id)
	}

	// Parse to validate before putting it on the wire
	var activity map[string]any
	if err := json.Unmarshal([]byte(item.ActivityJSON), &activity); err != nil {
		deps.Database.DeleteDelivery(item.Id)
		return fmt.Errorf("failed to parse activity JSON: %w", err)
	}
	if activity["actor"] == nil {
		deps.Database.DeleteDelivery(item.Id)
		return fmt.Errorf("activity carries no actor")
	}

	err, signer := deps.Database.ReadUserById(item.SignerId)
	if err != nil || signer == nil {
		deps.Database.DeleteDelivery(item.Id)
		return fmt.Errorf("signer %s not found", item.SignerId)
	}

	privateKey, err := ParsePrivateKey(signer.PrivateKey)
	if err != nil {
		deps.Database.DeleteDelivery(item.Id)
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	body := []byte(item.ActivityJSON)
	req, err := http.NewRequest("POST", item.InboxURI, bytes.NewReader(body))
	if err != nil {
		deps.Database.DeleteDelivery(item.Id)
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", ContentTypeActivityJSON)
	req.Header.Set("Accept", ContentTypeActivityJSON)
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	if err := SignRequest(req, privateKey, item.KeyId, body); err != nil {
		deps.Database.DeleteDelivery(item.Id)
		return err
	}

	resp, err := deps.HTTPClient.Do(req)
	if err != nil {
		return rescheduleDelivery(item, conf, deps, fmt.Errorf("%w: %v", ErrRemoteDown, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		log.Printf("Delivery: Delivered to %s (status: %d, attempt %d)", item.InboxURI, resp.StatusCode, item.Attempts+1)
		return deps.Database.DeleteDelivery(item.Id)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return rescheduleDelivery(item, conf, deps, fmt.Errorf("%w: %s returned %d", ErrRemoteDown, item.InboxURI, resp.StatusCode))
	default:
		// 4xx other than 408/429: the peer rejected the activity for good
		log.Printf("Delivery: Dropping job %s, %s returned %d", item.Id, item.InboxURI, resp.StatusCode)
		return deps.Database.DeleteDelivery(item.Id)
	}
}

// rescheduleDelivery applies the exponential backoff schedule:
// base * 2^attempts plus jitter, capped by the attempt limit.
func rescheduleDelivery(item *domain.DeliveryQueueItem, conf *util.AppConfig, deps *DeliveryDeps, cause error) error {
	attempts := item.Attempts + 1
	if attempts >= conf.Conf.DeliveryMaxAttempts {
		log.Printf("Delivery: Giving up on %s after %d attempts: %v", item.InboxURI, attempts, cause)
		return deps.Database.DeleteDelivery(item.Id)
	}

	backoff := conf.DeliveryBackoffBase() * time.Duration(1<<uint(attempts-1))
	jitter := time.Duration(rand.Int63n(int64(conf.DeliveryBackoffBase())))
	nextRetry := time.Now().UTC().Add(backoff + jitter)

	log.Printf("Delivery: Retry %d for %s in %s: %v", attempts, item.InboxURI, backoff+jitter, cause)
	return deps.Database.UpdateDeliveryAttempt(item.Id, attempts, nextRetry)
}
