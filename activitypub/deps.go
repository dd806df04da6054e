package activitypub

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/deemkeen/lightpub/domain"
	"github.com/deemkeen/lightpub/util"
	"github.com/google/uuid"
)

// Database defines the persistence operations required by the federation
// engine. The interface allows dependency injection and testing with mock
// implementations; the production implementation is the db package.
type Database interface {
	// User operations
	ReadUserById(id uuid.UUID) (error, *domain.User)
	ReadUserByURI(uri string) (error, *domain.User)
	ReadLocalUserByUsername(username string) (error, *domain.User)
	ReadUserByHandle(username string, host string) (error, *domain.User)
	UpsertRemoteUserWithKeys(user *domain.User, keys []domain.PublicKey) (error, *domain.User)
	ReadRemoteUserInfo(userId uuid.UUID) (error, *domain.RemoteUserInfo)
	ReadPublicKeyByKeyId(keyId string) (error, *domain.PublicKey)

	// Follow operations
	UpsertFollow(followerId, followeeId uuid.UUID) error
	ReadFollow(followerId, followeeId uuid.UUID) (error, *domain.Follow)
	DeleteFollow(followerId, followeeId uuid.UUID) error
	ReadFollowersOfUser(userId uuid.UUID) (error, *[]domain.User)

	// Follow request operations
	UpsertFollowRequest(req *domain.FollowRequest) error
	ReadFollowRequestByURI(uri string) (error, *domain.FollowRequest)
	ReadFollowRequestByUsers(followerId, followeeId uuid.UUID) (error, *domain.FollowRequest)
	DeleteFollowRequest(id uuid.UUID) error
	AcceptFollowRequest(req *domain.FollowRequest) error

	// Post operations
	CreatePost(post *domain.Post, hashtags []string, mentionUserIds []uuid.UUID) error
	ReadPostById(id uuid.UUID) (error, *domain.Post)
	ReadPostByURI(uri string) (error, *domain.Post)
	ReadRepostByUsers(posterId, repostOfId uuid.UUID) (error, *domain.Post)
	SoftDeletePost(id uuid.UUID, deletedAt time.Time) error
	ReadPostHashtags(postId uuid.UUID) (error, []string)
	ReadMentionedUsers(postId uuid.UUID) (error, *[]domain.User)

	// Inbound activity log
	CreateInboundActivity(activity *domain.InboundActivity) error

	// Delivery queue operations
	EnqueueDelivery(item *domain.DeliveryQueueItem) error
	ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem)
	UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error
	DeleteDelivery(id uuid.UUID) error
}

// HTTPClient defines the HTTP client operations required by the federation
// engine. This interface allows dependency injection and testing with mock
// implementations.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultHTTPClient is the default HTTP client used in production.
// The underlying client and its connection pool are safe for concurrent
// use by the delivery, resolver and inbox pools.
type DefaultHTTPClient struct {
	client *http.Client
}

// NewDefaultHTTPClient creates a new default HTTP client with the specified timeout
func NewDefaultHTTPClient(timeout time.Duration) *DefaultHTTPClient {
	return &DefaultHTTPClient{
		client: &http.Client{Timeout: timeout},
	}
}

// Do executes the HTTP request
func (c *DefaultHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// NewOutboundHTTPClient builds the client used for federation traffic.
// TLS verification is disabled only when the node itself runs on plain
// http, i.e. in debug setups against peers with self-signed certs.
func NewOutboundHTTPClient(conf *util.AppConfig) *DefaultHTTPClient {
	client := &http.Client{Timeout: conf.OutboundTimeout()}
	if conf.Conf.HttpScheme == "http" {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &DefaultHTTPClient{client: client}
}
