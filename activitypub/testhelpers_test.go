package activitypub

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/deemkeen/lightpub/domain"
	"github.com/deemkeen/lightpub/util"
	"github.com/google/uuid"
)

// TestKeyPair carries an RSA keypair in both parsed and PEM form.
type TestKeyPair struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	PrivatePEM string
	PublicPEM  string
}

// GenerateTestKeyPair generates a small RSA keypair for tests. 2048 bits
// keeps the suite fast; production accounts use 4096.
func GenerateTestKeyPair() (*TestKeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8Bytes})

	pkixBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkixBytes})

	return &TestKeyPair{
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
		PrivatePEM: string(privatePEM),
		PublicPEM:  string(publicPEM),
	}, nil
}

// testConfig returns a config minting URIs under http://self
func testConfig() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.Hostname = "self"
	conf.Conf.HttpScheme = "http"
	conf.Conf.OutboundTimeoutSeconds = 3
	conf.Conf.RemoteActorTTLHours = 24
	conf.Conf.DeliveryMaxAttempts = 12
	conf.Conf.DeliveryBackoffSeconds = 30
	conf.Conf.DeliveryWorkers = 2
	return conf
}

// newLocalUser creates a local account with a fresh keypair and registers
// it in the mock database.
func newLocalUser(db *MockDatabase, username string, keypair *TestKeyPair) *domain.User {
	user := &domain.User{
		Id:         uuid.New(),
		Username:   username,
		Host:       "",
		PrivateKey: keypair.PrivatePEM,
		PublicKey:  keypair.PublicPEM,
		CreatedAt:  time.Now(),
	}
	db.AddUser(user)
	return user
}

// newRemoteUser creates a remote actor with a registered public key.
func newRemoteUser(db *MockDatabase, username, host string, keypair *TestKeyPair) *domain.User {
	uri := fmt.Sprintf("https://%s/users/%s", host, username)
	user := &domain.User{
		Id:        uuid.New(),
		Username:  username,
		Host:      host,
		PublicKey: keypair.PublicPEM,
		URI:       uri,
		InboxURI:  uri + "/inbox",
		CreatedAt: time.Now(),
	}
	db.AddUser(user)
	db.RemoteInfo[user.Id] = &domain.RemoteUserInfo{UserId: user.Id, LastFetchedAt: time.Now()}
	db.AddPublicKey(&domain.PublicKey{
		Id:           uuid.New(),
		KeyId:        uri + "#main-key",
		OwnerId:      user.Id,
		PublicKeyPem: keypair.PublicPEM,
		LastFetchedAt: time.Now(),
	})
	return user
}

// mockResponse is a canned HTTP response for MockHTTPClient
type mockResponse struct {
	status int
	body   []byte
}

// MockHTTPClient records requests and answers from a canned response table.
type MockHTTPClient struct {
	mu        sync.Mutex
	responses map[string]mockResponse
	Requests  []*http.Request
	Bodies    [][]byte
	Err       error
}

func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{
		responses: make(map[string]mockResponse),
	}
}

// SetResponse registers the response returned for a URL
func (c *MockHTTPClient) SetResponse(url string, status int, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[url] = mockResponse{status: status, body: body}
}

func (c *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	c.Requests = append(c.Requests, req)
	c.Bodies = append(c.Bodies, body)

	if c.Err != nil {
		return nil, c.Err
	}

	resp, ok := c.responses[req.URL.String()]
	if !ok {
		return &http.Response{
			StatusCode: 404,
			Body:       io.NopCloser(bytes.NewReader(nil)),
		}, nil
	}
	return &http.Response{
		StatusCode: resp.status,
		Body:       io.NopCloser(bytes.NewReader(resp.body)),
	}, nil
}

// makeSignedRequest builds an inbox POST signed with the given key, the way
// a peer server would.
func makeSignedRequest(body []byte, inboxURL string, keypair *TestKeyPair, keyId string) (*http.Request, error) {
	req, err := http.NewRequest("POST", inboxURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentTypeActivityJSON)
	if err := SignRequest(req, keypair.PrivateKey, keyId, body); err != nil {
		return nil, err
	}
	// server-side requests carry the host on the request itself
	req.Host = req.URL.Host
	return req, nil
}
