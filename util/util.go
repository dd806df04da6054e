package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log"
	"math/big"
	"os"
	"regexp"
	"strings"
)

const version = "0.1.0"

type RsaKeyPair struct {
	Private string
	Public  string
}

func GetVersion() string {
	return version
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s v%s", Name, version)
}

// RandomString returns a random alphanumeric string of the given length,
// suitable for bearer tokens.
func RandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			panic(err)
		}
		b[i] = charset[n.Int64()]
	}
	return string(b)
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", "\t")
	return string(s)
}

// GetConfigDir returns the per-user config directory, creating it if needed.
func GetConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := base + "/" + Name
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// ResolveFilePath resolves a data file path: a file in the working directory
// wins, otherwise the per-user config directory is used.
func ResolveFilePath(name string) string {
	if _, err := os.Stat(name); err == nil {
		return name
	}
	dir, err := GetConfigDir()
	if err != nil {
		log.Printf("Warning: could not resolve config dir: %v", err)
		return name
	}
	return dir + "/" + name
}

// GeneratePemKeypair generates a fresh 4096-bit RSA keypair, PEM-encoded
// as PKCS#8 (private) and PKIX (public).
func GeneratePemKeypair() *RsaKeyPair {
	bitSize := 4096

	key, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		panic(err)
	}

	pub := key.Public()

	pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		panic(err)
	}

	keyPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "PRIVATE KEY",
			Bytes: pkcs8Bytes,
		},
	)

	pkixBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		panic(err)
	}

	pubPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pkixBytes,
		},
	)

	return &RsaKeyPair{Private: string(keyPEM[:]), Public: string(pubPEM[:])}
}

var hashtagRe = regexp.MustCompile(`(?:^|\s)#([\p{L}\p{N}_]+)`)
var mentionRe = regexp.MustCompile(`(?:^|\s)@([a-zA-Z0-9_]+)(?:@([a-zA-Z0-9.\-:]+))?`)

// ParseHashtags extracts the unique hashtag names from a message,
// in first-seen order and without the leading '#'.
func ParseHashtags(message string) []string {
	var tags []string
	seen := make(map[string]bool)
	for _, m := range hashtagRe.FindAllStringSubmatch(message, -1) {
		tag := strings.ToLower(m[1])
		if seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}

// Mention is a parsed @username or @username@domain reference.
type Mention struct {
	Username string
	Domain   string // empty for local mentions
}

// ParseMentions extracts the unique mentions from a message in
// first-seen order.
func ParseMentions(message string) []Mention {
	var mentions []Mention
	seen := make(map[string]bool)
	for _, m := range mentionRe.FindAllStringSubmatch(message, -1) {
		mention := Mention{Username: m[1], Domain: m[2]}
		key := mention.Username + "@" + mention.Domain
		if seen[key] {
			continue
		}
		seen[key] = true
		mentions = append(mentions, mention)
	}
	return mentions
}
