package cosmos

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// masterKeyPolicy signs every attempt with the account master key. It runs
// per retry so each attempt carries a fresh x-ms-date.
type masterKeyPolicy struct {
	key []byte
	now func() time.Time
}

func newMasterKeyPolicy(masterKey string) (*masterKeyPolicy, error) {
	key, err := base64.StdEncoding.DecodeString(masterKey)
	if err != nil {
		return nil, fmt.Errorf("cosmos master key is not base64: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("cosmos master key is empty")
	}
	return &masterKeyPolicy{key: key, now: time.Now}, nil
}

func (p *masterKeyPolicy) Do(req *policy.Request) (*http.Response, error) {
	raw := req.Raw()
	date := p.now().UTC().Format(http.TimeFormat)
	resourceType, resourceLink := resourceOf(raw.URL.Path)
	raw.Header.Set("x-ms-date", date)
	raw.Header.Set("Authorization", p.token(raw.Method, resourceType, resourceLink, date))
	return req.Next()
}

// token builds the master-key authorization header value.
func (p *masterKeyPolicy) token(verb, resourceType, resourceLink, date string) string {
	payload := strings.ToLower(verb) + "\n" +
		strings.ToLower(resourceType) + "\n" +
		resourceLink + "\n" +
		strings.ToLower(date) + "\n" +
		"\n"
	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(payload))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return url.QueryEscape("type=master&ver=1.0&sig=" + sig)
}

// resourceOf derives the signed resource type and link from a request path.
// A path ending in a feed (dbs, dbs/a/colls) names its parent; a path ending
// in an id names itself.
func resourceOf(path string) (resourceType, resourceLink string) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", ""
	}
	parts := strings.Split(path, "/")
	if len(parts)%2 == 1 {
		return parts[len(parts)-1], strings.Join(parts[:len(parts)-1], "/")
	}
	return parts[len(parts)-2], path
}
