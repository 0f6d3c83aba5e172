package client

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/docker/go/canonical/json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/scala-steward/ota-tuf/tuf/data"
	"github.com/scala-steward/ota-tuf/utils"
)

const maxRetries = 5

// HTTPClient talks to a remote key server. Transient transport failures and
// 5xx responses are retried with exponential backoff; API errors are decoded
// into utils.Error so callers and handlers can pass them through.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient returns a KeyClient for the key server at baseURL
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *HTTPClient) do(method, path string, body []byte) ([]byte, error) {
	var respBody []byte

	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequest(method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			logrus.Debugf("key server request failed, will retry: %v", err)
			return errors.Wrap(err, "key server unreachable")
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "reading key server response")
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			logrus.Debugf("key server returned %d, will retry", resp.StatusCode)
			return fmt.Errorf("key server returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			apiErr := utils.Error{}
			if err := json.Unmarshal(raw, &apiErr); err != nil || apiErr.Code == "" {
				return backoff.Permanent(fmt.Errorf("key server returned %d: %s", resp.StatusCode, raw))
			}
			apiErr.Status = resp.StatusCode
			return backoff.Permanent(apiErr)
		}

		respBody = raw
		return nil
	}

	err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries))
	if permanent, ok := err.(*backoff.PermanentError); ok {
		return nil, permanent.Err
	}
	return respBody, err
}

// CreateRoot requests key generation and a root role for a new repo
func (c *HTTPClient) CreateRoot(repo data.RepoID, keyType data.KeyType, threshold int, forceSync bool) ([]string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"threshold": threshold,
		"keyType":   keyType,
		"forceSync": forceSync,
	})
	if err != nil {
		return nil, err
	}
	raw, err := c.do(http.MethodPost, "/root/"+url.PathEscape(repo.String()), body)
	if err != nil {
		return nil, err
	}
	var requestIDs []string
	if err := json.Unmarshal(raw, &requestIDs); err != nil {
		return nil, err
	}
	return requestIDs, nil
}

// FetchRoot returns the current root role
func (c *HTTPClient) FetchRoot(repo data.RepoID, expireNotBefore *time.Time) (*data.SignedRoot, []byte, error) {
	path := "/root/" + url.PathEscape(repo.String())
	if expireNotBefore != nil {
		path += "?expire-not-before=" + url.QueryEscape(expireNotBefore.Format(time.RFC3339))
	}
	raw, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return nil, nil, err
	}
	root, err := parseRoot(raw)
	if err != nil {
		return nil, nil, err
	}
	return root, raw, nil
}

// FetchRootVersion returns the raw signed payload of a historical root
func (c *HTTPClient) FetchRootVersion(repo data.RepoID, version int) ([]byte, error) {
	return c.do(http.MethodGet, fmt.Sprintf("/root/%s/%d", url.PathEscape(repo.String()), version), nil)
}

// SignPayload signs a JSON document with every online key of the role
func (c *HTTPClient) SignPayload(repo data.RepoID, role data.RoleName, payload json.RawMessage) (*data.Signed, error) {
	raw, err := c.do(http.MethodPost,
		fmt.Sprintf("/root/%s/%s", url.PathEscape(repo.String()), role.String()), payload)
	if err != nil {
		return nil, err
	}
	s := &data.Signed{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}
