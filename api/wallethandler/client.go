package wallethandler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ruteri/tee-attested-wallet/interfaces"
	"github.com/ruteri/tee-attested-wallet/wallet"
)

// ErrUnexpectedStatus is wrapped by client errors for non-success responses.
var ErrUnexpectedStatus = errors.New("unexpected status")

// Client talks to a wallet server.
type Client struct {
	BaseURL string
	Client  *http.Client
}

// NewClient creates a client for the wallet server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Client: http.DefaultClient}
}

func (c *Client) Signup(userID, email string) (*wallet.SignupResult, error) {
	var res wallet.SignupResult
	err := c.do(http.MethodPost, "/api/wallet/signup", SignupRequest{UserID: userID, Email: email}, http.StatusCreated, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Sign(userID, message string) (*wallet.SignResult, error) {
	var res wallet.SignResult
	err := c.do(http.MethodPost, "/api/wallet/sign", SignRequest{UserID: userID, Message: message}, http.StatusOK, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Verify(req VerifyRequest) (*wallet.VerifyResult, error) {
	var res wallet.VerifyResult
	if err := c.do(http.MethodPost, "/api/wallet/verify", req, http.StatusOK, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Identity(userID string) (*interfaces.Identity, error) {
	var res interfaces.Identity
	if err := c.do(http.MethodGet, "/api/wallet/identity/"+url.PathEscape(userID), nil, http.StatusOK, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) KeyInfo(userID string) (*wallet.KeyInfoResult, error) {
	var res wallet.KeyInfoResult
	if err := c.do(http.MethodGet, "/api/wallet/keys/"+url.PathEscape(userID), nil, http.StatusOK, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AuditTrail fetches a user's audit records matching filter.
func (c *Client) AuditTrail(userID string, filter interfaces.AuditFilter) (*AuditTrailResponse, error) {
	q := url.Values{}
	if filter.Operation != "" {
		q.Set("operation", string(filter.Operation))
	}
	if !filter.From.IsZero() {
		q.Set("from", filter.From.Format(time.RFC3339))
	}
	if !filter.To.IsZero() {
		q.Set("to", filter.To.Format(time.RFC3339))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}

	path := "/api/wallet/audit/" + url.PathEscape(userID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var res AuditTrailResponse
	if err := c.do(http.MethodGet, path, nil, http.StatusOK, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AuditStats fetches aggregate statistics, for all users when userID is empty.
func (c *Client) AuditStats(userID string) (*interfaces.AuditStats, error) {
	path := "/api/wallet/audit-stats"
	if userID != "" {
		path += "?user_id=" + url.QueryEscape(userID)
	}
	var res interfaces.AuditStats
	if err := c.do(http.MethodGet, path, nil, http.StatusOK, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) TEEInfo() (*interfaces.TEEInfo, error) {
	var res interfaces.TEEInfo
	if err := c.do(http.MethodGet, "/api/public/tee/info", nil, http.StatusOK, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Artifact downloads an archived quote or event log by content checksum and
// checks the downloaded bytes against it.
func (c *Client) Artifact(checksum string, contentType interfaces.ContentType) ([]byte, error) {
	id, err := interfaces.NewContentIDFromHex(checksum)
	if err != nil {
		return nil, fmt.Errorf("invalid checksum: %w", err)
	}

	path := "/api/public/attestations/" + id.String() + "?type=" + contentType.String()
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	body, err := c.roundTrip(req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	if got := interfaces.ComputeID(body); !got.Equal(id) {
		return nil, fmt.Errorf("artifact checksum mismatch: got %s", got)
	}
	return body, nil
}

func (c *Client) do(method, path string, in any, expected int, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	respBody, err := c.roundTrip(req, expected)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse wallet response: %w", err)
	}
	return nil
}

func (c *Client) roundTrip(req *http.Request, expected int) ([]byte, error) {
	if c.Client == nil {
		c.Client = http.DefaultClient
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not request wallet: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read wallet response: %w", err)
	}

	if resp.StatusCode != expected {
		return nil, fmt.Errorf("%w: wallet returned %d: %s", ErrUnexpectedStatus, resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}
