package tee

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/tee-attested-wallet/interfaces"
)

// DefaultDstackEndpoint is the guest agent socket inside a dstack CVM.
const DefaultDstackEndpoint = "unix:///var/run/tappd.sock"

// DstackClient talks to the dstack guest agent (tappd) over its JSON RPC
// interface. It holds no session state and is safe for concurrent use.
type DstackClient struct {
	baseURL string
	client  *http.Client
}

// NewDstackClient creates a client for endpoint, which is either
// "unix:///path/to/socket" or an http(s) URL.
func NewDstackClient(endpoint string, timeout time.Duration) (*DstackClient, error) {
	if endpoint == "" {
		endpoint = DefaultDstackEndpoint
	}

	if socketPath, ok := strings.CutPrefix(endpoint, "unix://"); ok {
		if socketPath == "" {
			return nil, errors.New("empty dstack socket path")
		}
		transport := &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		}
		return &DstackClient{
			baseURL: "http://localhost",
			client:  &http.Client{Transport: transport, Timeout: timeout},
		}, nil
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("unsupported dstack endpoint %q", endpoint)
	}
	return &DstackClient{
		baseURL: strings.TrimSuffix(endpoint, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type deriveKeyRequest struct {
	Path    string `json:"path"`
	Subject string `json:"subject"`
}

type deriveKeyResponse struct {
	Key              string   `json:"key"`
	CertificateChain []string `json:"certificate_chain"`
}

type tdxQuoteRequest struct {
	ReportData    string `json:"report_data"`
	HashAlgorithm string `json:"hash_algorithm"`
}

type tdxQuoteResponse struct {
	Quote    string `json:"quote"`
	EventLog string `json:"event_log"`
}

type infoResponse struct {
	AppID      string `json:"app_id"`
	InstanceID string `json:"instance_id"`
	AppName    string `json:"app_name"`
	TCBInfo    string `json:"tcb_info"`
}

// GetKey derives key material for path. The agent returns a PEM encoded key;
// the DER bytes are returned as the key material.
func (c *DstackClient) GetKey(ctx context.Context, path, subject string) (*interfaces.DerivedKeyResponse, error) {
	var resp deriveKeyResponse
	if err := c.call(ctx, "Tappd.DeriveKey", deriveKeyRequest{Path: path, Subject: subject}, &resp); err != nil {
		return nil, err
	}

	key, err := decodeKeyMaterial(resp.Key)
	if err != nil {
		return nil, fmt.Errorf("decoding derived key: %w", err)
	}

	chain := make([][]byte, 0, len(resp.CertificateChain))
	for _, cert := range resp.CertificateChain {
		chain = append(chain, []byte(cert))
	}

	return &interfaces.DerivedKeyResponse{Key: key, SignatureChain: chain}, nil
}

// GetQuote requests a TDX quote over reportData, which is passed through raw.
func (c *DstackClient) GetQuote(ctx context.Context, reportData []byte) (*interfaces.QuoteResponse, error) {
	if len(reportData) > interfaces.MaxReportDataSize {
		return nil, fmt.Errorf("report data too long: max %d bytes, got %d", interfaces.MaxReportDataSize, len(reportData))
	}

	var resp tdxQuoteResponse
	req := tdxQuoteRequest{ReportData: hex.EncodeToString(reportData), HashAlgorithm: "raw"}
	if err := c.call(ctx, "Tappd.TdxQuote", req, &resp); err != nil {
		return nil, err
	}

	quote, err := hex.DecodeString(strings.TrimPrefix(resp.Quote, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decoding quote: %w", err)
	}
	if len(quote) == 0 {
		return nil, errors.New("empty quote")
	}

	return &interfaces.QuoteResponse{Quote: quote, EventLog: []byte(resp.EventLog)}, nil
}

func (c *DstackClient) Info(ctx context.Context) (*interfaces.TEEInfo, error) {
	var resp infoResponse
	if err := c.call(ctx, "Tappd.Info", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &interfaces.TEEInfo{
		Backend:    "dstack",
		AppID:      resp.AppID,
		AppName:    resp.AppName,
		InstanceID: resp.InstanceID,
		TCBInfo:    resp.TCBInfo,
		Attestable: true,
	}, nil
}

// call performs a single RPC. Any transport or agent failure is reported as
// ErrTeeUnavailable.
func (c *DstackClient) call(ctx context.Context, method string, req any, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/prpc/%s?json", c.baseURL, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", interfaces.ErrTeeUnavailable, method, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: reading response: %w", interfaces.ErrTeeUnavailable, method, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d: %s", interfaces.ErrTeeUnavailable, method, httpResp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, resp); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	return nil
}

func decodeKeyMaterial(key string) ([]byte, error) {
	if block, _ := pem.Decode([]byte(key)); block != nil {
		return block.Bytes, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(key, "0x"))
	if err != nil {
		return nil, errors.New("key is neither PEM nor hex")
	}
	if len(raw) == 0 {
		return nil, errors.New("empty key")
	}
	return raw, nil
}
