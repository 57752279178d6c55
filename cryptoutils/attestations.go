package cryptoutils

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
)

var (
	DCAPAttestation   = AttestationType{StringID: "qemu-tdx"}
	RemoteAttestation = AttestationType{StringID: "remote"}
	DummyAttestation  = AttestationType{StringID: "dummy"}
)

type AttestationType struct {
	StringID string
}

// AttestationProvider produces raw quotes over 64 bytes of report data.
type AttestationProvider interface {
	AttestationType() AttestationType
	Attest(ctx context.Context, reportData [64]byte) ([]byte, error)
}

// AttestationProviderFromString parses "dcap", "dummy" or "remote:<url>".
func AttestationProviderFromString(str string) (AttestationProvider, error) {
	switch {
	case str == "" || str == DummyAttestation.StringID:
		return &DummyAttestationProvider{}, nil
	case str == "dcap" || str == DCAPAttestation.StringID:
		return &DCAPAttestationProvider{}, nil
	case strings.HasPrefix(str, "remote:"):
		addr := strings.TrimPrefix(str, "remote:")
		if addr == "" {
			return nil, errors.New("remote attestation provider requires an address")
		}
		return &RemoteAttestationProvider{Address: addr}, nil
	default:
		return nil, fmt.Errorf("unsupported attestation provider %q: %w", str, errors.ErrUnsupported)
	}
}

// RemoteAttestationProvider fetches quotes from an HTTP quote service
// exposing GET {Address}/attest/{reportDataHex}.
type RemoteAttestationProvider struct {
	Address string
	Client  *http.Client
}

func (*RemoteAttestationProvider) AttestationType() AttestationType { return RemoteAttestation }

func (p *RemoteAttestationProvider) Attest(ctx context.Context, reportData [64]byte) ([]byte, error) {
	extraDataHex := hex.EncodeToString(reportData[:])

	url := fmt.Sprintf("%s/attest/%s", strings.TrimSuffix(p.Address, "/"), extraDataHex)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building quote request: %w", err)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

// DCAPAttestationProvider reads TDX quotes from the local guest, preferring
// configfs-tsm and falling back to the TDX guest device.
type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (DCAPAttestationProvider) Attest(_ context.Context, reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// DummyAttestationProvider returns a recognizable non-quote. It only exists so
// that development runs exercise the full pipeline.
type DummyAttestationProvider struct{}

func (DummyAttestationProvider) AttestationType() AttestationType {
	return DummyAttestation
}

func (DummyAttestationProvider) Attest(_ context.Context, userData [64]byte) ([]byte, error) {
	return []byte(fmt.Sprintf("dummy attestation for %x", userData)), nil
}

// ReportDataFromBytes left-aligns data into a 64-byte report data block.
func ReportDataFromBytes(data []byte) ([64]byte, error) {
	var reportData [64]byte
	if len(data) > len(reportData) {
		return reportData, fmt.Errorf("report data too long: max %d bytes, got %d", len(reportData), len(data))
	}
	copy(reportData[:], data)
	return reportData, nil
}

// VerifyDCAPAttestation verifies a TDX quote and its report data, returning
// the measurement registers on success.
func VerifyDCAPAttestation(reportData [64]byte, report []byte) (map[int]string, error) {
	protoQuote, err := tdx_abi.QuoteToProto(report)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, err := func() (*tdx_pb.QuoteV4, error) {
		switch q := protoQuote.(type) {
		case *tdx_pb.QuoteV4:
			return q, nil
		default:
			return nil, fmt.Errorf("unsupported quote type: %T", q)
		}
	}()
	if err != nil {
		return nil, err
	}

	options := verify.DefaultOptions()
	err = verify.TdxQuote(protoQuote, options)
	if err != nil {
		return nil, fmt.Errorf("quote verification failed: %w", err)
	}

	if !bytes.Equal(v4Quote.TdQuoteBody.ReportData, reportData[:]) {
		return nil, fmt.Errorf("invalid report data %x, expected %x", v4Quote.TdQuoteBody.ReportData, reportData[:])
	}

	measurements := map[int]string{
		0: hex.EncodeToString(v4Quote.TdQuoteBody.MrTd),
		1: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[0]),
		2: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[1]),
		3: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[2]),
		4: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[3]),
		5: hex.EncodeToString(v4Quote.TdQuoteBody.MrConfigId),
		6: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwner),
		7: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwnerConfig),
	}

	return measurements, nil
}
