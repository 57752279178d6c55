// Package wallet implements the attested wallet operations on top of the TEE
// key derivation, attestation, verification upload and audit pipeline.
//
// Every operation follows the same sequence of states:
//
//	Requested -> KeyDerived -> (Signed | VerificationOnly) -> [Attested -> [Uploaded]] -> Audited -> Completed
//
// Attestation and upload are best effort. An operation succeeds as long as
// the key derivation and the cryptographic step succeed.
package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/tee-attested-wallet/attestation"
	"github.com/ruteri/tee-attested-wallet/audit"
	"github.com/ruteri/tee-attested-wallet/cryptoutils"
	"github.com/ruteri/tee-attested-wallet/interfaces"
	"github.com/ruteri/tee-attested-wallet/kms"
	"github.com/ruteri/tee-attested-wallet/metrics"
)

// Uploader submits quotes to external verification services. It never fails;
// the receipt carries the outcome.
type Uploader interface {
	Upload(ctx context.Context, quote, eventLog []byte, metadata map[string]string) *interfaces.VerificationReceipt
}

type Config struct {
	TEE       interfaces.TEE
	Namespace string
	Store     interfaces.Store
	Uploader  Uploader

	// Archive is optional. When set, quotes and event logs are archived by
	// checksum after every attested operation.
	Archive interfaces.StorageBackend

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

type Wallet struct {
	tee        interfaces.TEE
	deriver    *kms.Deriver
	quoter     *attestation.Quoter
	uploader   Uploader
	recorder   *audit.Recorder
	identities interfaces.IdentityStore
	archive    interfaces.StorageBackend
	log        *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func New(cfg Config) (*Wallet, error) {
	if cfg.TEE == nil {
		return nil, errors.New("tee is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Uploader == nil {
		return nil, errors.New("uploader is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	deriver, err := kms.NewDeriver(cfg.TEE, cfg.Namespace)
	if err != nil {
		return nil, err
	}

	return &Wallet{
		tee:        cfg.TEE,
		deriver:    deriver,
		quoter:     attestation.NewQuoter(cfg.TEE, log, cfg.Metrics),
		uploader:   cfg.Uploader,
		recorder:   audit.NewRecorder(cfg.Store, log, cfg.Metrics),
		identities: cfg.Store,
		archive:    cfg.Archive,
		log:        log,
		metrics:    cfg.Metrics,
		now:        time.Now,
	}, nil
}

// Attestation carries the attestation artifacts of an operation. Quote is nil
// when the operation could not be attested, in which case UnattestedReason
// says why.
type Attestation struct {
	Quote            *interfaces.AttestationQuote    `json:"attestation,omitempty"`
	Receipt          *interfaces.VerificationReceipt `json:"verification,omitempty"`
	UnattestedReason string                          `json:"unattested_reason,omitempty"`
}

// Attested reports whether a quote was produced.
func (a Attestation) Attested() bool {
	return a.Quote != nil
}

type SignupResult struct {
	Identity *interfaces.Identity `json:"identity"`
	Attestation
	AuditRecordID string `json:"audit_record_id,omitempty"`
}

type SignResult struct {
	UserID    string `json:"user_id"`
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Attestation
	AuditRecordID string `json:"audit_record_id,omitempty"`
}

// VerifyRequest names the expected signer either by Address or by UserID.
// When both are set Address is authoritative and UserID only labels the
// audit record.
type VerifyRequest struct {
	Message   string
	Signature string
	Address   string
	UserID    string
}

type VerifyResult struct {
	Valid           bool   `json:"valid"`
	ExpectedAddress string `json:"expected_address"`
	// RecoveredAddress is set only when the signature recovers to another address.
	RecoveredAddress string `json:"recovered_address,omitempty"`
	AuditRecordID    string `json:"audit_record_id,omitempty"`
}

type KeyInfoResult struct {
	Identity       *interfaces.Identity `json:"identity"`
	DerivationPath string               `json:"derivation_path"`
	AuditRecordID  string               `json:"audit_record_id,omitempty"`
}

// Signup creates the identity for userID. Email is optional but unique.
func (w *Wallet) Signup(ctx context.Context, userID, email string) (res *SignupResult, err error) {
	op := newOperation(interfaces.OperationSignup, w.log.With("userID", userID))
	defer w.finish(op, &err)

	if err := interfaces.ValidateUserID(userID); err != nil {
		return nil, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if err := interfaces.ValidateEmail(email); err != nil {
		return nil, err
	}

	if err := w.ensureAvailable(ctx, userID, email); err != nil {
		return nil, err
	}

	key, err := w.deriver.Derive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := op.advance(StateKeyDerived); err != nil {
		return nil, err
	}
	if err := op.advance(StateVerificationOnly); err != nil {
		return nil, err
	}

	att, err := w.attest(ctx, op, attestation.ReportData(interfaces.OperationSignup, userID, key.PublicKeyHex), map[string]string{
		"operation": string(interfaces.OperationSignup),
		"address":   key.AddressHex(),
	})
	if err != nil {
		return nil, err
	}

	identity := &interfaces.Identity{
		UserID:       userID,
		Email:        email,
		Address:      key.AddressHex(),
		PublicKeyHex: key.PublicKeyHex,
		CreatedAt:    w.now().UTC(),
	}
	if err := w.identities.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, interfaces.ErrAlreadyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", interfaces.ErrPersistence, err)
	}

	record := w.recorder.Record(context.WithoutCancel(ctx), audit.Entry{
		UserID:          userID,
		Operation:       interfaces.OperationSignup,
		Address:         identity.Address,
		PublicKey:       identity.PublicKeyHex,
		Quote:           att.Quote,
		Receipt:         att.Receipt,
		ApplicationData: map[string]any{"email_registered": email != ""},
	})
	if err := w.complete(op); err != nil {
		return nil, err
	}

	return &SignupResult{Identity: identity, Attestation: att, AuditRecordID: recordID(record)}, nil
}

// Sign produces an EIP-191 personal signature of message with userID's key.
func (w *Wallet) Sign(ctx context.Context, userID, message string) (res *SignResult, err error) {
	op := newOperation(interfaces.OperationSign, w.log.With("userID", userID))
	defer w.finish(op, &err)

	if err := interfaces.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if err := interfaces.ValidateMessage(message); err != nil {
		return nil, err
	}

	_, key, err := w.deriveExisting(ctx, op, userID)
	if err != nil {
		return nil, err
	}

	sig, err := key.Sign([]byte(message))
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	signature := hexutil.Encode(sig)
	if err := op.advance(StateSigned); err != nil {
		return nil, err
	}

	att, err := w.attest(ctx, op, attestation.ReportData(interfaces.OperationSign, userID, key.AddressHex(), message, signature), map[string]string{
		"operation": string(interfaces.OperationSign),
		"address":   key.AddressHex(),
	})
	if err != nil {
		return nil, err
	}

	record := w.recorder.Record(context.WithoutCancel(ctx), audit.Entry{
		UserID:          userID,
		Operation:       interfaces.OperationSign,
		Address:         key.AddressHex(),
		PublicKey:       key.PublicKeyHex,
		Message:         message,
		Signature:       signature,
		Quote:           att.Quote,
		Receipt:         att.Receipt,
		ApplicationData: map[string]any{"message_length": len(message)},
	})
	if err := w.complete(op); err != nil {
		return nil, err
	}

	return &SignResult{
		UserID:        userID,
		Address:       key.AddressHex(),
		Message:       message,
		Signature:     signature,
		Attestation:   att,
		AuditRecordID: recordID(record),
	}, nil
}

// Verify checks that signature over message recovers to the expected address.
// A mismatch is a valid outcome, not an error.
func (w *Wallet) Verify(ctx context.Context, req VerifyRequest) (res *VerifyResult, err error) {
	op := newOperation(interfaces.OperationVerify, w.log.With("userID", req.UserID))
	defer w.finish(op, &err)

	if err := interfaces.ValidateMessage(req.Message); err != nil {
		return nil, err
	}
	sig, err := cryptoutils.DecodeHex(req.Signature)
	if err != nil {
		return nil, interfaces.NewValidationError("signature", "must be hex encoded")
	}
	if len(sig) != cryptoutils.SignatureLength {
		return nil, interfaces.NewValidationError("signature", fmt.Sprintf("must be %d bytes, got %d", cryptoutils.SignatureLength, len(sig)))
	}

	expected, err := w.expectedAddress(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := op.advance(StateKeyDerived); err != nil {
		return nil, err
	}

	result := &VerifyResult{ExpectedAddress: expected.Hex()}
	recovered, err := cryptoutils.RecoverPersonalSigner([]byte(req.Message), sig)
	switch {
	case err == nil:
		result.Valid = recovered == expected
		if !result.Valid {
			result.RecoveredAddress = recovered.Hex()
		}
	case errors.Is(err, cryptoutils.ErrUnrecoverableSignature):
		op.log.Debug("Signature does not recover to a key", "err", err)
	default:
		return nil, interfaces.NewValidationError("signature", err.Error())
	}
	if err := op.advance(StateVerificationOnly); err != nil {
		return nil, err
	}

	record := w.recorder.Record(context.WithoutCancel(ctx), audit.Entry{
		UserID:          req.UserID,
		Operation:       interfaces.OperationVerify,
		Address:         expected.Hex(),
		Message:         req.Message,
		Signature:       req.Signature,
		ApplicationData: map[string]any{"valid": result.Valid},
	})
	result.AuditRecordID = recordID(record)
	if err := w.complete(op); err != nil {
		return nil, err
	}

	return result, nil
}

// KeyInfo re-derives userID's key and returns its public identity. Every
// call is audited as a key access.
func (w *Wallet) KeyInfo(ctx context.Context, userID string) (res *KeyInfoResult, err error) {
	op := newOperation(interfaces.OperationKeyAccess, w.log.With("userID", userID))
	defer w.finish(op, &err)

	if err := interfaces.ValidateUserID(userID); err != nil {
		return nil, err
	}

	identity, key, err := w.deriveExisting(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	if err := op.advance(StateVerificationOnly); err != nil {
		return nil, err
	}

	record := w.recorder.Record(context.WithoutCancel(ctx), audit.Entry{
		UserID:    userID,
		Operation: interfaces.OperationKeyAccess,
		Address:   key.AddressHex(),
		PublicKey: key.PublicKeyHex,
	})
	if err := w.complete(op); err != nil {
		return nil, err
	}

	return &KeyInfoResult{Identity: identity, DerivationPath: key.Path, AuditRecordID: recordID(record)}, nil
}

// Identity returns the stored identity without touching the TEE.
func (w *Wallet) Identity(ctx context.Context, userID string) (*interfaces.Identity, error) {
	if err := interfaces.ValidateUserID(userID); err != nil {
		return nil, err
	}
	return w.identities.GetIdentity(ctx, userID)
}

// AuditTrail returns userID's audit records, newest first.
func (w *Wallet) AuditTrail(ctx context.Context, userID string, filter interfaces.AuditFilter) ([]*interfaces.AuditRecord, error) {
	if err := interfaces.ValidateUserID(userID); err != nil {
		return nil, err
	}
	filter.UserID = userID
	return w.recorder.Query(ctx, filter)
}

// AuditStats aggregates the audit log for userID, or globally when userID is
// empty.
func (w *Wallet) AuditStats(ctx context.Context, userID string) (*interfaces.AuditStats, error) {
	if userID != "" {
		if err := interfaces.ValidateUserID(userID); err != nil {
			return nil, err
		}
	}
	return w.recorder.Stats(ctx, userID)
}

func (w *Wallet) TEEInfo(ctx context.Context) (*interfaces.TEEInfo, error) {
	info, err := w.tee.Info(ctx)
	if err != nil {
		if errors.Is(err, interfaces.ErrTeeUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", interfaces.ErrTeeUnavailable, err)
	}
	return info, nil
}

// FetchArtifact returns an archived quote or event log by its checksum.
func (w *Wallet) FetchArtifact(ctx context.Context, checksum string, contentType interfaces.ContentType) ([]byte, error) {
	id, err := interfaces.NewContentIDFromHex(checksum)
	if err != nil {
		return nil, interfaces.NewValidationError("checksum", err.Error())
	}
	if w.archive == nil {
		return nil, interfaces.ErrNotFound
	}

	data, err := w.archive.Fetch(ctx, id, contentType)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// deriveExisting loads userID's identity, re-derives the key and checks that
// both agree on the address.
func (w *Wallet) deriveExisting(ctx context.Context, op *operation, userID string) (*interfaces.Identity, *kms.DerivedKey, error) {
	identity, err := w.identities.GetIdentity(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	key, err := w.deriver.Derive(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	if !strings.EqualFold(key.AddressHex(), identity.Address) {
		op.log.Error("derived address does not match stored identity",
			"stored", identity.Address,
			"derived", key.AddressHex(),
			"namespace", w.deriver.Namespace())
		return nil, nil, fmt.Errorf("%w: user %s", interfaces.ErrConsistency, userID)
	}

	if err := op.advance(StateKeyDerived); err != nil {
		return nil, nil, err
	}
	return identity, key, nil
}

func (w *Wallet) expectedAddress(ctx context.Context, req VerifyRequest) (common.Address, error) {
	if req.Address != "" {
		addr, err := cryptoutils.ParseAddress(req.Address)
		if err != nil {
			return common.Address{}, interfaces.NewValidationError("address", err.Error())
		}
		return addr, nil
	}
	if req.UserID == "" {
		return common.Address{}, interfaces.NewValidationError("address", "address or user_id is required")
	}
	if err := interfaces.ValidateUserID(req.UserID); err != nil {
		return common.Address{}, err
	}

	identity, err := w.identities.GetIdentity(ctx, req.UserID)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(identity.Address), nil
}

// ensureAvailable rejects taken user ids and emails before any key is derived.
func (w *Wallet) ensureAvailable(ctx context.Context, userID, email string) error {
	if _, err := w.identities.GetIdentity(ctx, userID); err == nil {
		return fmt.Errorf("%w: user %s", interfaces.ErrAlreadyExists, userID)
	} else if !errors.Is(err, interfaces.ErrNotFound) {
		return asPersistenceError(err)
	}

	if email == "" {
		return nil
	}
	if _, err := w.identities.GetIdentityByEmail(ctx, email); err == nil {
		return fmt.Errorf("%w: email %s", interfaces.ErrAlreadyExists, email)
	} else if !errors.Is(err, interfaces.ErrNotFound) {
		return asPersistenceError(err)
	}
	return nil
}

func asPersistenceError(err error) error {
	if errors.Is(err, interfaces.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %w", interfaces.ErrPersistence, err)
}

// attest requests a quote over reportData, uploads it for verification and
// archives it. Failures degrade the result and are never returned; the error
// only reports state machine violations.
func (w *Wallet) attest(ctx context.Context, op *operation, reportData []byte, metadata map[string]string) (Attestation, error) {
	result := w.quoter.Quote(ctx, reportData)
	if !result.IsAttested() {
		return Attestation{UnattestedReason: result.Reason.Error()}, nil
	}
	if err := op.advance(StateAttested); err != nil {
		return Attestation{}, err
	}

	quote, err := hex.DecodeString(result.Quote.RawQuoteHex)
	if err != nil {
		return Attestation{}, fmt.Errorf("malformed quote encoding: %w", err)
	}
	var eventLog []byte
	if result.Quote.EventLogHex != "" {
		eventLog, err = hex.DecodeString(result.Quote.EventLogHex)
		if err != nil {
			return Attestation{}, fmt.Errorf("malformed event log encoding: %w", err)
		}
	}

	receipt := w.uploader.Upload(ctx, quote, eventLog, metadata)
	if receipt.Uploaded() {
		if err := op.advance(StateUploaded); err != nil {
			return Attestation{}, err
		}
	}

	w.archiveArtifacts(context.WithoutCancel(ctx), op, quote, eventLog)

	return Attestation{Quote: result.Quote, Receipt: receipt}, nil
}

func (w *Wallet) archiveArtifacts(ctx context.Context, op *operation, quote, eventLog []byte) {
	if w.archive == nil {
		return
	}

	if _, err := w.archive.Store(ctx, quote, interfaces.QuoteType); err != nil {
		w.metrics.IncArchiveFailure()
		op.log.Warn("failed to archive quote", "err", err)
	}
	if len(eventLog) == 0 {
		return
	}
	if _, err := w.archive.Store(ctx, eventLog, interfaces.EventLogType); err != nil {
		w.metrics.IncArchiveFailure()
		op.log.Warn("failed to archive event log", "err", err)
	}
}

func (w *Wallet) complete(op *operation) error {
	if err := op.advance(StateAudited); err != nil {
		return err
	}
	return op.advance(StateCompleted)
}

func (w *Wallet) finish(op *operation, err *error) {
	w.metrics.ObserveOperation(string(op.kind), *err, time.Since(op.started))
	if *err != nil {
		op.log.Debug("operation failed", "state", op.state, "err", *err)
		return
	}
	op.log.Debug("operation completed", "path", op.path())
}

func recordID(record *interfaces.AuditRecord) string {
	if record == nil {
		return ""
	}
	return record.ID
}
