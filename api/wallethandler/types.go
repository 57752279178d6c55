package wallethandler

import "github.com/ruteri/tee-attested-wallet/interfaces"

// SignupRequest is the body of POST /api/wallet/signup.
type SignupRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// SignRequest is the body of POST /api/wallet/sign.
type SignRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// VerifyRequest is the body of POST /api/wallet/verify. The expected signer
// is named by Address or by UserID.
type VerifyRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Address   string `json:"address,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// AuditTrailResponse is returned by GET /api/wallet/audit/{user_id}.
type AuditTrailResponse struct {
	UserID  string                    `json:"user_id"`
	Count   int                       `json:"count"`
	Records []*interfaces.AuditRecord `json:"records"`
}
