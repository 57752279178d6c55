/*
Package api holds the HTTP surface of the attested wallet.

The wallethandler subpackage implements the wallet endpoints and a Go client
for them. HTTPServerConfig configures the server in package httpserver.

# Endpoints

	POST /api/wallet/signup                 create a wallet identity (attested)
	POST /api/wallet/sign                   sign a message (attested)
	POST /api/wallet/verify                 verify a signature
	GET  /api/wallet/identity/{user_id}     stored public identity
	GET  /api/wallet/keys/{user_id}         re-derive and return the public key (audited)
	GET  /api/wallet/audit/{user_id}        audit trail, newest first
	GET  /api/wallet/audit-stats            aggregate audit statistics
	GET  /api/public/tee/info               TEE description
	GET  /api/public/attestations/{sum}     archived quote or event log

Operational endpoints (/livez, /readyz, /drain, /undrain) are served by
package httpserver.
*/
package api
