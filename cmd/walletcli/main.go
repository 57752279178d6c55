package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ruteri/tee-attested-wallet/api/wallethandler"
	"github.com/ruteri/tee-attested-wallet/attestation"
	"github.com/ruteri/tee-attested-wallet/cmd/flags"
	"github.com/ruteri/tee-attested-wallet/cryptoutils"
	"github.com/ruteri/tee-attested-wallet/interfaces"
	"github.com/ruteri/tee-attested-wallet/verification"
	"github.com/urfave/cli/v2"
)

var flagUserID = &cli.StringFlag{
	Name:     "user",
	Required: true,
	Usage:    "user id",
}
var flagMessage = &cli.StringFlag{
	Name:     "message",
	Required: true,
	Usage:    "message to sign or verify",
}

func main() {
	app := &cli.App{
		Name:  "wallet-cli",
		Usage: "Talk to a TEE attested wallet server and check its attestations",
		Flags: []cli.Flag{flags.ServerURLFlag},
		Commands: []*cli.Command{
			{
				Name:  "signup",
				Usage: "create a wallet for a user",
				Flags: []cli.Flag{
					flagUserID,
					&cli.StringFlag{Name: "email", Usage: "optional email address"},
				},
				Action: func(cCtx *cli.Context) error {
					return printResult(client(cCtx).Signup(cCtx.String(flagUserID.Name), cCtx.String("email")))
				},
			},
			{
				Name:  "sign",
				Usage: "sign a message with a user's wallet",
				Flags: []cli.Flag{flagUserID, flagMessage},
				Action: func(cCtx *cli.Context) error {
					return printResult(client(cCtx).Sign(cCtx.String(flagUserID.Name), cCtx.String(flagMessage.Name)))
				},
			},
			{
				Name:  "verify",
				Usage: "verify a signature against a user's wallet or an address",
				Flags: []cli.Flag{
					flagMessage,
					&cli.StringFlag{Name: "signature", Required: true, Usage: "0x prefixed 65 byte signature"},
					&cli.StringFlag{Name: "user", Usage: "expected signer user id"},
					&cli.StringFlag{Name: "address", Usage: "expected signer address"},
				},
				Action: func(cCtx *cli.Context) error {
					if cCtx.String("user") == "" && cCtx.String("address") == "" {
						return errors.New("one of --user or --address is required")
					}
					return printResult(client(cCtx).Verify(wallethandler.VerifyRequest{
						Message:   cCtx.String(flagMessage.Name),
						Signature: cCtx.String("signature"),
						UserID:    cCtx.String("user"),
						Address:   cCtx.String("address"),
					}))
				},
			},
			{
				Name:  "identity",
				Usage: "show a user's stored public identity",
				Flags: []cli.Flag{flagUserID},
				Action: func(cCtx *cli.Context) error {
					return printResult(client(cCtx).Identity(cCtx.String(flagUserID.Name)))
				},
			},
			{
				Name:  "keys",
				Usage: "re-derive a user's key in the TEE and show its public part",
				Flags: []cli.Flag{flagUserID},
				Action: func(cCtx *cli.Context) error {
					return printResult(client(cCtx).KeyInfo(cCtx.String(flagUserID.Name)))
				},
			},
			{
				Name:  "audit",
				Usage: "list a user's audit trail",
				Flags: []cli.Flag{
					flagUserID,
					&cli.StringFlag{Name: "operation", Usage: "signup, sign, verify or key-access"},
					&cli.TimestampFlag{Name: "from", Layout: time.RFC3339, Usage: "only records at or after this time"},
					&cli.TimestampFlag{Name: "to", Layout: time.RFC3339, Usage: "only records at or before this time"},
					&cli.IntFlag{Name: "limit", Value: 50},
					&cli.IntFlag{Name: "offset"},
				},
				Action: func(cCtx *cli.Context) error {
					filter := interfaces.AuditFilter{
						Operation: interfaces.Operation(cCtx.String("operation")),
						Limit:     cCtx.Int("limit"),
						Offset:    cCtx.Int("offset"),
					}
					if from := cCtx.Timestamp("from"); from != nil {
						filter.From = *from
					}
					if to := cCtx.Timestamp("to"); to != nil {
						filter.To = *to
					}
					return printResult(client(cCtx).AuditTrail(cCtx.String(flagUserID.Name), filter))
				},
			},
			{
				Name:  "stats",
				Usage: "show audit statistics, for one user or all",
				Flags: []cli.Flag{&cli.StringFlag{Name: "user", Usage: "restrict to one user"}},
				Action: func(cCtx *cli.Context) error {
					return printResult(client(cCtx).AuditStats(cCtx.String("user")))
				},
			},
			{
				Name:  "tee-info",
				Usage: "describe the server's TEE",
				Action: func(cCtx *cli.Context) error {
					return printResult(client(cCtx).TEEInfo())
				},
			},
			{
				Name:  "fetch-attestation",
				Usage: "download an archived quote or event log by content checksum",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "checksum", Required: true},
					&cli.BoolFlag{Name: "eventlog", Usage: "fetch the event log instead of the quote"},
					&cli.StringFlag{Name: "out", Usage: "write to this file instead of stdout (hex)"},
				},
				Action: fetchAttestation,
			},
			{
				Name:      "checksum",
				Usage:     "compute the verification checksum of a quote file",
				ArgsUsage: "<quote-file>",
				Action: func(cCtx *cli.Context) error {
					quote, err := readQuote(cCtx.Args().First())
					if err != nil {
						return err
					}
					fmt.Println(verification.Checksum(quote))
					return nil
				},
			},
			{
				Name:      "verify-quote",
				Usage:     "verify a TDX quote of a sign operation",
				ArgsUsage: "<quote-file>",
				Flags: []cli.Flag{
					flagUserID,
					flagMessage,
					&cli.StringFlag{Name: "address", Required: true, Usage: "signer address"},
					&cli.StringFlag{Name: "signature", Required: true, Usage: "0x prefixed signature"},
				},
				Action: verifySignQuote,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func client(cCtx *cli.Context) *wallethandler.Client {
	return wallethandler.NewClient(strings.TrimRight(cCtx.String(flags.ServerURLFlag.Name), "/"))
}

func printResult[T any](res T, err error) error {
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func fetchAttestation(cCtx *cli.Context) error {
	contentType := interfaces.QuoteType
	if cCtx.Bool("eventlog") {
		contentType = interfaces.EventLogType
	}

	data, err := client(cCtx).Artifact(cCtx.String("checksum"), contentType)
	if err != nil {
		return err
	}

	if out := cCtx.String("out"); out != "" {
		return os.WriteFile(out, data, 0o644)
	}
	fmt.Println(hex.EncodeToString(data))
	return nil
}

// readQuote accepts raw quote bytes or a hex encoded quote.
func readQuote(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("quote file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read quote: %w", err)
	}
	if decoded, err := cryptoutils.DecodeHex(strings.TrimSpace(string(data))); err == nil {
		return decoded, nil
	}
	return data, nil
}

func verifySignQuote(cCtx *cli.Context) error {
	quote, err := readQuote(cCtx.Args().First())
	if err != nil {
		return err
	}

	address, err := cryptoutils.ParseAddress(cCtx.String("address"))
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}

	digest := attestation.ReportData(interfaces.OperationSign,
		cCtx.String(flagUserID.Name),
		address.Hex(),
		cCtx.String(flagMessage.Name),
		cCtx.String("signature"))
	reportData, err := cryptoutils.ReportDataFromBytes(digest)
	if err != nil {
		return err
	}

	measurements, err := cryptoutils.VerifyDCAPAttestation(reportData, quote)
	if err != nil {
		return err
	}

	fmt.Println("attestation validation successful")
	return printResult(measurements, nil)
}
