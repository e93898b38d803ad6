package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/orchestrator/signer"
)

var signCmd = &cobra.Command{
	Use:   "sign [file]",
	Short: "Canonicalize a JSON document and print its HMAC signature",
	Long: "Reads JSON from file (or stdin), prints the canonical body and the\n" +
		"X-Signature value the milestone subscriber expects. The secret comes\n" +
		"from credentials ([milestone] signing_secret) or MILESTONE_SIGNING_SECRET.",
	Args: cobra.MaximumNArgs(1),
	RunE: runSign,
}

var signVerify string

func init() {
	signCmd.Flags().StringVar(&signVerify, "verify", "", "verify this hex signature instead of printing one")
}

func runSign(cmd *cobra.Command, args []string) error {
	var (
		raw []byte
		err error
	)
	if len(args) == 1 {
		raw, err = os.ReadFile(args[0])
	} else {
		raw, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("input is not JSON: %w", err)
	}

	creds, _, err := loadCredentials()
	if err != nil {
		return err
	}
	secret := creds.SigningSecret()
	if secret == "" {
		return signer.ErrEmptySecret
	}

	canonical, err := signer.CanonicalJSON(doc)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if signVerify != "" {
		if !signer.VerifyBytes(raw, secret, signVerify) {
			return fmt.Errorf("signature does not match")
		}
		fmt.Fprintln(out, "signature ok")
		return nil
	}
	fmt.Fprintf(out, "%s\n", canonical)
	fmt.Fprintf(out, "X-Signature: %s\n", signer.SignBytes(canonical, secret))
	return nil
}
