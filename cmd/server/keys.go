package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-agent-gateway/token/keys"
	"github.com/spf13/cobra"
)

var (
	keyFile string
	keyID   string
	keyBits int

	mintIssuer      string
	mintSubject     string
	mintTenant      string
	mintTenantClaim string
	mintEmail       string
	mintAudience    string
	mintTTL         time.Duration
)

// keygenCmd creates a signing key for a local development issuer. The JWKS it prints can be
// served to the gateway through an issuer's jwks_url.
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RS256 signing key and print its JWKS",
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyID == "" {
			keyID = uuid.NewString()
		}
		kp, err := keys.GenerateRSAKeyPair(keyID, keyBits)
		if err != nil {
			return err
		}
		if err := os.WriteFile(keyFile, []byte(kp.ExportPrivateKeyPEM()), 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", keyFile, err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(keys.JWKS(kp))
	},
}

var mintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Sign a development bearer token with a key from keygen",
	RunE: func(cmd *cobra.Command, args []string) error {
		pemBytes, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("reading %s: %w", keyFile, err)
		}
		if keyID == "" {
			return fmt.Errorf("--kid is required and must match the published JWKS")
		}
		kp, err := keys.LoadKeyPairFromPEM(keyID, string(pemBytes))
		if err != nil {
			return err
		}

		now := time.Now()
		claims := jwtlib.MapClaims{
			"iss": mintIssuer,
			"sub": mintSubject,
			"iat": now.Unix(),
			"nbf": now.Unix(),
			"exp": now.Add(mintTTL).Unix(),
		}
		if mintTenant != "" {
			claims[mintTenantClaim] = mintTenant
		}
		if mintEmail != "" {
			claims["email"] = mintEmail
		}
		if mintAudience != "" {
			claims["aud"] = mintAudience
		}
		token, err := keys.NewSigner(kp).Sign(claims)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
		return err
	},
}

func init() {
	for _, c := range []*cobra.Command{keygenCmd, mintCmd} {
		c.Flags().StringVar(&keyFile, "key-file", "signing-key.pem", "PEM file holding the private key")
		c.Flags().StringVar(&keyID, "kid", "", "key id published in the JWKS")
	}
	keygenCmd.Flags().IntVar(&keyBits, "bits", 2048, "RSA key size")

	mintCmd.Flags().StringVar(&mintIssuer, "issuer", "http://localhost:9000", "iss claim; must match a configured issuer_url")
	mintCmd.Flags().StringVar(&mintSubject, "sub", "dev-user", "sub claim")
	mintCmd.Flags().StringVar(&mintTenant, "tenant", "dev-tenant", "tenant id")
	mintCmd.Flags().StringVar(&mintTenantClaim, "tenant-claim", "org_id", "claim carrying the tenant id")
	mintCmd.Flags().StringVar(&mintEmail, "email", "", "email claim")
	mintCmd.Flags().StringVar(&mintAudience, "aud", "", "aud claim")
	mintCmd.Flags().DurationVar(&mintTTL, "ttl", time.Hour, "token lifetime")
}
