package main

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"family-vault/internal/certificate"
	"family-vault/internal/hashing"
	"family-vault/internal/model"
	"family-vault/internal/repository/scylla"
	vaulttls "family-vault/internal/tls"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const masterPasswordEnv = "VAULTCTL_MASTER_PASSWORD"

var issueCertCmd = &cobra.Command{
	Use:   "issue-cert",
	Short: "Issue a member client certificate",
	Long: `Issue a self-signed client certificate and write it as PEM files.

Examples:
  vaultctl issue-cert --name alice --out ./certs/alice
  vaultctl issue-cert --name bob --days 90`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		out, _ := cmd.Flags().GetString("out")
		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 {
			return errors.New("--days must be positive")
		}
		if out == "" {
			out = name
		}

		now := time.Now().Add(-time.Minute)
		cert, err := vaulttls.IssueClientCertificate(vaulttls.ClientCertOptions{
			CommonName: name,
			NotBefore:  now,
			NotAfter:   now.Add(time.Duration(days) * 24 * time.Hour),
		})
		if err != nil {
			return err
		}

		if err := os.WriteFile(out+".crt", cert.CertPEM, 0o644); err != nil {
			return fmt.Errorf("failed to write certificate: %w", err)
		}
		if err := os.WriteFile(out+".key", cert.KeyPEM, 0o600); err != nil {
			return fmt.Errorf("failed to write key: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Certificate: %s.crt\n", out)
		fmt.Fprintf(cmd.OutOrStdout(), "Key:         %s.key\n", out)
		fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", cert.Fingerprint)
		fmt.Fprintf(cmd.OutOrStdout(), "Cert hash:   %s\n", cert.CertHash)
		return nil
	},
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Register a family member in the vault store",
	Long: `Register a member bound to a client certificate.

The master password is read from ` + masterPasswordEnv + ` so it never
appears in shell history.

Examples:
  ` + masterPasswordEnv + `=... vaultctl provision --name alice --role mother --cert ./certs/alice.crt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		roleFlag, _ := cmd.Flags().GetString("role")
		displayName, _ := cmd.Flags().GetString("display-name")
		email, _ := cmd.Flags().GetString("email")
		certPath, _ := cmd.Flags().GetString("cert")

		role, err := model.ParseRole(roleFlag)
		if err != nil {
			return err
		}
		masterPassword := os.Getenv(masterPasswordEnv)
		if masterPassword == "" {
			return fmt.Errorf("%s is not set", masterPasswordEnv)
		}

		cert, err := readCertificate(certPath)
		if err != nil {
			return err
		}
		m, err := newMember(name, role, masterPassword, cert)
		if err != nil {
			return err
		}
		if displayName != "" {
			m.DisplayName = displayName
		}
		m.Email = email

		ctx := cmd.Context()
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := scylla.NewMemberRepository(s.client, s.sealer).Create(ctx, m); err != nil {
			return fmt.Errorf("failed to create member: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Provisioned %s (%s) as %s\n", m.Name, m.MemberID, m.Role)
		return nil
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Print a master password verifier",
	Long:  `Derive the stored verifier for the master password in ` + masterPasswordEnv + `.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		salt, _ := cmd.Flags().GetString("salt")
		h, err := hashing.HashMasterPassword(os.Getenv(masterPasswordEnv), salt)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "hash: %s\nsalt: %s\n", h.Hash, h.Salt)
		return nil
	},
}

func init() {
	issueCertCmd.Flags().String("name", "", "Certificate common name (required)")
	issueCertCmd.Flags().String("out", "", "Output path prefix (default: the name)")
	issueCertCmd.Flags().Int("days", 365, "Validity in days")
	_ = issueCertCmd.MarkFlagRequired("name")

	provisionCmd.Flags().String("name", "", "Login name (required)")
	provisionCmd.Flags().String("role", "", "One of admin, father, mother, son, daughter (required)")
	provisionCmd.Flags().String("display-name", "", "Display name")
	provisionCmd.Flags().String("email", "", "Contact email")
	provisionCmd.Flags().String("cert", "", "PEM client certificate (required)")
	_ = provisionCmd.MarkFlagRequired("name")
	_ = provisionCmd.MarkFlagRequired("role")
	_ = provisionCmd.MarkFlagRequired("cert")

	hashPasswordCmd.Flags().String("salt", "", "Hex salt (default: random)")
}

func readCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s: no CERTIFICATE block", path)
	}
	return x509.ParseCertificate(block.Bytes)
}

// newMember binds a member to cert. The registry key is the hash of the
// base64 DER payload clients present.
func newMember(name string, role model.Role, masterPassword string, cert *x509.Certificate) (*model.Member, error) {
	verifier, err := hashing.HashMasterPassword(masterPassword, "")
	if err != nil {
		return nil, err
	}
	encSalt, err := hashing.RandomHex(hashing.SaltLength)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expires := cert.NotAfter.UTC()
	return &model.Member{
		MemberID:           uuid.NewString(),
		Name:               name,
		Role:               role,
		DisplayName:        name,
		CertificateHash:    hashing.CertificateHash(certificate.EncodeDER(cert.Raw)),
		CertExpiresAt:      &expires,
		IsActive:           true,
		EncryptionSalt:     encSalt,
		MasterPasswordHash: verifier.Hash,
		MasterPasswordSalt: verifier.Salt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}
