// Package crypto handles the signing keypair bootstrap.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// EnsureSigningKeys generates and writes a PEM keypair when the private key
// file does not exist yet, so a fresh deployment starts without manual key
// handling. Existing files are left untouched.
func EnsureSigningKeys(privateKeyFile, publicKeyFile string) error {
	if _, err := os.Stat(privateKeyFile); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(privateKeyFile, privPEM, 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("encoding public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(publicKeyFile, pubPEM, 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	log.Info().Str("privateKey", privateKeyFile).Str("publicKey", publicKeyFile).Msg("signing keypair generated")
	return nil
}
