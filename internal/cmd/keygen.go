package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/parsekit/internal/observability"
	"github.com/3leaps/parsekit/pkg/envelope"
)

// Key file names written by keygen.
const (
	privateKeyFile = "parsekit_private.pem"
	publicKeyFile  = "parsekit_public.pem"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RSA key pair for local testing",
	Long: `Generate an RSA key pair in PEM form.

The public key goes in remote.public_key_path. The private key belongs to
the processing service; keep it off the device in real deployments.

Examples:
  parsekit keygen --out ./keys
  parsekit keygen --out ./keys --bits 4096 --force`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{"skipConfig": "true"},
	RunE:        runKeygen,
}

var (
	keygenOut   string
	keygenBits  int
	keygenForce bool
)

func init() {
	rootCmd.AddCommand(keygenCmd)

	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", ".", "Directory to write the key files to")
	keygenCmd.Flags().IntVar(&keygenBits, "bits", 3072, "RSA modulus size")
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "Overwrite existing key files")
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	privPath, pubPath, err := writeKeyPair(keygenOut, keygenBits, keygenForce)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return exitError(foundry.ExitInvalidArgument, "Key files already exist (use --force)", err)
		}
		return exitError(foundry.ExitFileWriteError, "Failed to generate key pair", err)
	}

	observability.CLILogger.Info("Key pair written",
		zap.String("private_key", privPath),
		zap.String("public_key", pubPath),
		zap.Int("bits", keygenBits))
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "public key: %s\nprivate key: %s\n", pubPath, privPath)
	return err
}

func writeKeyPair(dir string, bits int, force bool) (privPath, pubPath string, err error) {
	privPath = filepath.Join(dir, privateKeyFile)
	pubPath = filepath.Join(dir, publicKeyFile)

	if !force {
		for _, p := range []string{privPath, pubPath} {
			if _, err := os.Stat(p); err == nil {
				return "", "", fmt.Errorf("%s: %w", p, os.ErrExist)
			}
		}
	}

	priv, err := envelope.GenerateKey(bits)
	if err != nil {
		return "", "", err
	}
	privPEM, err := envelope.MarshalPrivateKeyPEM(priv)
	if err != nil {
		return "", "", err
	}
	pubPEM, err := envelope.MarshalPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return "", "", err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return "", "", err
	}
	return privPath, pubPath, nil
}
