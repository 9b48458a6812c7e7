// Package encryption provides Tink AEAD primitives for protecting persisted
// token pairs.
package encryption

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/tink-crypto/tink-go-awskms/v3/integration/awskms"
	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

const secretsManagerScheme = "aws-secretsmanager://"

var (
	probePlaintext = []byte("aliexpress-bridge keyset probe")
	probeAAD       = []byte("probe")
)

// Validate encrypts and decrypts a probe value, failing if the primitive
// cannot round-trip it.
func Validate(a tink.AEAD) error {
	ciphertext, err := a.Encrypt(probePlaintext, probeAAD)
	if err != nil {
		return fmt.Errorf("probe encrypt: %w", err)
	}

	plaintext, err := a.Decrypt(ciphertext, probeAAD)
	if err != nil {
		return fmt.Errorf("probe decrypt: %w", err)
	}

	if !bytes.Equal(plaintext, probePlaintext) {
		return errors.New("probe round trip returned different plaintext")
	}

	return nil
}

// FromKMS reads a keyset from AWS Secrets Manager and decrypts it with the
// KMS envelope key. KMS is only contacted while loading.
//
// keysetURI: aws-secretsmanager://secret-name
// kmsKeyURI: aws-kms://arn:aws:kms:region:account:key/key-id
func FromKMS(ctx context.Context, keysetURI, kmsKeyURI string) (tink.AEAD, error) {
	envelope, err := awskms.NewAEADWithContext(ctx, kmsKeyURI)
	if err != nil {
		return nil, fmt.Errorf("creating KMS AEAD: %w", err)
	}

	reader, err := secretsManagerKeyset(ctx, keysetURI)
	if err != nil {
		return nil, err
	}

	handle, err := keyset.ReadWithContext(ctx, reader, envelope, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting keyset: %w", err)
	}

	return primitive(handle)
}

// FromFile reads a cleartext JSON keyset from disk. Intended for local
// development, where a KMS key is not available.
func FromFile(path string) (tink.AEAD, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keyset file: %w", err)
	}

	handle, err := insecurecleartextkeyset.Read(keyset.NewJSONReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing keyset file %s: %w", path, err)
	}

	return primitive(handle)
}

// NewTestAEAD creates an AES256-GCM primitive from a fresh keyset. Keys are
// never persisted, so only tests should use it.
func NewTestAEAD() (tink.AEAD, error) {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return nil, fmt.Errorf("creating keyset handle: %w", err)
	}
	return primitive(handle)
}

func primitive(handle *keyset.Handle) (tink.AEAD, error) {
	a, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD primitive: %w", err)
	}

	if err := Validate(a); err != nil {
		return nil, fmt.Errorf("validating AEAD: %w", err)
	}

	return a, nil
}

func secretsManagerKeyset(ctx context.Context, uri string) (*keyset.JSONReader, error) {
	name, ok := strings.CutPrefix(uri, secretsManagerScheme)
	if !ok || name == "" {
		return nil, fmt.Errorf("keyset URI %q must have the form %ssecret-name", uri, secretsManagerScheme)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	out, err := secretsmanager.NewFromConfig(cfg).GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &name,
	})
	if err != nil {
		return nil, fmt.Errorf("reading keyset secret %q: %w", name, err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("keyset secret %q has no string value", name)
	}

	return keyset.NewJSONReader(strings.NewReader(*out.SecretString)), nil
}
