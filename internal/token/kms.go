package token

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// KMSClient defines the AWS API surface required to decrypt the client secret.
type KMSClient interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// DecryptSecret resolves a client secret stored as a base64 KMS ciphertext.
// The key is identified by the ciphertext itself.
func DecryptSecret(ctx context.Context, client KMSClient, ciphertextB64 string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertextB64))
	if err != nil {
		return "", fmt.Errorf("client secret ciphertext is not valid base64: %w", err)
	}

	out, err := client.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return "", fmt.Errorf("KMS decrypt of client secret failed: %w", err)
	}

	secret := strings.TrimSpace(string(out.Plaintext))
	if secret == "" {
		return "", fmt.Errorf("KMS decrypt of client secret returned an empty value")
	}

	return secret, nil
}
