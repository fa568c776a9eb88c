// This command is only used when preparing a deployment: it prints the
// environment values that cannot be typed by hand. A fresh cache encryption
// key is always printed; when a KMS key is configured the client secret is
// also encrypted for API_SECRET_KMS_CIPHERTEXT.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	KMSKeyID  string `env:"UTIL_KMS_KEY_ID"`
	APISecret string `env:"UTIL_API_SECRET"`
}

type encrypter interface {
	Encrypt(ctx context.Context, in *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
}

func main() {
	ctx := context.Background()

	cfg := Config{}
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	key, err := cacheKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error generating cache key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("CACHE_ENCRYPTION_KEY=%s\n", key)

	if cfg.KMSKeyID == "" {
		return
	}

	if cfg.APISecret == "" {
		fmt.Fprintf(os.Stderr, "UTIL_API_SECRET is required when UTIL_KMS_KEY_ID is set\n")
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading AWS configuration: %v\n", err)
		os.Exit(1)
	}

	ciphertext, err := encryptSecret(ctx, kms.NewFromConfig(awsCfg), cfg.KMSKeyID, cfg.APISecret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error encrypting secret: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("API_SECRET_KMS_CIPHERTEXT=%s\n", ciphertext)
}

// cacheKey is a base64 encoded 32 byte key for CACHE_ENCRYPTION_KEY.
func cacheKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(key), nil
}

func encryptSecret(ctx context.Context, client encrypter, keyID, secret string) (string, error) {
	out, err := client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &keyID,
		Plaintext: []byte(secret),
	})
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}
