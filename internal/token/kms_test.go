package token

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockKMSClient struct {
	decryptFunc func(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

func (m *mockKMSClient) Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	return m.decryptFunc(ctx, in, optFns...)
}

func TestDecryptSecret_Success(t *testing.T) {
	var received []byte
	client := &mockKMSClient{
		decryptFunc: func(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
			received = in.CiphertextBlob
			return &kms.DecryptOutput{Plaintext: []byte("plain-secret\n")}, nil
		},
	}

	secret, err := DecryptSecret(context.Background(), client, base64.StdEncoding.EncodeToString([]byte("ciphertext")))

	require.NoError(t, err)
	assert.Equal(t, "plain-secret", secret)
	assert.Equal(t, []byte("ciphertext"), received)
}

func TestDecryptSecret_InvalidBase64(t *testing.T) {
	client := &mockKMSClient{
		decryptFunc: func(context.Context, *kms.DecryptInput, ...func(*kms.Options)) (*kms.DecryptOutput, error) {
			t.Fatal("KMS should not be called")
			return nil, nil
		},
	}

	_, err := DecryptSecret(context.Background(), client, "not base64!")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "base64")
}

func TestDecryptSecret_KMSFailure(t *testing.T) {
	client := &mockKMSClient{
		decryptFunc: func(context.Context, *kms.DecryptInput, ...func(*kms.Options)) (*kms.DecryptOutput, error) {
			return nil, errors.New("AccessDeniedException")
		},
	}

	_, err := DecryptSecret(context.Background(), client, base64.StdEncoding.EncodeToString([]byte("x")))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDeniedException")
}

func TestDecryptSecret_EmptyPlaintext(t *testing.T) {
	client := &mockKMSClient{
		decryptFunc: func(context.Context, *kms.DecryptInput, ...func(*kms.Options)) (*kms.DecryptOutput, error) {
			return &kms.DecryptOutput{Plaintext: []byte("  ")}, nil
		},
	}

	_, err := DecryptSecret(context.Background(), client, base64.StdEncoding.EncodeToString([]byte("x")))

	assert.Error(t, err)
}

func TestClampLifetime(t *testing.T) {
	assert.Equal(t, minLifetime, clampLifetime(0))
	assert.Equal(t, minLifetime, clampLifetime(299*time.Second))
	assert.Equal(t, defaultLifetime, clampLifetime(defaultLifetime))
	assert.Equal(t, maxLifetime, clampLifetime(7201*time.Second))
}
