package kms

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"

	"github.com/kenneth/document-vault/internal/config"
	"github.com/kenneth/document-vault/internal/crypto"
)

const awsProvider = "aws-kms"

// AWSKMSAPI is the subset of the AWS KMS client used here.
type AWSKMSAPI interface {
	GenerateDataKey(ctx context.Context, in *awskms.GenerateDataKeyInput, optFns ...func(*awskms.Options)) (*awskms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *awskms.DecryptInput, optFns ...func(*awskms.Options)) (*awskms.DecryptOutput, error)
	DescribeKey(ctx context.Context, in *awskms.DescribeKeyInput, optFns ...func(*awskms.Options)) (*awskms.DescribeKeyOutput, error)
}

// AWSKMSManager uses the native GenerateDataKey and Decrypt operations of
// AWS KMS. The master key never leaves KMS.
type AWSKMSManager struct {
	api   AWSKMSAPI
	keyID string
}

// NewAWSKMSManager wraps an existing KMS API client.
func NewAWSKMSManager(api AWSKMSAPI, keyID string) (*AWSKMSManager, error) {
	if api == nil {
		return nil, errors.New("kms: aws client is required")
	}
	if keyID == "" {
		return nil, errors.New("kms: aws key id is required")
	}
	return &AWSKMSManager{api: api, keyID: keyID}, nil
}

// NewAWSKMSManagerFromConfig loads AWS credentials the usual way, with static
// keys and a custom endpoint taking precedence when configured.
func NewAWSKMSManagerFromConfig(ctx context.Context, cfg config.AWSKMSConfig) (*AWSKMSManager, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("kms: load aws config: %w", err)
	}
	client := awskms.NewFromConfig(awsCfg, func(o *awskms.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewAWSKMSManager(client, cfg.KeyID)
}

func (m *AWSKMSManager) Provider() string { return awsProvider }

func (m *AWSKMSManager) GenerateDataKey(ctx context.Context) ([]byte, *WrappedKey, error) {
	out, err := m.api.GenerateDataKey(ctx, &awskms.GenerateDataKeyInput{
		KeyId:   aws.String(m.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, nil, classifyAWSError(ctx, ErrGenerationFailed, "GenerateDataKey", err)
	}
	if len(out.CiphertextBlob) == 0 {
		crypto.Zeroize(out.Plaintext)
		return nil, nil, fmt.Errorf("%w: empty ciphertext blob", ErrGenerationFailed)
	}
	return out.Plaintext, &WrappedKey{
		Provider:   awsProvider,
		KeyID:      aws.ToString(out.KeyId),
		Ciphertext: out.CiphertextBlob,
	}, nil
}

func (m *AWSKMSManager) UnwrapDataKey(ctx context.Context, wrapped *WrappedKey) ([]byte, error) {
	if wrapped == nil || len(wrapped.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty envelope", ErrInvalidWrappedKey)
	}
	if wrapped.Provider != awsProvider {
		return nil, fmt.Errorf("%w: envelope from provider %q", ErrInvalidWrappedKey, wrapped.Provider)
	}
	keyID := wrapped.KeyID
	if keyID == "" {
		keyID = m.keyID
	}
	out, err := m.api.Decrypt(ctx, &awskms.DecryptInput{
		CiphertextBlob: wrapped.Ciphertext,
		KeyId:          aws.String(keyID),
	})
	if err != nil {
		return nil, classifyAWSError(ctx, ErrInvalidWrappedKey, "Decrypt", err)
	}
	return out.Plaintext, nil
}

// HealthCheck describes the configured key and requires it to be enabled.
func (m *AWSKMSManager) HealthCheck(ctx context.Context) error {
	out, err := m.api.DescribeKey(ctx, &awskms.DescribeKeyInput{KeyId: aws.String(m.keyID)})
	if err != nil {
		return classifyAWSError(ctx, ErrUnavailable, "DescribeKey", err)
	}
	if out.KeyMetadata != nil && !out.KeyMetadata.Enabled {
		return fmt.Errorf("%w: key %s is disabled", ErrAccessDenied, m.keyID)
	}
	return nil
}

func (m *AWSKMSManager) Close(context.Context) error { return nil }

func classifyAWSError(ctx context.Context, fallback error, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, ctx.Err())
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "DisabledException", "KMSInvalidStateException", "NotFoundException":
			return fmt.Errorf("%w: %s: %s", ErrAccessDenied, op, apiErr.ErrorMessage())
		case "InvalidCiphertextException", "IncorrectKeyException", "InvalidKeyUsageException":
			return fmt.Errorf("%w: %s: %s", ErrInvalidWrappedKey, op, apiErr.ErrorMessage())
		case "KMSInternalException", "DependencyTimeoutException", "ThrottlingException", "LimitExceededException":
			return fmt.Errorf("%w: %s: %s", ErrUnavailable, op, apiErr.ErrorMessage())
		}
		return fmt.Errorf("%w: %s: %s", fallback, op, apiErr.ErrorMessage())
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return fmt.Errorf("%w: %s: %v", fallback, op, err)
}
