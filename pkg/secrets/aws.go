package secrets

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// AWSConfig configures a rotator backed by AWS Secrets Manager.
type AWSConfig struct {
	Name     string
	Region   string
	SecretID string
	// RoleARN is assumed through STS before calling Secrets Manager.
	RoleARN string
}

type secretsManagerAPI interface {
	RotateSecret(ctx context.Context, in *secretsmanager.RotateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.RotateSecretOutput, error)
}

// AWSRotator triggers the rotation Lambda attached to a secret.
type AWSRotator struct {
	cfg    AWSConfig
	client secretsManagerAPI
	now    func() time.Time
}

// NewAWSRotator loads the default AWS credential chain for cfg.Region.
func NewAWSRotator(ctx context.Context, cfg AWSConfig) (*AWSRotator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	if cfg.RoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		creds := stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN)
		awsCfg.Credentials = aws.NewCredentialsCache(creds)
	}

	return newAWSRotator(cfg, secretsmanager.NewFromConfig(awsCfg)), nil
}

func newAWSRotator(cfg AWSConfig, client secretsManagerAPI) *AWSRotator {
	return &AWSRotator{cfg: cfg, client: client, now: time.Now}
}

func (c AWSConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("aws rotator: name required")
	}
	if c.Region == "" {
		return fmt.Errorf("aws rotator %q: region required", c.Name)
	}
	if c.SecretID == "" {
		return fmt.Errorf("aws rotator %q: secret_id required", c.Name)
	}
	return nil
}

func (r *AWSRotator) Name() string { return r.cfg.Name }

// Rotate asks Secrets Manager to rotate immediately.
func (r *AWSRotator) Rotate(ctx context.Context) (*Rotation, error) {
	out, err := r.client.RotateSecret(ctx, &secretsmanager.RotateSecretInput{
		SecretId:          aws.String(r.cfg.SecretID),
		RotateImmediately: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("rotating secret %q: %w", r.cfg.SecretID, err)
	}

	rot := &Rotation{
		Name:      r.cfg.Name,
		Provider:  "aws",
		RotatedAt: r.now().UTC(),
		Metadata:  map[string]string{"secret_id": r.cfg.SecretID},
	}
	if out.VersionId != nil {
		rot.Version = *out.VersionId
	}
	if out.ARN != nil {
		rot.Metadata["arn"] = *out.ARN
	}
	return rot, nil
}
