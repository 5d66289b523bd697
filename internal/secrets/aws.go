package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// awsStore keeps records in AWS Secrets Manager. Records are stored as
// binary payloads; an optional KMS key id selects a customer-managed key
// for at-rest encryption on the AWS side.
type awsStore struct {
	client   *secretsmanager.Client
	kmsKeyID string
}

// NewAWSStore builds a Secrets Manager store using the default credential
// chain for the given region.
func NewAWSStore(ctx context.Context, region, kmsKeyID string) (Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &awsStore{
		client:   secretsmanager.NewFromConfig(cfg),
		kmsKeyID: kmsKeyID,
	}, nil
}

func (s *awsStore) Get(ctx context.Context, name string) ([]byte, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	if out.SecretBinary != nil {
		return out.SecretBinary, nil
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	return nil, fmt.Errorf("secret %s has no value", name)
}

func (s *awsStore) Put(ctx context.Context, name string, payload []byte) error {
	_, err := s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretBinary: payload,
	})
	if err == nil {
		return nil
	}
	if !isAWSNotFound(err) {
		return err
	}

	create := &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretBinary: payload,
	}
	if s.kmsKeyID != "" {
		create.KmsKeyId = aws.String(s.kmsKeyID)
	}
	if _, err := s.client.CreateSecret(ctx, create); err != nil {
		return err
	}
	return nil
}

func (s *awsStore) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(name),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil && !isAWSNotFound(err) {
		return err
	}
	return nil
}

func isAWSNotFound(err error) bool {
	var nf *types.ResourceNotFoundException
	return errors.As(err, &nf)
}
