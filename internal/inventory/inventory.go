// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package inventory consults a secondary record of provider resources,
// used only to corroborate eventual consistency: a resource is
// considered settled once an inventory record for its id exists. The
// backing store is an S3 bucket holding one object per resource id.
package inventory

import (
	"context"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/juju/errors"
)

// Inventory answers whether a record for a provider resource id exists
// yet.
type Inventory interface {
	HasRecord(ctx context.Context, resourceID string) (bool, error)
}

// ObjectClient is the subset of the S3 API the inventory uses. It is
// satisfied by *s3.Client.
type ObjectClient interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Config locates the inventory bucket. Credentials are explicit and
// passed at construction time; the inventory never borrows or mutates
// another client's configuration.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
}

// Validate returns an error satisfying errors.IsNotValid if the
// configuration is incomplete.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.NotValidf("missing inventory bucket")
	}
	if c.Region == "" {
		return errors.NotValidf("missing inventory region")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.NotValidf("missing inventory credentials")
	}
	return nil
}

// S3Inventory reads records from an S3 bucket, one object per
// resource id under an optional key prefix.
type S3Inventory struct {
	client ObjectClient
	bucket string
	prefix string
}

var _ Inventory = (*S3Inventory)(nil)

// New returns an inventory over the given object client.
func New(client ObjectClient, bucket, prefix string) *S3Inventory {
	return &S3Inventory{client: client, bucket: bucket, prefix: prefix}
}

// NewFromConfig validates cfg, dials S3 with the explicit credentials
// it carries and returns the resulting inventory.
func NewFromConfig(ctx context.Context, cfg Config) (*S3Inventory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, errors.Annotate(err, "configuring inventory client")
	}
	return New(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

// HasRecord implements Inventory.
func (i *S3Inventory) HasRecord(ctx context.Context, resourceID string) (bool, error) {
	_, err := i.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(i.bucket),
		Key:    aws.String(path.Join(i.prefix, resourceID)),
	})
	if err != nil {
		if isMissingObject(err) {
			return false, nil
		}
		return false, errors.Annotatef(err, "looking up inventory record for %q", resourceID)
	}
	return true, nil
}

func isMissingObject(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NotFound", "NoSuchKey":
		return true
	}
	return false
}
