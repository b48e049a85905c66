// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package tagger stamps marker tags onto provider resources. A marker
// tag is a bare key with an empty value; lineage membership is
// recorded this way, one tagging call per (resource, key) pair with no
// batching.
package tagger

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/lineage/internal/registry"
)

var logger = loggo.GetLogger("lineage.tagger")

// Tagger applies a single marker tag to a single resource.
type Tagger interface {
	SetTag(ctx context.Context, region, resourceID, key string) error
}

type ec2Tagger struct {
	registry *registry.Registry
}

// NewEC2Tagger returns a Tagger backed by the EC2 CreateTags API.
func NewEC2Tagger(reg *registry.Registry) Tagger {
	return &ec2Tagger{registry: reg}
}

// SetTag implements Tagger.
func (t *ec2Tagger) SetTag(ctx context.Context, region, resourceID, key string) error {
	client, err := t.registry.Client(region)
	if err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("tagging %s in %s with %q", resourceID, region, key)
	_, err = client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{resourceID},
		Tags: []types.Tag{{
			Key:   aws.String(key),
			Value: aws.String(""),
		}},
	})
	return errors.Annotatef(err, "tagging %q with %q", resourceID, key)
}
