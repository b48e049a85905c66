// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/lineage/internal/inventory"
	"github.com/juju/lineage/internal/provisioner"
	"github.com/juju/lineage/internal/registry"
)

// provisionerCommand carries the flags shared by every subcommand that
// dials the provider: the optional secondary inventory location and
// its explicit credentials.
type provisionerCommand struct {
	inventoryBucket    string
	inventoryPrefix    string
	inventoryRegion    string
	inventoryAccessKey string
	inventorySecretKey string
}

func (c *provisionerCommand) setFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.inventoryBucket, "inventory-bucket", "", "S3 bucket holding the secondary inventory (optional)")
	f.StringVar(&c.inventoryPrefix, "inventory-prefix", "", "key prefix of inventory records")
	f.StringVar(&c.inventoryRegion, "inventory-region", "", "region of the inventory bucket")
	f.StringVar(&c.inventoryAccessKey, "inventory-access-key", "", "access key for the inventory bucket")
	f.StringVar(&c.inventorySecretKey, "inventory-secret-key", "", "secret key for the inventory bucket")
}

// newProvisioner enumerates regions with ambient AWS credentials and
// wires up the workflows. The inventory client, when configured, is
// constructed with its own explicit credentials rather than borrowing
// the ambient ones.
func (c *provisionerCommand) newProvisioner(ctx context.Context) (*provisioner.Provisioner, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "loading AWS configuration")
	}
	reg, err := registry.NewFromConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var inv inventory.Inventory
	if c.inventoryBucket != "" {
		s3inv, err := inventory.NewFromConfig(ctx, inventory.Config{
			Bucket:    c.inventoryBucket,
			Prefix:    c.inventoryPrefix,
			Region:    c.inventoryRegion,
			AccessKey: c.inventoryAccessKey,
			SecretKey: c.inventorySecretKey,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		inv = s3inv
	}
	return provisioner.New(provisioner.Config{
		Registry:  reg,
		Inventory: inv,
	})
}

// tagsValue collects repeatable --tag flags.
type tagsValue []string

// Set implements gnuflag.Value.
func (v *tagsValue) Set(s string) error {
	if s == "" {
		return errors.NotValidf("empty tag")
	}
	*v = append(*v, s)
	return nil
}

// String implements gnuflag.Value.
func (v *tagsValue) String() string {
	return strings.Join(*v, ",")
}
