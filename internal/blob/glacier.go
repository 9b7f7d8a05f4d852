package blob

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
)

// GlacierArchiver moves hot-tier objects into a Glacier vault.
type GlacierArchiver struct {
	client *glacier.Client
	store  Store
	vault  string
}

// NewGlacierArchiver builds the production cold tier. Reads go through the
// given hot store so the archived bytes are the object contents, not a
// reference to them.
func NewGlacierArchiver(ctx context.Context, region, vault string, store Store) (*GlacierArchiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &GlacierArchiver{
		client: glacier.NewFromConfig(cfg),
		store:  store,
		vault:  vault,
	}, nil
}

func (g *GlacierArchiver) Archive(ctx context.Context, bucket, key string) (string, error) {
	var buf bytes.Buffer
	if err := g.store.Download(ctx, bucket, key, &buf); err != nil {
		return "", fmt.Errorf("read hot copy: %w", err)
	}
	out, err := g.client.UploadArchive(ctx, &glacier.UploadArchiveInput{
		AccountId:          aws.String("-"),
		VaultName:          aws.String(g.vault),
		ArchiveDescription: aws.String(fmt.Sprintf("results archive %s/%s", bucket, key)),
		Body:               bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return "", fmt.Errorf("upload archive for %s/%s: %w", bucket, key, err)
	}
	return aws.ToString(out.ArchiveId), nil
}
