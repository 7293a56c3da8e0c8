package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/Backblaze/blazer/b2"
)

// B2Provider uploads to a Backblaze B2 bucket. The account is authorized on
// first use since that needs the network.
type B2Provider struct {
	accountID string
	appKey    string
	bucket    string

	mu     sync.Mutex
	handle *b2.Bucket
}

func NewB2Provider(accountID, appKey, bucket string) *B2Provider {
	return &B2Provider{accountID: accountID, appKey: appKey, bucket: bucket}
}

func (p *B2Provider) Name() string { return "b2" }

func (p *B2Provider) bucketHandle(ctx context.Context) (*b2.Bucket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle != nil {
		return p.handle, nil
	}
	if p.accountID == "" || p.appKey == "" || p.bucket == "" {
		return nil, errors.New("b2 account id, application key and bucket are required")
	}
	client, err := b2.NewClient(ctx, p.accountID, p.appKey)
	if err != nil {
		return nil, fmt.Errorf("b2 authorize: %w", err)
	}
	bucket, err := client.Bucket(ctx, p.bucket)
	if err != nil {
		return nil, fmt.Errorf("b2 bucket %s: %w", p.bucket, err)
	}
	p.handle = bucket
	return bucket, nil
}

func (p *B2Provider) Upload(ctx context.Context, localPath, key string) error {
	bucket, err := p.bucketHandle(ctx)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	w := bucket.Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("b2 upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("b2 upload %s: %w", key, err)
	}
	return nil
}
