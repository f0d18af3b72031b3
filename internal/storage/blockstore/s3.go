package blockstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ipfs/go-cid"

	"github.com/tinycloudlabs/tinycloud-node/pkg/cidutil"
	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
)

// S3Config selects the bucket and optional endpoint for S3-compatible
// backends.
type S3Config struct {
	Bucket    string
	KeyPrefix string
	// Endpoint overrides the AWS endpoint for S3-compatible services.
	Endpoint string
	Region   string
}

// S3 stores blocks in an S3-compatible bucket. Object writes are atomic per
// key, so staging happens in memory before the single PutObject call.
type S3 struct {
	client *s3.Client
	cfg    S3Config
	logger *slog.Logger
}

var _ Store = (*S3)(nil)

// OpenS3 builds an S3 store from ambient AWS configuration.
func OpenS3(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 block store requires a bucket")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindTransient, err, "load aws config")
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	if logger == nil {
		logger = slog.Default()
	}
	return &S3{client: client, cfg: cfg, logger: logger}, nil
}

// NewS3WithClient wires an existing client.
func NewS3WithClient(client *s3.Client, cfg S3Config, logger *slog.Logger) *S3 {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3{client: client, cfg: cfg, logger: logger}
}

func (s *S3) key(c cid.Cid) string {
	return s.cfg.KeyPrefix + cidutil.Format(c)
}

func (s *S3) Put(ctx context.Context, c cid.Cid, data []byte) error {
	if err := verifyBlock(c, data); err != nil {
		return err
	}
	if ok, err := s.Has(ctx, c); err == nil && ok {
		return nil
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(c)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return tcerr.Wrap(tcerr.KindTransient, err, "s3 put %s", cidutil.Format(c))
	}
	return nil
}

func (s *S3) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(c)),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, tcerr.Wrap(tcerr.KindTransient, err, "s3 get %s", cidutil.Format(c))
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindTransient, err, "s3 read %s", cidutil.Format(c))
	}
	return data, nil
}

func (s *S3) Has(ctx context.Context, c cid.Cid) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(c)),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, tcerr.Wrap(tcerr.KindTransient, err, "s3 head %s", cidutil.Format(c))
	}
	return true, nil
}

func (s *S3) Delete(ctx context.Context, c cid.Cid) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(c)),
	})
	if err != nil {
		return tcerr.Wrap(tcerr.KindTransient, err, "s3 delete %s", cidutil.Format(c))
	}
	return nil
}

func (s *S3) IterPrefix(ctx context.Context, prefix string, fn func(cid.Cid) error) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.cfg.KeyPrefix + prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return tcerr.Wrap(tcerr.KindTransient, err, "s3 list")
		}
		for _, obj := range page.Contents {
			name := aws.ToString(obj.Key)[len(s.cfg.KeyPrefix):]
			c, err := cidutil.Parse(name)
			if err != nil {
				s.logger.Warn("skipping non-cid object in block bucket", "key", aws.ToString(obj.Key))
				continue
			}
			if err := fn(c); err != nil {
				return err
			}
		}
	}
	return nil
}
