// Package files writes export outputs to local disk or S3, and opens local
// fact files for the operator CLI.
package files

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials/stscreds"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/CMSgov/claimfin/conf"
)

type Config struct {
	Region        string `conf:"AWS_REGION" conf_default:"us-east-1"`
	Endpoint      string `conf:"CLAIMFIN_S3_ENDPOINT"`
	AssumeRoleArn string `conf:"CLAIMFIN_S3_ASSUME_ROLE_ARN"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := conf.Checkout(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Handler writes whole files addressed by path.
type Handler interface {
	Create(ctx context.Context, path string) (io.WriteCloser, error)
}

// IsS3 reports whether path is an s3:// uri.
func IsS3(path string) bool {
	return strings.HasPrefix(path, "s3://")
}

// NewHandler returns the handler that serves path.
func NewHandler(path string, cfg Config, logger logrus.FieldLogger) (Handler, error) {
	if !IsS3(path) {
		return &LocalFileHandler{Logger: logger}, nil
	}
	sess, err := newSession(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create S3 session")
	}
	return &S3FileHandler{Logger: logger, Client: s3.New(sess)}, nil
}

// LocalFileHandler serves paths on local disk. A path of - is stdin or
// stdout.
type LocalFileHandler struct {
	Logger logrus.FieldLogger
}

func (h *LocalFileHandler) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	h.Logger.Infof("Opening file %s", path)
	return os.Open(filepath.Clean(path))
}

func (h *LocalFileHandler) Create(ctx context.Context, path string) (io.WriteCloser, error) {
	if path == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	/* #nosec -- 0640 permissions required for downstream ingestion */
	return os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// S3FileHandler serves s3://bucket/key paths. Created objects are buffered
// in memory and uploaded on Close.
type S3FileHandler struct {
	Logger logrus.FieldLogger
	Client s3iface.S3API
}

func (h *S3FileHandler) Create(ctx context.Context, path string) (io.WriteCloser, error) {
	bucket, key := ParseS3Uri(path)
	if key == "" {
		return nil, errors.Errorf("s3 path %s has no key", path)
	}
	return &s3Object{ctx: ctx, handler: h, bucket: bucket, key: key}, nil
}

type s3Object struct {
	bytes.Buffer
	ctx     context.Context
	handler *S3FileHandler
	bucket  string
	key     string
}

func (o *s3Object) Close() error {
	_, err := o.handler.Client.PutObjectWithContext(o.ctx, &s3.PutObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key),
		Body:   bytes.NewReader(o.Bytes()),
	})
	if err != nil {
		o.handler.Logger.Errorf("Failed to upload bucket %s, key %s", o.bucket, o.key)
		return errors.Wrapf(err, "failed to put s3://%s/%s", o.bucket, o.key)
	}
	o.handler.Logger.Infof("file uploaded: size=%d", o.Len())
	return nil
}

func newSession(cfg Config) (*session.Session, error) {
	sess := session.Must(session.NewSession())

	config := aws.Config{
		Region: aws.String(cfg.Region),
	}

	if cfg.Endpoint != "" {
		config.S3ForcePathStyle = aws.Bool(true)
		config.Endpoint = &cfg.Endpoint
	}

	if cfg.AssumeRoleArn != "" {
		config.Credentials = stscreds.NewCredentials(
			sess,
			cfg.AssumeRoleArn,
		)
	}

	return session.NewSessionWithOptions(session.Options{
		Config: config,
	})
}

// ParseS3Uri splits an s3 uri into its bucket and key.
//
//	s3://my-bucket/path/to/file -> "my-bucket", "path/to/file"
//	s3://my-bucket              -> "my-bucket", ""
func ParseS3Uri(str string) (bucket string, key string) {
	workingString := strings.TrimPrefix(str, "s3://")
	resultArr := strings.SplitN(workingString, "/", 2)

	if len(resultArr) == 1 {
		return resultArr[0], ""
	}

	return resultArr[0], resultArr[1]
}
