package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain/repositories"
)

// S3Client abstracts the S3 API operations used by S3Store.
// The s3.Client type satisfies this interface.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Presigner abstracts presigned GET URL creation.
// The s3.PresignClient type satisfies this interface.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Config configures the S3 chunk store. Endpoint is set for S3-compatible
// stores such as MinIO or R2.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	URLExpiry       time.Duration
}

// NewS3ConfigFromEnv reads the chunk store settings from the environment
func NewS3ConfigFromEnv() S3Config {
	config := S3Config{
		Bucket:          os.Getenv("AUDIO_S3_BUCKET"),
		Prefix:          os.Getenv("AUDIO_S3_PREFIX"),
		Region:          os.Getenv("AUDIO_S3_REGION"),
		Endpoint:        os.Getenv("AUDIO_S3_ENDPOINT"),
		AccessKeyID:     os.Getenv("AUDIO_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AUDIO_S3_SECRET_ACCESS_KEY"),
	}
	if minutes, err := strconv.Atoi(os.Getenv("AUDIO_S3_URL_EXPIRY_MINUTES")); err == nil && minutes > 0 {
		config.URLExpiry = time.Duration(minutes) * time.Minute
	}
	return config
}

// ValidateS3Config validates the S3Config
func ValidateS3Config(config S3Config) error {
	if config.Bucket == "" {
		return errors.New("bucket is required")
	}
	if (config.AccessKeyID == "") != (config.SecretAccessKey == "") {
		return errors.New("access key ID and secret access key must be set together")
	}
	return nil
}

// S3Store uploads synthesized chunks to S3 and hands out presigned GET URLs
type S3Store struct {
	client    S3Client
	presigner Presigner
	bucket    string
	prefix    string
	expiry    time.Duration
	logger    *zap.Logger
}

var _ repositories.ChunkStore = (*S3Store)(nil)

// NewS3Store creates an S3 chunk store from explicit clients
func NewS3Store(client S3Client, presigner Presigner, config S3Config, logger *zap.Logger) (*S3Store, error) {
	if err := ValidateS3Config(config); err != nil {
		return nil, err
	}
	if config.URLExpiry <= 0 {
		config.URLExpiry = 15 * time.Minute
		logger.Info("Using default URL expiry", zap.Duration("urlExpiry", config.URLExpiry))
	}
	return &S3Store{
		client:    client,
		presigner: presigner,
		bucket:    config.Bucket,
		prefix:    config.Prefix,
		expiry:    config.URLExpiry,
		logger:    logger,
	}, nil
}

// NewS3StoreFromConfig builds the AWS clients from config. Static credentials
// are used when given; otherwise the SDK default chain applies.
func NewS3StoreFromConfig(config S3Config, logger *zap.Logger) (*S3Store, error) {
	if err := ValidateS3Config(config); err != nil {
		return nil, err
	}
	if config.Region == "" {
		config.Region = "us-east-1"
		logger.Info("Using default region", zap.String("region", config.Region))
	}

	awsConfig := aws.Config{Region: config.Region}
	if config.AccessKeyID != "" {
		awsConfig.Credentials = credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, "")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Store(client, s3.NewPresignClient(client), config, logger)
}

func (s *S3Store) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Put implements repositories.ChunkStore and returns a presigned URL
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	objectKey := s.key(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload chunk %s: %w", key, err)
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign chunk %s: %w", key, err)
	}

	s.logger.Debug("Stored audio chunk", zap.String("key", objectKey), zap.Int("size", len(data)))
	return req.URL, nil
}

// Get downloads a stored chunk and its content type
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, "", fmt.Errorf("chunk %s: %w", key, repositories.ErrNotFound)
		}
		return nil, "", fmt.Errorf("failed to download chunk %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read chunk %s: %w", key, err)
	}
	return data, aws.ToString(out.ContentType), nil
}

// isS3NotFound reports whether err indicates the S3 object does not exist
func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
