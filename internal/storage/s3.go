package storage

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
)

type s3backend struct {
	client *s3.Client
	bucket string
}

// NewS3 returns a Backend storing objects in an S3 bucket through the
// native multipart upload API.
func NewS3(client *s3.Client, bucket string) Backend {
	return &s3backend{
		client: client,
		bucket: bucket,
	}
}

// S3Params holds the credentials and location of the bucket.
type S3Params struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3FromParams builds the S3 client from static credentials and returns
// the Backend.
func NewS3FromParams(ctx context.Context, params S3Params) (Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(params.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "could not load aws credentials")
	}

	return NewS3(s3.NewFromConfig(cfg), params.Bucket), nil
}

func (b *s3backend) Name() string {
	return "s3"
}

func (b *s3backend) Initiate(ctx context.Context, key string) (string, error) {
	output, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", errors.Wrap(err, "could not initiate multipart upload")
	}
	return aws.ToString(output.UploadId), nil
}

func (b *s3backend) UploadPart(ctx context.Context, key, handle string, number int, r io.Reader) (string, error) {
	output, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(handle),
		PartNumber: aws.Int32(int32(number)),
		Body:       r,
	})
	if err != nil {
		return "", classify(err, "could not upload part")
	}
	return aws.ToString(output.ETag), nil
}

func (b *s3backend) Complete(ctx context.Context, key, handle string, parts []Part) (string, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(int32(part.Number)),
			ETag:       aws.String(part.AckToken),
		})
	}

	_, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(handle),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return "", classify(err, "could not complete multipart upload")
	}
	return key, nil
}

func (b *s3backend) Abort(ctx context.Context, key, handle string) error {
	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(handle),
	})
	if err != nil {
		return classify(err, "could not abort multipart upload")
	}
	return nil
}

func (b *s3backend) Reader(ctx context.Context, key string) (io.ReadCloser, error) {
	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not get object")
	}
	return output.Body, nil
}

func (b *s3backend) Cleanup() error {
	// S3 expires stale multipart uploads through bucket lifecycle rules.
	return nil
}

// classify maps the S3 error taxonomy onto ours. An unknown upload id means
// the multipart session expired backend-side.
func classify(err error, message string) error {
	var ae smithy.APIError
	if errors.As(err, &ae) && ae.ErrorCode() == "NoSuchUpload" {
		return errors.Wrap(ErrSessionInvalid, ae.ErrorMessage())
	}
	return errors.Wrap(err, message)
}
