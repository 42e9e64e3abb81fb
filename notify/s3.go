package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// putObjectAPI is the part of *s3.Client the journal uses.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Journal keeps every event as a JSON object in an operator bucket, keyed
// by day and event id so a listing reads in time order.
type S3Journal struct {
	bucket string
	client putObjectAPI
}

// NewS3Journal uses the default AWS credential chain.
func NewS3Journal(ctx context.Context, region, bucket string) (*S3Journal, error) {
	client, err := getClient(ctx, region)
	if err != nil {
		return nil, err
	}
	return &S3Journal{bucket: bucket, client: client}, nil
}

func (j *S3Journal) Notify(ctx context.Context, event Event) error {
	event = stamp(event)
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "unable to encode event")
	}
	key := journalKey(event)
	_, err = j.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(j.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return errors.Wrapf(err, "S3 PUT %s/%s", j.bucket, key)
	}
	log.WithFields(log.Fields{"bucket": j.bucket, "key": key}).Debug("event journaled")
	return nil
}

func journalKey(event Event) string {
	t := event.Time.UTC()
	return fmt.Sprintf("events/%04d/%02d/%02d/%s.json", t.Year(), t.Month(), t.Day(), event.ID)
}

func getClient(ctx context.Context, region string) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create s3 session")
	}
	return s3.NewFromConfig(cfg, func(options *s3.Options) {
		options.Region = region
	}), nil
}
