// Package s3util provides the S3 access shared by both pipeline Lambdas:
// fetching an uploaded batch payload into memory.
package s3util

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// maxPayloadBytes caps how much of a batch object is read. Uploads are small
// JSON files; anything near this size is a misdirected object, and loading
// it unbounded would exhaust Lambda memory.
const maxPayloadBytes = 64 * 1024 * 1024 // 64 MiB

// ReadObject fetches s3://bucket/key into memory.
func ReadObject(ctx context.Context, client *s3.Client, bucket, key string) ([]byte, error) {
	log.Debug().Str("bucket", bucket).Str("key", key).Msg("Fetching batch payload from S3")

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("S3 GetObject s3://%s/%s: %w", bucket, key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(io.LimitReader(result.Body, maxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", bucket, key, err)
	}
	if len(data) > maxPayloadBytes {
		return nil, fmt.Errorf("s3://%s/%s exceeds %d byte payload limit", bucket, key, maxPayloadBytes)
	}
	return data, nil
}
