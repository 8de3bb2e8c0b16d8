// Package main provides the Lambda entry point for the classification
// pipeline.
//
// The Lambda is triggered by SNS notifications wrapping S3 ObjectCreated
// events on the visits upload bucket. Each uploaded object is one batch of
// visit-note records; each batch is processed as an independent pipeline
// invocation, so one malformed object never fails its siblings in the same
// event. Redelivered events are safe: result writes are keyed upserts.
//
// Memory: 256 MB
// Timeout: 5 minutes
package main

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/opencare/visit-insights/internal/classify"
	"github.com/opencare/visit-insights/internal/extract"
	"github.com/opencare/visit-insights/internal/lambdaboot"
	"github.com/opencare/visit-insights/internal/logging"
	"github.com/opencare/visit-insights/internal/pipeline"
	"github.com/opencare/visit-insights/internal/s3util"
)

var coldStart = true

// Clients initialized at cold start.
var (
	s3Client *s3.Client
	pipe     *pipeline.Pipeline
)

func init() {
	initStart := time.Now()
	logging.Init()

	awsClients := lambdaboot.InitAWS()
	s3Client = lambdaboot.InitS3(awsClients.Config)
	store := lambdaboot.InitResultStore(awsClients.Config, "CLASSIFICATION_TABLE_NAME", "")
	invoker := lambdaboot.InitInvoker(awsClients.Config, awsClients.SSM)

	classifier := classify.New(invoker, classify.DefaultConfig())
	pipe = pipeline.New(classifier, nil, store, lambdaboot.PipelineConfig())

	lambdaboot.StartupLog("classify-lambda", initStart).
		DynamoTable("classifications", logging.EnvOrDefault("CLASSIFICATION_TABLE_NAME", "")).
		Config("modelId", logging.EnvOrDefault("BEDROCK_MODEL_ID", "default")).
		Config("workerPoolSize", logging.EnvOrDefault("WORKER_POOL_SIZE", "8")).
		Log()
}

func main() {
	lambda.Start(handler)
}

// Response mirrors the run outcome back to the trigger for observability.
type Response struct {
	ProcessedObjects int `json:"processed_objects"`
}

func handler(ctx context.Context, snsEvent events.SNSEvent) (Response, error) {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "classify-lambda").Msg("Cold start — first invocation")
	}

	processed := 0
	for _, record := range snsEvent.Records {
		var s3Event events.S3Event
		if err := json.Unmarshal([]byte(record.SNS.Message), &s3Event); err != nil {
			log.Error().Err(err).Str("messageId", record.SNS.MessageID).Msg("SNS message is not an S3 event")
			continue
		}

		for _, s3Record := range s3Event.Records {
			bucket := s3Record.S3.Bucket.Name
			key := s3Record.S3.Object.Key
			processBatch(ctx, bucket, key)
			processed++
		}
	}

	return Response{ProcessedObjects: processed}, nil
}

// processBatch runs the classification pipeline for one uploaded object.
// Failures are logged, never propagated: sibling objects in the same event
// must still be processed, and SNS redelivery of a structurally-broken
// payload would fail identically.
func processBatch(ctx context.Context, bucket, key string) {
	log.Info().Str("bucket", bucket).Str("key", key).Msg("Processing uploaded batch")

	objectKey := key
	if decoded, err := url.QueryUnescape(key); err == nil {
		objectKey = decoded
	}

	payload, err := s3util.ReadObject(ctx, s3Client, bucket, objectKey)
	if err != nil {
		log.Error().Err(err).Str("bucket", bucket).Str("key", objectKey).Msg("Failed to fetch batch payload")
		return
	}

	batchID := extract.BatchIDFromKey(key)
	if _, err := pipe.RunClassification(ctx, payload, batchID); err != nil {
		log.Error().Err(err).Str("batchId", batchID).Msg("Classification run failed")
	}
}
