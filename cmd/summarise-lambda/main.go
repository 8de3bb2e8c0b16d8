// Package main provides the Lambda entry point for the per-client summary
// pipeline.
//
// The Lambda is triggered directly by S3 ObjectCreated events on the visits
// upload bucket. Records in a batch are grouped by client; each group is one
// work unit producing a single chronological summary. Redelivered events are
// safe: summary writes are keyed (batch_id, client) upserts.
//
// Memory: 256 MB
// Timeout: 5 minutes
package main

import (
	"context"
	"net/url"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/opencare/visit-insights/internal/extract"
	"github.com/opencare/visit-insights/internal/lambdaboot"
	"github.com/opencare/visit-insights/internal/logging"
	"github.com/opencare/visit-insights/internal/pipeline"
	"github.com/opencare/visit-insights/internal/s3util"
	"github.com/opencare/visit-insights/internal/summarise"
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
	store := lambdaboot.InitResultStore(awsClients.Config, "", "SUMMARIES_TABLE_NAME")
	invoker := lambdaboot.InitInvoker(awsClients.Config, awsClients.SSM)

	summariser := summarise.New(invoker, summarise.DefaultConfig())
	pipe = pipeline.New(nil, summariser, store, lambdaboot.PipelineConfig())

	lambdaboot.StartupLog("summarise-lambda", initStart).
		DynamoTable("summaries", logging.EnvOrDefault("SUMMARIES_TABLE_NAME", "")).
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

func handler(ctx context.Context, s3Event events.S3Event) (Response, error) {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "summarise-lambda").Msg("Cold start — first invocation")
	}

	processed := 0
	for _, record := range s3Event.Records {
		processBatch(ctx, record.S3.Bucket.Name, record.S3.Object.Key)
		processed++
	}
	return Response{ProcessedObjects: processed}, nil
}

// processBatch runs the summary pipeline for one uploaded object. Failures
// are logged, never propagated, so sibling objects still get processed.
func processBatch(ctx context.Context, bucket, key string) {
	log.Info().Str("bucket", bucket).Str("key", key).Msg("Processing uploaded batch for summarisation")

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
	if _, err := pipe.RunSummaries(ctx, payload, batchID); err != nil {
		log.Error().Err(err).Str("batchId", batchID).Msg("Summary run failed")
	}
}
