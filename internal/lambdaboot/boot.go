// Package lambdaboot provides shared Lambda cold-start bootstrap logic.
//
// Both pipeline Lambdas need some subset of: AWS config, S3, DynamoDB,
// Bedrock, an SSM parameter fetch, and startup logging. This package
// extracts the common init patterns so each Lambda's init() is a short
// composition of helpers.
package lambdaboot

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/opencare/visit-insights/internal/inference"
	"github.com/opencare/visit-insights/internal/logging"
	"github.com/opencare/visit-insights/internal/pipeline"
	"github.com/opencare/visit-insights/internal/resultstore"
)

// Defaults for pipeline tuning when the environment does not override them.
const (
	defaultWorkers        = 8
	defaultUnitTimeoutSec = 30
	defaultInvokeTimeout  = 25 * time.Second
)

// AWSClients holds the core AWS SDK clients used across Lambdas.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitAWS loads the default AWS config and returns it along with common clients.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}
}

// InitS3 creates an S3 client for reading batch payloads.
func InitS3(cfg aws.Config) *s3.Client {
	return s3.NewFromConfig(cfg)
}

// InitResultStore creates the DynamoDB-backed result store. Table names are
// read from the given environment variables; an empty variable disables that
// table, but at least one must be set.
func InitResultStore(cfg aws.Config, classificationTableEnv, summariesTableEnv string) *resultstore.Store {
	classTable := os.Getenv(classificationTableEnv)
	summariesTable := os.Getenv(summariesTableEnv)
	if classTable == "" && summariesTable == "" {
		log.Fatal().
			Str("classificationEnvVar", classificationTableEnv).
			Str("summariesEnvVar", summariesTableEnv).
			Msg("No result table configured")
	}
	client := dynamodb.NewFromConfig(cfg)
	return resultstore.New(client, classTable, summariesTable, resultstore.Config{})
}

// InitInvoker creates the Bedrock invoker. The model ID resolves from the
// BEDROCK_MODEL_ID environment variable, then an optional SSM parameter
// (SSM_MODEL_ID_PARAM), then the package default.
func InitInvoker(cfg aws.Config, ssmClient *ssm.Client) *inference.BedrockInvoker {
	modelID := os.Getenv("BEDROCK_MODEL_ID")
	if modelID == "" {
		if paramName := os.Getenv("SSM_MODEL_ID_PARAM"); paramName != "" {
			result, err := ssmClient.GetParameter(context.Background(), &ssm.GetParameterInput{
				Name: &paramName,
			})
			if err != nil {
				log.Warn().Err(err).Str("param", paramName).Msg("Model ID parameter not readable — using default model")
			} else {
				modelID = *result.Parameter.Value
				log.Debug().Str("param", paramName).Str("model", modelID).Msg("Model ID loaded from SSM")
			}
		}
	}
	return inference.NewBedrockInvoker(bedrockruntime.NewFromConfig(cfg), modelID, defaultInvokeTimeout)
}

// PipelineConfig builds the orchestrator configuration from the environment:
// WORKER_POOL_SIZE and UNIT_TIMEOUT_SECONDS, with safe defaults.
func PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Workers:     envInt("WORKER_POOL_SIZE", defaultWorkers),
		UnitTimeout: time.Duration(envInt("UNIT_TIMEOUT_SECONDS", defaultUnitTimeoutSec)) * time.Second,
	}
}

func envInt(envVar string, defaultVal int) int {
	v := os.Getenv(envVar)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn().Str("envVar", envVar).Str("value", v).Int("default", defaultVal).Msg("Invalid numeric setting — using default")
		return defaultVal
	}
	return n
}

// StartupLog is a convenience wrapper for the startup logger.
func StartupLog(name string, initStart time.Time) *logging.StartupLogger {
	return logging.NewStartupLogger(name).InitDuration(time.Since(initStart))
}
