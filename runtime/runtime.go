package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gomodule/redigo/redis"
	"github.com/jmoiron/sqlx"
	"github.com/nyaruka/gocommon/aws/cwatch"
	"github.com/nyaruka/gocommon/aws/dynamo"
)

// Runtime is the set of shared client handles that workers operate against
type Runtime struct {
	Config *Config
	DB     *sqlx.DB
	RP     *redis.Pool
	SQS    *sqs.Client
	S3     *s3.Client
	Dynamo *dynamo.Service
	CW     *cwatch.Service
}

// NewRuntime creates a new runtime for the passed in config
func NewRuntime(cfg *Config) (*Runtime, error) {
	rt := &Runtime{Config: cfg}

	var err error

	rt.DB, err = sqlx.Open("postgres", cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("error creating Postgres connection pool: %w", err)
	}
	rt.DB.SetMaxIdleConns(4)
	rt.DB.SetMaxOpenConns(16)

	rt.RP = &redis.Pool{
		MaxActive:   8,
		MaxIdle:     4,
		Wait:        true,
		IdleTimeout: 180 * time.Second,
		Dial:        func() (redis.Conn, error) { return redis.DialURL(cfg.Redis) },
	}

	awsCfg, err := awsConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating AWS config: %w", err)
	}
	rt.SQS = sqs.NewFromConfig(awsCfg)
	rt.S3 = s3.NewFromConfig(awsCfg)

	rt.Dynamo, err = dynamo.NewService(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, cfg.AWSRegion, cfg.DynamoEndpoint, cfg.DynamoTablePrefix)
	if err != nil {
		return nil, fmt.Errorf("error creating DynamoDB service: %w", err)
	}

	rt.CW, err = cwatch.NewService(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, cfg.AWSRegion, cfg.CloudwatchNamespace, cfg.DeploymentID)
	if err != nil {
		return nil, fmt.Errorf("error creating Cloudwatch service: %w", err)
	}

	return rt, nil
}

// Start tests the database and redis connections
func (rt *Runtime) Start() error {
	if err := rt.DB.Ping(); err != nil {
		return fmt.Errorf("error pinging database: %w", err)
	}

	rc := rt.RP.Get()
	defer rc.Close()
	if _, err := rc.Do("PING"); err != nil {
		return fmt.Errorf("error pinging redis: %w", err)
	}
	return nil
}

// Stop closes our database and redis connections
func (rt *Runtime) Stop() error {
	if err := rt.DB.Close(); err != nil {
		return err
	}
	return rt.RP.Close()
}

func awsConfig(cfg *Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if cfg.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, "")))
	}
	return awsconfig.LoadDefaultConfig(context.Background(), opts...)
}
