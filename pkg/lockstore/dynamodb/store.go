// Package dynamodb stores lock records as DynamoDB items guarded by condition expressions.
package dynamodb

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/observability/logger"
)

const (
	// DefaultTable is the lock table used when none is configured.
	DefaultTable = "shedlock"

	attrID        = "_id"
	attrLockUntil = "lock_until"
	attrLockedAt  = "locked_at"
	attrLockedBy  = "locked_by"
	attrToken     = "token"

	tableActiveTimeout = 2 * time.Minute
)

// API is the subset of *dynamodb.Client the store needs.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Config holds DynamoDB client configuration for the lock table.
type Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Table           string
}

func (c *Config) normalize() {
	c.Table = strings.TrimSpace(c.Table)
	if c.Table == "" {
		c.Table = DefaultTable
	}
}

// Store implements lock.Store on one item per lock name. Times are stored as unix milliseconds.
type Store struct {
	api   API
	log   logger.Logger
	table string
}

var (
	_ lock.Store         = (*Store)(nil)
	_ lock.SchemaManager = (*Store)(nil)
)

// New builds an AWS SDK v2 client from cfg.
func New(ctx context.Context, cfg Config, log logger.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "aws region is required", nil)
	}
	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, lock.WrapError(lock.ErrStoreUnavailable, "load aws config failed", err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	store, err := NewWithAPI(dynamodb.NewFromConfig(awsCfg, opts...), cfg, log)
	if err != nil {
		return nil, err
	}
	store.log.Info("dynamodb lock store initialized", "region", cfg.Region, "endpoint", cfg.Endpoint, "table", store.table)
	return store, nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, cfg Config, log logger.Logger) (*Store, error) {
	if api == nil {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "dynamodb client is required", nil)
	}
	if log == nil {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "logger is required", nil)
	}
	cfg.normalize()
	return &Store{
		api:   api,
		log:   log.With("lock_store", "dynamodb"),
		table: cfg.Table,
	}, nil
}

// EnsureSchema creates the lock table on demand and waits until it is active.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return lock.WrapError(lock.ErrStoreUnavailable, "describe dynamodb lock table failed", err)
	}

	_, err = s.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrID), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrID), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return lock.WrapError(lock.ErrStoreUnavailable, "create dynamodb lock table failed", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.api)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, tableActiveTimeout); err != nil {
		return lock.WrapError(lock.ErrStoreUnavailable, "wait for dynamodb lock table failed", err)
	}
	s.log.Info("dynamodb lock table created", "table", s.table)
	return nil
}

// TryAcquire puts the item when it is missing or its lock_until is not after rec.LockedAt.
func (s *Store) TryAcquire(ctx context.Context, rec lock.Record) (bool, error) {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			attrID:        &types.AttributeValueMemberS{Value: rec.Name},
			attrLockUntil: millis(rec.LockedUntil),
			attrLockedAt:  millis(rec.LockedAt),
			attrLockedBy:  &types.AttributeValueMemberS{Value: rec.LockedBy},
			attrToken:     &types.AttributeValueMemberS{Value: rec.Token},
		},
		ConditionExpression: aws.String("attribute_not_exists(#id) OR #lock_until <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#id":         attrID,
			"#lock_until": attrLockUntil,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": millis(rec.LockedAt),
		},
	})
	return s.conditionalResult("dynamodb acquire failed", err)
}

// Release sets lock_until when token still owns the item.
func (s *Store) Release(ctx context.Context, name, token string, _, until time.Time) (bool, error) {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.key(name),
		UpdateExpression:    aws.String("SET #lock_until = :until"),
		ConditionExpression: aws.String("#token = :token"),
		ExpressionAttributeNames: map[string]string{
			"#lock_until": attrLockUntil,
			"#token":      attrToken,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":until": millis(until),
			":token": &types.AttributeValueMemberS{Value: token},
		},
	})
	return s.conditionalResult("dynamodb release failed", err)
}

// Extend moves lock_until forward when token owns an item that is still live at now.
func (s *Store) Extend(ctx context.Context, name, token string, now, until time.Time) (bool, error) {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.key(name),
		UpdateExpression:    aws.String("SET #lock_until = :until"),
		ConditionExpression: aws.String("#token = :token AND #lock_until > :now"),
		ExpressionAttributeNames: map[string]string{
			"#lock_until": attrLockUntil,
			"#token":      attrToken,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":until": millis(until),
			":now":   millis(now),
			":token": &types.AttributeValueMemberS{Value: token},
		},
	})
	return s.conditionalResult("dynamodb extend failed", err)
}

// Get reads the item for name with a strongly consistent read.
func (s *Store) Get(ctx context.Context, name string) (*lock.Record, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(name),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, lock.WrapError(lock.ErrStoreUnavailable, "dynamodb get failed", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	rec, err := decodeRecord(out.Item)
	if err != nil {
		return nil, lock.WrapError(lock.ErrStoreUnavailable, "dynamodb item is malformed", err)
	}
	return rec, nil
}

// HealthCheck describes the lock table.
func (s *Store) HealthCheck(ctx context.Context) error {
	if _, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}); err != nil {
		return lock.WrapError(lock.ErrStoreUnavailable, "dynamodb healthcheck failed", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no connections that need closing.
func (s *Store) Close() error { return nil }

func (s *Store) key(name string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrID: &types.AttributeValueMemberS{Value: name}}
}

func (s *Store) conditionalResult(message string, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return false, nil
	}
	return false, lock.WrapError(lock.ErrStoreUnavailable, message, err)
}

func millis(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func decodeRecord(item map[string]types.AttributeValue) (*lock.Record, error) {
	name, err := stringAttr(item, attrID)
	if err != nil {
		return nil, err
	}
	lockUntil, err := timeAttr(item, attrLockUntil)
	if err != nil {
		return nil, err
	}
	lockedAt, err := timeAttr(item, attrLockedAt)
	if err != nil {
		return nil, err
	}
	lockedBy, _ := stringAttr(item, attrLockedBy)
	token, _ := stringAttr(item, attrToken)
	return &lock.Record{
		Name:        name,
		LockedUntil: lockUntil,
		LockedAt:    lockedAt,
		LockedBy:    lockedBy,
		Token:       token,
	}, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) (string, error) {
	value, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("attribute " + name + " is not a string")
	}
	return value.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, name string) (time.Time, error) {
	value, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return time.Time{}, errors.New("attribute " + name + " is not a number")
	}
	ms, err := strconv.ParseInt(value.Value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
