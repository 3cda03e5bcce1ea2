package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"questbot/internal/domain"
)

const (
	attrPK        = "PK"
	attrValue     = "value"
	attrExpiresAt = "expiresAt" // unix milliseconds, checked on read
	attrTTL       = "ttl"       // unix seconds, for the table's TTL sweeper
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore implements KV on a single DynamoDB table with a string partition key "PK".
// DynamoDB deletes expired items lazily, so expiry is also enforced on every read and
// conditional write.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamoStore creates a KV backed by tableName.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("store: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("store: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, now: time.Now}, nil
}

func (d *DynamoStore) keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: key},
	}
}

func (d *DynamoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, &domain.StoreError{Op: "get", Key: key, Err: err}
	}
	if out == nil || len(out.Item) == 0 {
		return nil, false, nil
	}
	if expiresAt, ok := numAttr(out.Item, attrExpiresAt); ok && expiresAt <= d.now().UnixMilli() {
		return nil, false, nil
	}
	v, ok := out.Item[attrValue].(*types.AttributeValueMemberB)
	if !ok {
		return nil, false, &domain.StoreError{Op: "get", Key: key, Err: errors.New("value attribute is not binary")}
	}
	return v.Value, true, nil
}

func (d *DynamoStore) Set(ctx context.Context, key string, value []byte, opts SetOptions) (bool, error) {
	now := d.now()
	item := d.keyAttr(key)
	item[attrValue] = &types.AttributeValueMemberB{Value: value}
	if opts.TTL > 0 {
		expires := now.Add(opts.TTL)
		item[attrExpiresAt] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expires.UnixMilli(), 10)}
		// round up so the sweeper never removes an item before it is logically expired
		item[attrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expires.Unix()+1, 10)}
	}

	in := &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	}
	if opts.OnlyIfAbsent {
		in.ConditionExpression = aws.String("attribute_not_exists(#pk) OR #exp <= :now")
		in.ExpressionAttributeNames = map[string]string{"#pk": attrPK, "#exp": attrExpiresAt}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		}
	}

	if _, err := d.api.PutItem(ctx, in); err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, &domain.StoreError{Op: "set", Key: key, Err: err}
	}
	return true, nil
}

func (d *DynamoStore) Delete(ctx context.Context, key string) (int64, error) {
	out, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(d.tableName),
		Key:          d.keyAttr(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return 0, &domain.StoreError{Op: "delete", Key: key, Err: err}
	}
	if out == nil || len(out.Attributes) == 0 {
		return 0, nil
	}
	return 1, nil
}

func (d *DynamoStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(d.tableName),
		Key:                      d.keyAttr(key),
		ConditionExpression:      aws.String("#v = :expected"),
		ExpressionAttributeNames: map[string]string{"#v": attrValue},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberB{Value: expected},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, &domain.StoreError{Op: "compare_and_delete", Key: key, Err: err}
	}
	return true, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func numAttr(item map[string]types.AttributeValue, key string) (int64, bool) {
	v, ok := item[key].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
