package store

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"questbot/internal/domain"
)

type fakeDynamo struct {
	getOut      *dynamodb.GetItemOutput
	getErr      error
	putErr      error
	deleteOut   *dynamodb.DeleteItemOutput
	deleteErr   error
	lastGetIn   *dynamodb.GetItemInput
	lastPutIn   *dynamodb.PutItemInput
	lastDeleteI *dynamodb.DeleteItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetIn = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutIn = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.lastDeleteI = in
	if f.deleteOut == nil {
		return &dynamodb.DeleteItemOutput{}, f.deleteErr
	}
	return f.deleteOut, f.deleteErr
}

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func mustNewDynamo(t *testing.T, db *fakeDynamo) *DynamoStore {
	t.Helper()
	s, err := NewDynamoStore(db, "coordination")
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	return s
}

func item(value string, expiresAtMs int64) map[string]types.AttributeValue {
	it := map[string]types.AttributeValue{
		attrPK:    &types.AttributeValueMemberS{Value: "k"},
		attrValue: &types.AttributeValueMemberB{Value: []byte(value)},
	}
	if expiresAtMs > 0 {
		it[attrExpiresAt] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAtMs, 10)}
	}
	return it
}

func TestNewDynamoStore_Validates(t *testing.T) {
	_, err := NewDynamoStore(nil, "t")
	require.Error(t, err)
	_, err = NewDynamoStore(&fakeDynamo{}, " ")
	require.Error(t, err)
}

func TestDynamoGet_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item("v", fixedNow.Add(time.Minute).UnixMilli())}}
	s := mustNewDynamo(t, db)

	v, ok, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
	require.True(t, aws.ToBool(db.lastGetIn.ConsistentRead))
	require.Equal(t, "coordination", aws.ToString(db.lastGetIn.TableName))
}

func TestDynamoGet_Missing(t *testing.T) {
	s := mustNewDynamo(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, ok, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDynamoGet_ExpiredItemIsAbsent(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item("v", fixedNow.Add(-time.Millisecond).UnixMilli())}}
	s := mustNewDynamo(t, db)
	_, ok, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDynamoGet_NoExpiry(t *testing.T) {
	s := mustNewDynamo(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item("v", 0)}})
	v, ok, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
}

func TestDynamoGet_Error(t *testing.T) {
	s := mustNewDynamo(t, &fakeDynamo{getErr: errors.New("throttled")})
	_, _, err := s.Get(context.Background(), "k")
	require.Error(t, err)
	require.True(t, domain.IsStoreError(err))
	require.ErrorContains(t, err, "throttled")
}

func TestDynamoSet_WritesTTLAttributes(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewDynamo(t, db)

	wrote, err := s.Set(context.Background(), "k", []byte("v"), SetOptions{TTL: 90 * time.Second})
	require.NoError(t, err)
	require.True(t, wrote)
	require.Nil(t, db.lastPutIn.ConditionExpression)

	exp := db.lastPutIn.Item[attrExpiresAt].(*types.AttributeValueMemberN)
	require.Equal(t, strconv.FormatInt(fixedNow.Add(90*time.Second).UnixMilli(), 10), exp.Value)
	ttl := db.lastPutIn.Item[attrTTL].(*types.AttributeValueMemberN)
	require.Equal(t, strconv.FormatInt(fixedNow.Add(90*time.Second).Unix()+1, 10), ttl.Value)
}

func TestDynamoSet_NoTTL(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewDynamo(t, db)
	_, err := s.Set(context.Background(), "k", []byte("v"), SetOptions{})
	require.NoError(t, err)
	require.NotContains(t, db.lastPutIn.Item, attrExpiresAt)
	require.NotContains(t, db.lastPutIn.Item, attrTTL)
}

func TestDynamoSet_OnlyIfAbsent(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewDynamo(t, db)

	wrote, err := s.Set(context.Background(), "k", []byte("v"), SetOptions{TTL: time.Second, OnlyIfAbsent: true})
	require.NoError(t, err)
	require.True(t, wrote)
	require.Contains(t, aws.ToString(db.lastPutIn.ConditionExpression), "attribute_not_exists")

	db.putErr = &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	wrote, err = s.Set(context.Background(), "k", []byte("v"), SetOptions{TTL: time.Second, OnlyIfAbsent: true})
	require.NoError(t, err)
	require.False(t, wrote)
}

func TestDynamoSet_Error(t *testing.T) {
	s := mustNewDynamo(t, &fakeDynamo{putErr: errors.New("boom")})
	_, err := s.Set(context.Background(), "k", []byte("v"), SetOptions{})
	require.Error(t, err)
	require.True(t, domain.IsStoreError(err))
}

func TestDynamoDelete_Count(t *testing.T) {
	db := &fakeDynamo{deleteOut: &dynamodb.DeleteItemOutput{Attributes: item("v", 0)}}
	s := mustNewDynamo(t, db)
	n, err := s.Delete(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, types.ReturnValueAllOld, db.lastDeleteI.ReturnValues)

	db.deleteOut = nil
	n, err = s.Delete(context.Background(), "k")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDynamoCompareAndDelete(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewDynamo(t, db)

	ok, err := s.CompareAndDelete(context.Background(), "k", []byte("token"))
	require.NoError(t, err)
	require.True(t, ok)
	expected := db.lastDeleteI.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberB)
	require.Equal(t, "token", string(expected.Value))

	db.deleteErr = &types.ConditionalCheckFailedException{Message: aws.String("mismatch")}
	ok, err = s.CompareAndDelete(context.Background(), "k", []byte("token"))
	require.NoError(t, err)
	require.False(t, ok)

	db.deleteErr = errors.New("network")
	_, err = s.CompareAndDelete(context.Background(), "k", []byte("token"))
	require.Error(t, err)
	require.True(t, domain.IsStoreError(err))
}
