package repository

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"streamchat/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	updateErr    error
	queryOuts    []*dynamodb.QueryOutput
	queryErr     error
	scanOuts     []*dynamodb.ScanOutput
	scanErr      error
	txErr        error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	lastUpdateIn *dynamodb.UpdateItemInput
	queryInputs  []*dynamodb.QueryInput
	scanInputs   []*dynamodb.ScanInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateIn = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	copied := *in
	f.queryInputs = append(f.queryInputs, &copied)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	idx := len(f.queryInputs) - 1
	if idx >= len(f.queryOuts) {
		return &dynamodb.QueryOutput{}, nil
	}
	return f.queryOuts[idx], nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	copied := *in
	f.scanInputs = append(f.scanInputs, &copied)
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	idx := len(f.scanInputs) - 1
	if idx >= len(f.scanOuts) {
		return &dynamodb.ScanOutput{}, nil
	}
	return f.scanOuts[idx], nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func nanos(t time.Time) string { return strconv.FormatInt(t.UnixNano(), 10) }

func makeSessionItem(id string, updated time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: sessionPK(id)},
		"SK":        &types.AttributeValueMemberS{Value: skMeta},
		"id":        &types.AttributeValueMemberS{Value: id},
		"status":    &types.AttributeValueMemberS{Value: "active"},
		"createdAt": &types.AttributeValueMemberN{Value: nanos(t0)},
		"updatedAt": &types.AttributeValueMemberN{Value: nanos(updated)},
	}
}

func makeMessageItem(id, role, content string, streaming bool, at time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: sessionPK("s1")},
		"SK":          &types.AttributeValueMemberS{Value: msgSK(at, id)},
		"id":          &types.AttributeValueMemberS{Value: id},
		"sessionId":   &types.AttributeValueMemberS{Value: "s1"},
		"role":        &types.AttributeValueMemberS{Value: role},
		"content":     &types.AttributeValueMemberS{Value: content},
		"isStreaming": &types.AttributeValueMemberBOOL{Value: streaming},
		"createdAt":   &types.AttributeValueMemberN{Value: nanos(at)},
	}
}

func mustNewDynamoStore(t *testing.T, db *fakeDynamo, opts ...DynamoOption) *DynamoStore {
	t.Helper()
	s, err := NewDynamoStore(db, "test-table", opts...)
	require.NoError(t, err)
	return s
}

func canceledTx(codes ...string) error {
	reasons := make([]types.CancellationReason, 0, len(codes))
	for _, c := range codes {
		reasons = append(reasons, types.CancellationReason{Code: aws.String(c)})
	}
	return &types.TransactionCanceledException{Message: aws.String("canceled"), CancellationReasons: reasons}
}

func TestNewDynamoStore_Validation(t *testing.T) {
	_, err := NewDynamoStore(nil, "tbl")
	require.Error(t, err)

	_, err = NewDynamoStore(&fakeDynamo{}, " ")
	require.Error(t, err)
}

func TestDynamo_CreateSession(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewDynamoStore(t, db)

	err := s.CreateSession(context.Background(), domain.Session{ID: "s1", Title: "Trip", Status: domain.SessionActive, CreatedAt: t0, UpdatedAt: t0})
	require.NoError(t, err)
	require.Equal(t, "attribute_not_exists(PK)", aws.ToString(db.lastPutInput.ConditionExpression))
	item := db.lastPutInput.Item
	require.Equal(t, "SESSION#s1", item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skMeta, item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "Trip", item["title"].(*types.AttributeValueMemberS).Value)
	require.Contains(t, item, "ttl")

	require.Error(t, s.CreateSession(context.Background(), domain.Session{}))

	db.putErr = errors.New("throttled")
	require.Error(t, s.CreateSession(context.Background(), domain.Session{ID: "s2"}))
}

func TestDynamo_WithTTLDisabled(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewDynamoStore(t, db, WithTTL(0))
	require.NoError(t, s.CreateSession(context.Background(), domain.Session{ID: "s1"}))
	require.NotContains(t, db.lastPutInput.Item, "ttl")
}

func TestDynamo_GetSession(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeSessionItem("s1", t0.Add(time.Hour))}}
	s := mustNewDynamoStore(t, db)

	sess, err := s.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "s1", sess.ID)
	require.Equal(t, domain.SessionActive, sess.Status)
	require.Equal(t, t0.Add(time.Hour), sess.UpdatedAt)
	require.True(t, aws.ToBool(db.lastGetInput.ConsistentRead))

	db.getOut = &dynamodb.GetItemOutput{}
	_, err = s.GetSession(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	db.getErr = errors.New("dynamodb down")
	_, err = s.GetSession(context.Background(), "s1")
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestDynamo_GetSession_MalformedItem(t *testing.T) {
	item := makeSessionItem("s1", t0)
	item["updatedAt"] = &types.AttributeValueMemberS{Value: "yesterday"}
	s := mustNewDynamoStore(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})

	_, err := s.GetSession(context.Background(), "s1")
	require.Error(t, err)
}

func TestDynamo_ListSessions_PaginatesAndSorts(t *testing.T) {
	db := &fakeDynamo{scanOuts: []*dynamodb.ScanOutput{
		{
			Items:            []map[string]types.AttributeValue{makeSessionItem("old", t0)},
			LastEvaluatedKey: map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "SESSION#old"}},
		},
		{
			Items: []map[string]types.AttributeValue{makeSessionItem("new", t0.Add(time.Hour))},
		},
	}}
	s := mustNewDynamoStore(t, db)

	list, err := s.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "new", list[0].ID)
	require.Equal(t, "old", list[1].ID)
	require.Len(t, db.scanInputs, 2)
	require.Nil(t, db.scanInputs[0].ExclusiveStartKey)
	require.NotNil(t, db.scanInputs[1].ExclusiveStartKey)
	require.Equal(t, "SK = :meta", aws.ToString(db.scanInputs[0].FilterExpression))
}

func TestDynamo_ListMessages(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			makeMessageItem("u1", "user", "Hello", false, t0),
			makeMessageItem("a1", "assistant", "", true, t0.Add(time.Microsecond)),
		},
	}}}
	s := mustNewDynamoStore(t, db)

	msgs, err := s.ListMessages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, domain.RoleUser, msgs[0].Role)
	require.Equal(t, "Hello", msgs[0].Content)
	require.True(t, msgs[1].IsStreaming)
	require.Equal(t, t0.Add(time.Microsecond), msgs[1].CreatedAt)

	in := db.queryInputs[0]
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", aws.ToString(in.KeyConditionExpression))
	require.True(t, aws.ToBool(in.ScanIndexForward))
	require.Equal(t, "SESSION#s1", in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value)
}

func TestDynamo_ListMessages_Errors(t *testing.T) {
	s := mustNewDynamoStore(t, &fakeDynamo{queryErr: errors.New("boom")})
	_, err := s.ListMessages(context.Background(), "s1")
	require.Error(t, err)

	item := makeMessageItem("u1", "user", "Hello", false, t0)
	delete(item, "role")
	s = mustNewDynamoStore(t, &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}}})
	_, err = s.ListMessages(context.Background(), "s1")
	require.Error(t, err)
}

func TestDynamo_BeginTurn(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewDynamoStore(t, db)
	user, assistant := turnMessages("s1", "u1", "a1", "Hello", t0)

	require.NoError(t, s.BeginTurn(context.Background(), "s1", user, assistant, t0))
	items := db.lastTxInput.TransactItems
	require.Len(t, items, 3)
	require.Equal(t, msgSK(user.CreatedAt, "u1"), items[0].Put.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.True(t, items[1].Put.Item["isStreaming"].(*types.AttributeValueMemberBOOL).Value)
	require.Equal(t, "a1", items[2].Update.ExpressionAttributeValues[":mid"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "active", items[2].Update.ExpressionAttributeValues[":status"].(*types.AttributeValueMemberS).Value)

	db.txErr = canceledTx("None", "None", "ConditionalCheckFailed")
	require.ErrorIs(t, s.BeginTurn(context.Background(), "s1", user, assistant, t0), domain.ErrNotFound)

	db.txErr = canceledTx("ConditionalCheckFailed", "None", "None")
	err := s.BeginTurn(context.Background(), "s1", user, assistant, t0)
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestDynamo_FinishTurn(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewDynamoStore(t, db)
	_, assistant := turnMessages("s1", "u1", "a1", "Hello", t0)
	assistant.Content = "Hi"

	require.NoError(t, s.FinishTurn(context.Background(), assistant, domain.SessionCompleted, t0))
	items := db.lastTxInput.TransactItems
	require.Len(t, items, 2)
	msgUpdate := items[0].Update
	require.Equal(t, msgSK(assistant.CreatedAt, "a1"), msgUpdate.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "Hi", msgUpdate.ExpressionAttributeValues[":content"].(*types.AttributeValueMemberS).Value)
	require.False(t, msgUpdate.ExpressionAttributeValues[":streaming"].(*types.AttributeValueMemberBOOL).Value)
	require.Equal(t, "completed", items[1].Update.ExpressionAttributeValues[":status"].(*types.AttributeValueMemberS).Value)

	db.txErr = canceledTx("ConditionalCheckFailed", "None")
	require.ErrorIs(t, s.FinishTurn(context.Background(), assistant, domain.SessionCompleted, t0), domain.ErrNotFound)

	require.Error(t, s.FinishTurn(context.Background(), domain.Message{ID: "a1"}, domain.SessionCompleted, t0))
}

func TestDynamo_SetSessionStatus(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewDynamoStore(t, db)

	require.NoError(t, s.SetSessionStatus(context.Background(), "s1", domain.SessionInterrupted, t0))
	require.Equal(t, "attribute_exists(PK)", aws.ToString(db.lastUpdateIn.ConditionExpression))
	require.Equal(t, "interrupted", db.lastUpdateIn.ExpressionAttributeValues[":status"].(*types.AttributeValueMemberS).Value)

	db.updateErr = &smithy.GenericAPIError{Code: "ConditionalCheckFailedException", Message: "condition failed"}
	require.ErrorIs(t, s.SetSessionStatus(context.Background(), "s1", domain.SessionInterrupted, t0), domain.ErrNotFound)

	db.updateErr = &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException"}
	err := s.SetSessionStatus(context.Background(), "s1", domain.SessionInterrupted, t0)
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestMsgSK_OrdersLexically(t *testing.T) {
	a := msgSK(time.Date(2026, 1, 1, 0, 0, 0, 100_000_000, time.UTC), "x")
	b := msgSK(time.Date(2026, 1, 1, 0, 0, 0, 120_000_000, time.UTC), "x")
	require.Less(t, a, b)
	require.Equal(t, "MSG#2026-01-01T00:00:00.100000000Z#x", a)
}
