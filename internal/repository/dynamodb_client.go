package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"streamchat/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	defaultTTL  = 30 * 24 * time.Hour

	// Fixed width so sort keys order lexically by time.
	skTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps sessions and messages in a single DynamoDB table:
// one META# item per session and one MSG# item per message, all under the
// session partition.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
}

type DynamoOption func(*DynamoStore)

// WithTTL sets the expiry attribute written on every item. Zero disables it.
func WithTTL(d time.Duration) DynamoOption {
	return func(s *DynamoStore) { s.ttl = d }
}

// NewDynamoStore creates a DynamoDB-backed Store.
func NewDynamoStore(api dynamodbAPI, tableName string, opts ...DynamoOption) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	s := &DynamoStore{api: api, tableName: tableName, ttl: defaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

func msgSK(createdAt time.Time, messageID string) string {
	return skPrefixMsg + createdAt.UTC().Format(skTimeLayout) + "#" + messageID
}

func (s *DynamoStore) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func (s *DynamoStore) CreateSession(ctx context.Context, sess domain.Session) error {
	if sess.ID == "" {
		return errors.New("repository: CreateSession: id is required")
	}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                s.sessionItem(sess),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateSession: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(sessionPK(sessionID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Session{}, fmt.Errorf("repository: GetSession: %w", notFound("session", sessionID))
	}
	sess, err := itemToSession(out.Item)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession unmarshal: %w", err)
	}
	return sess, nil
}

// ListSessions scans every META# item and orders the result by updated_at,
// newest first.
func (s *DynamoStore) ListSessions(ctx context.Context) ([]domain.Session, error) {
	in := &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("SK = :meta"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":meta": &types.AttributeValueMemberS{Value: skMeta},
		},
	}
	sessions := []domain.Session{}
	for {
		out, err := s.api.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListSessions scan: %w", err)
		}
		for _, item := range out.Items {
			sess, err := itemToSession(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListSessions unmarshal: %w", err)
			}
			sessions = append(sessions, sess)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	sortSessions(sessions)
	return sessions, nil
}

// ListMessages queries all MSG# items of a session in chronological order.
func (s *DynamoStore) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}
	msgs := []domain.Message{}
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages query: %w", err)
		}
		for _, item := range out.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
			}
			msgs = append(msgs, msg)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return msgs, nil
}

func (s *DynamoStore) BeginTurn(ctx context.Context, sessionID string, user, assistant domain.Message, at time.Time) error {
	if user.ID == "" || assistant.ID == "" {
		return errors.New("repository: BeginTurn: message ids are required")
	}
	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                s.messageItem(user),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                s.messageItem(assistant),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName:           aws.String(s.tableName),
					Key:                 s.key(sessionPK(sessionID), skMeta),
					UpdateExpression:    aws.String("SET #status = :status, updatedAt = :updated, lastMessageId = :mid"),
					ConditionExpression: aws.String("attribute_exists(PK)"),
					ExpressionAttributeNames: map[string]string{
						"#status": "status",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":status":  &types.AttributeValueMemberS{Value: string(domain.SessionActive)},
						":updated": timeAttr(at),
						":mid":     &types.AttributeValueMemberS{Value: assistant.ID},
					},
				},
			},
		},
	})
	if err != nil {
		if conditionFailedAt(err, 2) {
			return fmt.Errorf("repository: BeginTurn: %w", notFound("session", sessionID))
		}
		return fmt.Errorf("repository: BeginTurn: %w", err)
	}
	return nil
}

func (s *DynamoStore) FinishTurn(ctx context.Context, msg domain.Message, status domain.SessionStatus, at time.Time) error {
	if msg.ID == "" || msg.SessionID == "" {
		return errors.New("repository: FinishTurn: message id and session id are required")
	}
	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           aws.String(s.tableName),
					Key:                 s.key(sessionPK(msg.SessionID), msgSK(msg.CreatedAt, msg.ID)),
					UpdateExpression:    aws.String("SET content = :content, isStreaming = :streaming"),
					ConditionExpression: aws.String("attribute_exists(PK)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":content":   &types.AttributeValueMemberS{Value: msg.Content},
						":streaming": &types.AttributeValueMemberBOOL{Value: false},
					},
				},
			},
			{
				Update: s.statusUpdate(msg.SessionID, status, at),
			},
		},
	})
	if err != nil {
		if conditionFailedAt(err, 0) {
			return fmt.Errorf("repository: FinishTurn: %w", notFound("message", msg.ID))
		}
		if conditionFailedAt(err, 1) {
			return fmt.Errorf("repository: FinishTurn: %w", notFound("session", msg.SessionID))
		}
		return fmt.Errorf("repository: FinishTurn: %w", err)
	}
	return nil
}

func (s *DynamoStore) SetSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, at time.Time) error {
	u := s.statusUpdate(sessionID, status, at)
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 u.TableName,
		Key:                       u.Key,
		UpdateExpression:          u.UpdateExpression,
		ConditionExpression:       u.ConditionExpression,
		ExpressionAttributeNames:  u.ExpressionAttributeNames,
		ExpressionAttributeValues: u.ExpressionAttributeValues,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException" {
			return fmt.Errorf("repository: SetSessionStatus: %w", notFound("session", sessionID))
		}
		return fmt.Errorf("repository: SetSessionStatus: %w", err)
	}
	return nil
}

func (s *DynamoStore) Close() error { return nil }

func (s *DynamoStore) statusUpdate(sessionID string, status domain.SessionStatus, at time.Time) *types.Update {
	return &types.Update{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(sessionPK(sessionID), skMeta),
		UpdateExpression:    aws.String("SET #status = :status, updatedAt = :updated"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":  &types.AttributeValueMemberS{Value: string(status)},
			":updated": timeAttr(at),
		},
	}
}

// conditionFailedAt reports whether a transaction was canceled because the
// condition of item idx failed.
func conditionFailedAt(err error, idx int) bool {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) || idx >= len(canceled.CancellationReasons) {
		return false
	}
	return aws.ToString(canceled.CancellationReasons[idx].Code) == "ConditionalCheckFailed"
}

func (s *DynamoStore) ttlAttr(item map[string]types.AttributeValue) {
	if s.ttl > 0 {
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Add(s.ttl).Unix(), 10)}
	}
}

func (s *DynamoStore) sessionItem(sess domain.Session) map[string]types.AttributeValue {
	item := s.key(sessionPK(sess.ID), skMeta)
	item["id"] = &types.AttributeValueMemberS{Value: sess.ID}
	item["title"] = &types.AttributeValueMemberS{Value: sess.Title}
	item["status"] = &types.AttributeValueMemberS{Value: string(sess.Status)}
	item["createdAt"] = timeAttr(sess.CreatedAt)
	item["updatedAt"] = timeAttr(sess.UpdatedAt)
	item["lastMessageId"] = &types.AttributeValueMemberS{Value: sess.LastMessageID}
	s.ttlAttr(item)
	return item
}

func (s *DynamoStore) messageItem(msg domain.Message) map[string]types.AttributeValue {
	item := s.key(sessionPK(msg.SessionID), msgSK(msg.CreatedAt, msg.ID))
	item["id"] = &types.AttributeValueMemberS{Value: msg.ID}
	item["sessionId"] = &types.AttributeValueMemberS{Value: msg.SessionID}
	item["role"] = &types.AttributeValueMemberS{Value: string(msg.Role)}
	item["content"] = &types.AttributeValueMemberS{Value: msg.Content}
	item["isStreaming"] = &types.AttributeValueMemberBOOL{Value: msg.IsStreaming}
	item["createdAt"] = timeAttr(msg.CreatedAt)
	s.ttlAttr(item)
	return item
}

func itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Session{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Session{}, err
	}
	createdAt, err := timeFromAttr(item, "createdAt")
	if err != nil {
		return domain.Session{}, err
	}
	updatedAt, err := timeFromAttr(item, "updatedAt")
	if err != nil {
		return domain.Session{}, err
	}
	title, _ := strAttr(item, "title")           // allow empty
	lastMsg, _ := strAttr(item, "lastMessageId") // allow empty

	return domain.Session{
		ID:            id,
		Title:         title,
		Status:        domain.SessionStatus(status),
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
		LastMessageID: lastMsg,
	}, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := timeFromAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	content, _ := strAttr(item, "content") // allow empty
	streaming := false
	if v, ok := item["isStreaming"].(*types.AttributeValueMemberBOOL); ok {
		streaming = v.Value
	}

	return domain.Message{
		ID:          id,
		SessionID:   sessionID,
		Role:        domain.Role(role),
		Content:     content,
		IsStreaming: streaming,
		CreatedAt:   createdAt,
	}, nil
}

func timeAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixNano(), 10)}
}

func timeFromAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	n, err := int64Attr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

// sortSessions orders by updated_at desc, then id for stability.
func sortSessions(sessions []domain.Session) {
	slices.SortStableFunc(sessions, func(a, b domain.Session) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
