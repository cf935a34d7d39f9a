package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"finsight-agent/internal/conversation"
	"finsight-agent/internal/domain"
)

const (
	skMeta      = "META#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL

	// maxStoredResult caps one stored tool result; larger ones are replaced by
	// a size marker.
	maxStoredResult = 8 << 10
	// maxMessagesBytes leaves headroom under the 400KB item limit for the
	// other attributes.
	maxMessagesBytes = 380 << 10
)

// ErrItemTooLarge is returned by Put when a conversation cannot fit in one
// DynamoDB item even with tool results compacted.
var ErrItemTooLarge = errors.New("repository: conversation exceeds the DynamoDB item limit")

// dynamodbAPI is the minimal DynamoDB interface required by DynamoBackend.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoBackend stores one item per conversation. The message list is kept as
// a JSON string attribute, so a conversation is bounded by the 400KB item
// limit; tool results above 8KB are stored as a size marker only.
type DynamoBackend struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

var _ conversation.Backend = (*DynamoBackend)(nil)

// NewDynamoBackend creates a conversation backend over tableName.
func NewDynamoBackend(api dynamodbAPI, tableName string) (*DynamoBackend, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoBackend{api: api, tableName: tableName, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func (b *DynamoBackend) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(id)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

// ttlValue returns a Unix timestamp 30 days after the last write.
func (b *DynamoBackend) ttlValue() int64 {
	return b.now().Add(ttlDuration).Unix()
}

func (b *DynamoBackend) Get(ctx context.Context, id string) (domain.Conversation, error) {
	out, err := b.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.tableName),
		Key:            b.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Get %s: %w", id, err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, conversation.ErrNotFound
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Get %s decode: %w", id, err)
	}
	return conv, nil
}

// List scans every conversation item, following pagination.
func (b *DynamoBackend) List(ctx context.Context) ([]domain.Conversation, error) {
	in := &dynamodb.ScanInput{
		TableName:        aws.String(b.tableName),
		FilterExpression: aws.String("SK = :sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sk": &types.AttributeValueMemberS{Value: skMeta},
		},
	}
	var convs []domain.Conversation
	for {
		out, err := b.api.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: List scan: %w", err)
		}
		for _, item := range out.Items {
			conv, err := itemToConversation(item)
			if err != nil {
				return nil, fmt.Errorf("repository: List decode: %w", err)
			}
			convs = append(convs, conv)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return convs, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (b *DynamoBackend) Put(ctx context.Context, conv domain.Conversation) error {
	if conv.ID == "" {
		return errors.New("repository: Put: conversation id is required")
	}
	item, err := b.conversationItem(conv)
	if err != nil {
		return fmt.Errorf("repository: Put %s: %w", conv.ID, err)
	}
	if _, err := b.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("repository: Put %s: %w", conv.ID, err)
	}
	return nil
}

func (b *DynamoBackend) Delete(ctx context.Context, id string) error {
	_, err := b.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(b.tableName),
		Key:                 b.key(id),
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	var missing *types.ConditionalCheckFailedException
	if errors.As(err, &missing) {
		return conversation.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("repository: Delete %s: %w", id, err)
	}
	return nil
}

func (b *DynamoBackend) conversationItem(conv domain.Conversation) (map[string]types.AttributeValue, error) {
	messages := conv.Messages
	if messages == nil {
		messages = []domain.Message{}
	}
	raw, err := json.Marshal(compactResults(messages))
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	if len(raw) > maxMessagesBytes {
		return nil, fmt.Errorf("%w: %d bytes of messages", ErrItemTooLarge, len(raw))
	}
	item := b.key(conv.ID)
	item["conversationId"] = &types.AttributeValueMemberS{Value: conv.ID}
	item["title"] = &types.AttributeValueMemberS{Value: conv.Title}
	item["createdAt"] = &types.AttributeValueMemberS{Value: conv.CreatedAt.UTC().Format(time.RFC3339Nano)}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: conv.UpdatedAt.UTC().Format(time.RFC3339Nano)}
	item["messages"] = &types.AttributeValueMemberS{Value: string(raw)}
	item["messageCount"] = &types.AttributeValueMemberN{Value: strconv.Itoa(len(messages))}
	item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(b.ttlValue(), 10)}
	return item, nil
}

// compactResults returns messages with oversized tool results replaced by
// {"truncated":true,"bytes":N}. The input is not modified.
func compactResults(messages []domain.Message) []domain.Message {
	out := make([]domain.Message, len(messages))
	for i, m := range messages {
		out[i] = m
		if len(m.ToolInvocations) == 0 {
			continue
		}
		invs := make([]domain.ToolInvocation, len(m.ToolInvocations))
		for j, inv := range m.ToolInvocations {
			if len(inv.Result) > maxStoredResult {
				inv.Result = json.RawMessage(`{"truncated":true,"bytes":` + strconv.Itoa(len(inv.Result)) + `}`)
			}
			invs[j] = inv
		}
		out[i].ToolInvocations = invs
	}
	return out
}

// itemToConversation converts a DynamoDB attribute map to a Conversation.
func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	title, _ := strAttr(item, "title") // allow empty
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	updatedAt, err := timeAttr(item, "updatedAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	raw, err := strAttr(item, "messages")
	if err != nil {
		return domain.Conversation{}, err
	}
	var messages []domain.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: attribute \"messages\": %w", err)
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	if count, err := intAttr(item, "messageCount"); err == nil && count != len(messages) {
		return domain.Conversation{}, fmt.Errorf("repository: conversation %s has %d messages, item says %d", id, len(messages), count)
	}
	return domain.Conversation{
		ID:        id,
		Title:     title,
		Messages:  messages,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
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

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
