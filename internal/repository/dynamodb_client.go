package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-relay/internal/domain"
)

const (
	pkPrefix    = "SESSION#"
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL

	// DynamoDB per-call limits.
	maxBatchWrite    = 25
	maxTransactItems = 100

	maxBatchWriteTries = 3

	updateConfigExpr = "SET provider = :provider, endpoint = :endpoint, apiKeySealed = :apiKeySealed, " +
		"model = :model, updatedAt = :now, #ttl = :ttl"
	appendTurnExpr   = "SET messageCount = :next, updatedAt = :now, #ttl = :ttl"
	clearHistoryExpr = "SET generation = generation + :one, messageCount = :zero, updatedAt = :now, #ttl = :ttl"
	appendTurnCond   = "attribute_exists(PK) AND generation = :gen AND messageCount = :count"

	conditionalCheckFailed = "ConditionalCheckFailed"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Client stores chat sessions in a single DynamoDB table.
//
// Layout per session:
//
//	PK=SESSION#<id> SK=META#                 config, generation, message count
//	PK=SESSION#<id> SK=MSG#<gen>#<seq>       one chat message
//
// Clearing the history bumps the generation; messages of older generations
// are no longer read and expire through TTL. API keys are stored sealed.
type Client struct {
	api       dynamodbAPI
	tableName string
	sealer    keySealer
	now       func() time.Time
}

// keySealer protects API keys at rest.
type keySealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, sealer keySealer) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if sealer == nil {
		return nil, errors.New("repository: sealer must not be nil")
	}
	return &Client{api: api, tableName: tableName, sealer: sealer, now: time.Now}, nil
}

func sessionPK(sessionID string) string {
	return pkPrefix + sessionID
}

// generationPrefix is the sort key prefix shared by every message of one generation.
func generationPrefix(generation int) string {
	return fmt.Sprintf("%s%06d#", skPrefixMsg, generation)
}

// msgSK zero-pads both parts so lexical order matches conversation order.
func msgSK(generation, seq int) string {
	return fmt.Sprintf("%s%06d", generationPrefix(generation), seq)
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

func (c *Client) key(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

// Create writes the meta record of a new session. The session must have no history.
func (c *Client) Create(ctx context.Context, s domain.Session) error {
	if s.ID == "" {
		return errors.New("repository: Create: session id is required")
	}
	if len(s.History) != 0 {
		return errors.New("repository: Create: new sessions start with an empty history")
	}
	item, err := c.metaItem(s)
	if err != nil {
		return fmt.Errorf("repository: Create: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: Create: %w", err)
	}
	return nil
}

// Get loads the session meta and the messages of its current generation in order.
func (c *Client) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(sessionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: Get meta: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	s, err := c.itemToSession(out.Item)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: Get decode meta: %w", err)
	}

	items, err := c.queryMessages(ctx, sessionID, generationPrefix(s.Generation), "")
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: Get history: %w", err)
	}
	s.History = make([]domain.ChatMessage, 0, len(items))
	for _, item := range items {
		msg, err := itemToMessage(item)
		if err != nil {
			return domain.Session{}, fmt.Errorf("repository: Get decode message: %w", err)
		}
		s.History = append(s.History, msg)
	}
	return s, nil
}

// UpdateConfig replaces the provider config of an existing session.
func (c *Client) UpdateConfig(ctx context.Context, sessionID string, cfg domain.ProviderConfig) error {
	sealedKey, err := c.sealKey(cfg.APIKey)
	if err != nil {
		return fmt.Errorf("repository: UpdateConfig: %w", err)
	}
	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      c.key(sessionID),
		ConditionExpression:      aws.String("attribute_exists(PK)"),
		UpdateExpression:         aws.String(updateConfigExpr),
		ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":provider":     &types.AttributeValueMemberS{Value: string(cfg.Provider)},
			":endpoint":     &types.AttributeValueMemberS{Value: cfg.Endpoint},
			":apiKeySealed": &types.AttributeValueMemberS{Value: sealedKey},
			":model":        &types.AttributeValueMemberS{Value: cfg.Model},
			":now":          &types.AttributeValueMemberS{Value: c.timestamp()},
			":ttl":          numberAttr(c.ttlValue()),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: UpdateConfig: %w", conditionError(err, domain.ErrSessionNotFound))
	}
	return nil
}

// AppendTurn appends msgs after the history s was loaded with. The write is
// rejected with domain.ErrConcurrentUpdate when the session changed since, and
// with domain.ErrSessionNotFound when it was deleted.
func (c *Client) AppendTurn(ctx context.Context, s domain.Session, msgs ...domain.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	if len(msgs)+1 > maxTransactItems {
		return errors.New("repository: AppendTurn: too many messages for one transaction")
	}

	ttl := c.ttlValue()
	txItems := make([]types.TransactWriteItem, 0, len(msgs)+1)
	for i, m := range msgs {
		txItems = append(txItems, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                c.messageItem(s.ID, s.Generation, s.MessageCount+i, m, ttl),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}
	txItems = append(txItems, types.TransactWriteItem{
		Update: &types.Update{
			TableName:                           aws.String(c.tableName),
			Key:                                 c.key(s.ID),
			ConditionExpression:                 aws.String(appendTurnCond),
			UpdateExpression:                    aws.String(appendTurnExpr),
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
			ExpressionAttributeNames:            map[string]string{"#ttl": "ttl"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":gen":   numberAttr(int64(s.Generation)),
				":count": numberAttr(int64(s.MessageCount)),
				":next":  numberAttr(int64(s.MessageCount + len(msgs))),
				":now":   &types.AttributeValueMemberS{Value: c.timestamp()},
				":ttl":   numberAttr(ttl),
			},
		},
	})

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: txItems})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			return fmt.Errorf("repository: AppendTurn: %w: %v", canceledAppendError(canceled, len(txItems)-1), err)
		}
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// ClearHistory starts a new, empty generation for the session.
func (c *Client) ClearHistory(ctx context.Context, sessionID string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      c.key(sessionID),
		ConditionExpression:      aws.String("attribute_exists(PK)"),
		UpdateExpression:         aws.String(clearHistoryExpr),
		ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":  numberAttr(1),
			":zero": numberAttr(0),
			":now":  &types.AttributeValueMemberS{Value: c.timestamp()},
			":ttl":  numberAttr(c.ttlValue()),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: ClearHistory: %w", conditionError(err, domain.ErrSessionNotFound))
	}
	return nil
}

// Delete removes the session meta and every message it ever stored.
func (c *Client) Delete(ctx context.Context, sessionID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 c.key(sessionID),
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: Delete meta: %w", conditionError(err, domain.ErrSessionNotFound))
	}

	items, err := c.queryMessages(ctx, sessionID, skPrefixMsg, "PK, SK")
	if err != nil {
		return fmt.Errorf("repository: Delete list messages: %w", err)
	}
	for start := 0; start < len(items); start += maxBatchWrite {
		end := start + maxBatchWrite
		if end > len(items) {
			end = len(items)
		}
		if err := c.deleteBatch(ctx, items[start:end]); err != nil {
			return fmt.Errorf("repository: Delete messages: %w", err)
		}
	}
	return nil
}

func (c *Client) deleteBatch(ctx context.Context, items []map[string]types.AttributeValue) error {
	reqs := make([]types.WriteRequest, 0, len(items))
	for _, item := range items {
		reqs = append(reqs, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{
				"PK": item["PK"],
				"SK": item["SK"],
			}},
		})
	}
	pending := map[string][]types.WriteRequest{c.tableName: reqs}
	for try := 0; try < maxBatchWriteTries; try++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		if out == nil || len(out.UnprocessedItems[c.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
	}
	return fmt.Errorf("%d delete requests left unprocessed", len(pending[c.tableName]))
}

// queryMessages returns every item whose sort key starts with prefix, in
// ascending sort key order, following pagination.
func (c *Client) queryMessages(ctx context.Context, sessionID, prefix, projection string) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}
	if projection != "" {
		in.ProjectionExpression = aws.String(projection)
	}

	var items []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return items, nil
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (c *Client) timestamp() string {
	return c.now().UTC().Format(time.RFC3339Nano)
}

// sealKey seals a non-empty key. An empty key stays empty: the session uses
// a server-side key instead.
func (c *Client) sealKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", nil
	}
	return c.sealer.Seal(apiKey)
}

func (c *Client) openKey(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	return c.sealer.Open(sealed)
}

func (c *Client) metaItem(s domain.Session) (map[string]types.AttributeValue, error) {
	sealedKey, err := c.sealKey(s.Config.APIKey)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: sessionPK(s.ID)},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"sessionId":    &types.AttributeValueMemberS{Value: s.ID},
		"provider":     &types.AttributeValueMemberS{Value: string(s.Config.Provider)},
		"endpoint":     &types.AttributeValueMemberS{Value: s.Config.Endpoint},
		"apiKeySealed": &types.AttributeValueMemberS{Value: sealedKey},
		"model":        &types.AttributeValueMemberS{Value: s.Config.Model},
		"generation":   numberAttr(int64(s.Generation)),
		"messageCount": numberAttr(0),
		"createdAt":    &types.AttributeValueMemberS{Value: s.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"updatedAt":    &types.AttributeValueMemberS{Value: s.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":          numberAttr(c.ttlValue()),
	}, nil
}

func (c *Client) messageItem(sessionID string, generation, seq int, m domain.ChatMessage, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(generation, seq)},
		"sessionId": &types.AttributeValueMemberS{Value: sessionID},
		"role":      &types.AttributeValueMemberS{Value: m.Role},
		"content":   &types.AttributeValueMemberS{Value: m.Content},
		"ttl":       numberAttr(ttl),
	}
}

// itemToSession converts a meta item to a Session without history.
func (c *Client) itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	id, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Session{}, err
	}
	generation, err := intAttr(item, "generation")
	if err != nil {
		return domain.Session{}, err
	}
	count, err := intAttr(item, "messageCount")
	if err != nil {
		return domain.Session{}, err
	}
	provider, _ := strAttr(item, "provider") // allow empty
	endpoint, _ := strAttr(item, "endpoint")
	sealedKey, _ := strAttr(item, "apiKeySealed")
	model, _ := strAttr(item, "model")
	createdAt, _ := timeAttr(item, "createdAt")
	updatedAt, _ := timeAttr(item, "updatedAt")
	apiKey, err := c.openKey(sealedKey)
	if err != nil {
		return domain.Session{}, fmt.Errorf("open api key: %w", err)
	}

	return domain.Session{
		ID: id,
		Config: domain.ProviderConfig{
			Provider: domain.Provider(provider),
			Endpoint: endpoint,
			APIKey:   apiKey,
			Model:    model,
		},
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		Generation:   generation,
		MessageCount: count,
	}, nil
}

// itemToMessage converts a DynamoDB attribute map to a ChatMessage.
func itemToMessage(item map[string]types.AttributeValue) (domain.ChatMessage, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.ChatMessage{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return domain.ChatMessage{Role: role, Content: content}, nil
}

// canceledAppendError reads the meta update's cancellation reason. A failed
// condition with no old item means the session no longer exists.
func canceledAppendError(canceled *types.TransactionCanceledException, metaIdx int) error {
	if metaIdx < len(canceled.CancellationReasons) {
		r := canceled.CancellationReasons[metaIdx]
		if aws.ToString(r.Code) == conditionalCheckFailed && len(r.Item) == 0 {
			return domain.ErrSessionNotFound
		}
	}
	return domain.ErrConcurrentUpdate
}

// conditionError maps a failed condition check to sentinel.
func conditionError(err, sentinel error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return sentinel
	}
	return err
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
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
	return time.Parse(time.RFC3339Nano, s)
}
