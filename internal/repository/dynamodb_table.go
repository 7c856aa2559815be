package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"wa-inbox/internal/domain"
)

const (
	pkPrefixTable = "TABLE#"
	skPrefixRow   = "ROW#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Table.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Table stores message log rows in a DynamoDB table using the same
// append/read-all contract as the spreadsheet gateway. Each destination and
// sheet name pair is one partition; rows sort by append time.
type Table struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
	newID     func() string
}

// New creates a new repository Table.
func New(api dynamodbAPI, tableName string) (*Table, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Table{
		api:       api,
		tableName: tableName,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// tablePK returns the partition key for a destination and A1 range. Only the
// sheet name of the range takes part in the key.
func tablePK(destinationID, rng string) string {
	sheet := rng
	if i := strings.Index(rng, "!"); i >= 0 {
		sheet = rng[:i]
	}
	return pkPrefixTable + destinationID + "#" + strings.Trim(sheet, "'")
}

// skTimeLayout is fixed width so that keys sort lexically in time order.
const skTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// rowSK keeps rows in append order; the id separates rows appended within
// the same nanosecond.
func rowSK(ts time.Time, id string) string {
	return skPrefixRow + ts.UTC().Format(skTimeLayout) + "#" + id
}

// Append writes one row. It never overwrites an existing item.
func (t *Table) Append(ctx context.Context, destinationID, rng string, row []string) (domain.AppendResult, error) {
	if strings.TrimSpace(destinationID) == "" || strings.TrimSpace(rng) == "" {
		return domain.AppendResult{}, errors.New("repository: Append: destination and range are required")
	}
	if len(row) < 3 || len(row) > 4 {
		return domain.AppendResult{}, fmt.Errorf("repository: Append: row must have 3 or 4 columns, got %d", len(row))
	}

	pk := tablePK(destinationID, rng)
	sk := rowSK(t.now(), t.newID())
	_, err := t.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(t.tableName),
		Item:                rowItem(pk, sk, row),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.AppendResult{}, fmt.Errorf("repository: Append: %w", err)
	}
	return domain.AppendResult{UpdatedRange: pk + "/" + sk, UpdatedRows: 1}, nil
}

// ReadAll returns the header row followed by every stored row in append order.
func (t *Table) ReadAll(ctx context.Context, destinationID, rng string) ([][]string, error) {
	if strings.TrimSpace(destinationID) == "" || strings.TrimSpace(rng) == "" {
		return nil, errors.New("repository: ReadAll: destination and range are required")
	}

	rows := [][]string{append([]string(nil), domain.Header...)}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(t.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: tablePK(destinationID, rng)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixRow},
		},
		ScanIndexForward: aws.Bool(true),
	}

	for {
		out, err := t.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ReadAll query: %w", err)
		}
		for _, item := range out.Items {
			row, err := itemToRow(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ReadAll unmarshal: %w", err)
			}
			rows = append(rows, row)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return rows, nil
}

func rowItem(pk, sk string, row []string) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: pk},
		"SK":        &types.AttributeValueMemberS{Value: sk},
		"phone":     &types.AttributeValueMemberS{Value: row[0]},
		"message":   &types.AttributeValueMemberS{Value: row[1]},
		"timestamp": &types.AttributeValueMemberS{Value: row[2]},
	}
	if len(row) > 3 {
		item["isOutbound"] = &types.AttributeValueMemberS{Value: row[3]}
	}
	return item
}

// itemToRow converts a DynamoDB attribute map to a positional row. Items
// written without a direction flag yield three columns.
func itemToRow(item map[string]types.AttributeValue) ([]string, error) {
	phone, err := strAttr(item, "phone")
	if err != nil {
		return nil, err
	}
	message, err := strAttr(item, "message")
	if err != nil {
		return nil, err
	}
	ts, err := strAttr(item, "timestamp")
	if err != nil {
		return nil, err
	}
	row := []string{phone, message, ts}
	if _, ok := item["isOutbound"]; ok {
		flag, err := strAttr(item, "isOutbound")
		if err != nil {
			return nil, err
		}
		row = append(row, flag)
	}
	return row, nil
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
