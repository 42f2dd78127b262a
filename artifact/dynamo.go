package artifact

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DDBClient is the subset of the DynamoDB API used by DynamoPointer.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoPointer keeps the pointer history in DynamoDB. Every Set appends
// revision N+1 with a conditional write, so two concurrent promotions cannot
// both win.
//
// Table schema:
//   - Partition key: base_uri (string), the artifact store location
//   - Sort key: revision (number), monotonically increasing
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name paperdex-pointers \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=revision,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=revision,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DynamoPointer struct {
	client  DDBClient
	table   string
	baseURI string
}

// NewDynamoPointer returns a pointer stored under baseURI in table.
func NewDynamoPointer(client DDBClient, table, baseURI string) *DynamoPointer {
	return &DynamoPointer{client: client, table: table, baseURI: baseURI}
}

// Current returns the version of the latest revision.
func (p *DynamoPointer) Current(ctx context.Context) (string, error) {
	_, version, err := p.latest(ctx)
	if err != nil {
		return "", err
	}
	if version == "" {
		return "", ErrNoCurrent
	}
	return version, nil
}

// Set appends a revision pointing at version.
func (p *DynamoPointer) Set(ctx context.Context, version string) error {
	rev, _, err := p.latest(ctx)
	if err != nil {
		return err
	}

	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.table),
		Item: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: p.baseURI},
			"revision": &types.AttributeValueMemberN{Value: strconv.FormatUint(rev+1, 10)},
			"version":  &types.AttributeValueMemberS{Value: version},
		},
		ConditionExpression: aws.String("attribute_not_exists(revision)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("dynamodb put pointer: %w", err)
	}
	return nil
}

func (p *DynamoPointer) latest(ctx context.Context) (uint64, string, error) {
	resp, err := p.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(p.table),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: p.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("dynamodb query pointer: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	revAttr, ok := item["revision"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("dynamodb pointer: invalid revision attribute")
	}
	verAttr, ok := item["version"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("dynamodb pointer: invalid version attribute")
	}
	rev, err := strconv.ParseUint(revAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("dynamodb pointer: parse revision: %w", err)
	}
	return rev, verAttr.Value, nil
}
