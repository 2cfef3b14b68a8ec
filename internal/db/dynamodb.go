package db

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/spacesedan/hookflow/internal/models"
)

const snapshotRetention = 180 * 24 * time.Hour

// DynamoAPI is the subset of the DynamoDB client the archive uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// MetricsArchive keeps every raw analytics snapshot, partitioned by post id
// and sorted by collection time.
type MetricsArchive struct {
	client DynamoAPI
	table  string
}

func NewMetricsArchive(client DynamoAPI, table string) *MetricsArchive {
	return &MetricsArchive{client: client, table: table}
}

type snapshotItem struct {
	models.AnalyticsSnapshot
	CollectedAtKey string `dynamodbav:"collected_at_key"`
	ExpiresAt      int64  `dynamodbav:"expires_at"`
}

func snapshotToItem(s models.AnalyticsSnapshot) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(snapshotItem{
		AnalyticsSnapshot: s,
		CollectedAtKey:    s.CollectedAt.UTC().Format(time.RFC3339Nano),
		ExpiresAt:         s.CollectedAt.Add(snapshotRetention).Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("[DynamoDB] marshal snapshot for post %d: %w", s.PostID, err)
	}
	return item, nil
}

func (a *MetricsArchive) PutSnapshot(ctx context.Context, s models.AnalyticsSnapshot) error {
	item, err := snapshotToItem(s)
	if err != nil {
		return err
	}
	_, err = a.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("[DynamoDB] Failed to store snapshot: %w", err)
	}
	return nil
}

// PutSnapshots writes in chunks of 25 and retries unprocessed items with
// exponential backoff.
func (a *MetricsArchive) PutSnapshots(ctx context.Context, snaps []models.AnalyticsSnapshot) error {
	const maxBatchSize = 25
	for i := 0; i < len(snaps); i += maxBatchSize {
		if err := ctx.Err(); err != nil {
			slog.Warn("[DynamoDB] context canceled")
			return err
		}

		end := min(i+maxBatchSize, len(snaps))
		writeRequests := make([]types.WriteRequest, 0, end-i)
		for _, s := range snaps[i:end] {
			item, err := snapshotToItem(s)
			if err != nil {
				return err
			}
			writeRequests = append(writeRequests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
		}

		out, err := a.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{a.table: writeRequests},
		})
		if err != nil {
			return fmt.Errorf("[DynamoDB] Failed to batch write snapshots: %w", err)
		}

		retryCount := 0
		backoff := 500 * time.Millisecond
		for len(out.UnprocessedItems) > 0 && retryCount < 3 {
			time.Sleep(backoff)
			backoff *= 2
			slog.Warn("[DynamoDB] Retrying unprocessed snapshots...",
				slog.Int("retry_attempt", retryCount+1),
				slog.Int("remaining_items", len(out.UnprocessedItems[a.table])))

			out, err = a.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: out.UnprocessedItems,
			})
			if err != nil {
				return fmt.Errorf("[DynamoDB] Failed to retry batch write: %w", err)
			}
			retryCount++
		}

		if n := len(out.UnprocessedItems[a.table]); n > 0 {
			return fmt.Errorf("[DynamoDB] %d snapshots were not written after retries", n)
		}
	}
	return nil
}

// ListSnapshots returns a post's snapshots oldest first.
func (a *MetricsArchive) ListSnapshots(ctx context.Context, postID int64) ([]models.AnalyticsSnapshot, error) {
	out, err := a.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(a.table),
		KeyConditionExpression: aws.String("post_id = :pid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pid": &types.AttributeValueMemberN{Value: strconv.FormatInt(postID, 10)},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("[DynamoDB] Query snapshots failed: %w", err)
	}

	var items []snapshotItem
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		slog.Error("[DynamoDB] Unable to unmarshal snapshots", slog.String("error", err.Error()))
		return nil, err
	}

	snaps := make([]models.AnalyticsSnapshot, 0, len(items))
	for _, it := range items {
		snaps = append(snaps, it.AnalyticsSnapshot)
	}
	return snaps, nil
}
