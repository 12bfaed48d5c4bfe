package persistence

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/molpadia/molparelay/internal/domain/entity"
)

// VideoRepository stores the records of relayed videos in a DynamoDB table
// keyed by Id.
type VideoRepository struct {
	db        dynamodbiface.DynamoDBAPI
	tableName string
}

func NewVideoRepository(db dynamodbiface.DynamoDBAPI, tableName string) *VideoRepository {
	return &VideoRepository{db: db, tableName: tableName}
}

// NewDynamoDBAPI builds a DynamoDB client sharing the region and credentials
// of the object store configuration.
func NewDynamoDBAPI(opts S3Options) (dynamodbiface.DynamoDBAPI, error) {
	sess, err := session.NewSession(awsConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("creating a new session with aws config: %w", err)
	}
	return dynamodb.New(sess), nil
}

// Save an entity to the persistence.
func (r *VideoRepository) Save(video *entity.Video) error {
	av, err := dynamodbattribute.MarshalMap(video)
	if err != nil {
		return err
	}
	_, err = r.db.PutItem(&dynamodb.PutItemInput{
		Item:      av,
		TableName: aws.String(r.tableName),
	})
	if err != nil {
		return fmt.Errorf("save video %s: %w", video.Id, err)
	}
	return nil
}
