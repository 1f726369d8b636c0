package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"board-api/domain"
)

// DeadLetter accepts change records that could not be appended so an
// operator can replay them.
type DeadLetter interface {
	Push(ctx context.Context, r domain.ChangeRecord) error
}

// QueueDeadLetter serializes dropped records onto a storage queue.
type QueueDeadLetter struct {
	queue *azqueue.QueueClient
}

// NewQueueDeadLetter creates a dead letter over the named queue.
func NewQueueDeadLetter(connStr, queueName string) (*QueueDeadLetter, error) {
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &QueueDeadLetter{queue: q}, nil
}

func (d *QueueDeadLetter) Push(ctx context.Context, r domain.ChangeRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = d.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}
