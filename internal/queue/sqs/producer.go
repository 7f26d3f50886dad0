package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"booking/internal/notify"
	"booking/internal/util"
)

const defaultGroupBuckets = 256

// SendAPI is the slice of the SQS client the producer needs.
type SendAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Producer publishes notification jobs to an SQS queue. On FIFO queues jobs
// for one user share a message group, so a user's notifications arrive in
// order while different users spread over GroupBuckets groups.
type Producer struct {
	SQS          SendAPI
	QueueURL     string
	FIFO         bool
	GroupBuckets int
}

type NotificationJob struct {
	JobID string       `json:"jobId"`
	Event notify.Event `json:"event"`
}

func (p *Producer) Send(ctx context.Context, ev notify.Event) error {
	if ev.ID == "" {
		ev.ID = util.NewID("ntf")
	}
	body, err := json.Marshal(NotificationJob{JobID: ev.ID, Event: ev})
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if p.FIFO {
		in.MessageGroupId = str(messageGroupIDBucketed(ev.UserID, p.GroupBuckets))
		in.MessageDeduplicationId = str(ev.ID)
	}
	if _, err := p.SQS.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("sqs send %s: %w", ev.ID, err)
	}
	return nil
}

func messageGroupIDBucketed(userID int64, buckets int) string {
	if buckets <= 0 {
		buckets = defaultGroupBuckets
	}
	b := userID % int64(buckets)
	if b < 0 {
		b = -b
	}
	return "user-bucket-" + strconv.FormatInt(b, 10)
}

func str(s string) *string { return &s }
