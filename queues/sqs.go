package queues

import (
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS implements Publisher on top of an SQS client and hands out pollable queues.
type SQS struct {
	client            *sqs.Client
	waitTime          int32
	visibilityTimeout int32
}

func NewSQS(client *sqs.Client, waitTime, visibilityTimeout int) *SQS {
	return &SQS{client: client, waitTime: int32(waitTime), visibilityTimeout: int32(visibilityTimeout)}
}

// Queue returns a pollable queue for the given queue URL
func (s *SQS) Queue(url string) Queue {
	return &sqsQueue{svc: s, url: url}
}

// Send sends a single message to the given queue
func (s *SQS) Send(ctx context.Context, queueURL string, body []byte) error {
	_, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("error sending message to %s: %w", queueURL, err)
	}
	return nil
}

// SendBatch sends up to 10 messages per request to the given queue
func (s *SQS) SendBatch(ctx context.Context, queueURL string, bodies [][]byte) error {
	for start := 0; start < len(bodies); start += 10 {
		end := min(start+10, len(bodies))

		entries := make([]types.SendMessageBatchRequestEntry, 0, end-start)
		for i, body := range bodies[start:end] {
			entries = append(entries, types.SendMessageBatchRequestEntry{
				Id:          aws.String(fmt.Sprintf("m%d", start+i)),
				MessageBody: aws.String(string(body)),
			})
		}

		resp, err := s.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(queueURL),
			Entries:  entries,
		})
		if err != nil {
			return fmt.Errorf("error batch sending to %s: %w", queueURL, err)
		}
		if len(resp.Failed) > 0 {
			return fmt.Errorf("error batch sending to %s: %d of %d entries failed (first: %s)",
				queueURL, len(resp.Failed), len(entries), aws.ToString(resp.Failed[0].Message))
		}
	}
	return nil
}

type sqsQueue struct {
	svc *SQS
	url string
}

// Receive fetches at most one message, waiting up to the configured wait time
func (q *sqsQueue) Receive(ctx context.Context) (*Message, error) {
	resp, err := q.svc.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     q.svc.waitTime,
		VisibilityTimeout:   q.svc.visibilityTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("error receiving from %s: %w", q.url, err)
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}

	m := resp.Messages[0]
	return &Message{Body: aws.ToString(m.Body), ReceiptHandle: aws.ToString(m.ReceiptHandle)}, nil
}

// Delete acknowledges a handled message by its receipt handle
func (q *sqsQueue) Delete(ctx context.Context, m *Message) error {
	_, err := q.svc.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(m.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("error deleting message from %s: %w", q.url, err)
	}
	return nil
}

func (q *sqsQueue) Name() string {
	return path.Base(q.url)
}
