package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/dvloznov/movements-ledger/internal/jobs"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingAcknowledger captures the ack decision taken for a delivery.
type recordingAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *recordingAcknowledger) Ack(tag uint64, multiple bool) error {
	a.acked = true
	return nil
}

func (a *recordingAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func newTestClient(published *[]amqp091.Publishing, publishErr error) *Client {
	return &Client{
		exchangeName: DefaultExchange,
		queueName:    DefaultQueue,
		publish: func(ctx context.Context, msg amqp091.Publishing) error {
			if publishErr != nil {
				return publishErr
			}
			*published = append(*published, msg)
			return nil
		},
	}
}

func delivery(t *testing.T, ack amqp091.Acknowledger, job *jobs.SyncJob) amqp091.Delivery {
	t.Helper()
	body, err := json.Marshal(job)
	require.NoError(t, err)
	return amqp091.Delivery{Acknowledger: ack, Body: body}
}

func TestPublishSync_EncodesJob(t *testing.T) {
	var published []amqp091.Publishing
	c := newTestClient(&published, nil)

	job := &jobs.SyncJob{PrincipalID: "p1", LinkToken: "link_1", ClassifyAfterSync: true}
	require.NoError(t, c.PublishSync(context.Background(), job))
	require.Len(t, published, 1)

	msg := published[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp091.Persistent, msg.DeliveryMode)
	assert.Equal(t, job.JobID, msg.MessageId)
	assert.Equal(t, string(jobs.JobTypeSyncLink), msg.Type)

	var decoded jobs.SyncJob
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "p1", decoded.PrincipalID)
	assert.Equal(t, "link_1", decoded.LinkToken)
	assert.True(t, decoded.ClassifyAfterSync)
	assert.Equal(t, jobs.DefaultMaxRetries, decoded.MaxRetries)
}

func TestHandleDelivery_AcksSuccess(t *testing.T) {
	var published []amqp091.Publishing
	c := newTestClient(&published, nil)
	ack := &recordingAcknowledger{}

	var got jobs.Job
	c.handleDelivery(context.Background(), delivery(t, ack, &jobs.SyncJob{JobID: "j1", PrincipalID: "p1"}),
		func(ctx context.Context, job jobs.Job) error {
			got = job
			return nil
		})

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	require.NotNil(t, got)
	assert.Equal(t, "j1", got.GetID())
	assert.Empty(t, published)
}

func TestHandleDelivery_RejectsMalformedBody(t *testing.T) {
	var published []amqp091.Publishing
	c := newTestClient(&published, nil)
	ack := &recordingAcknowledger{}

	called := false
	c.handleDelivery(context.Background(), amqp091.Delivery{Acknowledger: ack, Body: []byte("{not json")},
		func(ctx context.Context, job jobs.Job) error {
			called = true
			return nil
		})

	assert.False(t, called)
	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)
}

func TestHandleDelivery_RepublishesRetryableFailure(t *testing.T) {
	var published []amqp091.Publishing
	c := newTestClient(&published, nil)
	ack := &recordingAcknowledger{}

	c.handleDelivery(context.Background(), delivery(t, ack, &jobs.SyncJob{JobID: "j1", MaxRetries: 2}),
		func(ctx context.Context, job jobs.Job) error {
			return errors.New("source unavailable")
		})

	assert.True(t, ack.acked)
	require.Len(t, published, 1)

	var retried jobs.SyncJob
	require.NoError(t, json.Unmarshal(published[0].Body, &retried))
	assert.Equal(t, "j1", retried.JobID)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, jobs.JobStatusPending, retried.Status)
	assert.Equal(t, "source unavailable", retried.Error)
}

func TestHandleDelivery_RequeuesWhenRepublishFails(t *testing.T) {
	var published []amqp091.Publishing
	c := newTestClient(&published, errors.New("channel closed"))
	ack := &recordingAcknowledger{}

	c.handleDelivery(context.Background(), delivery(t, ack, &jobs.SyncJob{JobID: "j1", MaxRetries: 2}),
		func(ctx context.Context, job jobs.Job) error {
			return errors.New("source unavailable")
		})

	assert.False(t, ack.acked)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
}

func TestHandleDelivery_DropsExhaustedAndPermanentFailures(t *testing.T) {
	tests := []struct {
		name string
		job  *jobs.SyncJob
		err  error
	}{
		{
			name: "retries exhausted",
			job:  &jobs.SyncJob{JobID: "j1", RetryCount: 3, MaxRetries: 3},
			err:  errors.New("source unavailable"),
		},
		{
			name: "permanent",
			job:  &jobs.SyncJob{JobID: "j2", MaxRetries: 3},
			err:  jobs.Permanent(errors.New("no link registered")),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var published []amqp091.Publishing
			c := newTestClient(&published, nil)
			ack := &recordingAcknowledger{}

			c.handleDelivery(context.Background(), delivery(t, ack, tt.job),
				func(ctx context.Context, job jobs.Job) error { return tt.err })

			assert.True(t, ack.nacked)
			assert.False(t, ack.requeue)
			assert.Empty(t, published)
		})
	}
}

func TestStop_WithoutStartIsNoop(t *testing.T) {
	c := &Client{}
	assert.NoError(t, c.Stop(context.Background()))
}
