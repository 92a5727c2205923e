// Package eventbridge implements the reminder queue on EventBridge Scheduler
// one-shot schedules that deliver into an SQS queue.
package eventbridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/scheduler"
	"github.com/aws/aws-sdk-go-v2/service/scheduler/types"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"ms-reminders/internal/models"
	"ms-reminders/internal/queue"
	"ms-reminders/internal/sqsutil"
)

const (
	namePrefix    = "rem."
	maxNameLength = 64
)

// SchedulerAPI is the subset of the EventBridge Scheduler client in use
type SchedulerAPI interface {
	CreateSchedule(ctx context.Context, params *scheduler.CreateScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.CreateScheduleOutput, error)
	UpdateSchedule(ctx context.Context, params *scheduler.UpdateScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.UpdateScheduleOutput, error)
	DeleteSchedule(ctx context.Context, params *scheduler.DeleteScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.DeleteScheduleOutput, error)
	GetSchedule(ctx context.Context, params *scheduler.GetScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.GetScheduleOutput, error)
	ListSchedules(ctx context.Context, params *scheduler.ListSchedulesInput, optFns ...func(*scheduler.Options)) (*scheduler.ListSchedulesOutput, error)
}

// Settings names the AWS resources behind the queue
type Settings struct {
	GroupName         string
	RoleARN           string
	QueueARN          string
	QueueURL          string
	WaitSeconds       int32
	VisibilitySeconds int32
}

// Service keeps one schedule per (entity, kind) named rem.<entityId>.<kind>.
// Due schedules drop the job JSON into SQS where Dequeue picks it up.
type Service struct {
	Scheduler SchedulerAPI
	SQS       sqsutil.API
	Settings  Settings
	logger    *zap.Logger
}

func NewService(schedulerClient SchedulerAPI, sqsClient sqsutil.API, settings Settings, logger *zap.Logger) *Service {
	if settings.GroupName == "" {
		settings.GroupName = "default"
	}
	if settings.WaitSeconds <= 0 {
		settings.WaitSeconds = 20
	}
	return &Service{Scheduler: schedulerClient, SQS: sqsClient, Settings: settings, logger: logger}
}

// ScheduleName returns the schedule name for an (entity, kind) pair
func ScheduleName(entityID string, kind models.ReminderKind) (string, error) {
	name := namePrefix + entityID + "." + kind.Short()
	if len(name) > maxNameLength {
		return "", fmt.Errorf("entity id %q too long for a schedule name", entityID)
	}
	return name, nil
}

// Enqueue creates the schedule or, when one exists for the pair, updates it
func (s *Service) Enqueue(ctx context.Context, job models.ReminderJob) error {
	scheduleName, err := ScheduleName(job.EntityID, job.Kind)
	if err != nil {
		return err
	}
	body, err := queue.EncodeJob(job)
	if err != nil {
		return err
	}

	// at(YYYY-MM-DDTHH:mm:ss) in UTC
	expression := fmt.Sprintf("at(%s)", job.FireAt.UTC().Format("2006-01-02T15:04:05"))
	target := &types.Target{
		Arn:     aws.String(s.Settings.QueueARN),
		RoleArn: aws.String(s.Settings.RoleARN),
		Input:   aws.String(string(body)),
	}

	_, err = s.Scheduler.CreateSchedule(ctx, &scheduler.CreateScheduleInput{
		Name:                       aws.String(scheduleName),
		GroupName:                  aws.String(s.Settings.GroupName),
		ScheduleExpression:         aws.String(expression),
		Target:                     target,
		FlexibleTimeWindow:         &types.FlexibleTimeWindow{Mode: types.FlexibleTimeWindowModeOff},
		ActionAfterCompletion:      types.ActionAfterCompletionDelete,
		ScheduleExpressionTimezone: aws.String("UTC"),
	})
	if err == nil {
		s.logger.Info("created reminder schedule", zap.String("schedule", scheduleName), zap.Time("fire_at", job.FireAt))
		return nil
	}

	var conflict *types.ConflictException
	if !errors.As(err, &conflict) {
		return classify("create schedule", err)
	}

	s.logger.Info("reminder schedule exists, updating", zap.String("schedule", scheduleName))
	_, err = s.Scheduler.UpdateSchedule(ctx, &scheduler.UpdateScheduleInput{
		Name:                       aws.String(scheduleName),
		GroupName:                  aws.String(s.Settings.GroupName),
		ScheduleExpression:         aws.String(expression),
		Target:                     target,
		FlexibleTimeWindow:         &types.FlexibleTimeWindow{Mode: types.FlexibleTimeWindowModeOff},
		ActionAfterCompletion:      types.ActionAfterCompletionDelete,
		ScheduleExpressionTimezone: aws.String("UTC"),
	})
	return classify("update schedule", err)
}

// Cancel deletes the pair's schedule if it still carries ref's job
func (s *Service) Cancel(ctx context.Context, ref models.JobRef) error {
	scheduleName, err := ScheduleName(ref.EntityID, ref.Kind)
	if err != nil {
		return err
	}

	if ref.JobID != "" {
		job, found, err := s.get(ctx, scheduleName)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if job.JobID != ref.JobID {
			s.logger.Info("schedule holds a newer job, leaving it",
				zap.String("schedule", scheduleName), zap.String("job_id", ref.JobID))
			return nil
		}
	}

	_, err = s.Scheduler.DeleteSchedule(ctx, &scheduler.DeleteScheduleInput{
		Name:      aws.String(scheduleName),
		GroupName: aws.String(s.Settings.GroupName),
	})
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		// the schedule already ran and deleted itself
		return nil
	}
	if err != nil {
		return classify("delete schedule", err)
	}
	s.logger.Info("deleted reminder schedule", zap.String("schedule", scheduleName))
	return nil
}

func (s *Service) Pending(ctx context.Context, entityID string) ([]models.ReminderJob, error) {
	return s.list(ctx, namePrefix+entityID+".")
}

func (s *Service) PendingAll(ctx context.Context) ([]models.ReminderJob, error) {
	return s.list(ctx, namePrefix)
}

func (s *Service) list(ctx context.Context, prefix string) ([]models.ReminderJob, error) {
	var (
		jobs      []models.ReminderJob
		nextToken *string
	)
	for {
		out, err := s.Scheduler.ListSchedules(ctx, &scheduler.ListSchedulesInput{
			GroupName:  aws.String(s.Settings.GroupName),
			NamePrefix: aws.String(prefix),
			NextToken:  nextToken,
		})
		if err != nil {
			return nil, classify("list schedules", err)
		}
		for _, summary := range out.Schedules {
			name := aws.ToString(summary.Name)
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			job, found, err := s.get(ctx, name)
			if err != nil {
				return nil, err
			}
			if found {
				jobs = append(jobs, job)
			}
		}
		if out.NextToken == nil {
			return jobs, nil
		}
		nextToken = out.NextToken
	}
}

func (s *Service) get(ctx context.Context, scheduleName string) (models.ReminderJob, bool, error) {
	out, err := s.Scheduler.GetSchedule(ctx, &scheduler.GetScheduleInput{
		Name:      aws.String(scheduleName),
		GroupName: aws.String(s.Settings.GroupName),
	})
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return models.ReminderJob{}, false, nil
	}
	if err != nil {
		return models.ReminderJob{}, false, classify("get schedule", err)
	}
	if out.Target == nil || out.Target.Input == nil {
		return models.ReminderJob{}, false, nil
	}

	job, err := queue.DecodeJob([]byte(aws.ToString(out.Target.Input)))
	if err != nil {
		s.logger.Warn("schedule carries an undecodable job", zap.String("schedule", scheduleName), zap.Error(err))
		return models.ReminderJob{}, false, nil
	}
	return job, true, nil
}

// Dequeue long-polls the target queue for the next fired schedule
func (s *Service) Dequeue(ctx context.Context) (queue.Lease, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		messages, err := sqsutil.ReceiveMessages(ctx, s.SQS, s.Settings.QueueURL, sqsutil.ReceiveOptions{
			MaxMessages:       1,
			WaitSeconds:       s.Settings.WaitSeconds,
			VisibilitySeconds: s.Settings.VisibilitySeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("failed to receive reminder messages", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range messages {
			lease, ok := s.leaseFor(ctx, msg)
			if ok {
				return lease, nil
			}
		}
	}
}

func (s *Service) leaseFor(ctx context.Context, msg sqstypes.Message) (*sqsLease, bool) {
	job, err := queue.DecodeJob([]byte(aws.ToString(msg.Body)))
	if err != nil {
		// a malformed message never becomes valid, drop it
		s.logger.Error("deleting malformed reminder message",
			zap.String("message_id", aws.ToString(msg.MessageId)), zap.Error(err))
		if delErr := sqsutil.DeleteMessage(ctx, s.SQS, s.Settings.QueueURL, msg.ReceiptHandle); delErr != nil {
			s.logger.Warn("failed to delete malformed message", zap.Error(delErr))
		}
		return nil, false
	}
	return &sqsLease{service: s, job: job, receiptHandle: msg.ReceiptHandle}, true
}

type sqsLease struct {
	service       *Service
	job           models.ReminderJob
	receiptHandle *string
}

func (l *sqsLease) Job() models.ReminderJob { return l.job }

func (l *sqsLease) Ack(ctx context.Context) error {
	return classify("ack", sqsutil.DeleteMessage(ctx, l.service.SQS, l.service.Settings.QueueURL, l.receiptHandle))
}

func (l *sqsLease) Release(ctx context.Context) error {
	return classify("release", sqsutil.ReleaseMessage(ctx, l.service.SQS, l.service.Settings.QueueURL, l.receiptHandle))
}

// classify keeps request validation failures permanent and marks the rest as
// transient
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var invalid *types.ValidationException
	if errors.As(err, &invalid) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return queue.Unavailable(op, err)
}
