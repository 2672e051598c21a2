package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Arjunhubgit/Task-Manager-sub000/internal/metrics"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/service"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// TaskEvent 是任务生命周期代码投递到 Kafka 的事件。
type TaskEvent struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	Title   string `json:"title"`
	Message string `json:"message"`
	TaskID  string `json:"taskId"`
}

var defaultTitles = map[string]string{
	service.NotifyTaskAssigned:     "New task assigned",
	service.NotifyTaskCompleted:    "Task completed",
	service.NotifyComment:          "New comment",
	service.NotifyTeamMember:       "Team update",
	service.NotifyStatusUpdate:     "Task status changed",
	service.NotifyDeadlineReminder: "Deadline approaching",
}

// Notification 把事件转换为通知创建参数，标题缺省时按类型补齐。
func (e TaskEvent) Notification() (service.CreateNotificationInput, error) {
	if !service.ValidNotificationType(e.Type) {
		return service.CreateNotificationInput{}, fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.UserID == "" {
		return service.CreateNotificationInput{}, errors.New("event has no userId")
	}
	in := service.CreateNotificationInput{
		UserID:  e.UserID,
		Type:    e.Type,
		Title:   e.Title,
		Message: e.Message,
	}
	if in.Title == "" {
		in.Title = defaultTitles[e.Type]
	}
	if e.TaskID != "" {
		id := e.TaskID
		in.RelatedTaskID = &id
	}
	return in, nil
}

// NotificationCreator 是消费者写入通知所需的最小接口。
type NotificationCreator interface {
	Create(ctx context.Context, in service.CreateNotificationInput) (*service.NotificationDTO, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 从任务事件 topic 读取事件并生成通知。
// 格式错误的事件记录日志后直接提交；写库失败会退避重试，成功后才提交位点。
type Consumer struct {
	reader   messageReader
	notes    NotificationCreator
	maxRetry time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, notes NotificationCreator) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: r, notes: notes, maxRetry: time.Minute}
}

// Run 阻塞消费直到 ctx 取消，取消时返回 nil。
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("kafka fetch")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if err := c.handle(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Int64("offset", m.Offset).Msg("kafka commit")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) error {
	var evt TaskEvent
	if err := json.Unmarshal(m.Value, &evt); err != nil {
		metrics.TaskEventsTotal.WithLabelValues("malformed").Inc()
		log.Warn().Err(err).Int64("offset", m.Offset).Msg("skip malformed task event")
		return nil
	}
	in, err := evt.Notification()
	if err != nil {
		metrics.TaskEventsTotal.WithLabelValues("rejected").Inc()
		log.Warn().Err(err).Int64("offset", m.Offset).Msg("skip task event")
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.maxRetry
	op := func() error {
		_, err := c.notes.Create(ctx, in)
		if service.IsValidation(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if service.IsValidation(err) {
			metrics.TaskEventsTotal.WithLabelValues("rejected").Inc()
			log.Warn().Err(err).Int64("offset", m.Offset).Msg("skip task event")
			return nil
		}
		metrics.TaskEventsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("create notification at offset %d: %w", m.Offset, err)
	}
	metrics.TaskEventsTotal.WithLabelValues("ok").Inc()
	return nil
}
