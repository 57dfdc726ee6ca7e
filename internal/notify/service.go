package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"time"

	"depositguard/internal/logger"
	"depositguard/internal/metrics"

	"github.com/redis/go-redis/v9"
)

const queueKey = "notifications"

type Job struct {
	To      string    `json:"to"`
	Name    string    `json:"name"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Kind    string    `json:"kind"`
	Tries   int       `json:"tries"`
	Created time.Time `json:"created"`
}

type Service struct {
	redis    *redis.Client
	from     string
	fromName string
	smtpHost string
	smtpPort string
	smtpUser string
	smtpPass string
}

func New(fromEmail, fromName, smtpHost, smtpPort, smtpUser, smtpPass, redisAddr string) *Service {
	return &Service{
		redis: redis.NewClient(&redis.Options{
			Addr: redisAddr,
		}),
		from:     fromEmail,
		fromName: fromName,
		smtpHost: smtpHost,
		smtpPort: smtpPort,
		smtpUser: smtpUser,
		smtpPass: smtpPass,
	}
}

func (s *Service) Send(ctx context.Context, kind, to, name, subject, body string) error {
	job := Job{
		To:      to,
		Name:    name,
		Subject: subject,
		Body:    body,
		Kind:    kind,
		Tries:   0,
		Created: time.Now(),
	}

	data, err := json.Marshal(job)
	if err != nil {
		logger.Errorf("Failed to marshal notification job: %v", err)
		return err
	}

	if err := s.redis.LPush(ctx, queueKey, data).Err(); err != nil {
		logger.Errorf("Failed to queue notification to %s: %v", to, err)
		metrics.RecordNotification(kind, "queue_error")
		return err
	}

	metrics.RecordNotification(kind, "queued")
	logger.Infof("Notification queued: %s to %s", subject, to)
	return nil
}

func (s *Service) Start(ctx context.Context) {
	logger.Info("Notification service started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Notification service stopped")
			return
		default:
			s.processNext(ctx)
		}
	}
}

func (s *Service) processNext(ctx context.Context) {
	result, err := s.redis.BRPop(ctx, 2*time.Second, queueKey).Result()
	if err != nil {
		return
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		logger.Errorf("Bad notification data: %v", err)
		return
	}

	job.Tries++
	if err := s.sendNow(job); err != nil {
		logger.Errorf("Failed to send notification to %s: %v", job.To, err)

		if job.Tries < 3 {
			time.Sleep(5 * time.Second)
			data, _ := json.Marshal(job)
			s.redis.LPush(context.Background(), queueKey, data)
		} else {
			metrics.RecordNotification(job.Kind, "failed")
			s.saveFailed(job, err)
		}
		return
	}

	metrics.RecordNotification(job.Kind, "sent")
}

func (s *Service) sendNow(job Job) error {
	message := fmt.Sprintf("From: %s <%s>\r\n", s.fromName, s.from)
	message += fmt.Sprintf("To: %s\r\n", job.To)
	message += fmt.Sprintf("Subject: %s\r\n", job.Subject)
	message += "\r\n" + job.Body

	var auth smtp.Auth
	if s.smtpUser != "" && s.smtpPass != "" {
		auth = smtp.PlainAuth("", s.smtpUser, s.smtpPass, s.smtpHost)
	}

	addr := s.smtpHost + ":" + s.smtpPort
	return smtp.SendMail(addr, auth, s.from, []string{job.To}, []byte(message))
}

func (s *Service) saveFailed(job Job, err error) {
	failed := map[string]interface{}{
		"job":   job,
		"error": err.Error(),
		"time":  time.Now(),
	}
	data, _ := json.Marshal(failed)
	s.redis.LPush(context.Background(), queueKey+":failed", data)
	logger.Errorf("Notification moved to failed queue: %s", job.To)
}

func (s *Service) QueueLength(ctx context.Context) int64 {
	length, _ := s.redis.LLen(ctx, queueKey).Result()
	return length
}

func (s *Service) Close() error {
	return s.redis.Close()
}

func formatAmount(amountCents int64, currency string) string {
	return fmt.Sprintf("%.2f %s", float64(amountCents)/100, currency)
}

func (s *Service) SendDepositReleased(ctx context.Context, email, name string, amountCents int64, currency string) error {
	subject := "Deposit released"
	body := fmt.Sprintf(`Hi %s,

The service was confirmed as completed and the deposit of %s has been
released to the provider.

- DepositGuard`, name, formatAmount(amountCents, currency))

	return s.Send(ctx, "deposit_released", email, name, subject, body)
}

func (s *Service) SendRetentionFee(ctx context.Context, email, name string, tier int, amountCents int64, currency string) error {
	subject := "Late reschedule fee applied"
	body := fmt.Sprintf(`Hi %s,

Your booking was rescheduled inside the provider's no-reschedule window.
A fee of %s was retained (reschedule #%d). The remainder of your deposit
rolls forward to the new date.

- DepositGuard`, name, formatAmount(amountCents, currency), tier)

	return s.Send(ctx, "retention_fee", email, name, subject, body)
}

func (s *Service) SendIssueReceived(ctx context.Context, email, name string) error {
	subject := "We received your issue report"
	body := fmt.Sprintf(`Hi %s,

Your deposit is on hold while we review the issue you reported.
Nothing will be released or charged until the review is resolved.

- DepositGuard`, name)

	return s.Send(ctx, "issue_received", email, name, subject, body)
}

func (s *Service) SendDisputeResolved(ctx context.Context, email, name, outcome string) error {
	subject := "Your dispute has been resolved"
	body := fmt.Sprintf(`Hi %s,

The review of your booking has concluded: %s.
The audit trail of your booking reflects the exact amounts moved.

- DepositGuard`, name, outcome)

	return s.Send(ctx, "dispute_resolved", email, name, subject, body)
}
