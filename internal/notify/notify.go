// Package notify queues outbound email jobs and delivers them in the
// background through a Sender.
package notify

import (
	"context"
	"log/slog"
)

// Kind names a notification template.
type Kind string

const (
	KindOTP             Kind = "otp"
	KindInvite          Kind = "invite"
	KindExpenseDecision Kind = "expense_decision"
)

// Job is one email to deliver.
type Job struct {
	Kind Kind              `json:"kind"`
	To   string            `json:"to"`
	Data map[string]string `json:"data"`
}

// OTPJob builds a one-time code email. purpose is the OTP type.
func OTPJob(email, code, purpose string) Job {
	return Job{Kind: KindOTP, To: email, Data: map[string]string{"code": code, "purpose": purpose}}
}

// InviteJob builds an organization invite email.
func InviteJob(email, orgName, inviterName, role, token string) Job {
	return Job{Kind: KindInvite, To: email, Data: map[string]string{
		"organization": orgName,
		"inviter":      inviterName,
		"role":         role,
		"token":        token,
	}}
}

// ExpenseDecisionJob builds an expense approved/rejected email.
func ExpenseDecisionJob(email, expenseID, decision, note string) Job {
	return Job{Kind: KindExpenseDecision, To: email, Data: map[string]string{
		"expense_id": expenseID,
		"decision":   decision,
		"note":       note,
	}}
}

// Sender delivers a single job. Implementations may be retried.
type Sender interface {
	Send(ctx context.Context, job Job) error
}

// Enqueuer is the fire-and-forget side used by services.
type Enqueuer interface {
	Enqueue(job Job)
}

// LogSender writes jobs to the structured log instead of sending mail.
// Codes and tokens are logged only at debug level.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, job Job) error {
	slog.InfoContext(ctx, "notification", "kind", job.Kind, "to", job.To)
	slog.DebugContext(ctx, "notification payload", "kind", job.Kind, "to", job.To, "data", job.Data)
	return nil
}
