// Package audit records immutable security events. Recording never fails the
// caller: sink errors are logged and counted.
package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"family-vault/internal/bucketing"
	"family-vault/internal/metrics"
	"family-vault/internal/model"
	"family-vault/internal/util"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	ActionCertificateValidationSuccess = "CERTIFICATE_VALIDATION_SUCCESS"
	ActionCertificateValidationFailed  = "CERTIFICATE_VALIDATION_FAILED"
	ActionCertificateValidationError   = "CERTIFICATE_VALIDATION_ERROR"
	ActionCertificateMissing           = "CERTIFICATE_MISSING"
	ActionRateLimitExceeded            = "RATE_LIMIT_EXCEEDED"
	ActionInvalidTempToken             = "INVALID_TEMP_TOKEN"
	ActionAuthenticationSuccess        = "AUTHENTICATION_SUCCESS"
	ActionMasterPasswordFailed         = "MASTER_PASSWORD_FAILED"
	ActionMasterPasswordError          = "MASTER_PASSWORD_ERROR"
	ActionAccountLocked                = "ACCOUNT_LOCKED"
	ActionSessionCreated               = "SESSION_CREATED"
	ActionSessionCreateFailed          = "SESSION_CREATE_FAILED"
	ActionSessionValidated             = "SESSION_VALIDATED"
	ActionSessionInvalid               = "SESSION_INVALID"
	ActionSessionDestroyed             = "SESSION_DESTROYED"
	ActionSessionsRevoked              = "SESSIONS_REVOKED"
	ActionPermissionDenied             = "PERMISSION_DENIED"
	ActionDashboardStatsAccess         = "DASHBOARD_STATS_ACCESS"
	ActionDashboardStatsError          = "DASHBOARD_STATS_ERROR"
	ActionPasswordGenerated            = "PASSWORD_GENERATED"
	ActionPasswordGenerateFailed       = "PASSWORD_GENERATE_FAILED"
	ActionInvalidRequest               = "INVALID_REQUEST"
	ActionRateLimitError               = "RATE_LIMIT_ERROR"
	ActionSessionTokenMissing          = "SESSION_TOKEN_MISSING"
	ActionSessionNotFound              = "SESSION_NOT_FOUND"
	ActionSessionError                 = "SESSION_ERROR"
)

// Event is what callers hand to Record.
type Event struct {
	MemberID  string
	Action    string
	Success   bool
	IPAddress string
	UserAgent string
	Details   map[string]any
}

// Sink stores recorded events somewhere.
type Sink interface {
	Name() string
	Write(ctx context.Context, e *model.SecurityEvent) error
}

type Recorder struct {
	sinks   []Sink
	buckets *bucketing.Partitioner
	timeout time.Duration
	now     func() time.Time
}

func NewRecorder(buckets *bucketing.Partitioner, sinks ...Sink) *Recorder {
	if buckets == nil {
		buckets = bucketing.NewPartitioner(1)
	}
	return &Recorder{
		sinks:   sinks,
		buckets: buckets,
		timeout: 5 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// AddSink appends a sink. It is not safe to call concurrently with Record.
func (r *Recorder) AddSink(s Sink) {
	r.sinks = append(r.sinks, s)
}

// Record writes e to every sink and waits for them. The caller's cancellation
// does not abort the write.
func (r *Recorder) Record(ctx context.Context, e Event) *model.SecurityEvent {
	ev := &model.SecurityEvent{
		EventID:   uuid.NewString(),
		MemberID:  e.MemberID,
		Action:    e.Action,
		Success:   e.Success,
		IPAddress: e.IPAddress,
		UserAgent: e.UserAgent,
		Details:   e.Details,
		Timestamp: r.now(),
	}
	partitionKey := e.MemberID
	if partitionKey == "" {
		partitionKey = e.IPAddress
	}
	ev.EventBucket = r.buckets.For(partitionKey, ev.Timestamp).Bucket

	metrics.AuditEventsTotal.WithLabelValues(e.Action, strconv.FormatBool(e.Success)).Inc()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	var g errgroup.Group
	for _, s := range r.sinks {
		g.Go(func() error {
			if err := safeWrite(wctx, s, ev); err != nil {
				metrics.AuditSinkErrorsTotal.WithLabelValues(s.Name()).Inc()
				util.Error("Failed to record security event",
					util.String("sink", s.Name()),
					util.String("action", ev.Action),
					util.String("event_id", ev.EventID),
					util.ErrorField(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	return ev
}

func safeWrite(ctx context.Context, s Sink, ev *model.SecurityEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sink panicked: %v", rec)
		}
	}()
	return s.Write(ctx, ev)
}
