package audit

import (
	"context"

	"go.uber.org/zap"
)

// ZapSink logs each event at info level, or warn when it records a failure.
type ZapSink struct {
	log *zap.Logger
}

func NewZapSink(log *zap.Logger) *ZapSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapSink{log: log.Named("audit")}
}

func (s *ZapSink) Emit(_ context.Context, e Event) {
	fields := make([]zap.Field, 0, 7+len(e.Metadata))
	fields = append(fields,
		zap.Time("ts", e.Timestamp),
		zap.String("tenant_id", e.TenantID),
		zap.String("user_id", e.UserID),
		zap.Bool("success", e.Success),
	)
	if e.ActorID != "" {
		fields = append(fields, zap.String("actor_id", e.ActorID))
	}
	if e.IP != "" {
		fields = append(fields, zap.String("ip", e.IP))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error_code", e.Error))
	}
	for k, v := range e.Metadata {
		fields = append(fields, zap.String("meta."+k, v))
	}
	if e.Success {
		s.log.Info(e.Type, fields...)
		return
	}
	s.log.Warn(e.Type, fields...)
}
