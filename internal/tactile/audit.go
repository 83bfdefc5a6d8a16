package tactile

import (
	"go.uber.org/zap"
)

// Fields converts an AuditEvent to structured log fields.
func (e AuditEvent) Fields() []zap.Field {
	fields := []zap.Field{
		zap.String("event", string(e.Type)),
		zap.String("executor", e.ExecutorName),
		zap.String("binary", e.Command.Binary),
	}
	if e.Command.RequestID != "" {
		fields = append(fields, zap.String("request_id", e.Command.RequestID))
	}
	for k, v := range e.Command.Tags {
		fields = append(fields, zap.String("tag."+k, v))
	}

	switch e.Type {
	case AuditEventStart:
		fields = append(fields, zap.Strings("args", e.Command.Arguments))
		if e.Command.WorkingDirectory != "" {
			fields = append(fields, zap.String("dir", e.Command.WorkingDirectory))
		}
	case AuditEventComplete, AuditEventKilled, AuditEventError:
		if e.Result == nil {
			break
		}
		fields = append(fields,
			zap.Int("exit_code", e.Result.ExitCode),
			zap.Duration("duration", e.Result.Duration),
		)
		if e.Result.KillReason != "" {
			fields = append(fields, zap.String("kill_reason", e.Result.KillReason))
		}
		if e.Result.Error != "" {
			fields = append(fields, zap.String("error", e.Result.Error))
		}
		if ru := e.Result.ResourceUsage; ru != nil {
			fields = append(fields,
				zap.Int64("cpu_ms", ru.TotalCPUTimeMs()),
				zap.Int64("max_rss_bytes", ru.MaxRSSBytes),
			)
		}
	}
	return fields
}

// AuditLogger returns an audit callback that writes every execution event to
// logger. Start and complete events are logged at debug level; kills and
// launch errors at warn and error.
func AuditLogger(logger *zap.Logger) func(AuditEvent) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(e AuditEvent) {
		msg := "execution " + string(e.Type)
		switch e.Type {
		case AuditEventKilled:
			logger.Warn(msg, e.Fields()...)
		case AuditEventError:
			logger.Error(msg, e.Fields()...)
		case AuditEventComplete:
			if e.Result != nil && e.Result.ExitCode != 0 {
				logger.Warn(msg, e.Fields()...)
				return
			}
			logger.Debug(msg, e.Fields()...)
		default:
			logger.Debug(msg, e.Fields()...)
		}
	}
}
