// Package audit содержит порт журнала аудита мутирующих операций.
package audit

import (
	"context"

	"go.uber.org/zap"
)

// Entry описывает одну запись аудита. На каждую мутирующую операцию
// записывается ровно одна запись.
type Entry struct {
	Action     string
	RequestID  string
	ActorID    string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

// Sink принимает записи аудита. Реализация предоставляется внешним
// коллаборатором; сервису важен только контракт.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// ZapSink пишет записи аудита в структурированный лог.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink создаёт журнал аудита поверх zap-логгера.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

// Record записывает одну запись аудита.
func (s *ZapSink) Record(_ context.Context, e Entry) {
	s.logger.Info("audit",
		zap.String("action", e.Action),
		zap.String("requestID", e.RequestID),
		zap.String("actorID", e.ActorID),
		zap.String("targetType", e.TargetType),
		zap.String("targetID", e.TargetID),
		zap.Any("metadata", e.Metadata),
	)
}
