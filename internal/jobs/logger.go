package jobs

import (
	"fmt"

	"go.uber.org/zap"
)

// asynqLogger routes asynq's internal logging through zap
type asynqLogger struct {
	s *zap.SugaredLogger
}

func newAsynqLogger(log *zap.Logger) *asynqLogger {
	return &asynqLogger{s: log.Named("asynq").Sugar()}
}

func (l *asynqLogger) Debug(args ...interface{}) { l.s.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.s.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.s.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.s.Error(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.s.Fatal(fmt.Sprint(args...)) }
