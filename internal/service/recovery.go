package service

import (
	"context"
	"fmt"

	"surveybot/internal/model"

	"go.uber.org/zap"
)

// RecoverPendingChecks re-dispatches calls left pending by a previous process
func (i *Invoker) RecoverPendingChecks(ctx context.Context, log *zap.Logger) error {
	status := model.CallPending
	calls, err := i.store.ListCalls(ctx, &status, 1000, 0)
	if err != nil {
		return fmt.Errorf("failed to list pending calls: %w", err)
	}

	log.Info("Recovering pending external checks", zap.Int("count", len(calls)))

	for _, call := range calls {
		if err := i.dispatcher.Dispatch(ctx, call.ID); err != nil {
			log.Error("Failed to re-dispatch pending call during recovery",
				zap.String("callId", call.ID),
				zap.Error(err),
			)
			continue
		}
		log.Info("Re-dispatched pending call",
			zap.String("callId", call.ID),
			zap.String("userId", call.UserID),
		)
	}
	return nil
}
