package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// requester issues requests on a session and correlates the responses through a PendingTable.
// Client and ServerSession both use it, for client calls and server-initiated requests.
type requester struct {
	session      Session
	pending      *PendingTable
	timeout      time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
}

func (r requester) call(ctx context.Context, method string, params any, result any) error {
	id := r.pending.NextID()
	msg, err := newRequest(id, method, params)
	if err != nil {
		return err
	}
	waiter, err := r.pending.Register(id, method, r.timeout)
	if err != nil {
		return fmt.Errorf("failed to register request: %w", err)
	}

	sCtx, sCancel := context.WithTimeout(ctx, r.writeTimeout)
	err = r.session.Send(sCtx, msg)
	sCancel()
	if err != nil {
		r.pending.Fail(id, err)
		return fmt.Errorf("failed to send request: %w", err)
	}

	res, err := waiter.Wait(ctx)
	if err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.cancelled(id, err)
		}
		return err
	}

	if result == nil || len(res.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

func (r requester) notify(ctx context.Context, method string, params any) error {
	msg, err := newRequest(RequestID{}, method, params)
	if err != nil {
		return err
	}

	sCtx, sCancel := context.WithTimeout(ctx, r.writeTimeout)
	defer sCancel()

	if err := r.session.Send(sCtx, msg); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

// cancelled tells the peer to stop working on a request nobody waits for anymore.
func (r requester) cancelled(id RequestID, cause error) {
	reason := userCancelledReason
	if errors.Is(cause, ErrTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		reason = requestTimedOutReason
	}
	err := r.notify(context.Background(), methodNotificationsCancelled, notificationsCancelledParams{
		RequestID: id,
		Reason:    reason,
	})
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		r.logger.Warn("failed to send cancellation", slog.String("id", id.String()), slog.String("err", err.Error()))
	}
}
