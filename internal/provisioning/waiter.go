package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ycmodules/internal/logging"

	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/operation"
	sdkoperation "github.com/yandex-cloud/go-sdk/operation"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// Waiter blocks until a long-running operation reaches a terminal state.
type Waiter struct {
	ops OperationService

	// PollInterval is used until the API suggests another one through the
	// x-operation-poll-interval header.
	PollInterval time.Duration
	// Timeout bounds a single Await call. Zero means the caller's context
	// is the only limit.
	Timeout time.Duration
}

// NewWaiter returns a waiter polling every second for at most ten minutes.
func NewWaiter(ops OperationService) *Waiter {
	return &Waiter{
		ops:          ops,
		PollInterval: time.Second,
		Timeout:      10 * time.Minute,
	}
}

// Await waits for op to finish and decodes its response into response.
// A failed operation returns *Error carrying the operation's status code.
func (w *Waiter) Await(ctx context.Context, op *operation.Operation, response proto.Message) error {
	if op == nil {
		return &Error{Kind: KindFatal, Op: "wait operation", Err: errors.New("no operation to wait for")}
	}
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	opID := op.GetId()
	logging.Logger().Debug("Waiting for operation",
		zap.String("operation_id", opID),
		zap.String("description", op.GetDescription()),
		zap.String("instance_id", createdInstanceID(op)))

	interval := w.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	wrapped := sdkoperation.New(w.ops, op)
	waitErr := wrapped.WaitInterval(ctx, interval)

	// The operation's own status takes precedence over polling errors.
	if st := wrapped.ErrorStatus(); st != nil {
		return wrapRPC("operation "+opID, st.Err())
	}
	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &Error{Kind: KindFatal, Op: "wait operation " + opID, Err: fmt.Errorf("%w: %v", ctxErr, waitErr)}
		}
		return wrapRPC("wait operation "+opID, waitErr)
	}
	if response == nil {
		return nil
	}

	payload := wrapped.RawResponse()
	if payload == nil {
		return &Error{Kind: KindFatal, Op: "operation " + opID, Err: errors.New("finished without a response")}
	}
	if err := payload.UnmarshalTo(response); err != nil {
		return &Error{Kind: KindFatal, Op: "operation " + opID, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// createdInstanceID reads CreateInstanceMetadata, which is available
// before the operation completes.
func createdInstanceID(op *operation.Operation) string {
	meta := op.GetMetadata()
	if meta == nil {
		return ""
	}
	var md compute.CreateInstanceMetadata
	if err := meta.UnmarshalTo(&md); err != nil {
		return ""
	}
	return md.GetInstanceId()
}
