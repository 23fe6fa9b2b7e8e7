package provisioning

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error", errors.New("boom"), KindFatal},
		{"raw not found status", status.Error(codes.NotFound, "nope"), KindNotFound},
		{"raw unauthenticated", status.Error(codes.Unauthenticated, "token expired"), KindPermissionDenied},
		{"wrapped rpc", wrapRPC("create instance vm", status.Error(codes.AlreadyExists, "dup")), KindAlreadyExists},
		{"double wrapped", fmt.Errorf("outer: %w", wrapRPC("op", status.Error(codes.Unavailable, "later"))), KindTransient},
		{"io", ioError("read key", fs.ErrNotExist), KindIO},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code codes.Code
		want Outcome
	}{
		{codes.AlreadyExists, OutcomeAlreadyExists},
		{codes.Unavailable, OutcomeTransient},
		{codes.PermissionDenied, OutcomeFatal},
		{codes.NotFound, OutcomeFatal},
		{codes.ResourceExhausted, OutcomeFatal},
		{codes.InvalidArgument, OutcomeFatal},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := wrapRPC("create instance vm", status.Error(tt.code, "message"))
			if got := Classify(err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestClassify_MessageTextIsIgnored(t *testing.T) {
	// A non-conflict code whose text mentions "already exists" is not a conflict.
	err := wrapRPC("create", status.Error(codes.InvalidArgument, "disk already exists in another folder"))
	if Classify(err) != OutcomeFatal {
		t.Errorf("Classify() = %v, want fatal", Classify(err))
	}
}

func TestError_StatusCodeSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("workflow: %w", wrapRPC("create", status.Error(codes.PermissionDenied, "denied")))
	if got := status.Code(err); got != codes.PermissionDenied {
		t.Errorf("status.Code() = %v, want PermissionDenied", got)
	}

	if got := status.Code(ioError("read", fs.ErrPermission)); got != codes.Unknown {
		t.Errorf("status.Code(io) = %v, want Unknown", got)
	}
}

func TestWrapRPC_Nil(t *testing.T) {
	if err := wrapRPC("noop", nil); err != nil {
		t.Errorf("wrapRPC(nil) = %v", err)
	}
}

func TestIsNotFound(t *testing.T) {
	if IsNotFound(nil) {
		t.Error("IsNotFound(nil) = true")
	}
	if !IsNotFound(&Error{Kind: KindNotFound, Op: "find subnet", Err: errors.New("none")}) {
		t.Error("IsNotFound(not found) = false")
	}
}
