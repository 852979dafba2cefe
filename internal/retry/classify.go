package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bobmcallan/kabuka/internal/common"
)

type httpStatuser interface {
	HTTPStatus() int
}

// IsRetryable classifies network failures, attempt timeouts, HTTP 5xx and
// gRPC Unavailable/DeadlineExceeded as retryable. 4xx responses, caller
// cancellation and everything else are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Status-bearing errors decide on the code alone.
	var hs httpStatuser
	if errors.As(err, &hs) && hs.HTTPStatus() > 0 {
		return hs.HTTPStatus() >= 500
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code >= 500
	}
	if s, ok := status.FromError(err); ok && s.Code() != codes.OK && s.Code() != codes.Unknown {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded:
			return true
		default:
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var te *common.TransportError
	return errors.As(err, &te)
}
