package relay

import (
	"errors"
	"fmt"

	pb "github.com/dep2p/dcutr-perf/pkg/lib/proto"
	"github.com/dep2p/dcutr-perf/pkg/types"
)

// ErrStatus 对端返回了非 OK 状态，且状态码没有对应的错误类别
var ErrStatus = errors.New("relay status")

// StatusForError 将中继侧错误映射为线上状态码
func StatusForError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, types.ErrNoReservation):
		return StatusNoReservation
	case errors.Is(err, types.ErrAlreadyReserved):
		return StatusReservationRefused
	case errors.Is(err, types.ErrCapacityExceeded):
		return StatusResourceLimitExceeded
	case errors.Is(err, pb.ErrMalformed):
		return StatusMalformedMessage
	default:
		return StatusConnectionFailed
	}
}

// Err 将状态码还原为错误，OK 返回 nil
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusNoReservation:
		return types.ErrNoReservation
	case StatusReservationRefused:
		return types.ErrAlreadyReserved
	case StatusResourceLimitExceeded:
		return types.ErrCapacityExceeded
	default:
		return fmt.Errorf("%w: %s", ErrStatus, s)
	}
}
