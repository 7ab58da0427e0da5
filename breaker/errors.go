package breaker

import "github.com/ceyewan/servicecomb/xerrors"

var (
	// ErrKeyEmpty 熔断键为空
	ErrKeyEmpty = xerrors.Wrap(xerrors.ErrInvalidInput, "breaker: key is empty")

	// ErrOpenState 熔断器打开或半开探测名额已满。属于 ErrUnavailable。
	ErrOpenState = xerrors.Wrap(xerrors.ErrUnavailable, "breaker: circuit breaker is open")
)
