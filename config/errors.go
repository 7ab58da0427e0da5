package config

import "github.com/ceyewan/servicecomb/xerrors"

// ErrValidationFailed 配置校验失败
var ErrValidationFailed = xerrors.New("configuration validation failed")

// IsInvalidInput 判断是否为配置格式或取值错误
func IsInvalidInput(err error) bool {
	return xerrors.Is(err, xerrors.ErrInvalidInput) || xerrors.Is(err, ErrValidationFailed)
}
