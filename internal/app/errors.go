package app

import "errors"

var (
	// ErrAlreadyStarted Bootstrap 只能启动一次
	ErrAlreadyStarted = errors.New("app: already started")

	// ErrWrongKind 在错误类型的节点上执行流程
	ErrWrongKind = errors.New("app: wrong node kind")

	// ErrUpgradeFailed 要求直连但打洞失败
	ErrUpgradeFailed = errors.New("app: direct connection upgrade failed")
)
