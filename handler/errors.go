package handler

import "errors"

var (
	// ErrConsistency 团内人数、已付明细与订单数对不上，需人工介入
	ErrConsistency = errors.New("groupon attend data inconsistent")
	// ErrInvalidState 团状态不允许当前操作
	ErrInvalidState = errors.New("groupon attend in invalid state")
)
