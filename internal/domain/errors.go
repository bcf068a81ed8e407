package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrMalformedTrade     = errors.New("malformed trade")
	ErrLateTrade          = errors.New("trade precedes the open bar")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessage     = errors.New("unknown message type")
	ErrUnknownTimeframe   = errors.New("unknown timeframe")
	ErrUnknownInstrument  = errors.New("unknown instrument")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrWSDisconnect       = errors.New("websocket disconnected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrLockHeld           = errors.New("lock held by another owner")
)
