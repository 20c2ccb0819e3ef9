package fmchat

import "errors"

var (
	// send-path errors
	ErrEmptyMessage       = errors.New("message has neither text nor attachment")
	ErrNotConnected       = errors.New("real-time channel is not connected")
	ErrSendInFlight       = errors.New("a send is already in flight for this thread")
	ErrNoActiveThread     = errors.New("no active thread")
	ErrAttachmentTooLarge = errors.New("attachment exceeds maximum size")
	ErrAttachmentType     = errors.New("attachment type not allowed")

	// lifecycle errors
	ErrDisposed           = errors.New("controller has been torn down")
	ErrAlreadyInitialized = errors.New("controller already initialized")
	ErrChannelClosed      = errors.New("real-time channel has been closed")

	// payload errors
	ErrInvalidMessage = errors.New("invalid message payload")
)
