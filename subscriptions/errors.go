package subscriptions

import "errors"

var (
	ErrRoutingKeyRequired = errors.New("subscriptions: routing key is required")
	ErrProviderRequired   = errors.New("subscriptions: handler provider is required")
	ErrRegistryBuilt      = errors.New("subscriptions: registry already built")
	ErrInvalidBinding     = errors.New("subscriptions: binding was not created by a Subscribe function")
	ErrKindMismatch       = errors.New("subscriptions: handler shape does not match binding kind")
	ErrUnexpectedMessage  = errors.New("subscriptions: unexpected message type")
	ErrNilHandler         = errors.New("subscriptions: provider resolved a nil handler")
)
