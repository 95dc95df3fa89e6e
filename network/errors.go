// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package network

import "errors"

var (
	// ErrUnknownPeer is returned when no address is on file for a validator.
	ErrUnknownPeer = errors.New("no known address for peer")

	// ErrNoRequestHandler is returned when an inbound synchronizer request
	// arrives before a handler has been registered.
	ErrNoRequestHandler = errors.New("no request handler registered")
)
