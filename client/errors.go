// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Login errors.
	ErrLoginFailed     = errors.New("login rejected by broker")
	ErrLoginTimeout    = errors.New("login timed out")
	ErrLoginInProgress = errors.New("login already in progress")
	ErrNotLoggedIn     = errors.New("not logged in")

	// Operation errors.
	ErrInvalidArgument = errors.New("invalid argument")
	ErrClientClosed    = errors.New("client has been closed")
)
