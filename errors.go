// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package skyline

import (
	"errors"
	"fmt"
)

var (
	// ErrDisconnected is reported for operations that require a connection
	// when the client is not connected, and to requests pending when the
	// connection ends.
	ErrDisconnected = errors.New("client disconnected")

	// ErrTimeout is reported to a request that received no response before
	// its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrDenied is reported when the server refuses a join, or grants none of
	// the requested permissions.
	ErrDenied = errors.New("join denied")

	// ErrUnknownChannel is reported when joining a channel that is not
	// defined by the dictionary or the server.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrNoDictionary is reported when joining before the server has pushed
	// a dictionary for the current connection.
	ErrNoDictionary = errors.New("no dictionary")

	// ErrMigrate is reported when the server directs the client to join the
	// channel at another address.
	ErrMigrate = errors.New("channel migrated")

	// ErrUnknownTopic is reported when joining a topic the channel does not
	// declare.
	ErrUnknownTopic = errors.New("unknown topic")

	// ErrTopicConflict is reported when joining a channel that is already
	// joined with a different topic.
	ErrTopicConflict = errors.New("channel joined with another topic")
)

// A JoinError reports a failed join.
type JoinError struct {
	Channel uint32
	Topic   uint16 // 0 for the whole channel
	Address string // for ErrMigrate, the address to connect to
	Err     error
}

func (e *JoinError) Error() string {
	target := fmt.Sprintf("channel %d", e.Channel)
	if e.Topic != 0 {
		target += fmt.Sprintf(" topic %d", e.Topic)
	}
	if e.Address != "" {
		return fmt.Sprintf("join %s: %v to %q", target, e.Err, e.Address)
	}
	return fmt.Sprintf("join %s: %v", target, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }

// A PermissionError reports an operation attempted on a channel without a
// permission it requires. Need lists the permissions any one of which would
// have allowed the operation.
type PermissionError struct {
	Channel uint32
	Op      string
	Need    Permission
	Have    Permission
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s on channel %d: need %v, have %v", e.Op, e.Channel, e.Need, e.Have)
}

// A LoginError reports that the server refused the client's login.
type LoginError struct {
	Code LoginCode
}

func (e *LoginError) Error() string { return fmt.Sprintf("login refused: %v", e.Code) }

// A DisconnectError reports that the server ended the connection for the
// given reason.
type DisconnectError struct {
	Reason  DisconnectReason
	Message string
}

func (e *DisconnectError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("disconnected by server: %v: %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("disconnected by server: %v", e.Reason)
}

// Unwrap reports ErrDisconnected, so that errors.Is(err, ErrDisconnected)
// holds for a DisconnectError.
func (e *DisconnectError) Unwrap() error { return ErrDisconnected }
