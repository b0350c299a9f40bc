package celer

import "github.com/albertbausili/celer/internal/h2/conn"

// PushHandler is the capability for accepting server pushes. Configure one
// to opt in; without it every PUSH_PROMISE is refused with REFUSED_STREAM.
type PushHandler = conn.PushHandler

// PushHandlerFunc adapts a function to PushHandler.
type PushHandlerFunc = conn.PushHandlerFunc

// PushPromise is one server-initiated exchange, handed to the PushHandler.
// Call Resolve to accept it or Cancel to decline.
type PushPromise = conn.PushPromise
