package wsclient

import "errors"

// ErrNotConnected is returned when a send is attempted while the link is
// not open.
var ErrNotConnected = errors.New("link is not connected")
