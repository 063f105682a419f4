// Package socket provides an interface for managing socket.
package socket

import (
	"context"
	"errors"
	"net/http"
)

// ErrUnauthorized is returned by a Dialer when the relay refuses the upgrade
// with 401 or 403.
var ErrUnauthorized = errors.New("unauthorized")

// Socket is an interface for managing socket.
//
//go:generate mockgen -destination=mock_socket.go -package=socket . Socket,Dialer
type Socket interface {
	Close() error
	WriteJSON(data any) error
	ReadJSON(v any) error
}

// Dialer opens client sockets.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}
