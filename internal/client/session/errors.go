package session

import (
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/netx"
)

// expectedCloseCodes end a connection without putting the session into
// the Error state.
var expectedCloseCodes = map[int]string{
	netx.CloseNormal:          "normal closure",
	netx.CloseGoingAway:       "going away",
	netx.CloseServiceRestart:  "service restart",
	netx.CloseTryAgainLater:   "try again later",
	netx.CloseSessionReplaced: "session replaced",
	netx.CloseSyncDisabled:    "sync disabled",
}

// SocketError describes why a connection ended.
type SocketError struct {
	Code     int
	Reason   string
	Expected bool
	Err      error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("socket closed (%d): %s", e.Code, e.Reason)
}

func (e *SocketError) Unwrap() error { return e.Err }

func classify(err error) *SocketError {
	if err == nil {
		err = netx.ErrClosed
	}

	var se *SocketError
	if errors.As(err, &se) {
		return se
	}

	var ce *netx.CloseError
	if errors.As(err, &ce) {
		reason, ok := expectedCloseCodes[ce.Code]
		if ce.Reason != "" {
			reason = ce.Reason
		}
		if reason == "" {
			reason = "unexpected close"
		}
		return &SocketError{Code: ce.Code, Reason: reason, Expected: ok, Err: err}
	}

	return &SocketError{Code: netx.CloseAbnormal, Reason: err.Error(), Err: err}
}
