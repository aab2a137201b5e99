package common

import "time"

// AccessTokenHeaderName is the gRPC metadata key used to carry the
// replication token on outbound requests.
const AccessTokenHeaderName = "access_token"

// AuthQueryParam is the query parameter of the sync endpoint carrying
// base64(namespace:publicKeyHex:sessionToken).
const AuthQueryParam = "auth"

// DefaultMaxFrameSize is the practical websocket frame size used when a
// component is not configured otherwise.
const DefaultMaxFrameSize = 512 * 1024

// CloseTimeout bounds the best-effort close handshake on both ends.
const CloseTimeout = 1500 * time.Millisecond
