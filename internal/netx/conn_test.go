package netx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSConn_EchoAndClose(t *testing.T) {
	serverErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, 1024)
		if err != nil {
			serverErr <- err
			return
		}
		defer c.Close()
		for {
			frame, err := c.ReadMessage()
			if err != nil {
				serverErr <- err
				return
			}
			if err := c.WriteMessage(r.Context(), frame); err != nil {
				serverErr <- err
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := WSDialer{MaxFrameSize: 1024}.Dial(ctx, url)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(ctx, []byte{1, 2, 3}))
	got, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	require.NoError(t, conn.SendClose(CloseSyncDisabled, "bye"))

	select {
	case err := <-serverErr:
		var ce *CloseError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, CloseSyncDisabled, ce.Code)
		assert.Equal(t, "bye", ce.Reason)
	case <-ctx.Done():
		t.Fatal("server never saw the close frame")
	}
}

func TestWSDialer_RejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := WSDialer{}.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestPipe(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(4)

	require.NoError(t, a.WriteMessage(ctx, []byte("one")))
	require.NoError(t, a.WriteMessage(ctx, []byte("two")))

	m, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "one", string(m))

	require.NoError(t, a.SendClose(CloseNormal, ""))

	m, err = b.ReadMessage()
	require.NoError(t, err, "frames written before the close are still delivered")
	assert.Equal(t, "two", string(m))

	_, err = b.ReadMessage()
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CloseNormal, ce.Code)

	assert.True(t, errors.Is(b.WriteMessage(ctx, []byte("x")), ErrClosed))
	_, err = a.ReadMessage()
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestPipe_CloseIsAbnormal(t *testing.T) {
	a, b := Pipe(1)
	require.NoError(t, a.Close())

	_, err := b.ReadMessage()
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CloseAbnormal, ce.Code)
}

func TestPipe_WriteHonorsContext(t *testing.T) {
	a, _ := Pipe(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := a.WriteMessage(ctx, []byte("blocked"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
