package bearer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectAccept(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan Bearer, 1)
	errCh := make(chan error, 1)
	go func() {
		b, err := Accept(ln)
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- b
	}()

	client, err := Connect(ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	var server Bearer
	select {
	case server = <-serverCh:
	case err := <-errCh:
		t.Fatalf("accept failed: %v", err)
	}
	defer server.Close()

	msg := []byte("hello bearer")
	n, err := client.Write(msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	buf := make([]byte, len(msg))
	got := 0
	for got < len(buf) {
		n, err := server.Read(buf[got:])
		require.NoError(t, err)
		got += n
	}
	require.Equal(t, msg, buf)
}

func TestReadAfterCloseErrors(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		b, err := Accept(ln)
		if err == nil {
			b.Close()
		}
	}()

	client, err := Connect(ln.Addr().String())
	require.NoError(t, err)

	require.NoError(t, client.Close())
	buf := make([]byte, 4)
	_, err = client.Read(buf)
	require.Error(t, err)
}
