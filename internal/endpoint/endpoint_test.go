package endpoint

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pdrop/internal/assembler"
	"github.com/1ureka/p2pdrop/internal/identity"
	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/relay"
	"github.com/1ureka/p2pdrop/internal/session"
	"github.com/1ureka/p2pdrop/internal/transport"
)

const testTimeout = 10 * time.Second

type noICE struct{}

func (noICE) Servers(context.Context) []protocol.ICEServer { return nil }

// startRelay runs a relay on a loopback port and returns its ws URL.
func startRelay(t *testing.T) string {
	t.Helper()

	hub := relay.NewHub(relay.Options{ICE: noICE{}, Namer: identity.NewSeededGenerator(3)})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := relay.NewServer(hub)
	addr, err := srv.Start("127.0.0.1:0")
	require.NoError(t, err)

	t.Cleanup(func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	})

	return "ws://" + addr.String() + "/ws"
}

func dial(t *testing.T, url string, role protocol.Role, opts Options) *Endpoint {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	e, err := Dial(ctx, url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	require.NotEmpty(t, e.Self().ID)
	require.NotEmpty(t, e.Self().Name)

	if role != protocol.RoleNone {
		require.NoError(t, e.SetRole(ctx, role))
	}
	return e
}

// pair connects a sender and a receiver and waits for the sender to see it.
func pair(t *testing.T, url string, recvOpts Options) (*Endpoint, *Endpoint) {
	t.Helper()

	receiver := dial(t, url, protocol.RoleReceiver, recvOpts)
	sender := dial(t, url, protocol.RoleSender, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := sender.WaitForPeers(ctx, func(peers []protocol.PeerInfo) bool {
		return lo.ContainsBy(peers, func(p protocol.PeerInfo) bool { return p.ID == receiver.Self().ID })
	})
	require.NoError(t, err)

	return sender, receiver
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func metaFor(name string, data []byte) protocol.FileMeta {
	return protocol.FileMeta{FileName: name, FileSize: int64(len(data)), FileType: "application/octet-stream"}
}

func awaitResult(t *testing.T, e *Endpoint) Result {
	t.Helper()
	select {
	case res := <-e.Results():
		return res
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a result")
		return Result{}
	}
}

func TestViewsFollowRoles(t *testing.T) {
	url := startRelay(t)
	sender, receiver := pair(t, url, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	view, err := sender.WaitForPeers(ctx, func(peers []protocol.PeerInfo) bool { return len(peers) == 1 })
	require.NoError(t, err)
	require.Equal(t, receiver.Self(), view[0])

	require.Empty(t, receiver.Peers())

	// A receiver turning sender disappears from the view.
	require.NoError(t, receiver.SetRole(ctx, protocol.RoleSender))
	_, err = sender.WaitForPeers(ctx, func(peers []protocol.PeerInfo) bool { return len(peers) == 0 })
	require.NoError(t, err)
}

func TestSetRoleRejectsUnknownRole(t *testing.T) {
	url := startRelay(t)
	e := dial(t, url, protocol.RoleNone, Options{})

	require.Error(t, e.SetRole(context.Background(), protocol.Role("admin")))
	require.Equal(t, protocol.RoleNone, e.Role())
}

func TestRelayedTransfer(t *testing.T) {
	url := startRelay(t)
	sender, receiver := pair(t, url, Options{})

	// Three relayed chunks: two full ones and a half one.
	data := payload(655360)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	s, err := sender.SendRelayed(ctx, receiver.Self().ID, bytes.NewReader(data), metaFor("photo.bin", data))
	require.NoError(t, err)
	require.Equal(t, session.Completed, s.Phase())
	require.Equal(t, int64(len(data)), s.Transferred())
	require.False(t, sender.Busy())

	res := awaitResult(t, receiver)
	require.NoError(t, res.Err)
	require.Equal(t, s.ID, res.SessionID)
	require.Equal(t, sender.Self(), res.From)
	require.Equal(t, "photo.bin", res.File.Name)
	require.Equal(t, int64(len(data)), res.File.Size)
	require.True(t, bytes.Equal(data, res.File.Data))
	require.False(t, receiver.Busy())
}

func TestRelayedEmptyFile(t *testing.T) {
	url := startRelay(t)
	sender, receiver := pair(t, url, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	s, err := sender.SendRelayed(ctx, receiver.Self().ID, bytes.NewReader(nil), metaFor("empty.txt", nil))
	require.NoError(t, err)
	require.Equal(t, session.Completed, s.Phase())

	res := awaitResult(t, receiver)
	require.NoError(t, res.Err)
	require.Empty(t, res.File.Data)
}

func TestProgressReported(t *testing.T) {
	url := startRelay(t)

	var received []int64
	receiver := dial(t, url, protocol.RoleReceiver, Options{OnProgress: func(p Progress) {
		if p.Incoming && p.Transferred > 0 {
			received = append(received, p.Transferred)
		}
	}})

	var sent []int64
	sender := dial(t, url, protocol.RoleSender, Options{OnProgress: func(p Progress) {
		sent = append(sent, p.Transferred)
	}})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := sender.WaitForPeers(ctx, func(peers []protocol.PeerInfo) bool { return len(peers) == 1 })
	require.NoError(t, err)

	data := payload(RelayedChunkSize*2 + 10)
	_, err = sender.SendRelayed(ctx, receiver.Self().ID, bytes.NewReader(data), metaFor("a.bin", data))
	require.NoError(t, err)
	awaitResult(t, receiver)

	want := []int64{RelayedChunkSize, RelayedChunkSize * 2, int64(len(data))}
	require.Equal(t, want, sent)
	require.Equal(t, want, received)
}

func TestSecondSendWhileBusy(t *testing.T) {
	url := startRelay(t)
	sender, receiver := pair(t, url, Options{})

	data := payload(RelayedChunkSize + 100)
	pr, pw := io.Pipe()
	t.Cleanup(func() { pr.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	type outcome struct {
		s   *session.Session
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		s, err := sender.SendRelayed(ctx, receiver.Self().ID, pr, metaFor("first.bin", data))
		first <- outcome{s, err}
	}()

	require.Eventually(t, sender.Busy, testTimeout, 10*time.Millisecond)

	s, err := sender.SendRelayed(ctx, receiver.Self().ID, bytes.NewReader(data), metaFor("second.bin", data))
	require.ErrorIs(t, err, session.ErrBusy)
	require.Nil(t, s)

	_, err = pw.Write(data)
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	got := <-first
	require.NoError(t, got.err)
	require.Equal(t, session.Completed, got.s.Phase())

	res := awaitResult(t, receiver)
	require.NoError(t, res.Err)
	require.Equal(t, "first.bin", res.File.Name)
	require.True(t, bytes.Equal(data, res.File.Data))
}

func TestReceiverDisconnectCancelsSend(t *testing.T) {
	url := startRelay(t)

	acked := make(chan struct{}, 4)
	receiver := dial(t, url, protocol.RoleReceiver, Options{})
	sender := dial(t, url, protocol.RoleSender, Options{OnProgress: func(Progress) { acked <- struct{}{} }})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := sender.WaitForPeers(ctx, func(peers []protocol.PeerInfo) bool { return len(peers) == 1 })
	require.NoError(t, err)

	data := payload(RelayedChunkSize * 3)
	pr, pw := io.Pipe()
	t.Cleanup(func() { pr.Close() })

	done := make(chan error, 1)
	var s *session.Session
	go func() {
		var err error
		s, err = sender.SendRelayed(ctx, receiver.Self().ID, pr, metaFor("big.bin", data))
		done <- err
	}()

	_, err = pw.Write(data[:RelayedChunkSize])
	require.NoError(t, err)
	<-acked

	require.NoError(t, receiver.Close())

	// The next chunk either meets the cancel or finds nobody to deliver to.
	go func() { _, _ = pw.Write(data[RelayedChunkSize:]) }()

	select {
	case err = <-done:
	case <-time.After(testTimeout):
		t.Fatal("send did not end after the receiver left")
	}
	require.Error(t, err)
	require.True(t, errors.Is(err, session.ErrCancelled) || errors.Is(err, session.ErrNoPeer), "unexpected error: %v", err)
	require.Equal(t, session.Cancelled, s.Phase())
	require.False(t, sender.Busy())
}

func TestTransferRejections(t *testing.T) {
	url := startRelay(t)
	sender, _ := pair(t, url, Options{})
	other := dial(t, url, protocol.RoleSender, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	data := payload(10)

	_, err := sender.SendRelayed(ctx, other.Self().ID, bytes.NewReader(data), metaFor("x", data))
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.ErrorIs(t, err, session.ErrNotReceiver)

	_, err = sender.SendRelayed(ctx, "no-such-peer", bytes.NewReader(data), metaFor("x", data))
	require.ErrorIs(t, err, session.ErrNoPeer)

	_, err = sender.SendRelayed(ctx, sender.Self().ID, bytes.NewReader(data), metaFor("x", data))
	require.ErrorIs(t, err, session.ErrNoPeer)

	require.False(t, sender.Busy())
}

func TestInvalidMetadataRefusedLocally(t *testing.T) {
	url := startRelay(t)
	sender, receiver := pair(t, url, Options{})

	_, err := sender.SendRelayed(context.Background(), receiver.Self().ID, bytes.NewReader(nil), protocol.FileMeta{FileSize: 1})
	require.Error(t, err)
	require.False(t, sender.Busy())
}

func TestRelayedTransferToSink(t *testing.T) {
	url := startRelay(t)
	dir := t.TempDir()
	sender, receiver := pair(t, url, Options{Sink: NewFileSink(dir)})

	data := payload(RelayedChunkSize + 1)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	_, err := sender.SendRelayed(ctx, receiver.Self().ID, bytes.NewReader(data), metaFor("../notes.txt", data))
	require.NoError(t, err)

	res := awaitResult(t, receiver)
	require.NoError(t, res.Err)
	require.Nil(t, res.File.Data)

	stored, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, stored))

	_, err = os.Stat(filepath.Join(dir, "notes.txt.part"))
	require.True(t, os.IsNotExist(err))
}

func TestDirectTransfer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC negotiation in short mode")
	}

	url := startRelay(t)
	sender, receiver := pair(t, url, Options{})

	data := payload(200*1024 + 17)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := sender.SendDirect(ctx, receiver.Self().ID, bytes.NewReader(data), metaFor("direct.bin", data))
	require.NoError(t, err)
	require.Equal(t, session.Completed, s.Phase())

	res := awaitResult(t, receiver)
	require.NoError(t, res.Err)
	require.True(t, bytes.Equal(data, res.File.Data))
	require.Eventually(t, func() bool { return !receiver.Busy() }, testTimeout, 10*time.Millisecond)
}

// assertOversizeRefused checks a send of more bytes than announced ends
// CANCELLED on both sides and leaves neither peer busy at the relay.
func assertOversizeRefused(t *testing.T, sender, receiver *Endpoint, s *session.Session, err error) {
	t.Helper()

	require.ErrorIs(t, err, ErrOversize)
	require.Equal(t, session.Cancelled, s.Phase())
	require.LessOrEqual(t, s.Transferred(), s.Meta.FileSize)
	require.False(t, sender.Busy())

	res := awaitResult(t, receiver)
	require.ErrorIs(t, res.Err, session.ErrCancelled)
	require.Nil(t, res.File)

	// The relay released both sides: the next transfer goes through.
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	next := payload(10)
	s, err = sender.SendRelayed(ctx, receiver.Self().ID, bytes.NewReader(next), metaFor("next.bin", next))
	require.NoError(t, err)
	require.Equal(t, session.Completed, s.Phase())

	res = awaitResult(t, receiver)
	require.NoError(t, res.Err)
	require.True(t, bytes.Equal(next, res.File.Data))
}

func TestRelayedOversizeFileIsRefused(t *testing.T) {
	url := startRelay(t)
	sender, receiver := pair(t, url, Options{})

	data := payload(RelayedChunkSize * 2)
	meta := metaFor("grown.bin", data[:RelayedChunkSize])

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	s, err := sender.SendRelayed(ctx, receiver.Self().ID, bytes.NewReader(data), meta)
	assertOversizeRefused(t, sender, receiver, s, err)
}

func TestDirectOversizeFileIsRefused(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC negotiation in short mode")
	}

	url := startRelay(t)
	sender, receiver := pair(t, url, Options{})

	data := payload(transport.ChunkSize * 3)
	meta := metaFor("grown.bin", data[:transport.ChunkSize*2])

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := sender.SendDirect(ctx, receiver.Self().ID, bytes.NewReader(data), meta)
	assertOversizeRefused(t, sender, receiver, s, err)
}

func TestEarlyCompletionSurfacesSizeMismatch(t *testing.T) {
	url := startRelay(t)
	sender, receiver := pair(t, url, Options{})

	data := payload(100)
	meta := metaFor("short.bin", data)
	meta.FileSize = 1000

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	s, err := sender.SendRelayed(ctx, receiver.Self().ID, bytes.NewReader(data), meta)
	require.NoError(t, err)
	require.Equal(t, session.Completed, s.Phase())

	res := awaitResult(t, receiver)
	var mismatch *assembler.SizeMismatchError
	require.ErrorAs(t, res.Err, &mismatch)
	require.Equal(t, int64(1000), mismatch.Declared)
	require.Equal(t, int64(100), mismatch.Received)

	// The file is handed over as received, neither truncated nor padded.
	require.NotNil(t, res.File)
	require.Equal(t, int64(100), res.File.Size)
	require.True(t, bytes.Equal(data, res.File.Data))
	require.False(t, receiver.Busy())
}
