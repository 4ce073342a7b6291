package hostserver_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/IBM/JTOpen-sub019/datastream"
	"github.com/IBM/JTOpen-sub019/hostserver"
	"github.com/IBM/JTOpen-sub019/hosttest"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

// newPipeConn connects a Conn to the returned peer end of an in-memory pipe.
func newPipeConn(t testing.TB, opts ...hostserver.Option) (*hostserver.Conn, net.Conn, *bufio.Reader) {
	client, peer := net.Pipe()
	conn := hostserver.NewConn(client, datastream.Parser, opts...)
	return conn, peer, bufio.NewReader(peer)
}

func startHost(t testing.TB, handler hosttest.Handler) (string, func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &hosttest.Server{Handler: handler}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, server.Serve(ln))
	}()

	return ln.Addr().String(), func() {
		server.Shutdown()
		require.NoError(t, ln.Close())
		wg.Wait()
	}
}

func writeFrame(t testing.TB, w net.Conn, id uint32, kind uint16, payload string) {
	f := datastream.New(kind, []byte(payload))
	f.ID = id
	_, err := w.Write(f.AppendTo(nil))
	require.NoError(t, err)
}

func TestConnCorrelationIDsAreUniqueAndNonZero(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, peer, br := newPipeConn(t)
	defer conn.ForceDisconnect()

	n := 256
	ids := make(chan uint32, n)
	go func() {
		for i := 0; i < n; i++ {
			f, err := datastream.ReadFrame(br)
			if err != nil {
				return
			}
			ids <- f.ID
		}
		close(ids)
	}()

	sent := make(map[uint32]struct{}, n)
	for i := 0; i < n; i++ {
		id, err := conn.Send(datastream.New(hosttest.KindSilent, nil))
		require.NoError(t, err)
		require.NotZero(t, id)
		_, dup := sent[id]
		require.False(t, dup, "id %d assigned twice", id)
		sent[id] = struct{}{}
	}

	for id := range ids {
		_, ok := sent[id]
		require.True(t, ok, "peer saw id %d that was never assigned", id)
	}
	require.NoError(t, peer.Close())
}

func TestConnCorrelationIDWrapSkipsZero(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, _, _ := newPipeConn(t, hostserver.WithFirstID(math.MaxUint32))
	defer conn.ForceDisconnect()

	require.EqualValues(t, uint32(math.MaxUint32), conn.NextCorrelationID())
	require.EqualValues(t, 1, conn.NextCorrelationID())
	require.EqualValues(t, 2, conn.NextCorrelationID())
}

func TestConnReceiveMatchesReply(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, peer, br := newPipeConn(t)
	defer conn.ForceDisconnect()

	go func() {
		req, err := datastream.ReadFrame(br)
		if err != nil {
			return
		}
		writeFrame(t, peer, req.ID, hosttest.KindEcho, "reply")
	}()

	id, err := conn.Send(datastream.New(hosttest.KindEcho, []byte("request")))
	require.NoError(t, err)
	require.EqualValues(t, 1, id)

	reply, err := conn.Receive(context.Background(), id)
	require.NoError(t, err)
	require.EqualValues(t, 1, reply.CorrelationID())
	require.Equal(t, "reply", string(reply.(*datastream.Frame).Payload))

	// the only reply was consumed, so a second receive blocks until cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = conn.Receive(ctx, id)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, conn.IsConnected())
}

func TestConnRepliesAcrossIDsMayArriveOutOfOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, peer, br := newPipeConn(t)
	defer conn.ForceDisconnect()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2; i++ {
			if _, err := datastream.ReadFrame(br); err != nil {
				return
			}
		}
		writeFrame(t, peer, 6, hosttest.KindEcho, "six")
		writeFrame(t, peer, 5, hosttest.KindEcho, "five")
	}()

	require.NoError(t, conn.SendWithID(datastream.New(hosttest.KindEcho, nil), 5))
	require.NoError(t, conn.SendWithID(datastream.New(hosttest.KindEcho, nil), 6))
	<-done

	five, err := conn.Receive(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, "five", string(five.(*datastream.Frame).Payload))

	six, err := conn.Receive(context.Background(), 6)
	require.NoError(t, err)
	require.Equal(t, "six", string(six.(*datastream.Frame).Payload))
}

func TestConnSendWithZeroID(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, _, _ := newPipeConn(t)
	defer conn.ForceDisconnect()

	require.ErrorIs(t, conn.SendWithID(datastream.New(hosttest.KindEcho, nil), 0), hostserver.ErrInvalidCorrelationID)

	_, err := conn.Receive(context.Background(), 0)
	require.ErrorIs(t, err, hostserver.ErrInvalidCorrelationID)
}

func TestConnChainedReplies(t *testing.T) {
	defer goleak.VerifyNone(t)

	addr, shutdown := startHost(t, nil)
	defer shutdown()

	conn, err := hostserver.Dial(context.Background(), "tcp", addr, datastream.Parser)
	require.NoError(t, err)
	defer conn.ForceDisconnect()

	id, err := conn.Send(datastream.New(hosttest.KindChain, []byte{4}))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		reply, err := conn.Receive(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, reply.(*datastream.Frame).Payload)
	}
}

func TestConnConcurrentSendAndReceive(t *testing.T) {
	defer goleak.VerifyNone(t)

	addr, shutdown := startHost(t, nil)
	defer shutdown()

	conn, err := hostserver.Dial(context.Background(), "tcp", addr, datastream.Parser)
	require.NoError(t, err)
	defer conn.ForceDisconnect()

	n := 8
	m := 512

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			for j := 0; j < m; j++ {
				payload := fmt.Sprintf("[%d] hello %d", i, j)
				req := datastream.New(hosttest.KindEcho, []byte(payload))

				reply, err := conn.SendAndReceive(context.Background(), req)
				if err != nil {
					return err
				}
				if reply.CorrelationID() != req.ID {
					return fmt.Errorf("reply id %d for request id %d", reply.CorrelationID(), req.ID)
				}
				if got := string(reply.(*datastream.Frame).Payload); got != payload {
					return fmt.Errorf("got reply %q for request %q", got, payload)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stats := conn.Stats()
	require.EqualValues(t, n*m, stats.Sent)
	require.EqualValues(t, n*m, stats.Received)
	require.Equal(t, 0, stats.Pending)

	t.Logf("%s", hostserver.JSONStringPoolMetrics())
}

func TestConnSendAndDiscard(t *testing.T) {
	defer goleak.VerifyNone(t)

	addr, shutdown := startHost(t, nil)
	defer shutdown()

	conn, err := hostserver.Dial(context.Background(), "tcp", addr, datastream.Parser)
	require.NoError(t, err)
	defer conn.ForceDisconnect()

	require.NoError(t, conn.SendAndDiscard(datastream.New(hosttest.KindEcho, []byte("ignored"))))

	reply, err := conn.SendAndReceive(context.Background(), datastream.New(hosttest.KindEcho, []byte("kept")))
	require.NoError(t, err)
	require.Equal(t, "kept", string(reply.(*datastream.Frame).Payload))

	// the host answers in order, so the discarded reply arrived first
	require.EqualValues(t, 1, conn.Stats().Discarded)
	require.Equal(t, 0, conn.Stats().Pending)
}

func TestConnFatalErrorReachesEveryCaller(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, peer, _ := newPipeConn(t)
	defer conn.ForceDisconnect()

	n := 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		id := uint32(i + 1)
		go func() {
			_, err := conn.Receive(context.Background(), id)
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, peer.Close())

	var first error
	for i := 0; i < n; i++ {
		err := <-errs
		require.Error(t, err)

		var te *hostserver.TransportError
		require.True(t, errors.As(err, &te), "expected transport error, got %v", err)

		if first == nil {
			first = err
		}
		require.True(t, first == err, "callers saw different errors: %v and %v", first, err)
	}

	require.False(t, conn.IsConnected())
	require.True(t, conn.Err() == first)

	_, err := conn.Send(datastream.New(hosttest.KindEcho, nil))
	require.True(t, err == first)

	_, err = conn.Receive(context.Background(), 99)
	require.True(t, err == first)

	select {
	case <-conn.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestConnMalformedStreamIsProtocolError(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, peer, _ := newPipeConn(t)
	defer conn.ForceDisconnect()

	go func() {
		// a frame claiming to be shorter than its own header
		_, _ = peer.Write([]byte{0, 0, 0, 3, 0, 0, 0, 1, 0, 1})
	}()

	_, err := conn.Receive(context.Background(), 1)
	require.ErrorIs(t, err, hostserver.ErrMalformed)

	var pe *hostserver.ProtocolError
	require.True(t, errors.As(err, &pe))
	require.False(t, conn.IsConnected())
}

func TestConnParserPanicIsProtocolError(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, peer := net.Pipe()
	parser := hostserver.ParserFunc(func(r *bufio.Reader) (hostserver.Envelope, error) {
		if _, err := r.ReadByte(); err != nil {
			return nil, err
		}
		panic("unexpected byte")
	})

	conn := hostserver.NewConn(client, parser)
	defer conn.ForceDisconnect()

	go func() { _, _ = peer.Write([]byte{1}) }()

	_, err := conn.Receive(context.Background(), 1)
	var pe *hostserver.ProtocolError
	require.True(t, errors.As(err, &pe), "expected protocol error, got %v", err)
	require.NoError(t, peer.Close())
}

func TestConnForceDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, _, br := newPipeConn(t, hostserver.WithTerminator(func() hostserver.Envelope {
		return datastream.New(hosttest.KindEndJob, nil)
	}))

	received := make(chan error, 1)
	go func() {
		_, err := conn.Receive(context.Background(), 1)
		received <- err
	}()

	terminator := make(chan *datastream.Frame, 1)
	go func() {
		f, err := datastream.ReadFrame(br)
		if err == nil {
			terminator <- f
		}
		close(terminator)
	}()

	time.Sleep(20 * time.Millisecond)
	conn.ForceDisconnect()
	conn.ForceDisconnect()

	require.ErrorIs(t, <-received, hostserver.ErrConnectionDropped)
	require.ErrorIs(t, conn.Err(), hostserver.ErrConnectionDropped)

	f := <-terminator
	require.NotNil(t, f)
	require.Equal(t, hosttest.KindEndJob, f.Type)
	require.NotZero(t, f.ID)

	_, err := conn.Send(datastream.New(hosttest.KindEcho, nil))
	require.ErrorIs(t, err, hostserver.ErrConnectionDropped)
}

func TestConnForceDisconnectWhenPeerStopsReading(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, peer, _ := newPipeConn(t,
		hostserver.WithWriteTimeout(20*time.Millisecond),
		hostserver.WithTerminator(func() hostserver.Envelope {
			return datastream.New(hosttest.KindEndJob, nil)
		}),
	)
	defer peer.Close()

	disconnected := make(chan struct{})
	go func() {
		conn.ForceDisconnect()
		close(disconnected)
	}()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("ForceDisconnect blocked on a peer that does not read")
	}
	require.ErrorIs(t, conn.Err(), hostserver.ErrConnectionDropped)
}

func TestConnForceDisconnectBehindStalledSend(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, peer, _ := newPipeConn(t, hostserver.WithTerminator(func() hostserver.Envelope {
		return datastream.New(hosttest.KindEndJob, nil)
	}))
	defer peer.Close()

	// nobody reads the peer end, so this send holds the stream until it is closed
	sent := make(chan error, 1)
	go func() {
		_, err := conn.Send(datastream.New(hosttest.KindEcho, []byte("stalled")))
		sent <- err
	}()
	time.Sleep(20 * time.Millisecond)

	disconnected := make(chan struct{})
	go func() {
		conn.ForceDisconnect()
		close(disconnected)
	}()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("ForceDisconnect blocked behind a stalled send")
	}
	require.ErrorIs(t, <-sent, hostserver.ErrConnectionDropped)
	require.False(t, conn.IsConnected())
}

func TestConnAbandonedSendAndReceiveDiscardsLateReply(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, peer, br := newPipeConn(t)
	defer conn.ForceDisconnect()

	ids := make(chan uint32, 1)
	go func() {
		f, err := datastream.ReadFrame(br)
		if err == nil {
			ids <- f.ID
		}
		close(ids)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := conn.SendAndReceive(ctx, datastream.New(hosttest.KindEcho, []byte("too slow")))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	id, ok := <-ids
	require.True(t, ok)
	writeFrame(t, peer, id, hosttest.KindEcho, "late")

	require.Eventually(t, func() bool {
		return conn.Stats().Discarded == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, hostserver.Stats{Sent: 1, Received: 1, Discarded: 1, Pending: 0}, conn.Stats())
	require.True(t, conn.IsConnected())
}

// brokenWriter fails every write while reads keep blocking on the pipe.
type brokenWriter struct {
	net.Conn
}

var errBrokenPipe = errors.New("broken pipe")

func (brokenWriter) Write([]byte) (int, error) { return 0, errBrokenPipe }

func TestConnWriteFailureIsTransportError(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, peer := net.Pipe()
	defer peer.Close()

	conn := hostserver.NewConn(brokenWriter{client}, datastream.Parser)
	defer conn.ForceDisconnect()

	_, err := conn.Send(datastream.New(hosttest.KindEcho, []byte("lost")))
	require.ErrorIs(t, err, errBrokenPipe)

	var te *hostserver.TransportError
	require.True(t, errors.As(err, &te), "expected transport error, got %v", err)
	require.Equal(t, "write", te.Op)

	require.False(t, conn.IsConnected())
	require.True(t, conn.Err() == err)

	// the stream was closed, so the reader has stopped as well
	select {
	case <-conn.Done():
	default:
		t.Fatal("done channel not closed")
	}
	_, err = conn.Receive(context.Background(), 1)
	require.ErrorIs(t, err, errBrokenPipe)
}

func TestConnReceiveTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, _, _ := newPipeConn(t)
	defer conn.ForceDisconnect()

	_, err := conn.ReceiveTimeout(1, 10*time.Millisecond)
	require.ErrorIs(t, err, hostserver.ErrReceiveTimeout)
	require.True(t, conn.IsConnected())
}

func TestConnReceiveCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, peer, _ := newPipeConn(t)
	defer conn.ForceDisconnect()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := conn.Receive(ctx, 1)
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)
	require.True(t, conn.IsConnected())

	// the connection keeps delivering after a cancelled wait
	go writeFrame(t, peer, 1, hosttest.KindEcho, "late")
	reply, err := conn.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "late", string(reply.(*datastream.Frame).Payload))
}

func BenchmarkSendAndReceive(b *testing.B) {
	addr, shutdown := startHost(b, nil)
	defer shutdown()

	conn, err := hostserver.Dial(context.Background(), "tcp", addr, datastream.Parser)
	require.NoError(b, err)
	defer conn.ForceDisconnect()

	payload := make([]byte, 1400)

	b.SetBytes(int64(len(payload)))
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			reply, err := conn.SendAndReceive(context.Background(), datastream.New(hosttest.KindEcho, payload))
			if err != nil {
				b.Fatal(err)
			}
			reply.(*datastream.Frame).Release()
		}
	})

	b.Logf("%s", hostserver.JSONStringPoolMetrics())
}
