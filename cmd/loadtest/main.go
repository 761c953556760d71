package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lyppppppppp/relaychat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod tempor incididunt ut labore et dolore magna aliqua"

// stats tracks aggregate progress across all simulated clients.
type stats struct {
	sent      atomic.Int64
	received  atomic.Int64
	loginFail atomic.Int64
	connErr   atomic.Int64
}

// testClient is one simulated chat participant over a raw TCP stream.
type testClient struct {
	username string
	conn     net.Conn
	dec      protocol.Decoder
	logger   zerolog.Logger
}

func dialClient(addr, username, password string, logger zerolog.Logger) (*testClient, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &testClient{
		username: username,
		conn:     conn,
		logger:   logger.With().Str("username", username).Logger(),
	}, nil
}

func (c *testClient) send(env *protocol.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	return protocol.EncodeTo(c.conn, payload)
}

// recv blocks until the next complete envelope arrives.
func (c *testClient) recv() (*protocol.Envelope, error) {
	buf := make([]byte, 4096)
	for {
		if payload, err := c.dec.Next(); err == nil {
			return protocol.DecodeEnvelope(payload)
		} else if err != protocol.ErrNeedMoreBytes {
			return nil, err
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			c.dec.Append(buf[:n])
		}
		if err != nil {
			return nil, err
		}
	}
}

// recvType discards envelopes until one of the wanted type shows up, so
// asynchronous pushes (presence, lists) never wedge the handshake.
func (c *testClient) recvType(want ...string) (*protocol.Envelope, error) {
	for {
		env, err := c.recv()
		if err != nil {
			return nil, err
		}
		for _, t := range want {
			if env.Type == t {
				return env, nil
			}
		}
	}
}

// run registers, logs in, then alternates between sending private messages
// to a random peer and draining inbound traffic until ctx is done.
func (c *testClient) run(ctx context.Context, peers []string, interval time.Duration, st *stats) error {
	defer c.conn.Close()

	if err := c.send(&protocol.Envelope{
		Type:     protocol.TypeRegister,
		Username: c.username,
		Password: "loadtest",
		Nickname: c.username,
	}); err != nil {
		return err
	}
	// Either outcome is fine; the account may exist from a previous run.
	if _, err := c.recvType(protocol.TypeRegisterSuccess, protocol.TypeRegisterFailed); err != nil {
		return err
	}

	if err := c.send(&protocol.Envelope{
		Type:     protocol.TypeLogin,
		Username: c.username,
		Password: "loadtest",
	}); err != nil {
		return err
	}
	env, err := c.recvType(protocol.TypeLoginSuccess, protocol.TypeLoginFailed)
	if err != nil {
		return err
	}
	if env.Type == protocol.TypeLoginFailed {
		st.loginFail.Add(1)
		return fmt.Errorf("login failed for %s: %s", c.username, env.Message)
	}

	// Drain inbound traffic in the background so the send queue on the
	// server side never backs up on us.
	go func() {
		for {
			env, err := c.recv()
			if err != nil {
				return
			}
			if env.Type == protocol.TypePrivateMessage && env.Sender != c.username {
				st.received.Add(1)
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	words := splitWords(loremIpsum)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			peer := peers[rand.Intn(len(peers))]
			if peer == c.username {
				continue
			}
			msg := words[rand.Intn(len(words))] + " " + words[rand.Intn(len(words))]
			if err := c.send(&protocol.Envelope{
				Type:     protocol.TypePrivateMessage,
				Receiver: peer,
				Content:  msg,
			}); err != nil {
				return err
			}
			st.sent.Add(1)
		}
	}
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		if r == ' ' {
			if start >= 0 {
				words = append(words, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words
}

func main() {
	addr := flag.String("addr", "localhost:9000", "Server address")
	clients := flag.Int("clients", 10, "Number of concurrent clients")
	interval := flag.Duration("interval", time.Second, "Delay between messages per client")
	duration := flag.Duration("duration", time.Minute, "How long to run")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	peers := make([]string, *clients)
	for i := range peers {
		peers[i] = fmt.Sprintf("loadtest_%d", i)
	}

	st := &stats{}
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < *clients; i++ {
		username := peers[i]
		g.Go(func() error {
			c, err := dialClient(*addr, username, "loadtest", logger)
			if err != nil {
				st.connErr.Add(1)
				return err
			}
			return c.run(ctx, peers, *interval, st)
		})
	}

	// Periodic progress report.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info().
					Int64("sent", st.sent.Load()).
					Int64("received", st.received.Load()).
					Msg("progress")
			}
		}
	}()

	err := g.Wait()
	if err != nil && err != context.Canceled && err != context.DeadlineExceeded && err != io.EOF {
		logger.Error().Err(err).Msg("load test finished with errors")
	}

	logger.Info().
		Int64("sent", st.sent.Load()).
		Int64("received", st.received.Load()).
		Int64("login_failures", st.loginFail.Load()).
		Int64("connection_errors", st.connErr.Load()).
		Msg("load test complete")
}
