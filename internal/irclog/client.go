// Package irclog is the ticker feed producer: an IRC client that joins one
// channel and appends every channel message, as a markup line, to the file
// the capture program tails.
package irclog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// Config configures a Client.
type Config struct {
	Server  string // host:port
	Channel string
	Nick    string
	Out     string // file records are appended to
}

// Validate checks required fields.
func (c Config) Validate() error {
	var errs []error
	if c.Server == "" {
		errs = append(errs, errors.New("server is required"))
	}
	if !strings.HasPrefix(c.Channel, "#") {
		errs = append(errs, fmt.Errorf("channel must start with # (got %q)", c.Channel))
	}
	if c.Nick == "" {
		errs = append(errs, errors.New("nick is required"))
	}
	if c.Out == "" {
		errs = append(errs, errors.New("output file is required"))
	}
	return errors.Join(errs...)
}

// Client is one IRC session.
type Client struct {
	cfg Config

	mu   sync.Mutex
	conn net.Conn

	logged uint64
}

// New creates a client. Fails fast on invalid configuration.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("irclog: %w", err)
	}
	return &Client{cfg: cfg}, nil
}

// Logged returns the number of records appended.
func (c *Client) Logged() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logged
}

// Run connects, joins the channel and logs until ctx is done (returns nil)
// or the connection fails.
func (c *Client) Run(ctx context.Context) error {
	out, err := os.OpenFile(c.cfg.Out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("irclog: open %s: %w", c.cfg.Out, err)
	}
	defer out.Close()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Server)
	if err != nil {
		return fmt.Errorf("irclog: connect %s: %w", c.cfg.Server, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	slog.Info("irclog: connected", "server", c.cfg.Server, "channel", c.cfg.Channel, "nick", c.cfg.Nick)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.send("QUIT :bye")
			conn.Close()
		case <-stop:
		}
	}()

	if err := c.register(); err != nil {
		return err
	}

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("irclog: disconnected", "logged", c.Logged())
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("irclog: server closed the connection")
			}
			return fmt.Errorf("irclog: read: %w", err)
		}
		if err := c.handle(line, out); err != nil {
			return err
		}
	}
}

func (c *Client) register() error {
	for _, cmd := range []string{
		fmt.Sprintf("USER %s 0 * :timelapse ticker", c.cfg.Nick),
		fmt.Sprintf("NICK %s", c.cfg.Nick),
		fmt.Sprintf("JOIN %s", c.cfg.Channel),
	} {
		if err := c.send(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) handle(line string, out io.Writer) error {
	m, ok := Parse(line)
	if !ok {
		return nil
	}

	switch m.Command {
	case "PING":
		token := m.Trailing
		if token == "" {
			token = m.Target()
		}
		return c.send("PONG :" + token)

	case "PRIVMSG":
		if !strings.EqualFold(m.Target(), c.cfg.Channel) {
			return nil
		}
		rec := Record(m.Nick(), m.Trailing)
		// one write per record so the tailer never sees half a line from us
		if _, err := io.WriteString(out, rec+"\n"); err != nil {
			return fmt.Errorf("irclog: append: %w", err)
		}
		c.mu.Lock()
		c.logged++
		c.mu.Unlock()
		slog.Debug("irclog: logged", "record", rec)
	}
	return nil
}

func (c *Client) send(cmd string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(conn, cmd+"\r\n"); err != nil {
		return fmt.Errorf("irclog: send: %w", err)
	}
	slog.Debug("irclog: sent", "command", strings.SplitN(cmd, " ", 2)[0])
	return nil
}
