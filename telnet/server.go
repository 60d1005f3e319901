// Package telnet serves the operator console over TCP.
//
// Each connection gets its own goroutine that reads one command line at a
// time, hands it to commands.Processor and writes the reply back with CRLF
// line endings. Two transports are supported:
//   - native: raw TCP, IAC negotiation consumed by ReadLine
//   - ziutek: github.com/ziutek/telnet handles the telnet layer
package telnet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	ztelnet "github.com/ziutek/telnet"

	"spikewatch/commands"
)

// Telnet protocol IAC (Interpret As Command) constants.
const (
	IAC  = 255
	DONT = 254
	DO   = 253
	WONT = 252
	WILL = 251
	SB   = 250
	SE   = 240

	optEcho            = 1
	optSuppressGoAhead = 3
)

const (
	defaultSendDeadline     = 2 * time.Second
	defaultCommandLineLimit = 256
	defaultIdleTimeout      = 30 * time.Minute
)

// ErrLineTooLong is returned by ReadLine when the input exceeds the limit.
var ErrLineTooLong = errors.New("telnet: input line too long")

// ServerOptions configures the console server.
type ServerOptions struct {
	Port             int
	MaxConnections   int
	Transport        string // native | ziutek
	WelcomeMessage   string
	CommandLineLimit int
	IdleTimeout      time.Duration
	Logger           *log.Logger
}

// Server accepts console sessions.
type Server struct {
	opts      ServerOptions
	processor *commands.Processor
	log       *log.Logger
	listener  net.Listener
	useZiutek bool
	startTime time.Time

	clientsMutex sync.RWMutex
	clients      map[*Client]struct{}

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Client is one console session.
type Client struct {
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	address     string
	connected   time.Time
	skipNextEOL bool
}

// NewServer builds a server; Start begins listening.
func NewServer(opts ServerOptions, processor *commands.Processor) *Server {
	if opts.CommandLineLimit <= 0 {
		opts.CommandLineLimit = defaultCommandLineLimit
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		opts:      opts,
		processor: processor,
		log:       logger,
		useZiutek: strings.EqualFold(opts.Transport, "ziutek"),
		clients:   make(map[*Client]struct{}),
		shutdown:  make(chan struct{}),
	}
}

// Start begins listening for connections.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	listener, err := listenWithReuse(addr)
	if err != nil {
		return fmt.Errorf("failed to start telnet server: %w", err)
	}
	s.listener = listener
	s.startTime = time.Now().UTC()
	transport := "native"
	if s.useZiutek {
		transport = "ziutek"
	}
	s.log.Printf("Telnet: console listening on %s (%s transport)", listener.Addr(), transport)

	s.wg.Add(1)
	go s.acceptConnections()
	return nil
}

// listenWithReuse enables SO_REUSEADDR so we can rebind quickly after a restart.
// It falls back to a standard Listen when the control call fails.
func listenWithReuse(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			controlErr := c.Control(func(fd uintptr) {
				sockErr = setReuseAddr(fd)
			})
			if controlErr != nil {
				return controlErr
			}
			return sockErr
		},
	}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return net.Listen("tcp", addr)
	}
	return listener, nil
}

// Addr returns the listening address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ClientCount returns the number of connected sessions.
func (s *Server) ClientCount() int {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	return len(s.clients)
}

// Broadcast writes one line to every session.
func (s *Server) Broadcast(line string) {
	s.clientsMutex.RLock()
	targets := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMutex.RUnlock()
	for _, c := range targets {
		_ = c.Send(line + "\n")
	}
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				s.log.Printf("Telnet: error accepting connection: %v", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}
		if s.opts.MaxConnections > 0 && s.ClientCount() >= s.opts.MaxConnections {
			_, _ = conn.Write([]byte("Server full. Try again later.\r\n"))
			conn.Close()
			s.log.Printf("Telnet: rejected %s, max connections reached (%d)", conn.RemoteAddr(), s.opts.MaxConnections)
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(2 * time.Minute)
		}
		s.wg.Add(1)
		go s.handleClient(conn)
	}
}

// Purpose: Run one console session from greeting to disconnect.
// Key aspects: Wraps the connection for the configured transport, applies the
// idle deadline per line and closes on BYE or read error.
// Upstream: acceptConnections goroutine per client.
// Downstream: Client.ReadLine, commands.Processor.ProcessCommand.
func (s *Server) handleClient(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	address := conn.RemoteAddr().String()
	readerConn := io.Reader(conn)
	writerConn := io.Writer(conn)
	if s.useZiutek {
		tconn, err := ztelnet.NewConn(conn)
		if err != nil {
			s.log.Printf("Telnet: failed to wrap connection from %s: %v", address, err)
			return
		}
		readerConn = tconn
		writerConn = tconn
	}
	client := &Client{
		conn:      conn,
		reader:    bufio.NewReader(readerConn),
		writer:    bufio.NewWriter(writerConn),
		address:   address,
		connected: time.Now(),
	}

	s.clientsMutex.Lock()
	s.clients[client] = struct{}{}
	s.clientsMutex.Unlock()
	defer func() {
		s.clientsMutex.Lock()
		delete(s.clients, client)
		s.clientsMutex.Unlock()
		s.log.Printf("Telnet: %s disconnected after %s", address, time.Since(client.connected).Round(time.Second))
	}()
	s.log.Printf("Telnet: connection from %s", address)

	if !s.useZiutek {
		negotiate(conn)
	}
	if msg := s.welcome(time.Now().UTC()); msg != "" {
		_ = client.Send(msg + "\n")
	}
	_ = client.Send("> ")

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		line, err := client.ReadLine(s.opts.CommandLineLimit)
		if errors.Is(err, ErrLineTooLong) {
			_ = client.Send(fmt.Sprintf("Input longer than %d characters ignored.\n> ", s.opts.CommandLineLimit))
			continue
		}
		if err != nil {
			return
		}
		reply := s.processor.ProcessCommand(line)
		if reply == "BYE" {
			_ = client.Send("Goodbye.\n")
			return
		}
		if err := client.Send(reply + "> "); err != nil {
			return
		}
	}
}

// welcome expands <DATE>, <TIME>, <UPTIME> and <USER_COUNT>.
func (s *Server) welcome(now time.Time) string {
	msg := s.opts.WelcomeMessage
	if msg == "" {
		return ""
	}
	uptime := formatUptime(now, s.startTime)
	if uptime == "" {
		uptime = "unknown"
	}
	return strings.NewReplacer(
		"<DATE>", now.Format("02-Jan-2006"),
		"<TIME>", now.Format("15:04:05"),
		"<UPTIME>", uptime,
		"<USER_COUNT>", strconv.Itoa(s.ClientCount()),
	).Replace(msg)
}

func formatUptime(now, start time.Time) string {
	if start.IsZero() || now.Before(start) {
		return ""
	}
	dur := now.Sub(start).Round(time.Second)
	days := dur / (24 * time.Hour)
	dur -= days * 24 * time.Hour
	hours := dur / time.Hour
	dur -= hours * time.Hour
	minutes := dur / time.Minute
	dur -= minutes * time.Minute
	seconds := dur / time.Second
	if days > 0 {
		return fmt.Sprintf("%dd %02d:%02d:%02d", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// negotiate asks for full-duplex operation with client-side echo.
func negotiate(conn net.Conn) {
	if err := conn.SetWriteDeadline(time.Now().Add(defaultSendDeadline)); err != nil {
		return
	}
	_, _ = conn.Write([]byte{IAC, WILL, optSuppressGoAhead, IAC, DO, optSuppressGoAhead, IAC, WONT, optEcho})
	_ = conn.SetWriteDeadline(time.Time{})
}

// Stop closes the listener and every session, then waits for their goroutines.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.clientsMutex.RLock()
		for c := range s.clients {
			_ = c.conn.Close()
		}
		s.clientsMutex.RUnlock()
		s.wg.Wait()
		s.log.Println("Telnet: console stopped")
	})
}

// Send writes a message, converting LF to CRLF, under a write deadline.
func (c *Client) Send(message string) error {
	if c.conn != nil {
		if err := c.conn.SetWriteDeadline(time.Now().Add(defaultSendDeadline)); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	message = strings.ReplaceAll(message, "\r\n", "\n")
	message = strings.ReplaceAll(message, "\n", "\r\n")
	if _, err := c.writer.WriteString(message); err != nil {
		return err
	}
	return c.writer.Flush()
}

// ReadLine reads one line of printable ASCII. Telnet IAC sequences are
// consumed, BS/DEL erase one byte and Ctrl+U clears the line. CR, LF and
// CRLF all terminate a line. Bytes past maxLen are discarded up to the end of
// the line and reported as ErrLineTooLong.
func (c *Client) ReadLine(maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = defaultCommandLineLimit
	}
	var line []byte
	overflow := false
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return "", err
		}
		if c.skipNextEOL {
			c.skipNextEOL = false
			if b == '\n' || b == 0x00 {
				continue
			}
		}
		switch {
		case b == IAC:
			if err := c.consumeIACSequence(); err != nil {
				return "", err
			}
			continue
		case b == '\r':
			c.skipNextEOL = true
			fallthrough
		case b == '\n':
			if overflow {
				return "", fmt.Errorf("%w: limit %d", ErrLineTooLong, maxLen)
			}
			return string(line), nil
		case b == 0x08 || b == 0x7f:
			if len(line) > 0 {
				line = line[:len(line)-1]
			}
			continue
		case b == 0x15:
			line = line[:0]
			continue
		case b < 0x20 || b > 0x7e:
			continue
		}
		if len(line) >= maxLen {
			overflow = true
			continue
		}
		line = append(line, b)
	}
}

// consumeIACSequence drains a single telnet IAC sequence.
func (c *Client) consumeIACSequence() error {
	cmd, err := c.reader.ReadByte()
	if err != nil {
		return err
	}
	switch cmd {
	case IAC:
		return nil
	case DO, DONT, WILL, WONT:
		_, err = c.reader.ReadByte()
		return err
	case SB:
		return c.consumeSubnegotiation()
	default:
		return nil
	}
}

// consumeSubnegotiation drains bytes until IAC SE, honoring IAC escapes.
func (c *Client) consumeSubnegotiation() error {
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return err
		}
		if b != IAC {
			continue
		}
		next, err := c.reader.ReadByte()
		if err != nil {
			return err
		}
		if next == SE {
			return nil
		}
	}
}
