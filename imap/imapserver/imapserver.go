// Package imapserver implements an IMAP server as described in RFC 3501.
//
// To use this package, implement the DataStore interface, which is built
// on the Session and Mailbox interfaces defined in the imap package.
//
// Supported extension RFCs:
//	RFC 2177 IDLE
//	RFC 2971 ID
//	RFC 4315 UIDPLUS
// 	RFC 4731 ESEARCH
//	RFC 4978 COMPRESS=DEFLATE
//	RFC 5161 ENABLE
//	RFC 5258 LIST-EXTENDED
//	RFC 6154 SPECIAL-USE
//	RFC 7162 CONDSTORE
//
// TODO potential extension RFCs:
//	RFC 3516 BINARY (great extension, but not used by many clients)
//	RFC 4469 CATENATE
//	RFC 5256 SORT THREAD
//	RFC 6203 SEARCH=FUZZY
//	RFC 6855 UTF8=ACCEPT
//	RFC 7162 QRESYNC
//	RFC 7888 LITERAL-
//	RFC 7889 APPENDLIMIT
package imapserver

import (
	"bufio"
	"bytes"
	"compress/flate"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"net"
	"path"
	"runtime/debug"
	"runtime/trace"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"crawshaw.io/iox"
	"imapfront/imap"
	"imapfront/imap/imapparser"
	"imapfront/imap/imapparser/utf7mod"
	"imapfront/imap/protoerr"
	"imapfront/util/throttle"
)

var ErrServerClosed = errors.New("imapserver: Server closed")
var ErrBadCredentials = errors.New("imapserver: bad credentials")

type Server struct {
	Rand       io.Reader
	MaxConns   int
	TLSConfig  *tls.Config
	Filer      *iox.Filer
	Logf       func(format string, v ...interface{})
	DataStore  DataStore
	Debug      func(sessionID string) io.WriteCloser
	Version    string
	APNS       *APNS
	NotifyAPNS bool

	capabilities string

	// authThrottle slows repeated authentication attempts against one
	// username or from one address before they reach the DataStore.
	authThrottle throttle.Throttle

	lns        []net.Listener
	lnsRunning int

	shutdown         chan struct{}
	shutdownCtx      context.Context
	shutdownComplete chan struct{}

	connsMu   sync.Mutex
	connsCond *sync.Cond
	conns     map[*Conn]struct{}
}

type DataStore interface {
	// Login authenticates a user and creates a session for them.
	//
	// Each Login call creates a separate session for a different Conn.
	//
	// The returned userID is, to imapserver, a unique opaque value
	// associated with a user. The username may change, but the userID
	// never does, and is used to associate sessions together.
	Login(c *Conn, username, password []byte) (userID int64, s imap.Session, err error)

	RegisterNotifier(imap.Notifier)
}

type notifier struct {
	server *Server
}

// Notify forwards a mailbox change to Apple push. Connection-level
// change propagation does not go through here: an IDLE-ing connection
// subscribes to the backend's own change stream via imap.Idler, so the
// backend stays the single source of mutation events.
func (n *notifier) Notify(userID int64, mailboxID int64, mailboxName string, devices []imapparser.ApplePushDevice) {
	if n.server.APNS != nil && len(devices) > 0 {
		go n.server.APNS.Notify(devices)
	}
}

func (server *Server) Shutdown(ctx context.Context) error {
	server.shutdownCtx = ctx
	close(server.shutdown)

	server.connsMu.Lock()
	for _, ln := range server.lns {
		ln.Close()
	}
	server.connsMu.Unlock()

	if server.APNS != nil {
		server.APNS.shutdown()
	}

	<-server.shutdownComplete

	return nil
}

// ServeTLS accepts connections that are already TLS-encrypted at the
// transport layer (the implicit-TLS listener). Every
// Conn it spawns starts with isTLS true, so STARTTLS is refused and
// LOGIN is permitted immediately.
func (server *Server) ServeTLS(ln net.Listener) error {
	return server.serve(ln, func(netConn net.Conn) net.Conn {
		return tls.Server(netConn, server.TLSConfig)
	}, true)
}

// Serve accepts clear-text connections. LOGIN
// is refused until the client issues STARTTLS and completes the
// handshake; CAPABILITY advertises STARTTLS and LOGINDISABLED instead
// of AUTH=PLAIN until then.
func (server *Server) Serve(ln net.Listener) error {
	return server.serve(ln, func(netConn net.Conn) net.Conn { return netConn }, false)
}

// serve runs one listener's accept loop. It may be called more than once
// on the same Server (once per bind-port, §6) — the shared connection
// registry, shutdown latch and APNS listener are initialized exactly
// once, by whichever call gets there first.
func (server *Server) serve(ln net.Listener, wrap func(net.Conn) net.Conn, isTLS bool) error {
	server.connsMu.Lock()
	firstListener := server.conns == nil
	if firstListener {
		if server.Rand == nil {
			server.Rand = rand.Reader
		}
		if server.MaxConns == 0 {
			server.MaxConns = 1 << 14
		}
		server.connsCond = sync.NewCond(&server.connsMu)
		server.conns = make(map[*Conn]struct{})
		server.shutdown = make(chan struct{})
		server.shutdownComplete = make(chan struct{})
	}
	server.lns = append(server.lns, ln)
	server.lnsRunning++
	server.connsMu.Unlock()

	if firstListener {
		server.capabilities = capabilityAuth
		if server.APNS != nil {
			if err := server.APNS.start(); err != nil {
				return err
			}
			server.capabilities += " XAPPLEPUSHSERVICE"
		}
		server.DataStore.RegisterNotifier(&notifier{server: server})
	}

	defer func() {
		ln.Close()
		server.connsMu.Lock()
		server.lnsRunning--
		done := server.lnsRunning == 0
		server.connsMu.Unlock()
		if done {
			close(server.shutdownComplete)
		}
	}()

	var tempDelay time.Duration // sleep on accept failure

acceptLoop:
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-server.shutdown:
				break acceptLoop
			default:
			}
			if ne, _ := err.(net.Error); ne != nil && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				}
				tempDelay *= 2
				if tempDelay > 1*time.Second {
					tempDelay = 1 * time.Second
				}
				server.Logf("accept: %v", err)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		go server.serveSession(wrap(c), isTLS)
	}

	// Cleanup
	for {
		select {
		case <-server.shutdownCtx.Done():
			server.connsMu.Lock()
			for c := range server.conns {
				c.close()
			}
			server.connsMu.Unlock()

			return ErrServerClosed
		default:
			// Check on connections
			server.connsMu.Lock()
			numSessions := len(server.conns)
			server.connsMu.Unlock()

			if numSessions == 0 {
				return ErrServerClosed
			}

			select {
			case <-server.shutdownCtx.Done():
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func (server *Server) genSessionID() (string, error) {
	idb := make([]byte, 10)
	if _, err := io.ReadFull(server.Rand, idb); err != nil {
		return "", err
	}
	return base32.StdEncoding.EncodeToString(idb), nil
}

func (server *Server) serveSession(netConn net.Conn, isTLS bool) {
	sessionID, err := server.genSessionID()
	if err != nil {
		server.Logf("generating session ID failed: %v", err)
		netConn.Close()
		return
	}

	c := &Conn{
		ID: sessionID,
		Logf: func(format string, v ...interface{}) {
			server.Logf("session("+sessionID+"): "+format, v...)
		},

		server:  server,
		isTLS:   isTLS,
		netConn: netConn,
		wch:     make(chan writerEvent, 32),
		wdone:   make(chan struct{}),
	}
	go c.writerTask(netConn)

	if server.Debug != nil {
		c.debugFile = server.Debug(sessionID)
		if c.debugFile != nil {
			c.debugW = newDebugWriter(sessionID, server.Logf, c.debugFile)
		}
	}
	c.initBufio(c.netConn, connWriter{c})

	server.connsMu.Lock()
	for len(server.conns) > server.MaxConns {
		server.connsCond.Wait()
	}
	server.conns[c] = struct{}{}
	server.connsMu.Unlock()

	c.serve()
}

type Conn struct {
	Context context.Context
	ID      string
	Logf    func(format string, v ...interface{})

	userID       int64
	session      imap.Session
	mailbox      imap.Mailbox
	readOnly     bool
	condstore    bool // client has send a CONDSTORE-related command
	qresync      bool // client ran ENABLE QRESYNC; EXPUNGE reports VANISHED
	savedSearch  []imapparser.SeqRange // UIDs saved by SEARCH RETURN (SAVE), referenced as "$"
	rev2         bool // client ran ENABLE IMAP4REV2; mailbox names go out as raw UTF-8
	isTLS        bool // transport is encrypted, whether from accept or STARTTLS
	authFailures int  // consecutive failed LOGIN/AUTHENTICATE attempts

	debugFile io.WriteCloser
	debugW    *debugWriter

	server  *Server
	netConn net.Conn
	br      *bufio.Reader
	p       *imapparser.Parser

	bwMu          sync.Mutex
	bw            *bufio.Writer
	compressing   bool // COMPRESS active
	compressFlush func() error

	// Write half. Every byte destined for the client drains through
	// the writer task as an ordered event stream, so responses from
	// the serve loop and the IDLE goroutine interleave at whole-write
	// granularity, and STARTTLS can reclaim the raw write half for the
	// duration of the handshake.
	wch       chan writerEvent
	wdone     chan struct{} // closed when the writer task exits
	wmu       sync.Mutex    // guards wchClosed and werr
	wchClosed bool
	werr      error
}

// writerEvent is one unit of work for a connection's writer task:
// bytes to put on the wire, a replacement write half (stream), or a
// request to hand the write half back to the serve loop (upgrade) so a
// TLS handshake can take over the connection.
type writerEvent struct {
	bytes   []byte
	stream  io.Writer
	upgrade chan io.Writer
	flushed chan struct{}
}

// writerTask owns the connection's write half. Events apply in FIFO
// order, which is what makes responses to sequential commands arrive in
// submission order no matter which goroutine produced them. On a write
// error the task keeps draining so producers never block on a dead
// peer; the error surfaces through connWriter on their next write.
func (c *Conn) writerTask(dst io.Writer) {
	defer close(c.wdone)
	for ev := range c.wch {
		switch {
		case ev.bytes != nil:
			if c.writeErr() != nil {
				continue
			}
			if _, err := dst.Write(ev.bytes); err != nil {
				c.setWriteErr(err)
			}
		case ev.stream != nil:
			dst = ev.stream
			c.setWriteErr(nil)
		case ev.upgrade != nil:
			// Hand the write half back and pause until the serve loop
			// returns a (possibly re-wrapped) stream.
			ev.upgrade <- dst
			ev2, ok := <-c.wch
			if !ok {
				return
			}
			if ev2.stream != nil {
				dst = ev2.stream
				c.setWriteErr(nil)
			}
		case ev.flushed != nil:
			close(ev.flushed)
		}
	}
}

func (c *Conn) writeErr() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.werr
}

func (c *Conn) setWriteErr(err error) {
	c.wmu.Lock()
	c.werr = err
	c.wmu.Unlock()
}

// sendWriterEvent delivers ev to the writer task unless it has already
// been shut down, in which case the event is dropped.
func (c *Conn) sendWriterEvent(ev writerEvent) bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.wchClosed {
		return false
	}
	c.wch <- ev
	return true
}

func (c *Conn) closeWriter() {
	c.wmu.Lock()
	if !c.wchClosed {
		c.wchClosed = true
		close(c.wch)
	}
	c.wmu.Unlock()
	<-c.wdone
}

// connWriter is the io.Writer the buffered write stack bottoms out in:
// it forwards each chunk to the writer task.
type connWriter struct {
	c *Conn
}

func (w connWriter) Write(p []byte) (int, error) {
	if err := w.c.writeErr(); err != nil {
		return 0, err
	}
	buf := append([]byte(nil), p...)
	if !w.c.sendWriterEvent(writerEvent{bytes: buf}) {
		return 0, errors.New("imapserver: connection writer closed")
	}
	return len(p), nil
}

func (c *Conn) initBufio(r io.Reader, w io.Writer) {
	if c.debugFile == nil {
		c.br = bufio.NewReader(r)
		c.bw = bufio.NewWriter(w)
	} else {
		c.br = bufio.NewReader(io.TeeReader(r, c.debugW.client))
		c.bw = bufio.NewWriter(io.MultiWriter(c.debugW.server, w))
	}
	if c.p != nil {
		c.p.Scanner.SetSource(c.br)
	}
}

func (c *Conn) flush() error {
	if err := c.bw.Flush(); err != nil {
		return err
	}
	if c.compressFlush != nil {
		if err := c.compressFlush(); err != nil {
			return err
		}
	}
	// Barrier: wait for everything queued so far to reach the wire, so
	// flush stays synchronous for the callers that depend on it
	// (literal continuations, BYE-then-close, the STARTTLS handover).
	ack := make(chan struct{})
	if c.sendWriterEvent(writerEvent{flushed: ack}) {
		<-ack
	}
	return c.writeErr()
}

func (c *Conn) writef(format string, v ...interface{}) {
	fmt.Fprintf(c.bw, format, v...)
}

// "<s.p.Command.Tag> msg\r\n"
func (c *Conn) respondln(format string, v ...interface{}) {
	c.bw.Write(c.p.Command.Tag)
	c.bw.WriteByte(' ')
	fmt.Fprintf(c.bw, format, v...)
	c.bw.WriteByte('\r')
	c.bw.WriteByte('\n')
	if err := c.flush(); err != nil {
		c.close()
	}
}

// respondErr replies fallbackStatus plus context and err, unless err wraps
// a *protoerr.Error (as produced by protoerr.TranslateBackendError or one
// of its per-kind constructors), in which case the error's own Status and
// bracketed response code replace fallbackStatus.
func (c *Conn) respondErr(fallbackStatus, context string, err error) {
	if pe, ok := protoerr.As(err); ok {
		c.respondln("%s %s: %v", pe.Reply(), context, pe)
		return
	}
	c.respondln("%s %s: %v", fallbackStatus, context, err)
}

func (c *Conn) close() {
	c.closeMailbox()
	if c.debugFile != nil {
		c.flush()
		io.CopyN(ioutil.Discard, c.br, int64(c.br.Buffered()))
		c.netConn.SetReadDeadline(time.Now())
		io.Copy(ioutil.Discard, c.br)
	}
	c.netConn.Close()
	// Closing the conn first unblocks a writer task stuck mid-write;
	// closeWriter then drains and joins it.
	c.closeWriter()
}

func (c *Conn) writeStringBytes(s []byte) {
	c.writeString(string(s))
}

// writeMailboxName encodes a mailbox name for the wire: modified UTF-7 (via writeString's existing utf7mod path) under
// IMAP4rev1, raw UTF-8 once the client has ENABLEd IMAP4rev2. A mailbox
// name never contains CR/LF, so the UTF-8 path only needs to decide
// between an atom, a quoted string, and a literal.
func (c *Conn) writeMailboxName(name string) {
	if !c.rev2 {
		c.writeString(name)
		return
	}
	if name == "" {
		c.writef(`""`)
		return
	}
	needsLiteral := false
	needsQuote := false
	for _, r := range name {
		if r == '"' || r == '\\' {
			needsLiteral = true
			break
		}
		if r == ' ' || r == '(' || r == ')' || r == '{' || !unicode.IsPrint(r) {
			needsQuote = true
		}
	}
	switch {
	case needsLiteral:
		c.writef("{%d}\r\n", len(name))
		c.flush()
		c.bw.WriteString(name)
	case needsQuote:
		c.writef("%q", name)
	default:
		c.bw.WriteString(name)
	}
}

func (c *Conn) writeMailboxNameBytes(name []byte) {
	c.writeMailboxName(string(name))
}

func (c *Conn) writeString(s string) {
	if s == "" {
		c.writef(`""`)
		return
	}

	type strType int

	const (
		strLiteral strType = iota
		strQuote
		strAtom
	)

	strTypeVal := strAtom
	sCheck := s
	for len(sCheck) > 0 {
		r, sz := utf8.DecodeRuneInString(sCheck)
		sCheck = sCheck[sz:]
		if r == utf8.RuneError || r == '\r' || r == '\n' {
			strTypeVal = strLiteral
			break
		}
		if r == '"' {
			// TODO: is this necessary? is "\"" a valid quoted IMAP string?
			strTypeVal = strLiteral
			break
		}
		switch {
		case 'A' <= r && r <= 'Z',
			'a' <= r && r <= 'z',
			'0' <= r && r <= '9',
			r == '-', r == '_', r == '.':
			// easily-allowable in an atom
		default:
			strTypeVal = strQuote
		}
	}

	if strTypeVal == strAtom {
		c.bw.WriteString(s)
		return
	}

	b := make([]byte, 0, 128)
	b, err := utf7mod.AppendEncode(b, []byte(s))
	if err != nil {
		c.Logf("cannot encode string %q", s)
	}

	switch strTypeVal {
	case strLiteral:
		c.writef("{%d}\r\n", len(s))
		c.flush()
		if c.debugW != nil {
			c.debugW.server.literalDataFollows(len(s))
		}
		c.bw.Write(b)
	case strQuote:
		c.writef("%q", b)
	default:
		panic("invalid strTypeVal")
	}
}

func (c *Conn) writeLiteral(r io.Reader, n int64) {
	c.writef("{%d}\r\n", n)
	c.flush()
	if c.debugW != nil {
		c.debugW.server.literalDataFollows(int(n))
	}
	if n2, err := io.CopyN(c.bw, r, n); err != nil {
		c.Logf("writeLiteral(n=%d) failed: %v (n2=%d)", n, err, n2)
	}
}

// writeLiteral8 writes an RFC 3516 literal8 ("~{n}\r\n" followed by n
// octets), used for BINARY FETCH responses since decoded part content may
// contain NUL bytes that a plain literal's string type disallows.
func (c *Conn) writeLiteral8(r io.Reader, n int64) {
	c.writef("~{%d}\r\n", n)
	c.flush()
	if c.debugW != nil {
		c.debugW.server.literalDataFollows(int(n))
	}
	if n2, err := io.CopyN(c.bw, r, n); err != nil {
		c.Logf("writeLiteral8(n=%d) failed: %v (n2=%d)", n, err, n2)
	}
}

func (c *Conn) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	ctx, task := trace.NewTask(ctx, "imap-session")
	c.Context = ctx

	defer func() {
		c.closeMailbox()
		if c.session != nil {
			c.session.Close()
		}

		task.End()
		cancel()

		c.close()
		if c.debugFile != nil {
			if err := c.debugFile.Close(); err != nil {
				c.Logf("%v", err)
			}
		}

		c.server.connsMu.Lock()
		delete(c.server.conns, c)
		c.server.connsCond.Signal()
		c.server.connsMu.Unlock()

		if r := recover(); r != nil {
			c.Logf("panic: %s", string(debug.Stack()))
			panic(r)
		}
	}()
	litf := c.server.Filer.BufferFile(0)
	defer litf.Close()

	c.bwMu.Lock()
	c.writef("* OK IMAP4 imapfront ready\r\n")
	if err := c.flush(); err != nil {
		c.close()
	}
	c.bwMu.Unlock()

	contFn := func(msg string, len uint32) {
		c.bwMu.Lock()
		defer c.bwMu.Unlock()
		c.writef(msg)
		c.flush()

		if c.debugW != nil {
			c.debugW.client.literalDataFollows(int(len))
		}
	}

	c.p = &imapparser.Parser{
		Scanner: imapparser.NewScanner(c.br, litf, contFn),
	}

	// Race the shutdown latch against the read loop: on shutdown, tell
	// the client and force the blocked read to return.
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-c.server.shutdown:
			c.bwMu.Lock()
			c.writef("* BYE Server shutting down.\r\n")
			c.flush()
			c.bwMu.Unlock()
			c.netConn.SetReadDeadline(time.Now())
		case <-stopped:
		}
	}()

	for {
		// An unauthenticated client gets a minute to log in; after
		// that the idle read timeout stretches to half an hour.
		d := 30 * time.Minute
		if c.p.Mode == imapparser.ModeNonAuth {
			d = time.Minute
		}
		c.netConn.SetReadDeadline(time.Now().Add(d))
		if _, err := c.br.Peek(1); err != nil { // block until the client sends something
			select {
			case <-c.server.shutdown:
			default:
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					c.bwMu.Lock()
					c.writef("* BYE Connection timed out.\r\n")
					c.flush()
					c.bwMu.Unlock()
				}
			}
			break
		}
		if !c.serveParseCmd() {
			break
		}
	}
}

const (
	capabilityAuth = `IMAP4rev2 IMAP4rev1 BINARY COMPRESS=DEFLATE CONDSTORE QRESYNC ENABLE ` +
		`ESEARCH ID IDLE LIST-EXTENDED MOVE SEARCHRES SPECIAL-USE STATUS=SIZE UIDPLUS`

	// maxAuthFailures is the authentication backoff limit:
	// the 4th consecutive failed LOGIN/AUTHENTICATE ends the connection.
	maxAuthFailures = 4
)

// capabilityNonAuth returns the CAPABILITY line for a connection that has
// not authenticated yet. A clear-text connection advertises STARTTLS and
// LOGINDISABLED rather than AUTH=PLAIN: LOGIN is
// refused outright on an unencrypted transport.
func (c *Conn) capabilityNonAuth() string {
	if c.isTLS {
		return "IMAP4rev2 IMAP4rev1 CONDSTORE QRESYNC AUTH=PLAIN ENABLE ID"
	}
	return "IMAP4rev2 IMAP4rev1 CONDSTORE QRESYNC STARTTLS LOGINDISABLED ENABLE ID"
}

func (c *Conn) serveParseCmd() bool {
	origCtx := c.Context
	ctx, task := trace.NewTask(c.Context, "imap-request")
	c.Context = ctx
	defer func() {
		task.End()
		c.Context = origCtx
	}()

	trace.Log(c.Context, "session-id", c.ID)

	if err := c.p.ParseCommand(); err == io.EOF {
		return false
	} else if ne, _ := err.(net.Error); ne != nil {
		return false
	} else if te, isTagged := err.(imapparser.TaggedError); isTagged {
		c.bwMu.Lock()
		fmt.Fprintf(c.bw, "%s BAD %v\r\n", te.Tag, te.Err)
		c.flush()
		c.bwMu.Unlock()
		return true
	} else if _, isParseError := err.(imapparser.ParseError); isParseError {
		c.bwMu.Lock()
		c.Logf("parse error: %v", err)
		trace.Logf(c.Context, "parse_error", "%v", err)
		fmt.Fprintf(c.bw, "* BAD %v\r\n", err)
		c.flush()
		c.bwMu.Unlock()
		return true
	} else if err != nil {
		c.bwMu.Lock()
		c.Logf("conn error: %v", err)
		trace.Logf(c.Context, "conn_error", "%v", err)
		fmt.Fprintf(c.bw, "* BAD connection error\r\n")
		c.flush()
		c.bwMu.Unlock()
		return false
	}
	trace.Logf(c.Context, "imap-request-cmd", "%v", c.p.Command)
	// TODO: for long-lived connections we want a very long (possibly infinite)
	//       read deadline. However we could (and should?) have a short write deadline.
	c.serveCmd()
	return true
}

func (c *Conn) serveCmd() {
	c.bwMu.Lock()
	defer c.bwMu.Unlock()

	cmd := &c.p.Command
	if len(cmd.Sequences) > 0 {
		cmd.Sequences = expandSavedSearch(cmd.Sequences, c.savedSearch)
	}
	if cmd.Search.Op != nil {
		expandSavedSearchOp(cmd.Search.Op, c.savedSearch)
	}
	switch cmd.Name {
	case "CAPABILITY":
		if c.p.Mode == imapparser.ModeNonAuth {
			c.writef("* CAPABILITY %s\r\n", c.capabilityNonAuth())
		} else {
			c.writef("* CAPABILITY %s\r\n", c.server.capabilities)
		}
		c.respondln("OK Completed")

	case "COMPRESS":
		if c.compressing {
			c.respondln("NO [COMPRESSIONACTIVE] DEFLATE active")
			return
		}
		c.compressing = true

		c.respondln("OK DEFLATE active")
		r := flate.NewReader(c.netConn)
		w, _ := flate.NewWriter(connWriter{c}, 1)
		c.compressFlush = w.Flush
		c.initBufio(r, w)

	case "LOGOUT":
		c.writef("* BYE\r\n%s OK Completed\r\n", cmd.Tag)
		c.flush()
		c.close()

	case "NOOP":
		c.respondln("OK nothing offered, nothing given")

	case "LOGIN", "AUTHENTICATE":
		if c.p.Mode != imapparser.ModeNonAuth {
			c.respondln("BAD wrong mode")
			return
		}
		if cmd.Name == "LOGIN" && !c.isTLS {
			// LOGIN is only permitted once the transport
			// is encrypted, whether by implicit TLS or STARTTLS.
			c.respondln("NO LOGIN disabled on a clear-text connection")
			return
		}
		remoteAddr := ""
		if addr := c.netConn.RemoteAddr(); addr != nil {
			remoteAddr = addr.String()
		}
		c.server.authThrottle.Throttle(remoteAddr)
		c.server.authThrottle.Throttle(string(cmd.Auth.Username))
		userID, session, err := c.server.DataStore.Login(c, cmd.Auth.Username, cmd.Auth.Password)
		if err == ErrBadCredentials {
			c.server.authThrottle.Add(remoteAddr)
			c.server.authThrottle.Add(string(cmd.Auth.Username))
			if !c.bumpAuthFailures() {
				return
			}
			c.respondln("NO bad credentials")
			return
		} else if err != nil {
			if !c.bumpAuthFailures() {
				return
			}
			c.respondErr("BAD", "LOGIN", err)
			return
		}
		c.authFailures = 0
		trace.Logf(c.Context, "username", "%s", cmd.Auth.Username)
		c.p.Mode = imapparser.ModeAuth
		c.userID = userID
		c.session = session

		c.respondln("OK [CAPABILITY %s] logged in", c.server.capabilities)

	case "STARTTLS":
		c.cmdStartTLS()
	case "APPEND":
		c.cmdAppend()
	case "CREATE":
		// TODO AttrListFlag
		if err := c.session.CreateMailbox(c.p.Command.Mailbox, 0); err != nil {
			c.respondErr("NO", "CREATE failed", err)
		} else {
			c.respondln("OK CREATE completed")
		}
	case "DELETE":
		if err := c.session.DeleteMailbox(c.p.Command.Mailbox); err != nil {
			c.respondErr("NO", "DELETE failed", err)
		} else {
			c.respondln("OK DELETE completed")
		}
	case "ENABLE":
		var enabled []string
		for _, p := range cmd.Params {
			switch strings.ToUpper(string(p)) {
			case "IMAP4REV2":
				c.rev2 = true
				enabled = append(enabled, "IMAP4rev2")
			case "CONDSTORE":
				c.condstore = true
				enabled = append(enabled, "CONDSTORE")
			case "QRESYNC":
				// QRESYNC implies CONDSTORE (RFC 7162 §3.2.4).
				c.condstore = true
				c.qresync = true
				enabled = append(enabled, "QRESYNC")
			case "UTF8=ACCEPT", "UTF8=ONLY":
				enabled = append(enabled, "UTF8=ACCEPT")
			}
		}
		if len(enabled) > 0 {
			c.writef("* ENABLED %s\r\n", strings.Join(enabled, " "))
		}
		c.respondln("OK completed")
	case "EXAMINE":
		c.cmdSelect()
	case "ID":
		buf := new(bytes.Buffer)
		for i, param := range c.p.Command.Params {
			if i > 0 {
				buf.WriteString(", ")
			}
			fmt.Fprintf(buf, "%s", param)
		}
		c.Logf("client-id: [%s]", buf.String())
		c.writef(`* ID ("name" "imapfrontd" "vendor" "imapfront"`)
		c.writef(` "support-url" "https://github.com/imapfront/imapfront"`)
		c.writef(` "version" %q`, c.server.Version)
		c.writef(")\r\n")
		c.respondln("OK success")
	case "IDLE":
		// When the DataStore's Session or Mailbox
		// drives a real upstream event stream (imap/jmapbridge does),
		// fan its events into untagged responses for the duration of
		// the IDLE. DONE cancels idleCtx, which unwinds the goroutine
		// before the tagged OK is sent.
		var idler imap.Idler
		if c.mailbox != nil {
			idler, _ = c.mailbox.(imap.Idler)
		} else if c.session != nil {
			idler, _ = c.session.(imap.Idler)
		}

		var idleCancel context.CancelFunc
		var idleDone chan error
		if idler != nil {
			var idleCtx context.Context
			idleCtx, idleCancel = context.WithCancel(c.Context)
			idleDone = make(chan error, 1)
			go func() {
				idleDone <- idler.Idle(idleCtx, func(line string) error {
					c.bwMu.Lock()
					defer c.bwMu.Unlock()
					if _, err := c.bw.WriteString(line); err != nil {
						return err
					}
					return c.flush()
				})
			}()
		}

		c.bwMu.Unlock()
		sl, err := c.br.ReadSlice('\n')
		if idleCancel != nil {
			idleCancel()
			<-idleDone
		}
		c.bwMu.Lock()

		if err != nil {
			c.respondln("BAD IDLE terminated: %v", err)
		} else {
			if strings.EqualFold(string(sl), "DONE\r\n") {
				c.respondln("OK IDLE terminated")
			} else {
				c.respondln("BAD IDLE terminated: unrecognized response: %q", string(sl))
			}
		}
	case "LIST", "LSUB":
		c.cmdList()
	case "RENAME":
		old, new := c.p.Command.Rename.OldMailbox, c.p.Command.Rename.NewMailbox
		if err := c.session.RenameMailbox(old, new); err != nil {
			c.respondErr("NO", "RENAME", err)
		} else {
			c.respondln("OK RENAME completed")
		}
	case "SELECT":
		c.cmdSelect()
	case "STATUS":
		c.cmdStatus()
	case "SUBSCRIBE":
		if err := c.session.SetSubscribed(cmd.Mailbox, true); err != nil {
			c.respondErr("NO", "SUBSCRIBE", err)
		} else {
			c.respondln("OK SUBSCRIBE completed")
		}
	case "UNSUBSCRIBE":
		if err := c.session.SetSubscribed(cmd.Mailbox, false); err != nil {
			c.respondErr("NO", "UNSUBSCRIBE", err)
		} else {
			c.respondln("OK UNSUBSCRIBE completed")
		}
	case "CHECK":
		c.respondln("OK CHECK completed")
	case "CLOSE":
		if err := c.mailbox.Expunge(nil, nil); err != nil {
			c.writef("* BAD CLOSE server expunge error: %v\r\n", err)
		}
		c.closeMailbox()
		c.respondln("OK CLOSE completed, returned to authenticated state.")
	case "EXPUNGE":
		c.cmdExpunge()
	case "COPY", "MOVE":
		c.cmdCopyOrMove()
	case "FETCH":
		c.cmdFetch()
	case "STORE":
		c.cmdStore()
	case "SEARCH":
		c.cmdSearch()
	case "XAPPLEPUSHSERVICE":
		c.cmdXApplePushService()
	case "NAMESPACE":
		c.writef("* NAMESPACE ((\"\" \"/\")) NIL NIL\r\n")
		c.respondln("OK NAMESPACE completed")
	case "UNSELECT":
		// RFC 3691: like CLOSE but without the implicit EXPUNGE.
		c.closeMailbox()
		c.respondln("OK UNSELECT completed")
	}
}

func (c *Conn) closeMailbox() {
	if c.mailbox == nil {
		return
	}
	if err := c.mailbox.Close(); err != nil {
		c.writef("* BAD CLOSE server error: %v\r\n", err)
	}
	c.readOnly = false
	c.mailbox = nil
	c.p.Mode = imapparser.ModeAuth
}

// bumpAuthFailures increments the consecutive LOGIN/AUTHENTICATE failure
// counter and, once it reaches maxAuthFailures, sends a final
// BYE and tears the connection down. It reports whether the caller
// should still write its own NO/BAD response for this attempt.
func (c *Conn) bumpAuthFailures() bool {
	c.authFailures++
	if c.authFailures < maxAuthFailures {
		return true
	}
	c.writef("* BYE [Too many authentication failures]\r\n")
	c.flush()
	c.close()
	return false
}

// cmdStartTLS implements the STARTTLS handover (RFC 3501 §6.2.1): the tagged
// OK is flushed first, any client bytes pipelined after the command are
// discarded (command-injection defence), then the TLS handshake runs on
// the raw connection and the parser is rebound to the encrypted halves.
func (c *Conn) cmdStartTLS() {
	if c.isTLS {
		c.respondln("BAD already using TLS")
		return
	}
	if c.server.TLSConfig == nil {
		c.respondln("BAD STARTTLS not supported")
		return
	}
	c.respondln("OK begin TLS negotiation now")

	// Reclaim the raw write half from the writer task; the flush
	// barrier inside respondln already put the OK on the wire, and the
	// writer stays paused until it is handed the encrypted stream.
	upgrade := make(chan io.Writer)
	if !c.sendWriterEvent(writerEvent{upgrade: upgrade}) {
		return
	}
	<-upgrade

	// Discard anything the client pipelined behind the STARTTLS
	// command (RFC 3501 §6.2.1 command-injection defence).
	if n := c.br.Buffered(); n > 0 {
		io.CopyN(ioutil.Discard, c.br, int64(n))
	}

	tlsConn := tls.Server(c.netConn, c.server.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		c.Logf("STARTTLS handshake failed: %v", err)
		c.close()
		return
	}
	c.netConn = tlsConn
	c.isTLS = true
	c.sendWriterEvent(writerEvent{stream: tlsConn})
	c.initBufio(c.netConn, connWriter{c})
}

func (c *Conn) cmdAppend() {
	cmd := &c.p.Command

	mailbox, err := c.session.Mailbox(cmd.Mailbox)
	if err != nil {
		c.respondErr("NO", "APPEND", err)
		return
	}
	if mailbox == nil {
		c.respondln("NO APPEND no such mailbox")
		return
	}
	info, err := mailbox.Info()
	if err != nil {
		c.respondErr("NO", "APPEND info", err)
		return
	}

	var date time.Time
	if len(cmd.Append.Date) > 0 {
		var err error
		date, err = time.Parse("02-Jan-2006 15:04:05 -0700", string(cmd.Append.Date))
		if err != nil {
			c.respondln("NO APPEND bad date %v", err)
			return
		}
	}

	uid, err := mailbox.Append(cmd.Append.Flags, date, cmd.Literal)
	if err != nil {
		c.respondErr("NO", "APPEND", err)
		return
	}
	// APPENDUID is defined in RFC 4315.
	c.respondln("OK [APPENDUID %d %d] APPEND completed", info.UIDValidity, uid)
}

func (c *Conn) cmdExpunge() {
	var uidSeqs []imapparser.SeqRange
	if c.p.Command.UID {
		uidSeqs = c.p.Command.Sequences
	}
	var vanished []uint32
	err := c.mailbox.Expunge(uidSeqs, func(seqNum, uid uint32) {
		if c.qresync {
			vanished = append(vanished, uid)
		} else {
			c.writef("* %d EXPUNGE\r\n", seqNum)
		}
	})
	if err != nil {
		c.respondErr("NO", "EXPUNGE", err)
		return
	}
	if len(vanished) > 0 {
		// RFC 7162 §3.2.10: a QRESYNC client gets one VANISHED line in
		// place of the per-message EXPUNGE responses.
		c.writef("* VANISHED ")
		imapparser.FormatSeqs(c.bw, imapparser.CompressUIDs(vanished))
		c.writef("\r\n")
	}
	c.respondln("OK EXPUNGE completed")
}

func (c *Conn) cmdList() {
	cmd := &c.p.Command
	if len(cmd.List.ReferenceName) == 0 && len(cmd.List.MailboxGlob) == 0 {
		c.writef(`* %s (\Noselect) "/" ""`+"\r\n", cmd.Name)
		c.respondln("OK Success")
		return
	}
	if len(cmd.List.ReferenceName) > 0 || string(cmd.List.MailboxGlob) != "*" {
		c.respondln("BAD Not yet implemented")
		return
	}
	subscribedOnly := cmd.Name == "LSUB"
	for _, opt := range cmd.List.SelectOptions {
		switch opt {
		case "SUBSCRIBED":
			subscribedOnly = true
		case "RECURSIVEMATCH":
			// no-op: RECURSIVEMATCH only refines SUBSCRIBED's semantics
			// when mailboxes can be subscribed without existing, which
			// this bridge's backend never produces.
		default:
			c.respondln("BAD LIST select options not implemented")
			return
		}
	}
	for _, opt := range cmd.List.ReturnOptions {
		switch opt {
		case "SPECIAL-USE":
			// return as normal, we include SPECIAL-USE flags by default
		case "SUBSCRIBED", "CHILDREN":
			// computed below regardless of whether it was asked for
		default:
			c.respondln("BAD LIST return options not implemented")
			return
		}
	}

	list, err := c.session.Mailboxes()
	if err != nil {
		c.respondErr("BAD", cmd.Name, err)
		return
	}
	hasKids := make(map[string]bool)
	for _, s := range list {
		hasKids[path.Dir(s.Name)] = true
	}

	for _, s := range list {
		if subscribedOnly && !s.IsSubscribed {
			continue
		}
		kidFlag := `\HasNoChildren` // RFC 3348 child mailbox extension
		if hasKids[s.Name] {
			kidFlag = `\HasChildren`
		}
		if cmd.Name == "LSUB" {
			kidFlag = ""
		} else if s.IsSubscribed {
			kidFlag += ` \Subscribed`
		}
		extAttr := s.Attrs.String()
		spacer := ""
		if extAttr != "" && kidFlag != "" {
			spacer = " "
		}
		c.writef("* %s (%s%s%s) \"/\" ", cmd.Name, kidFlag, spacer, extAttr)
		c.writeMailboxName(s.Name)
		c.writef("\r\n")
	}
	c.respondln("OK Success")
}

func (c *Conn) cmdSelect() {
	cmd := &c.p.Command

	c.closeMailbox()

	var err error
	c.readOnly = cmd.Name == "EXAMINE"
	c.mailbox, err = c.session.Mailbox(cmd.Mailbox)
	if err != nil {
		c.p.Mode = imapparser.ModeAuth
		c.respondErr("NO", cmd.Name, err)
		return
	}
	if c.mailbox == nil {
		c.p.Mode = imapparser.ModeAuth
		c.respondln("NO unknown mailbox")
		return
	}
	c.p.Mode = imapparser.ModeSelected

	info, err := c.mailbox.Info()
	if err != nil {
		c.mailbox = nil
		c.p.Mode = imapparser.ModeAuth
		c.respondln("NO SELECT internal error")
		c.Logf("SELECT: %v", err)
		return
	}

	c.writef("* %d EXISTS\r\n", info.NumMessages)
	c.writef("* %d RECENT\r\n", info.NumRecent)
	c.writef(`* FLAGS (\Answered \Flagged \Draft \Deleted \Seen)` + "\r\n")
	if c.readOnly {
		c.writef(`* OK [PERMANENTFLAGS ()] No permanent flags permitted` + "\r\n")
	} else {
		c.writef(`* OK [PERMANENTFLAGS (\Answered \Flagged \Draft \Deleted \Seen)] Ok` + "\r\n")
	}
	c.writef("* OK [HIGHESTMODSEQ %d]\r\n", info.HighestModSequence)
	if info.FirstUnseenSeqNum > 0 {
		c.writef("* OK [UNSEEN %d]\r\n", info.FirstUnseenSeqNum)
	}
	c.writef("* OK [UIDVALIDITY %d]\r\n", info.UIDValidity)
	c.writef("* OK [UIDNEXT %d]\r\n", info.UIDNext)

	if cmd.Qresync.UIDValidity != 0 {
		// RFC 7162 §3.2.5: a QRESYNC parameter asks for the expunges
		// and flag changes the client missed while disconnected,
		// delivered before the tagged OK. Only mailboxes backed by a
		// persistent uid index can answer; others leave the client to
		// resynchronize the usual way.
		c.condstore = true
		if r, ok := c.mailbox.(imap.Resyncer); ok {
			data, matched, err := r.Qresync(&cmd.Qresync)
			if err != nil {
				c.Logf("%s QRESYNC: %v", cmd.Name, err)
			} else if matched {
				if len(data.Vanished) > 0 {
					c.writef("* VANISHED (EARLIER) ")
					imapparser.FormatSeqs(c.bw, data.Vanished)
					c.writef("\r\n")
				}
				for _, res := range data.Modified {
					c.writef("* %d FETCH (UID %d MODSEQ (%d) FLAGS (", res.SeqNum, res.UID, res.ModSequence)
					for i, flag := range res.Flags {
						if i > 0 {
							c.writef(" ")
						}
						if flag[0] == '\\' {
							c.writef("%s", flag)
						} else {
							c.writeString(flag)
						}
					}
					c.writef("))\r\n")
				}
			}
		}
	}

	if cmd.Condstore {
		c.condstore = true
	}
	store := ""
	if c.condstore {
		store = ", CONDSTORE enabled"
	}
	if c.readOnly {
		c.respondln("OK [READ-ONLY] EXAMINE completed%s", store)
	} else {
		c.respondln("OK [READ-WRITE] SELECT completed%s", store)
	}
}

func (c *Conn) cmdStatus() {
	cmd := &c.p.Command

	mailbox, err := c.session.Mailbox(cmd.Mailbox)
	if err != nil {
		c.respondErr("BAD", "STATUS", err)
		return
	}
	info, err := mailbox.Info()
	if err != nil {
		c.respondErr("BAD", "STATUS", err)
		return
	}

	c.writef("* STATUS ")
	c.writeMailboxNameBytes(cmd.Mailbox)
	c.writef(" (")

	for i, item := range cmd.Status.Items {
		if i > 0 {
			c.writef(" ")
		}
		switch item {
		case imapparser.StatusMessages:
			c.writef("MESSAGES %d", info.NumMessages)
		case imapparser.StatusRecent:
			c.writef("RECENT %d", info.NumRecent)
		case imapparser.StatusUIDNext:
			c.writef("UIDNEXT %d", info.UIDNext)
		case imapparser.StatusUIDValidity:
			c.writef("UIDVALIDITY %d", info.UIDValidity)
		case imapparser.StatusUnseen:
			c.writef("UNSEEN %d", info.NumUnseen)
		case imapparser.StatusHighestModSeq:
			c.writef("HIGHESTMODSEQ %d", info.HighestModSequence)
		case imapparser.StatusSize:
			c.writef("SIZE %d", info.Size)
		default:
			c.Logf("STATUS: unknown item: %v", item)
		}
	}
	c.writef(")\r\n")
	c.respondln("OK STATUS complete")
}

func (c *Conn) cmdCopyOrMove() {
	cmd := &c.p.Command

	dst, err := c.session.Mailbox(cmd.Mailbox)
	if err != nil {
		c.respondErr("BAD", "destination mailbox", err)
		return
	}
	dstInfo, err := dst.Info()
	if err != nil {
		c.respondErr("BAD", "destination mailbox info", err)
		return
	}

	var srcUIDs, dstUIDs []imapparser.SeqRange
	var oldSeqNums []uint32

	if cmd.Name == "MOVE" {
		fn := func(srcSeqNum, srcUID, dstUID uint32) {
			oldSeqNums = append(oldSeqNums, srcSeqNum)
			srcUIDs = imapparser.AppendSeqRange(srcUIDs, srcUID)
			dstUIDs = imapparser.AppendSeqRange(dstUIDs, dstUID)
		}
		if err := c.mailbox.Move(cmd.UID, cmd.Sequences, dst, fn); err != nil {
			c.respondErr("BAD", "MOVE", err)
			return
		}
	} else {
		fn := func(srcUID, dstUID uint32) {
			srcUIDs = imapparser.AppendSeqRange(srcUIDs, srcUID)
			dstUIDs = imapparser.AppendSeqRange(dstUIDs, dstUID)
		}
		if err := c.mailbox.Copy(cmd.UID, cmd.Sequences, dst, fn); err != nil {
			c.respondErr("BAD", "COPY", err)
			return
		}
	}

	if len(srcUIDs) > 0 {
		c.writef("* OK [COPYUID %d ", dstInfo.UIDValidity)
		imapparser.FormatSeqs(c.bw, srcUIDs)
		c.writef(" ")
		imapparser.FormatSeqs(c.bw, dstUIDs)
		c.writef("]\r\n")
	}

	if cmd.Name == "MOVE" {
		for _, oldSeqNum := range oldSeqNums {
			c.writef("* %d EXPUNGE\r\n", oldSeqNum)
		}
	}
	c.respondln("OK %s done", cmd.Name)
}

func (c *Conn) setCondStore() {
	if c.condstore {
		return
	}
	c.condstore = true
	modSeq, err := c.mailbox.HighestModSequence()
	if err != nil {
		c.Logf("STORE: failed to get HIGHESTMODSEQ: %v", err)
	} else {
		c.writef("* OK [HIGHESTMODSEQ %d]\r\n", modSeq)
	}
}

func (c *Conn) cmdStore() {
	cmd := &c.p.Command

	// TODO: if UnchangedSince == 0 but was set, always fail. Do in imapparser?

	res, err := c.mailbox.Store(cmd.UID, cmd.Sequences, &cmd.Store)
	if err != nil {
		c.respondErr("NO", "STORE", err)
		return
	}

	if cmd.Store.UnchangedSince != 0 {
		c.setCondStore()
	}

	for _, stored := range res.Stored {
		if cmd.Store.UnchangedSince == 0 && cmd.Store.Silent {
			continue
		}
		c.writef("* %d FETCH (", stored.SeqNum)
		needSpace := false
		if cmd.UID {
			needSpace = true
			c.writef("UID %d", stored.UID)
		}
		if c.condstore {
			// Always return the MODSEQ value if we have entered CONDSTORE mode.
			// See RFC 7162 Section 3.1.4.2.
			if needSpace {
				c.writef(" ")
			}
			needSpace = true
			c.writef("MODSEQ (%d)", stored.ModSequence)
		}
		if !cmd.Store.Silent {
			if needSpace {
				c.writef(" ")
			}
			c.writef("FLAGS (")
			for i, flag := range stored.Flags {
				if i > 0 {
					c.writef(" ")
				}
				if flag != "" && flag[0] == '\\' {
					c.writef("%s", flag)
				} else {
					c.writeString(flag)
				}
			}
			c.writef(")")
		}
		c.writef(")\r\n")
	}

	modified := new(bytes.Buffer)
	if len(res.FailedModified) > 0 {
		modified.WriteString("[MODIFIED ")
		imapparser.FormatSeqs(modified, res.FailedModified)
		modified.WriteString("]")
	}
	if modified.Len() > 0 {
		c.respondln("OK %s Conditional STORE failed", modified.Bytes())
	} else if cmd.Store.UnchangedSince > 0 {
		c.respondln("OK Conditional STORE completed")
	} else {
		c.respondln("OK STORE completed")
	}
}

func hasModSeqOp(op *imapparser.SearchOp) bool {
	if op.Key == "MODSEQ" {
		return true
	}
	for _, ch := range op.Children {
		if hasModSeqOp(&ch) {
			return true
		}
	}
	return false
}

// expandSavedSearch substitutes the "$" saved-search marker (RFC 5182)
// with the connection's saved UID set. An unset saved search expands to
// nothing, which matches searching an empty result.
func expandSavedSearch(seqs, saved []imapparser.SeqRange) []imapparser.SeqRange {
	hasMarker := false
	for _, r := range seqs {
		if r.Min == imapparser.SavedSearchUID && r.Max == imapparser.SavedSearchUID {
			hasMarker = true
			break
		}
	}
	if !hasMarker {
		return seqs
	}
	out := make([]imapparser.SeqRange, 0, len(seqs)+len(saved))
	for _, r := range seqs {
		if r.Min == imapparser.SavedSearchUID && r.Max == imapparser.SavedSearchUID {
			out = append(out, saved...)
			continue
		}
		out = append(out, r)
	}
	return out
}

// expandSavedSearchOp rewrites "$" markers inside a search tree's
// sequence-set leaves.
func expandSavedSearchOp(op *imapparser.SearchOp, saved []imapparser.SeqRange) {
	if len(op.Sequences) > 0 {
		op.Sequences = expandSavedSearch(op.Sequences, saved)
	}
	for i := range op.Children {
		expandSavedSearchOp(&op.Children[i], saved)
	}
}

func (c *Conn) cmdSearch() {
	cmd := &c.p.Command

	var maxModSeq, minResultModSeq, maxResultModSeq int64
	var minResult, maxResult uint32 = math.MaxUint32, 0
	var results, resultUIDs []uint32
	err := c.mailbox.Search(cmd.Search.Op, func(data imap.MessageSummary) {
		num := data.UID
		if !cmd.UID {
			num = data.SeqNum
		}
		results = append(results, num)
		resultUIDs = append(resultUIDs, data.UID)
		if data.ModSeq > maxModSeq {
			maxModSeq = data.ModSeq
		}
		if num < minResult {
			minResult = num
			minResultModSeq = data.ModSeq
		}
		if num > maxResult {
			maxResult = num
			maxResultModSeq = data.ModSeq
		}
	})
	if err != nil {
		c.respondErr("BAD", "SEARCH", err)
		return
	}
	var min, max, count, all, save bool // write parameters in a fixed order
	for _, v := range cmd.Search.Return {
		switch v {
		case "MIN":
			min = true
		case "MAX":
			max = true
		case "COUNT":
			count = true
		case "ALL":
			all = true
		case "SAVE":
			save = true
		}
	}
	if save {
		// RFC 5182: the saved result is the matched UID set, later
		// referenced as "$".
		c.savedSearch = imapparser.CompressUIDs(resultUIDs)
	}

	if save && !(min || max || count || all) {
		// RFC 5182 §2.4: SAVE as the only result option produces no
		// untagged response.
	} else if len(cmd.Search.Return) > 0 {
		c.writef("* ESEARCH (TAG %q)", cmd.Tag) // RFC 4731

		if count {
			c.writef(" COUNT %d", len(results))
		}
		if len(results) > 0 {
			if min {
				c.writef(" MIN %d", minResult)
			}
			if max {
				c.writef(" MAX %d", maxResult)
			}
			if all {
				var vals []imapparser.SeqRange
				for _, res := range results {
					vals = imapparser.AppendSeqRange(vals, res)
				}
				c.writef(" ALL ")
				imapparser.FormatSeqs(c.bw, vals)
			}
			if hasModSeqOp(cmd.Search.Op) {
				// RFC 4731 Section 3.2
				var modSeq int64
				if all || count {
					modSeq = maxModSeq
				} else if min && max {
					modSeq = minResultModSeq
					if maxResultModSeq > modSeq {
						modSeq = maxResultModSeq
					}
				} else if min {
					modSeq = minResultModSeq
				} else { // max
					modSeq = maxResultModSeq
				}
				c.writef(" MODSEQ %d", modSeq)
			}
		}
		c.writef("\r\n")
	} else if len(results) > 0 {
		c.writef("* SEARCH")
		for _, id := range results {
			c.writef(" %d", id)
		}
		if hasModSeqOp(cmd.Search.Op) {
			c.writef(" (MODSEQ %d)", maxModSeq)
		}
		c.writef("\r\n")
	}
	uidstr := ""
	if cmd.UID {
		uidstr = "UID "
	}
	c.respondln("OK %sSEARCH", uidstr)
}

func (c *Conn) cmdXApplePushService() {
	if c.server.APNS == nil {
		c.respondln("BAD XAPPLEPUSHSERVICE not supported\r\n")
		return
	}

	aps := c.p.Command.ApplePushService
	for _, mailbox := range aps.Mailboxes {
		if err := c.session.RegisterPushDevice(mailbox, aps.Device); err != nil {
			c.respondErr("BAD", "XAPPLEPUSHSERVICE", err)
			return
		}
	}
	c.writef("* XAPPLEPUSHSERVICE aps-version \"2\" aps-topic %q\r\n", c.server.APNS.UID)
	c.respondln("OK XAPPLEPUSHSERVICE Registration success.")
}
