package imapserver_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"crawshaw.io/iox"
	"imapfront/imap/backend"
	"imapfront/imap/backend/memclient"
	"imapfront/imap/imapserver"
	"imapfront/imap/jmapbridge"
	"imapfront/imap/mboxcache"
	"imapfront/imap/uidindex"
	"imapfront/util/tlstest"
)

// The scenario tests drive a full server stack: imapserver in front of
// jmapbridge in front of the in-memory backend client, with a real
// SQLite uid index underneath. Each scenario gets a fresh stack so UID
// and mod-sequence values are deterministic.

const (
	scenarioUser     = "nell@example.org"
	scenarioPassword = "sesame"
)

type scenarioStack struct {
	t       *testing.T
	filer   *iox.Filer
	idx     *uidindex.Store
	server  *imapserver.Server
	tlsAddr net.Addr
	addr    net.Addr // clear-text listener, for the STARTTLS scenario
}

func newScenarioStack(t *testing.T) *scenarioStack {
	filer := iox.NewFiler(0)
	filer.Logf = t.Logf

	idx, err := uidindex.Open(filepath.Join(t.TempDir(), "uidindex.db"), 2, t.Logf)
	if err != nil {
		t.Fatal(err)
	}

	client := memclient.New()
	client.Seed(memclient.Account{
		ID:       scenarioUser,
		Password: scenarioPassword,
		Mailboxes: map[backend.MailboxID]backend.Mailbox{
			"mb-inbox": {ID: "mb-inbox", Name: "Inbox", Role: "inbox"},
		},
	})

	ds := jmapbridge.New(client, "", filer, idx, mboxcache.Options{}, t.Logf)
	server := &imapserver.Server{
		TLSConfig: tlstest.ServerConfig,
		DataStore: ds,
		Filer:     filer,
		Logf:      t.Logf,
	}

	lnTLS, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go server.ServeTLS(lnTLS)
	go server.Serve(ln)

	s := &scenarioStack{
		t:       t,
		filer:   filer,
		idx:     idx,
		server:  server,
		tlsAddr: lnTLS.Addr(),
		addr:    ln.Addr(),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(ctx)
		idx.Close()
		filer.Shutdown(ctx)
	})
	return s
}

type scenarioConn struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func (s *scenarioStack) dialTLS() *scenarioConn {
	conn, err := tls.Dial("tcp", s.tlsAddr.String(), tlstest.ClientConfig)
	if err != nil {
		s.t.Fatal(err)
	}
	c := &scenarioConn{t: s.t, conn: conn, br: bufio.NewReader(conn)}
	c.expectPrefix("* OK")
	return c
}

func (s *scenarioStack) dialPlain() *scenarioConn {
	conn, err := net.Dial("tcp", s.addr.String())
	if err != nil {
		s.t.Fatal(err)
	}
	c := &scenarioConn{t: s.t, conn: conn, br: bufio.NewReader(conn)}
	c.expectPrefix("* OK")
	return c
}

func (c *scenarioConn) Close() { c.conn.Close() }

func (c *scenarioConn) writef(format string, v ...interface{}) {
	c.conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(c.conn, format, v...); err != nil {
		c.t.Fatalf("write %q: %v", format, err)
	}
}

func (c *scenarioConn) read() string {
	c.conn.SetDeadline(time.Now().Add(5 * time.Second))
	line, err := c.br.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (c *scenarioConn) expectPrefix(prefix string) string {
	line := c.read()
	if !strings.HasPrefix(line, prefix) {
		c.t.Fatalf("response %q does not have prefix %q", line, prefix)
	}
	return line
}

func (c *scenarioConn) expectRegex(expr string) string {
	re := regexp.MustCompile(expr)
	line := c.read()
	if !re.MatchString(line) {
		c.t.Fatalf("response %q does not match %s", line, expr)
	}
	return line
}

// readUntilTag collects every line up to and including the one starting
// with tag, failing the test if tag never arrives.
func (c *scenarioConn) readUntilTag(tag string) []string {
	var lines []string
	for i := 0; i < 64; i++ {
		line := c.read()
		lines = append(lines, line)
		if strings.HasPrefix(line, tag) {
			return lines
		}
	}
	c.t.Fatalf("no %q response in %q", tag, lines)
	return nil
}

func (c *scenarioConn) login() {
	c.writef("t01 LOGIN %s %s\r\n", scenarioUser, scenarioPassword)
	c.expectPrefix("t01 OK")
}

// appendMsg appends msg with a distinct internal date per n so the
// backend's received-at sort, and with it UID assignment order, is
// deterministic across runs.
func (c *scenarioConn) appendMsg(mailbox string, n int, msg string) {
	c.writef("ap APPEND %s \"%02d-Oct-2018 09:00:00 +0000\" {%d}\r\n", mailbox, n, len(msg))
	c.expectPrefix("+")
	c.writef("%s\r\n", msg)
	c.expectPrefix("ap OK")
}

func scenarioMsg(n int) string {
	return fmt.Sprintf("To: %s\r\nFrom: supply@paperpress.example\r\nSubject: delivery %d\r\n\r\nCrate %d arrived at the dock.\r\n", scenarioUser, n, n)
}

func TestScenarioAppendUID(t *testing.T) {
	s := newScenarioStack(t)
	c := s.dialTLS()
	defer c.Close()
	c.login()

	c.writef("02 CREATE Pecorino\r\n")
	c.expectPrefix("02 OK")

	// The first UID in a fresh mailbox is 1: RFC 3501's uniqueid is an
	// nz-number, so zero is never assigned.
	msg := scenarioMsg(1)
	c.writef("03 APPEND Pecorino {%d}\r\n", len(msg))
	c.expectPrefix("+")
	c.writef("%s\r\n", msg)
	c.expectRegex(`^03 OK \[APPENDUID \d+ 1\] APPEND`)

	c.writef("04 APPEND Pecorino {%d}\r\n", len(msg))
	c.expectPrefix("+")
	c.writef("%s\r\n", msg)
	c.expectRegex(`^04 OK \[APPENDUID \d+ 2\] APPEND`)
}

func TestScenarioCopyPreservesSize(t *testing.T) {
	s := newScenarioStack(t)
	c := s.dialTLS()
	defer c.Close()
	c.login()

	size := 0
	for n := 1; n <= 10; n++ {
		msg := scenarioMsg(n)
		c.appendMsg("INBOX", n, msg)
		if n == 1 || n == 3 || n == 5 || n == 7 {
			size += len(msg)
		}
	}

	c.writef("02 CREATE Scamorza\r\n")
	c.expectPrefix("02 OK")

	c.writef("03 SELECT INBOX\r\n")
	c.readUntilTag("03 ")

	c.writef("04 COPY 1,3,5,7 Scamorza\r\n")
	c.expectRegex(`^\* OK \[COPYUID \d+ 1,3,5,7 1:4\]`)
	c.expectPrefix("04 OK")

	c.writef("05 STATUS Scamorza (UIDNEXT MESSAGES UNSEEN SIZE)\r\n")
	c.expectPrefix(fmt.Sprintf("* STATUS Scamorza (UIDNEXT 5 MESSAGES 4 UNSEEN 4 SIZE %d)", size))
	c.expectPrefix("05 OK")
}

func TestScenarioStoreUnchangedSince(t *testing.T) {
	s := newScenarioStack(t)
	c := s.dialTLS()
	defer c.Close()
	c.login()

	for n := 1; n <= 4; n++ {
		c.appendMsg("INBOX", n, scenarioMsg(n))
	}

	var m0 int64
	c.writef("01 SELECT INBOX (CONDSTORE)\r\n")
	for _, line := range c.readUntilTag("01 ") {
		fmt.Sscanf(line, "* OK [HIGHESTMODSEQ %d]", &m0)
	}
	if m0 == 0 {
		t.Fatal("SELECT (CONDSTORE) did not report HIGHESTMODSEQ")
	}

	// Bump UID 3 past m0.
	c.writef("02 UID STORE 3 +FLAGS.SILENT (keep)\r\n")
	c.expectPrefix("02 OK")

	// A conditional replace against the whole mailbox fails only on the
	// message modified after m0; the rest are updated.
	c.writef("03 UID STORE 1:4 (UNCHANGEDSINCE %d) FLAGS ($Junk keep)\r\n", m0)
	sawModified := false
	fetches := 0
	for _, line := range c.readUntilTag("03 ") {
		if strings.HasPrefix(line, "03 ") {
			if !strings.Contains(line, "[MODIFIED 3]") {
				t.Fatalf("STORE response %q missing [MODIFIED 3]", line)
			}
			sawModified = true
		} else if strings.HasPrefix(line, "* ") && strings.Contains(line, "FETCH") {
			fetches++
		}
	}
	if !sawModified {
		t.Fatal("conditional STORE did not fail")
	}
	if fetches != 3 {
		t.Fatalf("conditional STORE reported %d FETCH updates, want 3", fetches)
	}

	// UID 3 kept its flags.
	c.writef("04 UID FETCH 3 (FLAGS)\r\n")
	c.expectPrefix("* 3 FETCH (UID 3 FLAGS (keep))")
	c.expectPrefix("04 OK")

	// The others carry the replacement set.
	c.writef("05 UID FETCH 1 (FLAGS)\r\n")
	c.expectPrefix("* 1 FETCH (UID 1 FLAGS ($junk keep))")
	c.expectPrefix("05 OK")
}

func TestScenarioQresync(t *testing.T) {
	s := newScenarioStack(t)
	c := s.dialTLS()
	defer c.Close()
	c.login()

	for n := 1; n <= 4; n++ {
		c.appendMsg("INBOX", n, scenarioMsg(n))
	}

	var uidValidity uint32
	var modSeq int64
	c.writef("01 SELECT INBOX (CONDSTORE)\r\n")
	for _, line := range c.readUntilTag("01 ") {
		fmt.Sscanf(line, "* OK [UIDVALIDITY %d]", &uidValidity)
		fmt.Sscanf(line, "* OK [HIGHESTMODSEQ %d]", &modSeq)
	}
	if uidValidity == 0 {
		t.Fatal("SELECT did not report UIDVALIDITY")
	}

	c.writef("02 UID STORE 2 +FLAGS.SILENT (\\Deleted)\r\n")
	c.expectPrefix("02 OK")
	c.writef("03 EXPUNGE\r\n")
	c.expectPrefix("* 2 EXPUNGE")
	c.expectPrefix("03 OK")

	// Reconnect the way a QRESYNC client resynchronizes after a
	// disconnect: the server reports the UID expunged since the state
	// the client still holds.
	c2 := s.dialTLS()
	defer c2.Close()
	c2.login()
	c2.writef("04 ENABLE QRESYNC\r\n")
	c2.readUntilTag("04 ")
	c2.writef("05 SELECT INBOX (QRESYNC (%d %d 1:4))\r\n", uidValidity, modSeq)
	sawVanished := false
	for _, line := range c2.readUntilTag("05 ") {
		if strings.HasPrefix(line, "* VANISHED (EARLIER) ") && strings.Contains(line, "2") {
			sawVanished = true
		}
		if strings.HasPrefix(line, "05 ") && !strings.HasPrefix(line, "05 OK") {
			t.Fatalf("QRESYNC SELECT failed: %q", line)
		}
	}
	if !sawVanished {
		t.Fatal("QRESYNC SELECT did not report VANISHED (EARLIER) 2")
	}
}

func TestScenarioESearchMinMaxCount(t *testing.T) {
	s := newScenarioStack(t)
	c := s.dialTLS()
	defer c.Close()
	c.login()

	for n := 1; n <= 10; n++ {
		c.appendMsg("INBOX", n, scenarioMsg(n))
	}
	c.writef("01 SELECT INBOX\r\n")
	c.readUntilTag("01 ")

	c.writef("02 SEARCH RETURN (MIN MAX COUNT ALL) ALL\r\n")
	c.expectPrefix(`* ESEARCH (TAG "02") COUNT 10 MIN 1 MAX 10 ALL 1:10`)
	c.expectPrefix("02 OK")
}

func TestScenarioStartTLS(t *testing.T) {
	s := newScenarioStack(t)
	c := s.dialPlain()
	defer c.Close()

	c.writef("01 CAPABILITY\r\n")
	capLine := c.expectPrefix("* CAPABILITY")
	if !strings.Contains(capLine, "STARTTLS") || !strings.Contains(capLine, "LOGINDISABLED") {
		t.Fatalf("clear-text capabilities %q missing STARTTLS/LOGINDISABLED", capLine)
	}
	c.expectPrefix("01 OK")

	c.writef("02 LOGIN %s %s\r\n", scenarioUser, scenarioPassword)
	c.expectPrefix("02 NO")

	c.writef("03 STARTTLS\r\n")
	c.expectPrefix("03 OK")

	cfg := tlstest.ClientConfig.Clone()
	cfg.ServerName = "localhost"
	tlsConn := tls.Client(c.conn, cfg)
	c.conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("TLS handshake: %v", err)
	}
	c.conn = tlsConn
	c.br = bufio.NewReader(tlsConn)

	c.writef("04 CAPABILITY\r\n")
	capLine = c.expectPrefix("* CAPABILITY")
	if strings.Contains(capLine, "STARTTLS") || strings.Contains(capLine, "LOGINDISABLED") {
		t.Fatalf("post-TLS capabilities %q still advertise STARTTLS/LOGINDISABLED", capLine)
	}
	if !strings.Contains(capLine, "AUTH=PLAIN") {
		t.Fatalf("post-TLS capabilities %q missing AUTH=PLAIN", capLine)
	}
	c.expectPrefix("04 OK")

	c.writef("05 LOGIN %s %s\r\n", scenarioUser, scenarioPassword)
	c.expectPrefix("05 OK")
}
