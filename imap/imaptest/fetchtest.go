package imaptest

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestFetch(t *testing.T, server *TestServer) {
	s := server.OpenInbox(t)
	defer s.Shutdown()

	t.Run("FLAGS", func(t *testing.T) {
		s.t = t
		s.write("02 UID FETCH 1,3:4 (UID FLAGS)\r\n")
		s.readExpectPrefix("* 1 FETCH (UID 1 FLAGS (\\Flagged))")
		s.readExpectPrefix("* 2 FETCH (UID 3 FLAGS (\\Junk))")
		s.readExpectPrefix("* 3 FETCH (UID 4 FLAGS (\\Junk))")
		s.readExpectPrefix(`02 OK`)
	})
	t.Run("RFC822.SIZE", func(t *testing.T) {
		s.t = t
		s.write("02 UID FETCH 1,3,4 (RFC822.SIZE)\r\n")
		s.readExpect(`\* 1 FETCH \(RFC822\.SIZE \d+ UID 1\)`)
		s.readExpect(`\* 2 FETCH \(RFC822\.SIZE \d+ UID 3\)`)
		s.readExpect(`\* 3 FETCH \(RFC822\.SIZE \d+ UID 4\)`)
		s.readExpectPrefix(`02 OK`)
	})
	t.Run("BODYSTRUCTURE", func(t *testing.T) {
		s.t = t
		s.write("02 UID FETCH 1,3:4 (BODYSTRUCTURE)\r\n")
		// testdata/msg1.eml:
		s.readExpect(`BODYSTRUCTURE .*\(image png \(\) "<fetchasset4>" NIL base64 \d+.*\(image png \(\) "<fetchasset5>" NIL base64 \d+.* RELATED .* ALTERNATIVE `)
		// testdata/msg3.eml:
		s.readExpect(`BODYSTRUCTURE \(\(text plain \(charset UTF-8\) NIL NIL NIL \d+ \d+.*\(text html \(charset UTF-8\) NIL NIL NIL \d+ \d+.*\(text enriched \(\) NIL NIL NIL \d+ \d+.* ALTERNATIVE \(boundary `)
		// testdata/msg4.eml:
		s.readExpect(`BODYSTRUCTURE \(text plain \(charset UTF-8\) NIL NIL quoted-printable \d+ \d+`)
		s.readExpectPrefix(`02 OK`)
	})
	t.Run("ENVELOPE", func(t *testing.T) {
		s.t = t
		s.write("02 UID FETCH 1 (ENVELOPE)\r\n")
		// TODO: is UTF-7 encoding the subject line right?
		// That's not how MIME header unicode encoding works.
		s.readExpect(`\(ENVELOPE \(".*Oct 2018 .* Events \&2D3egA-" .*organizers nightskybootcamp.example\) .* \("Nell Baxter" NIL nell example.org\) .* "<10b5.*mcdlv.net>"\) UID 1\)`)
		s.readExpectPrefix(`02 OK`)
	})
	t.Run("INTERNALDATE", func(t *testing.T) {
		s.t = t
		s.write("02 UID FETCH 1 (INTERNALDATE)\r\n")
		s.readExpectPrefix(`* 1 FETCH (INTERNALDATE "` + time.Now().Format("02-Jan-2006"))
		s.readExpectPrefix(`02 OK`)
	})
}

func TestFetchBody(t *testing.T, server *TestServer) {
	s := server.OpenInbox(t)
	defer s.Shutdown()

	t.Run("msg4 BODY[1]", func(t *testing.T) {
		s.t = t
		s.write("02 UID FETCH 4 (BODY[1])\r\n")
		b := s.readLiteralPrefix(`* 3 FETCH (UID 4 BODY[1] `)
		s.readExpectPrefix(`)`)
		s.readExpectPrefix(`02 OK`)

		if got := string(b); !strings.Contains(got, "venerable quoted-printabl=\r\ne encoding") {
			t.Error("msg 4 body not quoted-printable encoded")
		}
	})

	t.Run("msg4 BODY[]", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 3 (BODY[])\r\n")
		b := s.readLiteralPrefix(`* 3 FETCH (BODY[] `)
		s.readExpectPrefix(`)`)
		s.readExpectPrefix(`02 OK`)

		if got := string(b); !strings.Contains(got, "To: nell") {
			t.Error("msg 4 missing headers")
		}
		if got := string(b); !strings.Contains(got, "venerable quoted-printabl=\r\ne encoding") {
			t.Error("msg 4 body not quoted-printable encoded")
		}
	})

	t.Run("msg1 BODY.PEEK[2.1]<0.25>", func(t *testing.T) {
		s.t = t

		s.write("02 FETCH 1 (FLAGS BODY.PEEK[2.1]<0.25>)\r\n")
		s.readExpectPrefix(`* 1 FETCH (FLAGS (\Flagged) BODY[2.1]<0> {25}`)
		s.readExpectPrefix(`<!doctype html>`)
		s.readExpectPrefix(`<html>`)
		s.readExpectPrefix(`)`)
		s.readExpectPrefix(`02 OK`)

		s.write("03 FETCH 1 (FLAGS)\r\n")
		s.readExpectPrefix(`* 1 FETCH (FLAGS (\Flagged))`) // not \Seen
		s.readExpectPrefix(`03 OK`)
	})

	t.Run("msg1 BODY[1]<0.25>", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 1 (FLAGS BODY[1]<0.25>)\r\n")
		s.readExpectPrefix(`* 1 FETCH (FLAGS (\Flagged) BODY[1]<0> {25}`)
		s.readExpectPrefix(`A Journey to the Stars by)`)
		s.readExpectPrefix(`02 OK`)

		s.write("03 FETCH 1 (FLAGS)\r\n")
		s.readExpectPrefix(`* 1 FETCH (FLAGS (\Flagged \Seen))`) // \Seen
		s.readExpectPrefix(`03 OK`)
	})

	t.Run("msg1 BODY.PEEK[2.14]", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 1 (BODY.PEEK[2.14])\r\n")
		s.readExpectPrefix(`* 1 FETCH (BODY[2.14] {48}`)
		s.readExpectPrefix(`R0lGODdhAQABAIAAAP///////ywAAAAAAQABAAACAkQBADs=)`)
		s.readExpectPrefix(`02 OK`)
	})

	t.Run("msg1 BODY.PEEK[2.14.TEXT]", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 1 (BODY.PEEK[2.14.TEXT])\r\n")
		s.readExpectPrefix(`* 1 FETCH (BODY[2.14.TEXT] {48}`)
		s.readExpectPrefix(`R0lGODdhAQABAIAAAP///////ywAAAAAAQABAAACAkQBADs=)`)
		s.readExpectPrefix(`02 OK`)
	})

	t.Run("msg1 BODY[2.14]<10.15>", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 1 (BODY.PEEK[2.14]<10.15>)\r\n")
		s.readExpectPrefix(`* 1 FETCH (BODY[2.14]<10> {15}`)
		s.readExpectPrefix(`ABAIAAAP///////)`)
		s.readExpectPrefix(`02 OK`)
	})

	t.Run("msg1 BODY[HEADER]", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 1 (BODY[HEADER])\r\n")
		b := s.readLiteralPrefix(`* 1 FETCH (BODY[HEADER] `)
		s.readExpectPrefix(`)`)
		s.readExpectPrefix(`02 OK`)

		m := regexp.MustCompile(`.*(Subject: .*?\r\n)`).FindSubmatch(b)
		if m == nil {
			t.Fatal("headers are missing subject")
		}
		got := string(m[1])

		if !strings.Contains(got, "Subject: Upcoming Night Sky Bootcamp Events") {
			t.Error("headers are missing subject")
		}
	})

	t.Run("msg1 BODY[HEADER.FIELDS (To From MIME-Version)]", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 1 (BODY[HEADER.FIELDS (To From MIME-Version)])\r\n")
		b := s.readLiteralPrefix(`* 1 FETCH (BODY[HEADER.FIELDS (To From MIME-Version)] `)
		s.readExpectPrefix(`)`)
		s.readExpectPrefix(`02 OK`)

		for _, want := range []string{
			"To: Nell Baxter <nell@example.org>\r\n",
			"From: Night Sky Bootcamp Organizers <organizers@nightskybootcamp.example>\r\n",
			"MIME-Version: 1.0\r\n",
		} {
			if !strings.Contains(string(b), want) {
				t.Errorf("header fields are missing %q", want)
			}
		}
	})

	t.Run("msg1 BODY[HEADER.FIELDS.NOT (To)]", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 1 (BODY[HEADER.FIELDS.NOT (To)])\r\n")
		b := s.readLiteralPrefix(`* 1 FETCH (BODY[HEADER.FIELDS.NOT (To)] `)
		s.readExpectPrefix(`)`)
		s.readExpectPrefix(`02 OK`)

		if regexp.MustCompile(`.*(\r\nTo: .*?\r\n)`).Match(b) {
			t.Errorf("found To: header expected to be absent")
		}
		if !strings.Contains(string(b), "Subject: ") {
			t.Error("remaining headers are missing subject")
		}
	})

	t.Run("msg1 BODY[2.14.HEADER]", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 1 (BODY[2.14.HEADER])\r\n")
		s.readExpectPrefix(`* 1 FETCH (BODY[2.14.HEADER] {`)
		s.readExpectPrefix(`Content-Disposition: inline; filename="fetchasset14"`)
		s.readExpectPrefix(`Content-ID: <fetchasset14>`)
		s.readExpectPrefix(`Content-Transfer-Encoding: base64`)
		s.readExpectPrefix(`Content-Type: image/gif`)
		s.read()
		s.readExpectPrefix(`)`)
		s.readExpectPrefix(`02 OK`)
	})

	// TODO: 02 FETCH 1 (RFC822.HEADER)
	// TODO: 02 FETCH 1 (RFC822.TEXT)
}

/*
// go test -test.cpuprofile=imapserver.prof -test.benchtime=5s -test.bench=.* -test.run=nothing ./imap/imapserver
// go tool pprof -pdf imapserver.prof
func BenchmarkFetchBody(b *testing.B) {
	s := newTestServer(b)
	//s.s.Filer.DefaultBufferMemSize = 1 << 21
	defer s.shutdown()
	s.read() // initial * OK
	s.login()
	s.selectCmd("INBOX")
	s.s.Logf = func(format string, v ...interface{}) {}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.connLog.Reset()
		s.write("02 FETCH 1 (BODY[1]<0.25>)\r\n")
		s.readExpectPrefix(`* 1 FETCH (BODY[1]<0> {25}`)
		s.readExpectPrefix(`A Journey to the Stars by)`)
		s.readExpectPrefix(`02 OK`)
	}
}

*/
