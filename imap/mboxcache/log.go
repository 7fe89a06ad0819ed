package mboxcache

import (
	"fmt"
	"strings"
	"time"
)

// logMsg follows imapserver's hand-built structured-JSON log record
// shape, generalized with its own "where" discriminator.
type logMsg struct {
	Where string
	What  string
	Err   error
}

func (l logMsg) String() string {
	buf := new(strings.Builder)
	fmt.Fprintf(buf, `{"where": %q, "what": %q, "when": "%s"`, l.Where, l.What, time.Now().Format(time.RFC3339Nano))
	if l.Err != nil {
		fmt.Fprintf(buf, `, "err": %q`, l.Err.Error())
	}
	buf.WriteByte('}')
	return buf.String()
}
