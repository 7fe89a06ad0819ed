package imapserver

import (
	"fmt"
	"io"
	"mime"
	"sort"
	"strings"
	"net/mail"

	"imapfront/email"
	"imapfront/email/msgbuilder"
	"imapfront/email/msgcleaver"
	"imapfront/imap"
	"imapfront/imap/imapparser"
)

func (c *Conn) cmdFetch() {
	cmd := &c.p.Command

	for i := range cmd.FetchItems {
		if cmd.FetchItems[i].Type == imapparser.FetchModSeq {
			c.setCondStore()
			break
		}
	}

	// Sort any BODY requests to the back of the fetch items.
	// Typical BODY fetches are large literals, while other
	// items are small.
	//
	// Some clients (like macOS Mail) make requests like
	//	(BODY.PEEK[] BODYSTRUCTURE)
	// and other IMAP servers reorder these items.
	items := cmd.FetchItems[:0]
	bodyParts := make([]imapparser.FetchItem, 0, 4)
	for _, item := range cmd.FetchItems {
		if item.Type == imapparser.FetchBody || item.Type == imapparser.FetchBinary {
			bodyParts = append(bodyParts, item)
		} else {
			items = append(items, item)
		}
	}
	for _, item := range bodyParts {
		items = append(items, item)
	}

	fn := func(m imap.Message) {
		c.writef("* %d FETCH (", m.Summary().SeqNum)
		for i := range cmd.FetchItems {
			item := &cmd.FetchItems[i]
			if i > 0 {
				c.writef(" ")
			}
			c.writeItem(m, item)
		}
		c.writef(")\r\n")
	}
	changedSince := cmd.ChangedSince
	if changedSince == 0 {
		changedSince = -1
	}
	err := c.mailbox.Fetch(cmd.UID, cmd.Sequences, changedSince, fn)
	if err != nil {
		c.respondln("BAD FETCH error: %v", err)
		return
	}
	if cmd.UID {
		c.respondln("OK UID FETCH completed")
	} else {
		c.respondln("OK FETCH completed")
	}
}

func fetchItemType(t imapparser.FetchItemType) *imapparser.FetchItem {
	return &imapparser.FetchItem{Type: t}
}

func (c *Conn) writeItem(m imap.Message, item *imapparser.FetchItem) {
	switch item.Type {
	case imapparser.FetchAll:
		c.writeItem(m, fetchItemType(imapparser.FetchFlags))
		c.writef(" ")
		c.writeItem(m, fetchItemType(imapparser.FetchInternalDate))
		c.writef(" ")
		c.writeItem(m, fetchItemType(imapparser.FetchRFC822Size))
		c.writef(" ")
		c.writeItem(m, fetchItemType(imapparser.FetchEnvelope))
	case imapparser.FetchFull:
		c.writeItem(m, fetchItemType(imapparser.FetchFlags))
		c.writef(" ")
		c.writeItem(m, fetchItemType(imapparser.FetchInternalDate))
		c.writef(" ")
		c.writeItem(m, fetchItemType(imapparser.FetchRFC822Size))
		c.writef(" ")
		c.writeItem(m, fetchItemType(imapparser.FetchEnvelope))
		c.writef(" ")
		c.writeItem(m, fetchItemType(imapparser.FetchBody))
	case imapparser.FetchFast:
		c.writeItem(m, fetchItemType(imapparser.FetchFlags))
		c.writef(" ")
		c.writeItem(m, fetchItemType(imapparser.FetchInternalDate))
		c.writef(" ")
		c.writeItem(m, fetchItemType(imapparser.FetchRFC822Size))
	case imapparser.FetchEnvelope:
		c.writeEnvelope(m.Msg().Headers)
	case imapparser.FetchFlags:
		c.writef("FLAGS (")
		for i, flag := range m.Msg().Flags {
			if i > 0 {
				c.writef(" ")
			}
			if flag[0] == '\\' {
				c.writef("%s", flag)
			} else {
				c.writeString(flag)
			}
		}
		c.writef(")")
	case imapparser.FetchInternalDate:
		c.writef("INTERNALDATE ")
		c.writeString(m.Msg().Date.Format("02-Jan-2006 15:04:05 -0700"))
	case imapparser.FetchRFC822Header:
		c.writeBody(m, &imapparser.FetchItem{
			Type: imapparser.FetchBody,
			Section: imapparser.FetchItemSection{
				Name: "HEADER",
			},
		})
	case imapparser.FetchRFC822Size:
		c.writef("RFC822.SIZE %d", m.Msg().EncodedSize)
	case imapparser.FetchRFC822Text:
		c.writeBody(m, &imapparser.FetchItem{
			Type: imapparser.FetchBody,
			Section: imapparser.FetchItemSection{
				Name: "TEXT",
			},
		})
	case imapparser.FetchUID:
		c.writef("UID %d", m.Summary().UID)
	case imapparser.FetchModSeq:
		c.writef("MODSEQ (%d)", m.Summary().ModSeq)
	case imapparser.FetchBodyStructure:
		c.writeBodyStructure(m)
	case imapparser.FetchBody:
		c.writeBody(m, item)
	case imapparser.FetchBinary:
		c.writeBinary(m, item)
	case imapparser.FetchBinarySize:
		c.writeBinarySize(m, item)
	default:
		panic(fmt.Sprintf("imapserver: impossible fetch item: %v", item))
	}
}

// writeEnvelope writes the ENVELOPE fetch item / BODYSTRUCTURE message/rfc822
// envelope structure for hdrs, per RFC 3501 7.4.2.
func (c *Conn) writeEnvelope(hdrs email.Header) {
	c.writef("ENVELOPE (")
	c.writeStringBytes(hdrs.Get("Date"))
	c.writef(" ")
	c.writeStringBytes(hdrs.Get("Subject"))
	c.writef(" ")
	c.writeAddresses(hdrs.Get("From"))
	c.writef(" ")
	c.writeAddresses(hdrs.Get("Sender"))
	c.writef(" ")
	c.writeAddresses(hdrs.Get("Reply-To"))
	c.writef(" ")
	c.writeAddresses(hdrs.Get("To"))
	c.writef(" ")
	c.writeAddresses(hdrs.Get("CC"))
	c.writef(" ")
	c.writeAddresses(hdrs.Get("BCC"))
	c.writef(" ")
	c.writeStringBytes(hdrs.Get("In-Reply-To"))
	c.writef(" ")
	c.writeStringBytes(hdrs.Get("Message-ID"))
	c.writef(")")
}

func (c *Conn) writeAddresses(addrBytes []byte) {
	addrs, err := mail.ParseAddressList(string(addrBytes))
	if err != nil {
		c.writef("NIL")
		c.Logf("cannot write addresses %q: %v", addrBytes, err)
		return
	}
	for _, addr := range addrs {
		i := strings.LastIndexByte(addr.Address, '@')
		if i == -1 {
			c.Logf("cannot write address: %q", addr.Address)
			continue
		}
		mailboxName, hostName := addr.Address[:i], addr.Address[i+1:]

		c.writef("(")
		if addr.Name == "" {
			c.writef("NIL")
		} else {
			c.writeString(addr.Name) // personal name
		}
		c.writef(" NIL ") // at-domain-list (source route)
		c.writeString(mailboxName)
		c.writef(" ")
		c.writeString(hostName)
		c.writef(")")
	}
}

// maxMessageNestingDepth bounds the depth of message/rfc822-within-
// message/rfc822 nesting that writeBodyStructurePart will descend into.
// A message can be crafted to nest arbitrarily deep; past this depth the
// nested part is reported with a placeholder structure instead of being
// parsed, so a hostile message cannot drive unbounded work or stack use.
const maxMessageNestingDepth = 10

func (c *Conn) writeBodyStructure(m imap.Message) {
	node, err := msgbuilder.BuildTree(m.Msg())
	if err != nil {
		c.Logf("BODYSTRUCTURE: %v", err)
		return
	}
	c.writef("BODYSTRUCTURE (")
	c.writeBodyStructurePart(m, node, 0)
	c.writef(")")
}

// bsPhase tracks where a bsFrame is in the middle of being written, since
// the multipart and message/rfc822 cases both need to resume work after a
// nested part has been written.
type bsPhase int

const (
	bsEnter bsPhase = iota
	bsMultipartKid
	bsAfterKid
	bsAfterMessageChild
)

// bsFrame is one level of an explicit traversal stack, used in place of
// plain Go recursion so the depth of a BODYSTRUCTURE walk is bounded by
// maxMessageNestingDepth rather than by the goroutine stack.
type bsFrame struct {
	node  *msgbuilder.TreeNode
	depth int
	phase bsPhase

	// multipart state, set in bsEnter, consumed across bsMultipartKid /
	// bsAfterKid.
	childIdx    int
	bodySubtype string
	ctParamKeys []string
	ctParams    map[string]string
	disposition string

	// message/rfc822 state, set in bsEnter, consumed in bsAfterMessageChild.
	nestedLines int64
}

func (c *Conn) writeBodyStructurePart(m imap.Message, root *msgbuilder.TreeNode, rootDepth int) {
	// nested messages opened to write message/rfc822 parts; closed once
	// the whole BODYSTRUCTURE has been written.
	var opened []*email.Msg
	defer func() {
		for _, msg := range opened {
			msg.Close()
		}
	}()

	stack := []*bsFrame{{node: root, depth: rootDepth, phase: bsEnter}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]

		switch f.phase {
		case bsEnter:
			partNum := -1
			if f.node.Part != nil {
				partNum = f.node.Part.PartNum
			}
			mediaType, ctParams, err := mime.ParseMediaType(f.node.Header.ContentType)
			if err != nil {
				c.Logf("BODYSTRUCTURE part %d: %v", partNum, err)
				c.writef("NIL")
				stack = stack[:len(stack)-1]
				continue
			}
			var ctParamKeys []string
			for key := range ctParams {
				ctParamKeys = append(ctParamKeys, key)
			}
			sort.Strings(ctParamKeys)
			var bodyType, bodySubtype string
			if i := strings.IndexByte(mediaType, '/'); i == -1 {
				c.Logf("BODYSTRUCTURE part %d bad mediatype: %s", partNum, mediaType)
				c.writef("NIL")
				stack = stack[:len(stack)-1]
				continue
			} else {
				bodyType, bodySubtype = mediaType[:i], mediaType[i+1:]
			}

			if f.depth > maxMessageNestingDepth {
				c.Logf("BODYSTRUCTURE part %d: nesting depth exceeded %d", partNum, maxMessageNestingDepth)
				c.writeFallbackNestedBodyStructure()
				stack = stack[:len(stack)-1]
				continue
			}

			if len(f.node.Kids) > 0 {
				// multipart
				f.bodySubtype = bodySubtype
				f.ctParamKeys = ctParamKeys
				f.ctParams = ctParams
				f.disposition = f.node.Header.ContentDisposition
				f.childIdx = 0
				f.phase = bsMultipartKid
				continue
			}

			c.writeLeafBasicFields(f.node, bodyType, bodySubtype, ctParamKeys, ctParams)

			if bodyType == "text" {
				// RFC 3501 7.4.2: a body type of TEXT contains,
				// immediately after the basic fields, the size of
				// the body in text lines.
				c.writef(" %d", f.node.Part.ContentTransferLines)
				c.writeLeafExtensionSuffix(f.node.Header.ContentDisposition)
				stack = stack[:len(stack)-1]
				continue
			}

			if bodyType == "message" && bodySubtype == "rfc822" {
				nestedRoot, hdrs, lines, nestedMsg, err := c.loadNestedMessage(m, f.node)
				if err != nil {
					c.Logf("BODYSTRUCTURE part %d: message/rfc822: %v", partNum, err)
					c.writef(" NIL")
					c.writeFallbackNestedBodyStructure()
					c.writef(" 0")
					c.writeLeafExtensionSuffix(f.node.Header.ContentDisposition)
					stack = stack[:len(stack)-1]
					continue
				}
				opened = append(opened, nestedMsg)

				c.writef(" ")
				c.writeEnvelope(hdrs)
				c.writef(" (")

				f.disposition = f.node.Header.ContentDisposition
				f.nestedLines = lines
				f.phase = bsAfterMessageChild
				stack = append(stack, &bsFrame{node: nestedRoot, depth: f.depth + 1, phase: bsEnter})
				continue
			}

			c.writeLeafExtensionSuffix(f.node.Header.ContentDisposition)
			stack = stack[:len(stack)-1]

		case bsMultipartKid:
			if f.childIdx < len(f.node.Kids) {
				if f.childIdx > 0 {
					c.writef(" (")
				} else {
					c.writef("(")
				}
				kid := &f.node.Kids[f.childIdx]
				f.phase = bsAfterKid
				stack = append(stack, &bsFrame{node: kid, depth: f.depth + 1, phase: bsEnter})
				continue
			}
			c.writeMultipartTrailer(f.bodySubtype, f.ctParamKeys, f.ctParams, f.disposition)
			stack = stack[:len(stack)-1]

		case bsAfterKid:
			c.writef(")")
			f.childIdx++
			f.phase = bsMultipartKid

		case bsAfterMessageChild:
			c.writef(")")
			c.writef(" %d", f.nestedLines)
			c.writeLeafExtensionSuffix(f.disposition)
			stack = stack[:len(stack)-1]
		}
	}
}

// writeMultipartTrailer writes the subtype, body parameters, disposition,
// language and location fields that follow a multipart's list of child
// parts in a BODYSTRUCTURE response.
func (c *Conn) writeMultipartTrailer(bodySubtype string, ctParamKeys []string, ctParams map[string]string, disposition string) {
	c.writef(" ")
	c.writeString(strings.ToUpper(bodySubtype))
	c.writef(" (")
	for i, key := range ctParamKeys {
		if i > 0 {
			c.writef(" ")
		}
		c.writeString(key)
		c.writef(" ")
		c.writeString(ctParams[key])
	}
	c.writef(")")
	c.writeBodyDisposition(disposition)
	c.writef(" NIL") // body language
	c.writef(" NIL") // body location
}

// writeLeafBasicFields writes a non-multipart BODYSTRUCTURE's basic fields:
// type, subtype, parameters, id, description, encoding and size, per
// RFC 3501 7.4.2.
func (c *Conn) writeLeafBasicFields(node *msgbuilder.TreeNode, bodyType, bodySubtype string, ctParamKeys []string, ctParams map[string]string) {
	c.writeString(bodyType)
	c.writef(" ")
	c.writeString(bodySubtype)
	c.writef(" (")
	for i, key := range ctParamKeys {
		if i > 0 {
			c.writef(" ")
		}
		c.writeString(key)
		c.writef(" ")
		c.writeString(ctParams[key])
	}
	c.writef(")")
	if node.Header.ContentID == "" {
		c.writef(" NIL")
	} else {
		c.writef(" ")
		c.writeString(node.Header.ContentID)
	}
	c.writef(" NIL") // body description
	c.writef(" ")
	if node.Header.ContentTransferEncoding == "7bit" {
		c.writef("NIL")
	} else {
		c.writeString(node.Header.ContentTransferEncoding)
	}
	c.writef(" %d", node.Part.ContentTransferSize) // body size
}

// writeLeafExtensionSuffix writes the extension data common to every
// non-multipart BODYSTRUCTURE entry: body MD5, disposition, language and
// location.
func (c *Conn) writeLeafExtensionSuffix(disposition string) {
	c.writef(" NIL") // body MD5
	c.writeBodyDisposition(disposition)
	c.writef(" NIL") // body language
	c.writef(" NIL") // body location
}

// writeFallbackNestedBodyStructure writes a minimal, structurally valid
// body-type-1part used in place of a message/rfc822 part's real nested
// BODYSTRUCTURE when the nesting depth cap is hit or the nested message
// cannot be parsed.
func (c *Conn) writeFallbackNestedBodyStructure() {
	c.writef(`("TEXT" "PLAIN" NIL NIL NIL "7BIT" 0 0)`)
}

// loadNestedMessage loads and parses the content of a message/rfc822 part,
// returning its body-structure tree, headers and line count for use by
// writeBodyStructurePart. The returned *email.Msg must be closed by the
// caller once it is no longer needed.
func (c *Conn) loadNestedMessage(m imap.Message, node *msgbuilder.TreeNode) (*msgbuilder.TreeNode, email.Header, int64, *email.Msg, error) {
	if node.Part == nil {
		return nil, email.Header{}, 0, nil, fmt.Errorf("message/rfc822 part has no content")
	}
	if node.Part.Content == nil {
		if err := m.LoadPart(node.Part.PartNum); err != nil {
			return nil, email.Header{}, 0, nil, err
		}
	}
	if _, err := node.Part.Content.Seek(0, 0); err != nil {
		return nil, email.Header{}, 0, nil, err
	}

	var lc lineCounter
	nested, err := msgcleaver.Cleave(c.server.Filer, io.TeeReader(node.Part.Content, &lc))
	if err != nil {
		return nil, email.Header{}, 0, nil, err
	}
	nestedRoot, err := msgbuilder.BuildTree(nested)
	if err != nil {
		nested.Close()
		return nil, email.Header{}, 0, nil, err
	}
	return nestedRoot, nested.Headers, lc.lines, nested, nil
}

// lineCounter is an io.Writer that counts '\n' bytes written to it, used
// via io.TeeReader to count lines while a nested message is parsed.
type lineCounter struct {
	lines int64
}

func (lc *lineCounter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			lc.lines++
		}
	}
	return len(p), nil
}

// writeBodyDisposition writes the BODYSTRUCTURE body-disposition extension
// field: NIL, or a (disposition-type (param-list)) pair per RFC 3501 7.4.2.
func (c *Conn) writeBodyDisposition(disposition string) {
	if disposition == "" {
		c.writef(" NIL")
		return
	}
	dtype, dparams, err := mime.ParseMediaType(disposition)
	if err != nil {
		c.writef(" NIL")
		return
	}
	var keys []string
	for key := range dparams {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	c.writef(" (")
	c.writeString(strings.ToUpper(dtype))
	c.writef(" (")
	for i, key := range keys {
		if i > 0 {
			c.writef(" ")
		}
		c.writeString(key)
		c.writef(" ")
		c.writeString(dparams[key])
	}
	c.writef(")")
	c.writef(")")
}

// lpFrame is one node of an explicit loadParts traversal stack.
type lpFrame struct {
	node  *msgbuilder.TreeNode
	depth int
}

// loadParts loads the content of every part in node's subtree, walking it
// with an explicit stack rather than recursion so a maliciously deep
// multipart tree cannot be used to exhaust the goroutine stack; nesting
// past maxMessageNestingDepth is skipped rather than loaded.
func (c *Conn) loadParts(m imap.Message, node *msgbuilder.TreeNode) error {
	stack := []lpFrame{{node: node, depth: 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.depth > maxMessageNestingDepth {
			c.Logf("loadParts: nesting depth exceeded %d, skipping subtree", maxMessageNestingDepth)
			continue
		}
		if f.node.Part != nil && f.node.Part.Content == nil {
			if err := m.LoadPart(f.node.Part.PartNum); err != nil {
				return err
			}
		}
		for i := range f.node.Kids {
			stack = append(stack, lpFrame{node: &f.node.Kids[i], depth: f.depth + 1})
		}
	}
	return nil
}

func (c *Conn) writeBody(m imap.Message, item *imapparser.FetchItem) {
	// item.Type == imapparser.FetchBody
	// BODY[<section>]<<origin octet>>

	buf := c.server.Filer.BufferFile(0)
	defer buf.Close()

	node, err := msgbuilder.BuildTree(m.Msg())
	if err != nil {
		c.Logf("BODY %v: %v", m.Msg().MsgID, err)
		return
	}
	if len(item.Section.Path) > 0 {
		// BODY[1.2.3]
		node = findPath(node, item.Section.Path)
		if node == nil {
			c.Logf("BODY %v: cannot find path %v", m.Msg().MsgID, item.Section.Path)
			return
		}
	}

	switch item.Section.Name {
	case "":
		if len(item.Section.Path) > 0 {
			// BODY[1.2.3]
			if node.Part == nil {
				c.Logf("BODY %v: path %v has no part", m.Msg().MsgID, item.Section.Path)
				return
			}
			if err := m.LoadPart(node.Part.PartNum); err != nil {
				c.Logf("BODY %v: %d: ", node.Part.PartNum, err)
				return
			}
			if err := msgbuilder.EncodeContent(buf, node.Header, node.Part); err != nil {
				c.Logf("BODY %v: encode: %v", node.Part.PartNum, err)
				return
			}
		} else {
			// BODY[]
			if err := c.loadParts(m, node); err != nil {
				c.Logf("BODY[] %v", err)
				return
			}
			builder := &msgbuilder.Builder{Filer: c.server.Filer}
			var err error
			if err = builder.Build(buf, m.Msg()); err != nil {
				c.Logf("BODY[]: %v", err)
				return
			}
		}

	case "HEADER", "MIME":
		var hdr email.Header
		if len(item.Section.Path) > 0 {
			node.Header.ForEach(func(key email.Key, val string) {
				if val != "" {
					hdr.Add(key, []byte(val))
				}
			})
		} else {
			hdr = m.Msg().Headers
		}
		if _, err := hdr.Encode(buf); err != nil {
			c.Logf("HEADER: %v", err)
			return
		}
	case "HEADER.FIELDS.NOT":
		not := make(map[email.Key]bool)
		for _, name := range item.Section.Headers {
			key := email.CanonicalKey(name)
			not[key] = true
		}

		var hdr email.Header
		if len(item.Section.Path) > 0 {
			node.Header.ForEach(func(key email.Key, val string) {
				if not[key] || val == "" {
					return
				}
				hdr.Add(key, []byte(val))
			})
		} else {
			for _, entry := range m.Msg().Headers.Entries {
				if not[entry.Key] {
					continue
				}
				hdr.Add(entry.Key, entry.Value)
			}
		}
		if _, err := hdr.Encode(buf); err != nil {
			c.Logf("HEADER.FIELDS.NOT: %v", err)
			return
		}
	case "HEADER.FIELDS":
		want := make(map[email.Key]bool)
		for _, name := range item.Section.Headers {
			want[email.CanonicalKey(name)] = true
		}

		var hdr email.Header
		if len(item.Section.Path) > 0 {
			node.Header.ForEach(func(key email.Key, val string) {
				if !want[key] || val == "" {
					return
				}
				hdr.Add(key, []byte(val))
			})
		} else {
			hdrs := m.Msg().Headers
			for _, name := range item.Section.Headers {
				key := email.CanonicalKey(name)
				if v := hdrs.Get(key); len(v) != 0 {
					hdr.Add(key, v)
				}
			}
		}
		if _, err := hdr.Encode(buf); err != nil {
			c.Logf("HEADER.FIELDS: %v", err)
			return
		}
	case "TEXT":
		// like BODY[] but without any headers
		if err := c.loadParts(m, node); err != nil {
			c.Logf("TEXT: %v", err)
			return
		}
		builder := &msgbuilder.Builder{Filer: c.server.Filer}
		if err := builder.WriteNode(buf, node); err != nil {
			c.Logf("TEXT: %v", err)
			return
		}
	default:
		c.Logf("FETCH BODY %v unknown section: %q", m.Msg().MsgID, item.Section.Name)
		return
	}

	if !item.Peek {
		c.markSeenIfNeeded(m)
	}

	if _, err := buf.Seek(0, 0); err != nil {
		c.Logf("BODY: buf seek: %v", err)
		return
	}

	c.writef("BODY[")
	for i, v := range item.Section.Path {
		if i > 0 {
			c.writef(".")
		}
		c.writef("%d", v)
	}
	if item.Section.Name != "" {
		if len(item.Section.Path) > 0 {
			c.writef(".")
		}
		c.writef(item.Section.Name)
	}
	switch item.Section.Name {
	case "HEADER.FIELDS", "HEADER.FIELDS.NOT":
		c.writef(" (")
		for i, name := range item.Section.Headers {
			if i > 0 {
				c.writef(" ")
			}
			c.writeString(string(email.CanonicalKey(name)))
		}
		c.writef(")")
	}
	c.writef("]")

	r := io.Reader(buf)
	size := buf.Size()
	if item.Partial.Start != 0 || item.Partial.Length != 0 {
		start, n := partialWindow(item.Partial.Start, item.Partial.Length, size)
		buf.Seek(start, 0)
		size = n
		r = io.LimitReader(buf, size)
		c.writef("<%d> ", start)
	} else {
		c.writef(" ")
	}
	c.writeLiteral(r, size)
}

// partialWindow clamps a FETCH <start.length> octet window against a
// section of size bytes. A window starting at or past the end selects
// zero octets rather than erroring; one overhanging the end is cut
// short.
func partialWindow(reqStart, reqLength uint32, size int64) (start, n int64) {
	start = int64(reqStart)
	if start > size {
		start = size
	}
	n = int64(reqLength)
	if n > size-start {
		n = size - start
	}
	return start, n
}

// markSeenIfNeeded sets \Seen on m unless it is already present, the side
// effect non-Peek BODY/BINARY fetches trigger per RFC 3501 6.4.5.
func (c *Conn) markSeenIfNeeded(m imap.Message) {
	for _, flag := range m.Msg().Flags {
		if flag == `\Seen` {
			return
		}
	}
	if err := m.SetSeen(); err != nil {
		c.Logf("FETCH failed to set Seen flag on %s", m.Msg().MsgID)
	}
}

func (c *Conn) writeSectionPath(path []uint16) {
	for i, v := range path {
		if i > 0 {
			c.writef(".")
		}
		c.writef("%d", v)
	}
}

// writeBinary implements RFC 3516 FETCH BINARY[section]<partial>. Unlike
// BODY[section], which re-applies the part's original Content-Transfer-Encoding
// via msgbuilder.EncodeContent to reproduce the bytes as transmitted on the
// wire, BINARY returns the already-decoded part content directly: email.Part's
// Content is stored post-CTE-decode (see msgcleaver.Cleave), so no re-encoding
// step is needed here. The response uses literal8 syntax since decoded content
// may contain NUL bytes that a plain IMAP literal's grammar disallows.
func (c *Conn) writeBinary(m imap.Message, item *imapparser.FetchItem) {
	node, err := msgbuilder.BuildTree(m.Msg())
	if err != nil {
		c.Logf("BINARY %v: %v", m.Msg().MsgID, err)
		return
	}
	if len(item.Section.Path) > 0 {
		node = findPath(node, item.Section.Path)
		if node == nil {
			c.Logf("BINARY %v: cannot find path %v", m.Msg().MsgID, item.Section.Path)
			return
		}
	}
	if node.Part == nil {
		c.Logf("BINARY %v: path %v has no part (multipart requires a section number)", m.Msg().MsgID, item.Section.Path)
		return
	}
	if err := m.LoadPart(node.Part.PartNum); err != nil {
		c.Logf("BINARY %v: %d: %v", m.Msg().MsgID, node.Part.PartNum, err)
		return
	}

	content := node.Part.Content
	if _, err := content.Seek(0, 0); err != nil {
		c.Logf("BINARY: seek: %v", err)
		return
	}

	r := io.Reader(content)
	size := content.Size()
	start := int64(0)
	if item.Partial.Start != 0 || item.Partial.Length != 0 {
		var n int64
		start, n = partialWindow(item.Partial.Start, item.Partial.Length, size)
		content.Seek(start, 0)
		size = n
		r = io.LimitReader(content, size)
	}

	c.writef("BINARY[")
	c.writeSectionPath(item.Section.Path)
	c.writef("]")
	if start != 0 || item.Partial.Length != 0 {
		c.writef("<%d> ", start)
	} else {
		c.writef(" ")
	}
	c.writeLiteral8(r, size)

	if !item.Peek {
		c.markSeenIfNeeded(m)
	}
}

// writeBinarySize implements RFC 3516 FETCH BINARY.SIZE[section]: the
// decoded octet count of the named part, without transferring it.
func (c *Conn) writeBinarySize(m imap.Message, item *imapparser.FetchItem) {
	node, err := msgbuilder.BuildTree(m.Msg())
	if err != nil {
		c.Logf("BINARY.SIZE %v: %v", m.Msg().MsgID, err)
		return
	}
	if len(item.Section.Path) > 0 {
		node = findPath(node, item.Section.Path)
		if node == nil {
			c.Logf("BINARY.SIZE %v: cannot find path %v", m.Msg().MsgID, item.Section.Path)
			return
		}
	}
	if node.Part == nil {
		c.Logf("BINARY.SIZE %v: path %v has no part (multipart requires a section number)", m.Msg().MsgID, item.Section.Path)
		return
	}
	if err := m.LoadPart(node.Part.PartNum); err != nil {
		c.Logf("BINARY.SIZE %v: %d: %v", m.Msg().MsgID, node.Part.PartNum, err)
		return
	}
	c.writef("BINARY.SIZE[")
	c.writeSectionPath(item.Section.Path)
	c.writef("] %d", node.Part.Content.Size())
}

func findPath(node *msgbuilder.TreeNode, path []uint16) *msgbuilder.TreeNode {
	if len(path) == 1 && path[0] == 1 && len(node.Kids) == 0 {
		return node
	}
	for len(path) > 0 {
		if int(path[0])-1 >= len(node.Kids) {
			return nil
		}
		node = &node.Kids[path[0]-1]
		path = path[1:]
	}
	return node
}
