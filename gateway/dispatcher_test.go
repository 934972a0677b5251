package gateway

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openexgw/ldapgateway/ber"
	"github.com/openexgw/ldapgateway/gal"
)

func discardLogger() zerolog.Logger {
	return zerolog.Nop()
}

func encodeSimpleBind(dn, password string) []byte {
	w := ber.NewWriter()
	w.WriteInt(3)
	w.WriteString(dn)
	w.WriteStringWithTag(ber.ContextTag(0, false), password)
	return w.Bytes()
}

func TestHandleBindAnonymous(t *testing.T) {
	d := New(gal.NewFakeSessionFactory(), "https://example.test/exchange", discardLogger())
	state := &ConnState{}
	w := ber.NewWriter()
	r := ber.NewReader(encodeSimpleBind("", ""))

	d.HandleBind(context.Background(), w, 1, r, state)

	if state.Session != nil {
		t.Fatal("anonymous bind must not create a session")
	}
	assertResult(t, w.Bytes(), 1, OpBindResponse, ResultSuccess)
}

func TestHandleBindInvalidCredentials(t *testing.T) {
	factory := gal.NewFakeSessionFactory()
	factory.DenyUsers = map[string]bool{"baduser": true}
	d := New(factory, "https://example.test/exchange", discardLogger())
	state := &ConnState{}
	w := ber.NewWriter()
	r := ber.NewReader(encodeSimpleBind("baduser", "wrongpass"))

	d.HandleBind(context.Background(), w, 2, r, state)

	assertResult(t, w.Bytes(), 2, OpBindResponse, ResultInvalidCredentials)
}

func TestHandleBindAuthenticated(t *testing.T) {
	factory := gal.NewFakeSessionFactory()
	d := New(factory, "https://example.test/exchange", discardLogger())
	state := &ConnState{}
	w := ber.NewWriter()
	r := ber.NewReader(encodeSimpleBind("jdoe", "secret"))

	d.HandleBind(context.Background(), w, 3, r, state)

	if state.Session == nil {
		t.Fatal("expected a session to be bound")
	}
	assertResult(t, w.Bytes(), 3, OpBindResponse, ResultSuccess)
}

// S1: anonymous bind + Root DSE search.
func TestSearchRootDSE(t *testing.T) {
	d := New(gal.NewFakeSessionFactory(), "https://example.test/exchange", discardLogger())
	state := &ConnState{}
	w := ber.NewWriter()
	r := ber.NewReader(encodeBaseSearch("", 0))

	d.HandleSearch(context.Background(), w, 4, r, state)

	msgs := splitMessages(t, w.Bytes())
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (entry + result)", len(msgs))
	}
	if msgs[0].opTag != OpSearchEntry {
		t.Fatalf("first message op = %x, want SearchResultEntry", msgs[0].opTag)
	}
	if msgs[1].opTag != OpSearchDone || msgs[1].resultCode != ResultSuccess {
		t.Fatalf("terminal result = tag %x code %d", msgs[1].opTag, msgs[1].resultCode)
	}
}

// S2: authenticated substring search against ou=people.
func TestSearchSubstringGAL(t *testing.T) {
	people := []*gal.Person{
		{AN: "smith1", CN: "Smith One", EM: "smith1@example.test"},
		{AN: "smith2", CN: "Smith Two", EM: "smith2@example.test"},
		{AN: "smith3", CN: "Smith Three", EM: "smith3@example.test"},
	}
	factory := gal.NewFakeSessionFactory(people...)
	d := New(factory, "https://example.test/exchange", discardLogger())

	session, err := factory.Acquire(context.Background(), "jdoe", "secret")
	if err != nil {
		t.Fatal(err)
	}
	state := &ConnState{Session: session}

	w := ber.NewWriter()
	r := ber.NewReader(encodeSubtreeCNSearch("sm", 50))

	d.HandleSearch(context.Background(), w, 5, r, state)

	msgs := splitMessages(t, w.Bytes())
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 3 entries + 1 result", len(msgs))
	}
	for i := 0; i < 3; i++ {
		if msgs[i].opTag != OpSearchEntry {
			t.Fatalf("message %d op = %x, want SearchResultEntry", i, msgs[i].opTag)
		}
	}
	last := msgs[3]
	if last.opTag != OpSearchDone || last.resultCode != ResultSuccess {
		t.Fatalf("terminal result = tag %x code %d", last.opTag, last.resultCode)
	}
	if factory.Session.Lookups != 3 {
		t.Fatalf("expected galLookup called for each of 3 entries (<=10), got %d", factory.Session.Lookups)
	}
}

// S3: size-limit ceiling.
func TestSearchSizeLimitCeiling(t *testing.T) {
	var people []*gal.Person
	for i := 0; i < 200; i++ {
		people = append(people, &gal.Person{AN: letterAN(i), CN: "Person"})
	}
	factory := gal.NewFakeSessionFactory(people...)
	d := New(factory, "https://example.test/exchange", discardLogger())
	session, _ := factory.Acquire(context.Background(), "jdoe", "secret")
	state := &ConnState{Session: session}

	w := ber.NewWriter()
	r := ber.NewReader(encodeSweepSearch(500))

	d.HandleSearch(context.Background(), w, 6, r, state)

	msgs := splitMessages(t, w.Bytes())
	entries := msgs[:len(msgs)-1]
	if len(entries) != 100 {
		t.Fatalf("got %d entries, want 100 (effective ceiling)", len(entries))
	}
	last := msgs[len(msgs)-1]
	if last.resultCode != ResultSizeLimitExceeded {
		t.Fatalf("result code = %d, want SizeLimitExceeded", last.resultCode)
	}
}

// S4: the full sweep covers only A..Y, so an entry whose uid starts with Z
// is never returned.
func TestSweepRangeAtoY(t *testing.T) {
	people := []*gal.Person{{AN: "annabelle"}, {AN: "yusuf"}, {AN: "zelda"}}
	factory := gal.NewFakeSessionFactory(people...)
	d := New(factory, "https://example.test/exchange", discardLogger())
	session, _ := factory.Acquire(context.Background(), "jdoe", "secret")
	state := &ConnState{Session: session}

	w := ber.NewWriter()
	r := ber.NewReader(encodeSweepSearch(100))

	d.HandleSearch(context.Background(), w, 7, r, state)

	msgs := splitMessages(t, w.Bytes())
	var uids []string
	for _, m := range msgs {
		if m.opTag == OpSearchEntry {
			uids = append(uids, m.dn)
		}
	}
	for _, uid := range uids {
		if uid == "uid=zelda,ou=people" {
			t.Fatal("sweep must not reach names starting with Z")
		}
	}
}

func letterAN(i int) string {
	letter := byte('A' + i%25) // stays within A..Y
	return string(letter) + "person" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [12]byte
	pos := len(buf)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// --- helpers to build request bodies and parse response messages ---

func encodeBaseSearch(baseDN string, clientLimit int64) []byte {
	w := ber.NewWriter()
	w.WriteString(baseDN)
	w.WriteEnumerated(int64(ScopeBaseObject))
	w.WriteEnumerated(0)
	w.WriteInt(clientLimit)
	w.WriteInt(0)
	w.WriteBoolean(false)
	return w.Bytes()
}

func encodeSubtreeCNSearch(prefix string, clientLimit int64) []byte {
	w := ber.NewWriter()
	w.WriteString(BaseContext)
	w.WriteEnumerated(int64(ScopeWholeSubtree))
	w.WriteEnumerated(0)
	w.WriteInt(clientLimit)
	w.WriteInt(0)
	w.WriteBoolean(false)
	w.BeginSeq(FilterSubstrings)
	w.WriteString("cn")
	w.BeginSeq(ber.TypeSequence)
	w.WriteStringWithTag(ber.ContextTag(0, false), prefix)
	w.EndSeq()
	w.EndSeq()
	return w.Bytes()
}

func encodeSweepSearch(clientLimit int64) []byte {
	w := ber.NewWriter()
	w.WriteString(BaseContext)
	w.WriteEnumerated(int64(ScopeWholeSubtree))
	w.WriteEnumerated(0)
	w.WriteInt(clientLimit)
	w.WriteInt(0)
	w.WriteBoolean(false)
	w.WriteStringWithTag(FilterPresent, "objectclass")
	return w.Bytes()
}

type decodedMessage struct {
	messageID  int64
	opTag      ber.Tag
	dn         string
	resultCode LDAPResultCode
}

func splitMessages(t *testing.T, buf []byte) []decodedMessage {
	t.Helper()
	r := ber.NewReader(buf)
	var out []decodedMessage
	for r.BytesLeft() > 0 {
		var msgLen int
		if _, err := r.ParseSeq(&msgLen); err != nil {
			t.Fatalf("ParseSeq outer: %v", err)
		}
		msg, err := r.Sub(msgLen)
		if err != nil {
			t.Fatalf("Sub: %v", err)
		}
		id, err := msg.ParseInt()
		if err != nil {
			t.Fatalf("ParseInt messageID: %v", err)
		}
		var opLen int
		opTag, err := msg.ParseSeq(&opLen)
		if err != nil {
			t.Fatalf("ParseSeq op: %v", err)
		}
		body, err := msg.Sub(opLen)
		if err != nil {
			t.Fatalf("Sub op body: %v", err)
		}
		dm := decodedMessage{messageID: id, opTag: opTag}
		switch opTag {
		case OpSearchEntry:
			dn, err := body.ParseString(true)
			if err != nil {
				t.Fatalf("ParseString dn: %v", err)
			}
			dm.dn = dn
		case OpBindResponse, OpSearchDone:
			code, err := body.ParseEnumeration()
			if err != nil {
				t.Fatalf("ParseEnumeration resultCode: %v", err)
			}
			dm.resultCode = LDAPResultCode(code)
		}
		out = append(out, dm)
	}
	return out
}

func assertResult(t *testing.T, buf []byte, wantID int64, wantOp ber.Tag, wantCode LDAPResultCode) {
	t.Helper()
	msgs := splitMessages(t, buf)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.messageID != wantID {
		t.Fatalf("messageID = %d, want %d", m.messageID, wantID)
	}
	if m.opTag != wantOp {
		t.Fatalf("opTag = %x, want %x", m.opTag, wantOp)
	}
	if m.resultCode != wantCode {
		t.Fatalf("resultCode = %d, want %d", m.resultCode, wantCode)
	}
}
