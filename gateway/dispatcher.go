// Package gateway implements the LDAP-to-GAL request dispatcher: it turns
// decoded Bind/Search requests into Exchange GAL lookups through the gal
// package's interfaces, and serializes the results back as LDAP wire
// messages via the ber package's cursor writer.
package gateway

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openexgw/ldapgateway/ber"
	"github.com/openexgw/ldapgateway/gal"
)

// ErrSizeLimit signals that a search's merged result set was truncated
// because it reached the effective size limit before exhausting every
// criterion or sweep letter.
var ErrSizeLimit = errors.New("gateway: search result size limit exceeded")

// ConnState is the per-connection protocol state the dispatcher reads and
// mutates across requests: the bound LDAP protocol version and, once
// authenticated, the GAL session backing subsequent searches.
type ConnState struct {
	ProtocolVersion int64
	Session         gal.Session
}

// Dispatcher turns one decoded LDAP request at a time into GAL calls and
// wire responses. It holds no per-connection state itself; callers pass a
// *ConnState alongside each request so one Dispatcher can serve every
// connection a listener accepts.
type Dispatcher struct {
	Factory    gal.SessionFactory
	BackendURL string
	log        zerolog.Logger
}

// New returns a Dispatcher backed by factory, describing itself with
// backendURL in the base-context entry's description attribute.
func New(factory gal.SessionFactory, backendURL string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{Factory: factory, BackendURL: backendURL, log: log}
}

// HandleBind parses a BindRequest body from r and writes a BindResponse to
// w, acquiring or rejecting a GAL session per spec: non-empty DN and
// password authenticate against the back end, anything else is anonymous.
func (d *Dispatcher) HandleBind(ctx context.Context, w *ber.Writer, messageID int64, r *ber.Reader, state *ConnState) {
	version, err := r.ParseInt()
	if err != nil {
		writeBindResponse(w, messageID, ResultOther, "malformed bind request")
		return
	}
	// The protocol version is known before either string field, so its
	// UTF-8/ISO-8859-1 choice (v3 vs v2) applies to this response too.
	utf8 := version != 2
	w.SetUTF8(utf8)

	dn, err := r.ParseString(utf8)
	if err != nil {
		writeBindResponse(w, messageID, ResultOther, "malformed bind request")
		return
	}
	// Simple authentication is a context-tagged octet string, tag 0x80.
	password, err := r.ParseStringWithTag(ber.ContextTag(0, false), utf8)
	if err != nil {
		writeBindResponse(w, messageID, ResultOther, "malformed bind request")
		return
	}

	state.ProtocolVersion = version

	if dn != "" && password != "" {
		session, err := d.Factory.Acquire(ctx, dn, password)
		if err != nil {
			d.log.Info().Str("dn", dn).Msg("bind rejected: invalid credentials")
			writeBindResponse(w, messageID, ResultInvalidCredentials, "invalid credentials")
			return
		}
		state.Session = session
		writeBindResponse(w, messageID, ResultSuccess, "")
		return
	}

	writeBindResponse(w, messageID, ResultSuccess, "")
}

// HandleUnbind releases any session bound to state; there is no response.
func (d *Dispatcher) HandleUnbind(state *ConnState) {
	if state.Session != nil {
		d.Factory.Release(state.Session)
		state.Session = nil
	}
}

// effectiveSizeLimit normalizes a client-requested size limit to the
// gateway's ceiling: 0 or anything above the ceiling becomes the ceiling.
func effectiveSizeLimit(clientLimit int64) int {
	if clientLimit <= 0 || clientLimit > SizeLimitCeiling {
		return SizeLimitCeiling
	}
	return int(clientLimit)
}

// HandleSearch parses a SearchRequest body from r and writes zero or more
// SearchResultEntry messages followed by a terminal SearchResultDone to w.
func (d *Dispatcher) HandleSearch(ctx context.Context, w *ber.Writer, messageID int64, r *ber.Reader, state *ConnState) {
	// Zero-value ProtocolVersion (no Bind yet) is treated as UTF-8; only an
	// explicit v2 bind switches to ISO-8859-1.
	utf8 := state.ProtocolVersion != 2
	w.SetUTF8(utf8)

	baseDN, err := r.ParseString(utf8)
	if err != nil {
		writeResult(w, messageID, OpSearchDone, ResultOther, "malformed search request")
		return
	}
	scope, err := r.ParseEnumeration()
	if err != nil {
		writeResult(w, messageID, OpSearchDone, ResultOther, "malformed search request")
		return
	}
	if _, err := r.ParseEnumeration(); err != nil { // derefAliases, ignored
		writeResult(w, messageID, OpSearchDone, ResultOther, "malformed search request")
		return
	}
	clientLimit, err := r.ParseInt()
	if err != nil {
		writeResult(w, messageID, OpSearchDone, ResultOther, "malformed search request")
		return
	}
	if _, err := r.ParseInt(); err != nil { // timeLimit, ignored
		writeResult(w, messageID, OpSearchDone, ResultOther, "malformed search request")
		return
	}
	if _, err := r.ParseBoolean(); err != nil { // attrsOnly, ignored
		writeResult(w, messageID, OpSearchDone, ResultOther, "malformed search request")
		return
	}
	// The filter and the requested-attributes list follow; the dispatcher
	// reads the filter itself when it is relevant (subtree/onelevel scope)
	// and otherwise leaves the rest of the frame unread, since nothing
	// after baseDN/scope/sizeLimit matters for a baseObject search.

	limit := effectiveSizeLimit(clientLimit)

	if SearchScope(scope) == ScopeBaseObject {
		d.handleBaseObjectSearch(ctx, w, messageID, baseDN, state)
		return
	}

	if !strings.EqualFold(baseDN, BaseContext) || state.Session == nil {
		writeResult(w, messageID, OpSearchDone, ResultSuccess, "")
		return
	}

	criteria := parseFilter(r, d.log, utf8)

	var people map[string]*gal.Person
	var limitErr error
	if len(criteria) == 1 && criteria["objectclass"] == "*" {
		people, limitErr = d.sweep(ctx, state.Session, limit)
	} else {
		people, limitErr = d.searchCriteria(ctx, state.Session, criteria, limit)
	}

	ordered := orderedPeople(people)
	d.enrichAndSerialize(ctx, w, state.Session, messageID, ordered)

	if errors.Is(limitErr, ErrSizeLimit) {
		writeResult(w, messageID, OpSearchDone, ResultSizeLimitExceeded, "")
	} else {
		writeResult(w, messageID, OpSearchDone, ResultSuccess, "")
	}
}

func (d *Dispatcher) handleBaseObjectSearch(ctx context.Context, w *ber.Writer, messageID int64, baseDN string, state *ConnState) {
	switch {
	case baseDN == "":
		attrs := map[string][]string{
			"objectClass":    {"top"},
			"namingContexts": {BaseContext},
		}
		writeSearchEntry(w, messageID, "Root DSE", []string{"objectClass", "namingContexts"}, attrs)
		writeResult(w, messageID, OpSearchDone, ResultSuccess, "")

	case strings.HasPrefix(baseDN, "uid=") && strings.Contains(baseDN, ",") && state.Session != nil:
		uid := strings.TrimPrefix(strings.SplitN(baseDN, ",", 2)[0], "uid=")
		found, err := state.Session.GalFind(ctx, "AN", uid)
		if err != nil {
			writeResult(w, messageID, OpSearchDone, ResultOther, err.Error())
			return
		}
		d.enrichAndSerialize(ctx, w, state.Session, messageID, orderedPeople(found))
		writeResult(w, messageID, OpSearchDone, ResultSuccess, "")

	case strings.EqualFold(baseDN, BaseContext):
		attrs := map[string][]string{
			"objectClass": {"top", "organizationalUnit"},
			"description": {"DavMail Gateway LDAP for " + d.BackendURL},
		}
		writeSearchEntry(w, messageID, BaseContext, []string{"objectClass", "description"}, attrs)
		writeResult(w, messageID, OpSearchDone, ResultSuccess, "")

	default:
		writeResult(w, messageID, OpSearchDone, ResultSuccess, "")
	}
}

// sweep performs the A..Y directory sweep used when a subtree search's
// only criterion is objectclass=*, merging results by AN. It returns
// ErrSizeLimit if the sweep stopped early because the merged set reached
// limit before exhausting every letter.
func (d *Dispatcher) sweep(ctx context.Context, session gal.Session, limit int) (map[string]*gal.Person, error) {
	merged := make(map[string]*gal.Person)
	for letter := byte(SweepStart); letter <= byte(SweepEnd); letter++ {
		found, err := session.GalFind(ctx, "AN", string(letter))
		if err != nil {
			d.log.Warn().Err(err).Str("letter", string(letter)).Msg("sweep lookup failed")
			continue
		}
		for an, p := range found {
			merged[an] = p
			if len(merged) >= limit {
				return merged, ErrSizeLimit
			}
		}
	}
	return merged, nil
}

// searchCriteria merges galFind results for every (code, value) criterion.
// It returns ErrSizeLimit if merging stopped early because the set reached
// limit before exhausting every criterion.
func (d *Dispatcher) searchCriteria(ctx context.Context, session gal.Session, criteria map[string]string, limit int) (map[string]*gal.Person, error) {
	merged := make(map[string]*gal.Person)
	for code, value := range criteria {
		found, err := session.GalFind(ctx, code, value)
		if err != nil {
			d.log.Warn().Err(err).Str("code", code).Msg("criteria lookup failed")
			continue
		}
		for an, p := range found {
			merged[an] = p
			if len(merged) >= limit {
				return merged, ErrSizeLimit
			}
		}
	}
	return merged, nil
}

func orderedPeople(m map[string]*gal.Person) []*gal.Person {
	people := make([]*gal.Person, 0, len(m))
	for _, p := range m {
		people = append(people, p)
	}
	sort.Slice(people, func(i, j int) bool { return people[i].AN < people[j].AN })
	return people
}
