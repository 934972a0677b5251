package gateway

import "github.com/openexgw/ldapgateway/ber"

// writeResult appends a full LDAPMessage wrapping an LDAPResult body under
// opTag (BindResponse or SearchResultDone) to w.
func writeResult(w *ber.Writer, messageID int64, opTag ber.Tag, code LDAPResultCode, diagnostic string) {
	w.BeginSeq(ber.TypeSequence)
	w.WriteInt(messageID)
	w.BeginSeq(opTag)
	w.WriteEnumerated(int64(code))
	w.WriteString("") // matchedDN
	w.WriteString(diagnostic)
	w.EndSeq()
	w.EndSeq()
}

// writeSearchEntry appends a full LDAPMessage carrying one
// SearchResultEntry for dn/attrs to w. Values for a single attribute may be
// one or more strings, in map-insertion order is not guaranteed by Go maps,
// so callers pass an ordered attrOrder slice alongside attrs.
func writeSearchEntry(w *ber.Writer, messageID int64, dn string, attrOrder []string, attrs map[string][]string) {
	w.BeginSeq(ber.TypeSequence)
	w.WriteInt(messageID)
	w.BeginSeq(OpSearchEntry)
	w.WriteString(dn)
	w.BeginSeq(ber.TypeSequence)
	for _, name := range attrOrder {
		values := attrs[name]
		if len(values) == 0 {
			continue
		}
		w.BeginSeq(ber.TypeSequence)
		w.WriteString(name)
		w.BeginSeq(ber.TypeSet)
		for _, v := range values {
			w.WriteString(v)
		}
		w.EndSeq()
		w.EndSeq()
	}
	w.EndSeq()
	w.EndSeq()
	w.EndSeq()
}

// writeBindResponse appends a BindResponse LDAPMessage to w.
func writeBindResponse(w *ber.Writer, messageID int64, code LDAPResultCode, diagnostic string) {
	writeResult(w, messageID, OpBindResponse, code, diagnostic)
}
