package gateway

import (
	"context"

	"github.com/openexgw/ldapgateway/ber"
	"github.com/openexgw/ldapgateway/gal"
)

// attrOrder fixes the projection order entries are emitted in; order does
// not affect protocol correctness but keeps entries deterministic for
// tests and for anyone diffing captured traffic.
var attrOrder = []string{
	"uid", "mail", "displayName", "telephoneNumber", "l", "company",
	"title", "cn", "givenName", "initials", "sn", "street", "st",
	"postalCode", "c", "departement", "mobile",
}

// projectPerson turns a GAL person record into the LDAP attribute map this
// gateway's directory schema exposes, omitting attributes the record
// leaves empty.
func projectPerson(p *gal.Person) map[string][]string {
	attrs := map[string][]string{}
	set := func(name, value string) {
		if value != "" {
			attrs[name] = []string{value}
		}
	}
	set("uid", p.AN)
	set("mail", p.EM)
	set("displayName", p.CN)
	set("telephoneNumber", p.PH)
	set("l", p.L)
	set("company", p.CP)
	set("title", p.TITLE)
	set("cn", p.CN)
	set("givenName", p.First)
	set("initials", p.Initials)
	set("sn", p.Last)
	set("street", p.Street)
	set("st", p.State)
	set("postalCode", p.Zip)
	set("c", p.Country)
	set("departement", p.Department)
	set("mobile", p.Mobile)
	return attrs
}

// personDN returns the fixed-shape DN every person entry is addressed by.
func personDN(p *gal.Person) string {
	return "uid=" + p.AN + "," + BaseContext
}

// enrichAndSerialize enriches each person (via galLookup) when the result
// set is small enough to afford the extra round trips, then writes one
// SearchResultEntry per person.
func (d *Dispatcher) enrichAndSerialize(ctx context.Context, w *ber.Writer, session gal.Session, messageID int64, people []*gal.Person) {
	enrich := len(people) <= 10
	for _, p := range people {
		if enrich {
			if err := session.GalLookup(ctx, p); err != nil {
				d.log.Warn().Err(err).Str("uid", p.AN).Msg("galLookup failed, emitting entry with base fields only")
			}
		}
		attrs := projectPerson(p)
		writeSearchEntry(w, messageID, personDN(p), attrOrder, attrs)
	}
}
