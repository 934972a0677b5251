package gateway

import "github.com/openexgw/ldapgateway/ber"

// LDAP protocol operation tags, application class, carried over from the
// wire values RFC 2251 assigns them.
const (
	OpBindRequest    ber.Tag = 0x60
	OpBindResponse   ber.Tag = 0x61
	OpUnbindRequest  ber.Tag = 0x42
	OpSearchRequest  ber.Tag = 0x63
	OpSearchEntry    ber.Tag = 0x64
	OpSearchDone     ber.Tag = 0x65
)

// Filter choice tags (context-specific, from the SearchRequest filter CHOICE).
const (
	FilterAnd         ber.Tag = 0xa0
	FilterOr          ber.Tag = 0xa1
	FilterNot         ber.Tag = 0xa2
	FilterEqual       ber.Tag = 0xa3
	FilterSubstrings  ber.Tag = 0xa4
	FilterGE          ber.Tag = 0xa5
	FilterLE          ber.Tag = 0xa6
	FilterPresent     ber.Tag = 0x87
	FilterApprox      ber.Tag = 0xa8
	FilterExtensible  ber.Tag = 0xa9
)

// Substring choice tags within a SubstringFilter's substrings SEQUENCE OF.
const (
	SubstrInitial ber.Tag = 0x80
	SubstrAny     ber.Tag = 0x81
	SubstrFinal   ber.Tag = 0x82
)

// SearchScope values from SearchRequest.scope.
type SearchScope int64

const (
	ScopeBaseObject   SearchScope = 0
	ScopeSingleLevel  SearchScope = 1
	ScopeWholeSubtree SearchScope = 2
)

// LDAPResultCode mirrors the subset of RFC 2251 result codes this gateway
// can return.
type LDAPResultCode int64

const (
	ResultSuccess                LDAPResultCode = 0
	ResultSizeLimitExceeded      LDAPResultCode = 4
	ResultInvalidCredentials     LDAPResultCode = 49
	ResultOther                  LDAPResultCode = 80
)

// BaseContext is the fixed, single naming context this gateway serves.
const BaseContext = "ou=people"

// SizeLimitCeiling is the hard cap on any search's effective size limit.
const SizeLimitCeiling = 100

// SweepStart and SweepEnd bound the full-directory letter sweep used when
// a subtree search's only criterion is objectclass=*. The range is pinned
// to A..Y (Z excluded) to match this gateway's documented wire behavior.
const (
	SweepStart = 'A'
	SweepEnd   = 'Y'
)
