package gateway

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/openexgw/ldapgateway/ber"
)

// attributeToCode maps the LDAP attribute names this gateway recognizes in
// a substring filter to the Exchange GAL code galFind expects.
var attributeToCode = map[string]string{
	"mail":        "FN",
	"displayname": "DN",
	"cn":          "DN",
	"givenname":   "FN",
	"sn":          "LN",
	"title":       "TL",
	"company":     "CP",
	"o":           "CP",
	"l":           "OF",
	"department":  "DP",
}

// parseFilter reads the filter CHOICE at r's current cursor and returns an
// Exchange-code → value criteria map. Filter shapes this gateway does not
// support are logged and contribute nothing. An empty map is not an error:
// the dispatcher then runs no GAL query and returns an empty result set.
func parseFilter(r *ber.Reader, log zerolog.Logger, utf8 bool) map[string]string {
	criteria := make(map[string]string)
	parseFilterInto(r, log, criteria, utf8)
	return criteria
}

func parseFilterInto(r *ber.Reader, log zerolog.Logger, criteria map[string]string, utf8 bool) {
	tag, err := r.PeekByte()
	if err != nil {
		return
	}
	switch ber.Tag(tag) {
	case FilterPresent:
		attr, err := r.ParseStringWithTag(FilterPresent, utf8)
		if err != nil {
			log.Warn().Err(err).Msg("malformed present filter")
			return
		}
		if strings.EqualFold(attr, "objectclass") {
			criteria["objectclass"] = "*"
		} else {
			log.Warn().Str("attribute", attr).Msg("unsupported present filter attribute")
		}
	case FilterOr:
		var length int
		if _, err := r.ParseSeq(&length); err != nil {
			log.Warn().Err(err).Msg("malformed OR filter")
			return
		}
		sub, err := r.Sub(length)
		if err != nil {
			log.Warn().Err(err).Msg("malformed OR filter body")
			return
		}
		for sub.BytesLeft() > 0 {
			childTag, err := sub.PeekByte()
			if err != nil {
				return
			}
			if ber.Tag(childTag) != FilterSubstrings {
				log.Warn().Msg("OR filter child is not a substrings filter, skipping")
				if err := sub.SkipElement(); err != nil {
					return
				}
				continue
			}
			parseSubstrings(sub, log, criteria, utf8)
		}
	case FilterSubstrings:
		parseSubstrings(r, log, criteria, utf8)
	default:
		if err := r.SkipElement(); err != nil {
			return
		}
		log.Warn().Uint8("tag", tag).Msg("unsupported filter type")
	}
}

// parseSubstrings decodes one SubstringFilter and, if its attribute maps to
// a known Exchange code, records a criterion built from the first
// substring's value (used as a prefix regardless of whether it is
// INITIAL, ANY, or FINAL).
func parseSubstrings(r *ber.Reader, log zerolog.Logger, criteria map[string]string, utf8 bool) {
	var outerLen int
	if _, err := r.ParseSeq(&outerLen); err != nil {
		log.Warn().Err(err).Msg("malformed substrings filter")
		return
	}
	sub, err := r.Sub(outerLen)
	if err != nil {
		log.Warn().Err(err).Msg("malformed substrings filter body")
		return
	}
	attr, err := sub.ParseString(utf8)
	if err != nil {
		log.Warn().Err(err).Msg("malformed substrings attribute name")
		return
	}
	attr = strings.ToLower(attr)

	var subsLen int
	if _, err := sub.ParseSeq(&subsLen); err != nil {
		log.Warn().Err(err).Msg("malformed substrings sequence")
		return
	}
	subsReader, err := sub.Sub(subsLen)
	if err != nil {
		log.Warn().Err(err).Msg("malformed substrings sequence body")
		return
	}
	if subsReader.BytesLeft() == 0 {
		return
	}
	firstTag, err := subsReader.PeekByte()
	if err != nil {
		return
	}
	var value string
	switch ber.Tag(firstTag) {
	case SubstrInitial:
		value, err = subsReader.ParseStringWithTag(SubstrInitial, utf8)
	case SubstrAny:
		value, err = subsReader.ParseStringWithTag(SubstrAny, utf8)
	case SubstrFinal:
		value, err = subsReader.ParseStringWithTag(SubstrFinal, utf8)
	default:
		log.Warn().Msg("unrecognized substring choice tag")
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("malformed substring value")
		return
	}

	code, ok := attributeToCode[attr]
	if !ok {
		log.Warn().Str("attribute", attr).Msg("unmapped substring filter attribute")
		return
	}
	criteria[code] = value
}
