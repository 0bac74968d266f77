// Package phone normalizes free-form phone strings to E.164 given a
// default country. It is pure and does no I/O.
package phone

import (
	"regexp"
	"strings"
)

// countryCallingCode maps the default-country codes Normalize knows
// (ISO 3166-1 alpha-2) to their E.164 calling code prefix and the
// national significant number length used to decide whether a bare
// digit string already carries the country code.
var countryCallingCode = map[string]struct {
	code        string
	nationalLen int
}{
	"BR": {code: "55", nationalLen: 11},
	"US": {code: "1", nationalLen: 10},
	"PT": {code: "351", nationalLen: 9},
	"MX": {code: "52", nationalLen: 10},
	"AR": {code: "54", nationalLen: 10},
}

var nonDigit = regexp.MustCompile(`\D`)

// Normalize converts raw into E.164 using defaultCountry's calling code
// when raw doesn't already carry one:
//
//	("11999998888","BR")   -> "+5511999998888"
//	("+14155550000","BR")  -> "+14155550000"
//	("0014155550000","BR") -> "+14155550000"
func Normalize(raw, defaultCountry string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "+") {
		digits := nonDigit.ReplaceAllString(raw, "")
		return "+" + digits
	}

	digits := nonDigit.ReplaceAllString(raw, "")

	// "00" international prefix, as dialed from many countries.
	if strings.HasPrefix(digits, "00") {
		return "+" + digits[2:]
	}

	cc, ok := countryCallingCode[strings.ToUpper(defaultCountry)]
	if !ok {
		// Unknown default country: best effort, assume the digits are
		// already complete.
		return "+" + digits
	}

	// Already carries the country's calling code (e.g. "5511999998888").
	if strings.HasPrefix(digits, cc.code) && len(digits) > cc.nationalLen {
		return "+" + digits
	}

	return "+" + cc.code + digits
}

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// IsE164 reports whether s is a strict E.164 phone number.
func IsE164(s string) bool {
	return e164.MatchString(s)
}

// IsGroupIdentifier reports whether id is a group wire identifier
// (`@g.us` for UAZAPI, `-group` for Z-API), which must never be passed
// through Normalize.
func IsGroupIdentifier(id string) bool {
	return strings.HasSuffix(id, "@g.us") || strings.HasSuffix(id, "-group")
}
