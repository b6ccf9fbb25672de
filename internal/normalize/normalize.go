// Package normalize turns raw intake identifiers into canonical comparable
// forms. Every function is pure and never fails; values that cannot be
// normalized come back empty.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"github.com/lherron/clinicsync/internal/domain"
)

// carrierPrefixes are domestic mobile prefixes that intake forms often
// receive with an extra leading zero.
var carrierPrefixes = []string{"0080", "0090", "0070"}

// Phone reduces a raw phone number to its canonical digit string.
//
// Full-width digits are folded to ASCII and every non-digit is dropped. Then,
// until nothing changes: a doubled leading zero loses one zero, a leading
// country code 81 (length >= 11) becomes a single 0, and a number starting
// with 7, 8 or 9 gains a leading 0. Applying Phone to its own output returns
// the same value.
func Phone(raw string) string {
	digits := digitsOnly(width.Fold.String(raw))
	if digits == "" {
		return ""
	}
	for {
		next := phoneStep(digits)
		if next == digits {
			return digits
		}
		digits = next
	}
}

// PhoneChecked is Phone plus a NormalizationFailure when raw was non-blank
// but yielded no digits.
func PhoneChecked(raw string) (string, error) {
	out := Phone(raw)
	if out == "" && strings.TrimSpace(raw) != "" {
		return "", &domain.NormalizationFailure{Field: domain.FieldPhone, Raw: raw}
	}
	return out, nil
}

// MinPhoneKeyDigits is the shortest normalized phone trusted as a strong
// identity signal. Domestic landline and mobile numbers carry 10 or 11 digits.
const MinPhoneKeyDigits = 10

// PhoneKey is the form of raw used to match persons: Phone, or "" when the
// number is too short or all zeros to identify anyone. Such placeholder
// numbers come back with a NormalizationFailure naming the reason.
func PhoneKey(raw string) (string, error) {
	phone, err := PhoneChecked(raw)
	if err != nil || phone == "" {
		return "", err
	}
	switch {
	case strings.Trim(phone, "0") == "":
		return "", &domain.NormalizationFailure{Field: domain.FieldPhone, Raw: raw, Reason: "all zeros"}
	case len(phone) < MinPhoneKeyDigits:
		return "", &domain.NormalizationFailure{Field: domain.FieldPhone, Raw: raw,
			Reason: fmt.Sprintf("only %d digits", len(phone))}
	}
	return phone, nil
}

func phoneStep(d string) string {
	for _, p := range carrierPrefixes {
		if strings.HasPrefix(d, p) {
			return d[1:]
		}
	}
	switch {
	case strings.HasPrefix(d, "00"):
		return d[1:]
	case strings.HasPrefix(d, "81") && len(d) >= 11:
		return "0" + d[2:]
	case d[0] == '7' || d[0] == '8' || d[0] == '9':
		return "0" + d
	}
	return d
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Name applies NFKC (full-width Latin to ASCII, half-width kana to full-width
// with voiced marks composed), trims, and collapses internal whitespace
// including the ideographic space to single ASCII spaces.
func Name(raw string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(raw)), " ")
}

// NameKey is the comparison form of a name for weak matching: Name with all
// spaces removed and Latin letters lowercased.
func NameKey(raw string) string {
	return strings.ToLower(strings.ReplaceAll(Name(raw), " ", ""))
}

var birthdayLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006/1/2",
	"2006-1-2",
	"20060102",
	"2006.01.02",
	"2006年1月2日",
}

// Birthday parses the date layouts seen at intake into 2006-01-02.
// Unparseable input yields "".
func Birthday(raw string) string {
	out, _ := BirthdayChecked(raw)
	return out
}

// BirthdayChecked is Birthday plus a NormalizationFailure for non-blank
// input that matches no known layout.
func BirthdayChecked(raw string) (string, error) {
	s := strings.TrimSpace(norm.NFKC.String(raw))
	if s == "" {
		return "", nil
	}
	for _, layout := range birthdayLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", &domain.NormalizationFailure{Field: domain.FieldBirthday, Raw: raw}
}

// Person returns a copy of p with every identifier normalized. Failures are
// returned alongside so callers can log them; the affected fields are empty,
// except a phone too short to match on, which is kept but reported.
func Person(p domain.Person) (domain.Person, []error) {
	var failures []error

	phone, err := PhoneChecked(p.Phone)
	if err != nil {
		failures = append(failures, err)
	} else if _, err := PhoneKey(p.Phone); err != nil {
		failures = append(failures, err)
	}
	p.Phone = phone

	birthday, err := BirthdayChecked(p.Birthday)
	if err != nil {
		failures = append(failures, err)
	}
	p.Birthday = birthday

	p.Name = Name(p.Name)
	p.NameKana = Name(p.NameKana)
	p.Sex = strings.TrimSpace(p.Sex)
	p.MessagingUserID = strings.TrimSpace(p.MessagingUserID)

	return p, failures
}
