// Package macaddr extracts MAC addresses from free-form operator text and
// renders them in the forms used by switches, the log server and trackers.
package macaddr

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrNotFound is returned when a text holds no MAC-like token.
	ErrNotFound = errors.New("no MAC addresses found")
	// ErrTooMany is returned when a text holds more than one distinct MAC.
	ErrTooMany = errors.New("too many MAC addresses found")
	// ErrInvalid is returned when a token does not normalize to 12 hex digits.
	ErrInvalid = errors.New("invalid MAC address")
)

// hexish also accepts the look-alike characters operators paste from
// Cyrillic keyboard layouts, and the letter O typed instead of zero.
const hexish = `[0-9A-Fa-fАаВвСсЕеОоOo]`

var macToken = regexp.MustCompile(`\s(` +
	`(?:` + hexish + `{2}[\s:.\-]){5}` + hexish + `{2}` +
	`|(?:` + hexish + `{3}[\s:.\-]){3}` + hexish + `{3}` +
	`|(?:` + hexish + `{4}[\s:.\-]){2}` + hexish + `{4}` +
	`|` + hexish + `{12}` +
	`)\s`)

var plainMAC = regexp.MustCompile(`^[0-9a-f]{12}$`)

var homoglyphs = strings.NewReplacer(
	"а", "a",
	"в", "b",
	"с", "c",
	"е", "e",
	"о", "0",
	"o", "0",
)

var separators = strings.NewReplacer(
	":", "",
	"-", "",
	".", "",
	" ", "",
	"\n", "",
	"\r", "",
	"\t", "",
)

// Normalize folds separators, case and look-alike characters and returns the
// 12 lower-case hex digit form. Normalize is idempotent.
func Normalize(s string) (string, error) {
	mac := separators.Replace(strings.TrimSpace(s))
	mac = homoglyphs.Replace(strings.ToLower(mac))
	if !plainMAC.MatchString(mac) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return mac, nil
}

// FindAll returns the normalized MACs found in text, in order of appearance,
// duplicates removed. A token must be delimited by whitespace on both sides.
func FindAll(text string) []string {
	padded := " " + text + " "

	var found []string
	seen := make(map[string]bool)
	pos := 0
	for pos < len(padded) {
		loc := macToken.FindStringSubmatchIndex(padded[pos:])
		if loc == nil {
			break
		}
		token := padded[pos+loc[2] : pos+loc[3]]
		// the trailing delimiter may lead the next token
		pos += loc[3]

		mac, err := Normalize(token)
		if err != nil || seen[mac] {
			continue
		}
		seen[mac] = true
		found = append(found, mac)
	}
	return found
}

// Extract returns the single MAC in text.
func Extract(text string) (string, error) {
	found := FindAll(text)
	switch len(found) {
	case 0:
		return "", ErrNotFound
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%w: %s", ErrTooMany, strings.Join(found, ", "))
	}
}

// Dotted renders a normalized MAC the way Cisco IOS prints it: 0912.ab34.0009.
func Dotted(mac string) string {
	if len(mac) != 12 {
		return mac
	}
	return mac[:4] + "." + mac[4:8] + "." + mac[8:]
}

// Dashed renders a normalized MAC for file names: 0912-ab34-0009.
func Dashed(mac string) string {
	return strings.ReplaceAll(Dotted(mac), ".", "-")
}
