// Package privacy redacts personal attributes before features leave the
// system.
package privacy

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dabom10/Nong-View/internal/core/model"
	"github.com/dabom10/Nong-View/internal/features"
)

const maskRune = '*'

var (
	ownerFields = []string{"owner_name"}
	phoneFields = []string{"phone", "phone_number"}
)

// AnonymizeNotice is the warning emitted when location anonymization is
// requested. Geometries are never altered.
const AnonymizeNotice = "location anonymization is not implemented; geometries were exported unchanged"

// Apply returns a protected copy of c. Rules run in a fixed order: owner
// names, phone numbers, field removal, then location anonymization.
func Apply(c *features.Collection, cfg model.PrivacyConfig) (*features.Collection, []string) {
	if c == nil {
		return nil, nil
	}
	out := c.Clone()
	var warnings []string

	if cfg.MaskOwnerNames {
		maskFields(out, ownerFields, MaskName)
	}
	if cfg.MaskPhoneNumbers {
		maskFields(out, phoneFields, MaskPhone)
	}
	removed := 0
	for _, name := range cfg.RemovePersonalFields {
		hit := false
		for i := range out.Features {
			if _, ok := out.Features[i].Properties[name]; ok {
				delete(out.Features[i].Properties, name)
				hit = true
			}
		}
		if hit {
			removed++
		}
	}
	if removed > 0 {
		warnings = append(warnings, fmt.Sprintf("layer %s: removed %d personal fields", out.Name, removed))
	}
	if cfg.AnonymizeLocations {
		warnings = append(warnings, AnonymizeNotice)
	}
	return out, warnings
}

func maskFields(c *features.Collection, names []string, mask func(string) string) {
	for i := range c.Features {
		props := c.Features[i].Properties
		for _, name := range names {
			v, ok := props[name]
			if !ok || v == nil {
				continue
			}
			s, ok := v.(string)
			if !ok {
				s = fmt.Sprint(v)
			}
			props[name] = mask(s)
		}
	}
}

// MaskName keeps the first character and masks each remaining one:
// "홍길동" -> "홍**".
func MaskName(s string) string {
	n := utf8.RuneCountInString(s)
	if n <= 1 {
		return s
	}
	_, size := utf8.DecodeRuneInString(s)
	return s[:size] + strings.Repeat(string(maskRune), n-1)
}

// MaskPhone always yields twelve characters. Numbers with more than eight
// digits keep their first and last four digits; shorter ones are fully masked.
func MaskPhone(s string) string {
	digits := make([]rune, 0, len(s))
	for _, r := range s {
		if unicode.IsDigit(r) && r < utf8.RuneSelf {
			digits = append(digits, r)
		}
	}
	if len(digits) > 8 {
		return string(digits[:4]) + "****" + string(digits[len(digits)-4:])
	}
	return strings.Repeat(string(maskRune), 12)
}
