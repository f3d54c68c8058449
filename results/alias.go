package results

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// BASE CATEGORIES
// =============================================================================

// Base category keys, in their fixed column order.
const (
	DSWR CategoryKey = "DSWR"
	FRBD CategoryKey = "FRBD"
	GZBD CategoryKey = "GZBD"
	GALI CategoryKey = "GALI"
)

// TwinSuffix marks the second daily draw of a base category ("GALI2").
const TwinSuffix = "2"

// BaseKeys lists the base categories in column order.
var BaseKeys = []CategoryKey{DSWR, FRBD, GZBD, GALI}

var baseLabels = map[CategoryKey]string{
	DSWR: "Desawar",
	FRBD: "Faridabad",
	GZBD: "Ghaziabad",
	GALI: "Gali",
}

// legacy names used by the external page and by older archive documents.
var legacyNames = map[CategoryKey][]string{
	DSWR: {"DESAWAR", "DISAWAR", "DESAWER", "DISAWER", "DS"},
	FRBD: {"FARIDABAD", "FARIDABAAD", "FBD", "FB"},
	GZBD: {"GHAZIABAD", "GAZIABAD", "GHAZIABAAD", "GZB", "GB"},
	GALI: {"GALI", "GL"},
}

// BaseCategories returns the built-in categories in column order.
func BaseCategories() []Category {
	out := make([]Category, 0, len(BaseKeys))
	for _, k := range BaseKeys {
		out = append(out, Category{Key: k, Label: baseLabels[k], Base: true})
	}
	return out
}

// IsBase reports whether key is one of the built-in categories.
func IsBase(key CategoryKey) bool {
	for _, k := range BaseKeys {
		if key == k {
			return true
		}
	}
	return false
}

// Twin returns the key of the admin column paired with a base category.
func Twin(k CategoryKey) CategoryKey {
	return k + TwinSuffix
}

// =============================================================================
// ALIAS TABLE
// =============================================================================

var keyPattern = regexp.MustCompile(`^[A-Z0-9_]{1,32}$`)

// NormalizeName folds a display name for lookup: NFKC, trimmed, inner
// whitespace collapsed and upper-cased.
func NormalizeName(s string) string {
	s = norm.NFKC.String(s)
	s = strings.Join(strings.Fields(s), " ")
	return cases.Upper(language.Und).String(s)
}

func compact(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '_', '.':
			return -1
		}
		return r
	}, s)
}

// KeyFromName derives a category key from a label: normalized, with
// everything but letters, digits and underscores removed.
func KeyFromName(s string) CategoryKey {
	n := NormalizeName(s)
	var b strings.Builder
	for _, r := range n {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	return CategoryKey(b.String())
}

// ValidKey reports whether k is usable as a category key.
func ValidKey(k CategoryKey) bool {
	return keyPattern.MatchString(string(k))
}

// AliasTable maps legacy display names to canonical keys. It is built once
// at startup and read concurrently afterwards.
type AliasTable struct {
	names map[string]CategoryKey
}

// NewAliasTable builds the table of base names, their twins and the given
// extra categories (key and label).
func NewAliasTable(extra ...Category) *AliasTable {
	t := &AliasTable{names: make(map[string]CategoryKey)}
	for _, k := range BaseKeys {
		names := append([]string{string(k), baseLabels[k]}, legacyNames[k]...)
		for _, n := range names {
			t.add(n, k)
			t.add(n+TwinSuffix, Twin(k))
			t.add(n+" "+TwinSuffix, Twin(k))
			t.add(n+" II", Twin(k))
		}
	}
	for _, c := range extra {
		t.add(string(c.Key), c.Key)
		if c.Label != "" {
			t.add(c.Label, c.Key)
		}
	}
	return t
}

func (t *AliasTable) add(name string, key CategoryKey) {
	n := NormalizeName(name)
	t.names[n] = key
	t.names[compact(n)] = key
}

// Resolve maps a display name to its key. Unknown names return the derived
// key and false.
func (t *AliasTable) Resolve(name string) (CategoryKey, bool) {
	n := NormalizeName(name)
	if k, ok := t.names[n]; ok {
		return k, true
	}
	if k, ok := t.names[compact(n)]; ok {
		return k, true
	}
	return KeyFromName(name), false
}

// =============================================================================
// COLUMN ORDER
// =============================================================================

// OrderFields returns the grid columns: every base category followed by its
// twin when the twin is defined or carries data, then the other admin
// categories in creation order, then any remaining keys in order of first
// appearance across seen.
func OrderFields(categories []Category, seen ...[]CategoryKey) []CategoryKey {
	present := make(map[CategoryKey]bool)
	for _, c := range categories {
		present[c.Key] = true
	}
	var appearance []CategoryKey
	for _, keys := range seen {
		for _, k := range keys {
			if !present[k] {
				present[k] = true
				appearance = append(appearance, k)
			}
		}
	}

	out := make([]CategoryKey, 0, len(BaseKeys)*2+len(appearance))
	placed := make(map[CategoryKey]bool)
	place := func(k CategoryKey) {
		if !placed[k] {
			placed[k] = true
			out = append(out, k)
		}
	}

	for _, k := range BaseKeys {
		place(k)
		if present[Twin(k)] {
			place(Twin(k))
		}
	}

	admin := make([]Category, 0, len(categories))
	for _, c := range categories {
		if !c.Base {
			admin = append(admin, c)
		}
	}
	sort.SliceStable(admin, func(i, j int) bool { return admin[i].CreatedAt.Before(admin[j].CreatedAt) })
	for _, c := range admin {
		place(c.Key)
	}

	for _, k := range appearance {
		place(k)
	}
	return out
}
