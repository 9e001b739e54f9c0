package directory

import (
	"strings"

	"github.com/coachpo/pricewatch/internal/infra/adapters/kraken"
)

var codeAliases = map[string]string{
	"XBT": "BTC",
	"XDG": "DOGE",
}

func newMapping(pair kraken.AssetPair) Mapping {
	base, quote := splitWSName(pair.WSName)
	if base == "" || quote == "" {
		base, quote = stripLegacyPrefix(pair.Base), stripLegacyPrefix(pair.Quote)
	}
	base, quote = DisplayCode(base), DisplayCode(quote)
	return Mapping{
		WireID:  strings.TrimSpace(pair.WSName),
		QueryID: strings.TrimSpace(pair.AltName),
		Label:   Label(base, quote),
		Base:    base,
		Quote:   quote,
	}
}

// Label formats a display label from already normalised components.
func Label(base, quote string) string {
	if quote == "" {
		return base
	}
	return base + "/" + quote
}

// DisplayCode upper-cases an asset code, drops leading non-letters and applies
// the XBT and XDG aliases.
func DisplayCode(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	c = strings.TrimLeftFunc(c, func(r rune) bool { return r < 'A' || r > 'Z' })
	if alias, ok := codeAliases[c]; ok {
		return alias
	}
	return c
}

func splitWSName(wsName string) (string, string) {
	base, quote, ok := strings.Cut(strings.TrimSpace(wsName), "/")
	if !ok {
		return "", ""
	}
	return base, quote
}

// stripLegacyPrefix removes the X/Z class prefix Kraken puts on four letter legacy codes.
func stripLegacyPrefix(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) == 4 && (c[0] == 'X' || c[0] == 'Z') {
		return c[1:]
	}
	return c
}
