// Package pricefeed polls an external quote service for the active
// instrument and publishes the latest market state.
package pricefeed

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidSymbol is returned for symbols that cannot be looked up.
var ErrInvalidSymbol = errors.New("pricefeed: invalid symbol")

// aliases maps venue symbols whose upstream ticker differs from the simple
// quote-suffix rule.
var aliases = map[string]string{
	"UNIUSDT":  "UNI7083-USD",
	"PEPEUSDT": "PEPE24478-USD",
}

// quoteSuffix matches a venue symbol quoted in USDT: BTCUSDT → base BTC.
var quoteSuffix = regexp.MustCompile(`^([A-Z0-9]+)USDT$`)

// symbolRegex matches anything the upstream service can accept.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9.=^-]+$`)

// NormalizeSymbol maps a venue symbol to the upstream lookup key.
// Symbols with no recognised quote marker pass through upper-cased.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" || !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	if alias, ok := aliases[s]; ok {
		return alias, nil
	}
	if m := quoteSuffix.FindStringSubmatch(s); m != nil {
		return m[1] + "-USD", nil
	}
	return s, nil
}
