package exchange

import (
	"fmt"
	"regexp"
	"strings"
)

// Canonical crypto symbols are BASE/QUOTE. Venues speak their own dialects:
// Binance/Bybit BASEQUOTE, Upbit QUOTE-BASE, Bithumb BASE_QUOTE.

var securitiesRe = regexp.MustCompile(`^[A-Z0-9._-]{1,30}$`)

// SplitSymbol parses a canonical BASE/QUOTE symbol.
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("symbol %q is not BASE/QUOTE", symbol)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}

// IsCryptoSymbol reports whether the raw symbol is canonical crypto form.
func IsCryptoSymbol(raw string) bool {
	_, _, err := SplitSymbol(raw)
	return err == nil
}

// SecuritiesSymbolOK applies the permissive securities check: uppercase
// alphanumerics plus ._- up to 30 chars, not crypto-shaped, and containing at
// least one alphanumeric.
func SecuritiesSymbolOK(raw string) bool {
	if raw == "" || strings.Contains(raw, "/") {
		return false
	}
	if !securitiesRe.MatchString(raw) {
		return false
	}
	return strings.IndexFunc(raw, func(r rune) bool {
		return (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
	}) >= 0
}

// EncodeSymbol converts a canonical symbol into the venue's REST dialect.
func EncodeSymbol(ex Name, symbol string) (string, error) {
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	switch ex {
	case Binance, Bybit:
		return base + quote, nil
	case Upbit:
		return quote + "-" + base, nil
	case Bithumb:
		return base + "_" + quote, nil
	case Mock:
		return base + "/" + quote, nil
	default:
		return "", fmt.Errorf("unknown exchange %q", ex)
	}
}

// DecodeSymbol converts a venue-dialect symbol back to canonical form.
// Binance/Bybit concatenate base and quote, so decoding tries the known quote
// suffixes.
func DecodeSymbol(ex Name, raw string) (string, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	switch ex {
	case Upbit:
		parts := strings.SplitN(raw, "-", 2)
		if len(parts) != 2 {
			return "", fmt.Errorf("upbit symbol %q is not QUOTE-BASE", raw)
		}
		return parts[1] + "/" + parts[0], nil
	case Bithumb:
		parts := strings.SplitN(raw, "_", 2)
		if len(parts) != 2 {
			return "", fmt.Errorf("bithumb symbol %q is not BASE_QUOTE", raw)
		}
		return parts[0] + "/" + parts[1], nil
	case Binance, Bybit:
		for _, quote := range []string{"USDT", "USDC", "BUSD", "BTC", "ETH", "BNB", "TUSD", "FDUSD", "DAI", "TRY", "EUR"} {
			if strings.HasSuffix(raw, quote) && len(raw) > len(quote) {
				return raw[:len(raw)-len(quote)] + "/" + quote, nil
			}
		}
		return "", fmt.Errorf("cannot split %s symbol %q into base/quote", ex, raw)
	case Mock:
		if IsCryptoSymbol(raw) {
			return raw, nil
		}
		return "", fmt.Errorf("mock symbol %q is not canonical", raw)
	default:
		return "", fmt.Errorf("unknown exchange %q", ex)
	}
}
