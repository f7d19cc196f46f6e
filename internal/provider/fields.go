package provider

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/DevoteMe/webhookd/internal/event"
)

// zeroDecimalCurrencies have no minor unit.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// minorUnits converts a decimal amount string such as "12.50" into minor
// units of currency (1250). Fractions finer than the currency's minor unit are
// rejected rather than rounded.
func minorUnits(value, currency string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty amount")
	}
	digits := 2
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		digits = 0
	}
	whole, frac, _ := strings.Cut(value, ".")
	frac = strings.TrimRight(frac, "0")
	if len(frac) > digits {
		return 0, fmt.Errorf("amount %q has more than %d decimals", value, digits)
	}
	frac += strings.Repeat("0", digits-len(frac))
	n, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", value, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative amount %q", value)
	}
	return n, nil
}

// customFieldKeys maps the aliases used in free-text custom fields onto
// metadata keys.
var customFieldKeys = map[string]string{
	"user":            event.MetaUserID,
	"user_id":         event.MetaUserID,
	"uid":             event.MetaUserID,
	"creator":         event.MetaCreatorID,
	"creator_id":      event.MetaCreatorID,
	"subscription":    event.MetaSubscriptionID,
	"sub":             event.MetaSubscriptionID,
	"subscription_id": event.MetaSubscriptionID,
	"gift":            event.MetaGiftID,
	"gift_id":         event.MetaGiftID,
	"media":           event.MetaMediaID,
	"media_id":        event.MetaMediaID,
	"purpose":         event.MetaPurpose,
	"type":            event.MetaPurpose,
}

// parseCustomField reads "user_id:12;creator_id:7|purpose=gift" style
// strings that payment and media providers echo back verbatim. Pairs may be
// separated by ';', '|' or ','; key and value by ':' or '='. Unknown keys and
// malformed pairs are skipped.
func parseCustomField(m event.Metadata, raw string) {
	pairs := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == '|' || r == ','
	})
	for _, pair := range pairs {
		i := strings.IndexAny(pair, ":=")
		if i <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(pair[:i]))
		value := strings.TrimSpace(pair[i+1:])
		if mk, ok := customFieldKeys[key]; ok {
			m.Set(mk, value)
		}
	}
}
