// utils/format.go
package utils

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Confío's user base is Latin American; notification payloads carry amounts
// pre-formatted for es-419 (e.g. "4,50 CONFIO" → "4,5 CONFIO").
var esPrinter = message.NewPrinter(language.LatinAmericanSpanish)

// FormatConfio renders a CONFIO amount for display in the es-419 locale.
func FormatConfio(d decimal.Decimal) string {
	f, _ := d.Float64()
	return esPrinter.Sprintf("%v CONFIO", f)
}
