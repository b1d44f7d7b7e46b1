package notify

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"coinalert/internal/models"
)

// FormatUSD renders a price with thousands separators. Prices under one dollar keep up
// to 8 significant decimals.
func FormatUSD(price float64) string {
	if price < 0 {
		return "-" + FormatUSD(-price)
	}
	if price > 0 && price < 1 {
		return "$" + strconv.FormatFloat(price, 'g', 8, 64)
	}

	whole, frac := math.Modf(price)
	cents := int64(math.Round(frac * 100))
	if cents == 100 {
		whole++
		cents = 0
	}

	// whole can exceed the int64 range
	digits := strconv.FormatFloat(whole, 'f', 0, 64)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return fmt.Sprintf("$%s.%02d", b.String(), cents)
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// EscapeMarkdown escapes the characters Telegram's Markdown mode treats as entity markers
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// Bold wraps s in a bold entity. Escapes are not allowed inside an entity, so text with
// entity markers is escaped and left unstyled.
func Bold(s string) string {
	if strings.ContainsAny(s, "_*`[") {
		return EscapeMarkdown(s)
	}
	return "*" + s + "*"
}

// AlertMessage is the text sent when an alert fires
func AlertMessage(alert models.Alert, price float64) string {
	verb := "risen above"
	if alert.Direction == models.DirectionBelow {
		verb = "fallen below"
	}
	return fmt.Sprintf("🔔 %s has %s your target of %s\nCurrent price: %s",
		Bold(alert.CoinID), verb, FormatUSD(alert.TargetPrice), FormatUSD(price))
}
