package notify

import (
	"fmt"
	"html"
	"strings"

	"github.com/leekchan/accounting"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"yad2_bot/internal/model"
)

const (
	unknown = "Unknown"

	maxDescriptionLength = 200
)

var (
	shekel = accounting.Accounting{
		Symbol:    "₪",
		Precision: 0,
		Thousand:  ",",
		Decimal:   ".",
	}
	numbers = message.NewPrinter(language.English)
	policy  = bluemonday.StrictPolicy()
)

// Format renders a listing as a Telegram HTML message. Every absent
// attribute degrades to a placeholder or drops its line.
func Format(l model.TrackedListing) string {
	a := l.Attributes
	brand := a.StringOr(model.AttrMake, unknown)
	mdl := a.StringOr(model.AttrModel, unknown)

	var b strings.Builder
	fmt.Fprintf(&b, "🚗 <b>%s %s</b>\n", esc(brand), esc(mdl))
	if sub, ok := a.String(model.AttrSubModel); ok {
		b.WriteString(esc(sub))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "💰 <b>Price:</b> %s\n", formatPrice(l.Price))
	fmt.Fprintf(&b, "📍 <b>Location:</b> %s\n", esc(orUnknown(l.Location)))
	fmt.Fprintf(&b, "📅 <b>Production:</b> %s\n", esc(productionMonth(a)))
	fmt.Fprintf(&b, "🏃 <b>Hand:</b> %s\n", esc(a.StringOr(model.AttrHand, unknown)))
	fmt.Fprintf(&b, "🛣️ <b>Mileage:</b> %s\n", formatMileage(a))

	if desc := description(a); desc != "" {
		b.WriteString("\n📝 <b>Description:</b>\n")
		b.WriteString(desc)
		b.WriteString("\n")
	}

	if link, ok := a.String(model.AttrLink); ok {
		fmt.Fprintf(&b, "\n🔗 <a href=\"%s\">View Ad</a>\n", html.EscapeString(link))
	}

	b.WriteString("\n#NewAd")
	if tag := hashtag(a); tag != "" {
		b.WriteString(" #")
		b.WriteString(esc(tag))
	}
	return b.String()
}

func formatPrice(p *int64) string {
	if p == nil || *p <= 0 {
		return "Price not specified"
	}
	return shekel.FormatMoney(*p)
}

func productionMonth(a model.Attributes) string {
	d, ok := a.String(model.AttrProductionDate)
	if !ok {
		return unknown
	}
	if len(d) >= 7 {
		return d[:7]
	}
	return d
}

func formatMileage(a model.Attributes) string {
	km, ok := a.Int(model.AttrKm)
	if !ok || km <= 0 {
		return "Unknown km"
	}
	s := numbers.Sprintf("%d km", km)
	if perYear, ok := a.Float(model.AttrKmPerYear); ok {
		s += numbers.Sprintf(" (%.0f km/year)", perYear)
	}
	return s
}

// description strips markup, truncates to maxDescriptionLength runes and
// escapes the result.
func description(a model.Attributes) string {
	raw, ok := a.String(model.AttrDescription)
	if !ok {
		return ""
	}
	text := strings.TrimSpace(html.UnescapeString(policy.Sanitize(raw)))
	if text == "" {
		return ""
	}
	if r := []rune(text); len(r) > maxDescriptionLength {
		text = string(r[:maxDescriptionLength]) + "..."
	}
	return html.EscapeString(text)
}

func hashtag(a model.Attributes) string {
	var parts []string
	for _, key := range []string{model.AttrMake, model.AttrModel} {
		if v, ok := a.String(key); ok {
			parts = append(parts, strings.ReplaceAll(v, " ", ""))
		}
	}
	return strings.Join(parts, "")
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return unknown
	}
	return s
}

func esc(s string) string {
	return html.EscapeString(s)
}
