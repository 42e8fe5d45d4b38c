package cli

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/models"
	"tradedesk/pkg/utils"
)

// FormatStatus renders an order status for a table cell.
func (o *Output) FormatStatus(s models.OrderStatus) string {
	label := strings.ToUpper(string(s))
	switch s {
	case models.OrderStatusFilled:
		return o.Green(label)
	case models.OrderStatusRejected, models.OrderStatusExpired:
		return o.Red(label)
	case models.OrderStatusCancelled:
		return o.Yellow(label)
	case models.OrderStatusPartiallyFilled:
		return o.Cyan(label)
	}
	return label
}

// FormatSide renders BUY in green and SELL in red.
func (o *Output) FormatSide(s models.OrderSide) string {
	label := strings.ToUpper(string(s))
	if s == models.OrderSideBuy {
		return o.Green(label)
	}
	return o.Red(label)
}

// FormatPrice renders a price, or "-" when it is unset.
func FormatPrice(p decimal.Decimal) string {
	if p.IsZero() {
		return "-"
	}
	return utils.FormatMoney(p)
}

// FormatFill renders "filled/quantity".
func FormatFill(o *models.Order) string {
	return utils.FormatQuantity(o.FilledQuantity) + "/" + utils.FormatQuantity(o.Quantity)
}

// FormatTime renders a timestamp in local time, or "-" when it is unset.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// ShortID trims an identifier for table display.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
