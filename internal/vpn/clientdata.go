package vpn

import (
	"fmt"
	"strings"
	"time"
)

const unlimitedLabel = "∞"

// ClientData - производный снимок состояния клиента на панели в готовом
// для решений виде. Значение -1 означает "без ограничений". Строится
// заново на каждое чтение и нигде не хранится.
type ClientData struct {
	MaxDevices       int
	TrafficTotal     int64
	TrafficRemaining int64
	TrafficUsed      int64
	TrafficUp        int64
	TrafficDown      int64
	ExpiryTimestamp  int64
	ExpiryText       string
	Enabled          bool
}

// HasExpired сообщает, истекла ли подписка. Бессрочная (-1) не истекает.
func (d *ClientData) HasExpired() bool {
	if d.ExpiryTimestamp > 0 {
		return d.ExpiryTimestamp < time.Now().UnixMilli()
	}
	return false
}

func (d *ClientData) String() string {
	return fmt.Sprintf(
		"ClientData(max_devices=%d, traffic_total=%d, traffic_remaining=%d, expiry=%d, enabled=%t)",
		d.MaxDevices, d.TrafficTotal, d.TrafficRemaining, d.ExpiryTimestamp, d.Enabled)
}

func addDaysToTimestamp(timestampMS int64, days int) int64 {
	return timestampMS + int64(days)*24*int64(time.Hour/time.Millisecond)
}

// formatRemainingTime переводит epoch-ms в человекочитаемый остаток
// вида "3d 4h 12m".
func formatRemainingTime(timestampMS int64) string {
	if timestampMS == -1 {
		return unlimitedLabel
	}

	left := time.Until(time.UnixMilli(timestampMS))
	if left < 0 {
		left = 0
	}

	days := int(left / (24 * time.Hour))
	hours := int(left/time.Hour) % 24
	minutes := int(left/time.Minute) % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	return strings.Join(parts, " ")
}
