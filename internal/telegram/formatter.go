package telegram

import (
	"fmt"
	"strings"

	"github.com/kirillm/perp-agent/internal/domain"
)

// formatStatus собирает текст для /status
func formatStatus(positions []domain.Position, orders []domain.OpenOrder, halted bool, haltReason, mode string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Mode: %s\n", mode))
	if halted {
		sb.WriteString(fmt.Sprintf("Kill switch: ACTIVE (%s)\n", haltReason))
	} else {
		sb.WriteString("Kill switch: off\n")
	}

	if len(positions) == 0 {
		sb.WriteString("\nNo open positions.\n")
	} else {
		sb.WriteString("\nPositions:\n")
		for _, p := range positions {
			if p.Size == 0 {
				continue
			}
			sb.WriteString(fmt.Sprintf("  %s %s %.6g @ %.6g, mark %.6g, uPnL %+.2f\n",
				p.Symbol, p.Side(), abs(p.Size), p.EntryPrice, p.MarkPrice, p.UnrealizedPnl))
		}
	}

	if len(orders) == 0 {
		sb.WriteString("\nNo resting orders.")
	} else {
		sb.WriteString(fmt.Sprintf("\nResting orders (%d):\n", len(orders)))
		for _, o := range orders {
			kind := "limit"
			if o.IsTrigger {
				kind = fmt.Sprintf("trigger @ %.6g", o.TriggerPx)
			}
			flags := ""
			if o.ReduceOnly {
				flags = " reduce-only"
			}
			sb.WriteString(fmt.Sprintf("  #%d %s %s %.6g @ %.6g (%s%s)\n",
				o.OrderID, o.Symbol, o.Side, o.Size, o.Price, kind, flags))
		}
	}

	return sb.String()
}

// formatAdvancedOrders собирает текст для /advanced
func formatAdvancedOrders(orders []domain.AdvancedOrder) string {
	if len(orders) == 0 {
		return "No advanced orders."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Advanced orders (%d):\n", len(orders)))
	for _, o := range orders {
		sb.WriteString(fmt.Sprintf("  %s %s %s %s: %.6g/%.6g (%s)",
			shortID(o.ID), o.OrderType, o.Symbol, o.Side, o.ExecutedSize, o.TotalSize, o.Status))
		if o.ErrorCount > 0 {
			sb.WriteString(fmt.Sprintf(" errors=%d", o.ErrorCount))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// shortID первые 8 символов UUID, достаточно для глаз оператора
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
