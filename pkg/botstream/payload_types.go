package botstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/tabwriter"
)

// ConnectionEstablished is sent by the backend right after a subscription is accepted
type ConnectionEstablished struct {
	BotID   int    `json:"bot_id"`
	BotName string `json:"bot_name"`
	Status  string `json:"status"`
}

// SpreadUpdate carries one spread sample between the two markets a bot trades
type SpreadUpdate struct {
	BotID            int     `json:"bot_instance_id"`
	Market1Price     float64 `json:"market1_price"`
	Market2Price     float64 `json:"market2_price"`
	SpreadPercentage float64 `json:"spread_percentage"`
	RecordedAt       string  `json:"recorded_at"`
}

// OrderUpdate mirrors an order placed by the bot on an exchange
type OrderUpdate struct {
	ID              int      `json:"id"`
	BotID           int      `json:"bot_instance_id"`
	CycleNumber     int      `json:"cycle_number"`
	ExchangeOrderID string   `json:"exchange_order_id"`
	Symbol          string   `json:"symbol"`
	Side            string   `json:"side"`
	OrderType       string   `json:"order_type"`
	Price           *float64 `json:"price"`
	Amount          float64  `json:"amount"`
	FilledAmount    float64  `json:"filled_amount"`
	Cost            *float64 `json:"cost"`
	Status          string   `json:"status"`
	DCALevel        int      `json:"dca_level"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
	FilledAt        *string  `json:"filled_at"`
}

// PositionUpdate mirrors a position held by the bot
type PositionUpdate struct {
	ID            int      `json:"id"`
	BotID         int      `json:"bot_instance_id"`
	Symbol        string   `json:"symbol"`
	Side          string   `json:"side"`
	Amount        float64  `json:"amount"`
	EntryPrice    float64  `json:"entry_price"`
	CurrentPrice  float64  `json:"current_price"`
	UnrealizedPnL *float64 `json:"unrealized_pnl"`
	IsOpen        bool     `json:"is_open"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
	ClosedAt      *string  `json:"closed_at"`
}

// StatusUpdate reports the bot run state and cycle counters
type StatusUpdate struct {
	BotID           int    `json:"bot_instance_id"`
	Status          string `json:"status"`
	CurrentCycle    int    `json:"current_cycle"`
	CurrentDCACount int    `json:"current_dca_count"`
	TotalTrades     int    `json:"total_trades"`
	UpdatedAt       string `json:"updated_at"`
}

// Decode unmarshals a raw event payload into one of the payload types above.
func Decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("error decoding payload: %w", err)
	}
	return v, nil
}

func (s *SpreadUpdate) PrettyPrint() string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 3, ' ', tabwriter.TabIndent)

	fmt.Fprintf(w, "📈 Spread for bot %d at %s\n", s.BotID, s.RecordedAt)
	fmt.Fprintf(w, "%s\t%s\t%s\n", "Market 1", "Market 2", "Spread %")
	fmt.Fprintf(w, "%s\t%s\t%s\n", "--------", "--------", "--------")
	fmt.Fprintf(w, "%.4f\t%.4f\t%.4f\n", s.Market1Price, s.Market2Price, s.SpreadPercentage)

	w.Flush()
	return buf.String()
}

func (o *OrderUpdate) PrettyPrint() string {
	price := "market"
	if o.Price != nil {
		price = fmt.Sprintf("%.4f", *o.Price)
	}
	return fmt.Sprintf("🧾 Order %s %s %s %.6f @ %s [%s] filled %.6f (cycle %d, dca %d)",
		o.ExchangeOrderID, o.Symbol, o.Side, o.Amount, price, o.Status, o.FilledAmount, o.CycleNumber, o.DCALevel)
}

func (p *PositionUpdate) PrettyPrint() string {
	state := "open"
	if !p.IsOpen {
		state = "closed"
	}
	pnl := "n/a"
	if p.UnrealizedPnL != nil {
		pnl = fmt.Sprintf("%.2f", *p.UnrealizedPnL)
	}
	return fmt.Sprintf("📦 Position %s %s %.6f entry %.4f now %.4f pnl %s (%s)",
		p.Symbol, p.Side, p.Amount, p.EntryPrice, p.CurrentPrice, pnl, state)
}

func (s *StatusUpdate) PrettyPrint() string {
	return fmt.Sprintf("🤖 Bot %d is %s (cycle %d, dca %d, trades %d)",
		s.BotID, s.Status, s.CurrentCycle, s.CurrentDCACount, s.TotalTrades)
}
