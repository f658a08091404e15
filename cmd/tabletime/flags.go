package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/goodtune/tabletime/internal/billing"
	"github.com/goodtune/tabletime/internal/checkout"
	"github.com/goodtune/tabletime/internal/session"
	"github.com/shopspring/decimal"
)

// parsePlayers turns "CASH,id:C-104,alice" into players. An "id:" prefix
// marks a customer id; anything else is a free-text name.
func parsePlayers(values []string) ([]session.Player, error) {
	var players []session.Player
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if id, ok := strings.CutPrefix(part, "id:"); ok {
				players = append(players, session.Player{CustomerID: id})
				continue
			}
			players = append(players, session.Player{Name: part})
		}
	}
	if len(players) == 0 {
		return nil, session.ErrNoPlayers
	}
	return players, nil
}

// parsePlayer parses a single player, or returns nil for "".
func parsePlayer(value string) (*session.Player, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	players, err := parsePlayers([]string{value})
	if err != nil {
		return nil, err
	}
	if len(players) != 1 {
		return nil, fmt.Errorf("expected one player, got %d", len(players))
	}
	return &players[0], nil
}

// parseProducts parses "name=amount" or "name:category=amount" entries.
func parseProducts(values []string) ([]billing.Product, error) {
	products := make([]billing.Product, 0, len(values))
	for _, v := range values {
		label, amount, ok := strings.Cut(v, "=")
		if !ok {
			return nil, fmt.Errorf("invalid product %q (expected name=amount)", v)
		}
		name, category, _ := strings.Cut(label, ":")
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid product %q: empty name", v)
		}
		d, err := decimal.NewFromString(strings.TrimSpace(amount))
		if err != nil {
			return nil, fmt.Errorf("invalid product amount %q: %w", amount, err)
		}
		products = append(products, billing.Product{
			Name:     strings.TrimSpace(name),
			Category: strings.TrimSpace(category),
			Amount:   d,
		})
	}
	return products, nil
}

// checkoutFlags are the adjustments shared by quote and table checkout.
type checkoutFlags struct {
	products []string
	discount string
	taxRate  string
	split    string
}

// request builds a checkout request. An empty tax rate uses defaultTax.
func (f checkoutFlags) request(defaultTax decimal.Decimal) (checkout.Request, error) {
	var req checkout.Request

	products, err := parseProducts(f.products)
	if err != nil {
		return req, err
	}
	req.Products = products

	if f.discount != "" {
		if req.Discount, err = decimal.NewFromString(f.discount); err != nil {
			return req, fmt.Errorf("invalid discount %q: %w", f.discount, err)
		}
	}

	req.TaxRate = defaultTax
	if f.taxRate != "" {
		if req.TaxRate, err = decimal.NewFromString(f.taxRate); err != nil {
			return req, fmt.Errorf("invalid tax rate %q: %w", f.taxRate, err)
		}
	}

	if req.Split, err = billing.ParseSplitMode(f.split); err != nil {
		return req, err
	}
	return req, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
