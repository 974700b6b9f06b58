// Package refdata seeds the projection store with instrument and order
// reference data at startup.
//
// The engine treats both tables as read-only: instruments and orders are
// owned by upstream systems and arrive here as YAML extracts. Loading is
// fail-fast; a malformed or inconsistent file stops the engine before it
// consumes a single fill, because every rule dereferences this data.
package refdata

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"tradeflow/internal/config"
	"tradeflow/internal/store"
	"tradeflow/pkg/types"
)

// instrumentRecord is the file shape of one instrument. Kept separate from
// types.Instrument so the file format can drift without touching the core
// vocabulary.
type instrumentRecord struct {
	InstrumentID string `yaml:"instrumentId"`
	SecurityType string `yaml:"securityType"`
	ISIN         string `yaml:"isin"`
	Currency     string `yaml:"currency"`
	Venue        string `yaml:"venue"`
}

// orderRecord is the file shape of one parent order. Qty rides as a string
// and is parsed into a decimal, never a float.
type orderRecord struct {
	OrderID      string `yaml:"orderId"`
	AccountID    string `yaml:"accountId"`
	InstrumentID string `yaml:"instrumentId"`
	Side         string `yaml:"side"`
	Qty          string `yaml:"qty"`
	Trader       string `yaml:"trader"`
}

type instrumentsFile struct {
	Instruments []instrumentRecord `yaml:"instruments"`
}

type ordersFile struct {
	Orders []orderRecord `yaml:"orders"`
}

// Load reads both files, validates them against each other and seeds the
// store in a single transaction.
func Load(st *store.Store, cfg config.RefdataConfig, logger *slog.Logger) error {
	instruments, err := loadInstruments(cfg.InstrumentsFile)
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}

	known := make(map[string]struct{}, len(instruments))
	for _, ins := range instruments {
		known[ins.InstrumentID] = struct{}{}
	}

	orders, err := loadOrders(cfg.OrdersFile, known)
	if err != nil {
		return fmt.Errorf("load orders: %w", err)
	}

	err = st.Update(func(tx *store.Tx) error {
		for _, ins := range instruments {
			tx.PutInstrument(ins)
		}
		for _, o := range orders {
			tx.PutOrder(o)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed store: %w", err)
	}

	logger.Info("reference data loaded",
		"instruments", len(instruments), "orders", len(orders))
	return nil
}

func loadInstruments(path string) ([]types.Instrument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file instrumentsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make([]types.Instrument, 0, len(file.Instruments))
	seen := make(map[string]struct{}, len(file.Instruments))
	for i, rec := range file.Instruments {
		if rec.InstrumentID == "" {
			return nil, fmt.Errorf("%s: instrument %d: missing instrumentId", path, i)
		}
		if _, dup := seen[rec.InstrumentID]; dup {
			return nil, fmt.Errorf("%s: duplicate instrument %s", path, rec.InstrumentID)
		}
		seen[rec.InstrumentID] = struct{}{}

		secType, err := parseSecurityType(rec.SecurityType)
		if err != nil {
			return nil, fmt.Errorf("%s: instrument %s: %w", path, rec.InstrumentID, err)
		}
		if rec.Currency == "" {
			return nil, fmt.Errorf("%s: instrument %s: missing currency", path, rec.InstrumentID)
		}

		out = append(out, types.Instrument{
			InstrumentID: rec.InstrumentID,
			SecurityType: secType,
			ISIN:         rec.ISIN,
			Currency:     rec.Currency,
			Venue:        rec.Venue,
		})
	}
	return out, nil
}

func loadOrders(path string, instruments map[string]struct{}) ([]types.Order, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file ordersFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make([]types.Order, 0, len(file.Orders))
	seen := make(map[string]struct{}, len(file.Orders))
	for i, rec := range file.Orders {
		if rec.OrderID == "" {
			return nil, fmt.Errorf("%s: order %d: missing orderId", path, i)
		}
		if _, dup := seen[rec.OrderID]; dup {
			return nil, fmt.Errorf("%s: duplicate order %s", path, rec.OrderID)
		}
		seen[rec.OrderID] = struct{}{}

		if rec.AccountID == "" {
			return nil, fmt.Errorf("%s: order %s: missing accountId", path, rec.OrderID)
		}
		if _, ok := instruments[rec.InstrumentID]; !ok {
			return nil, fmt.Errorf("%s: order %s: unknown instrument %q", path, rec.OrderID, rec.InstrumentID)
		}
		side, err := parseSide(rec.Side)
		if err != nil {
			return nil, fmt.Errorf("%s: order %s: %w", path, rec.OrderID, err)
		}
		qty, err := decimal.NewFromString(rec.Qty)
		if err != nil {
			return nil, fmt.Errorf("%s: order %s: qty %q: %w", path, rec.OrderID, rec.Qty, err)
		}
		if !qty.IsPositive() {
			return nil, fmt.Errorf("%s: order %s: qty %s not positive", path, rec.OrderID, qty)
		}

		out = append(out, types.Order{
			OrderID:      rec.OrderID,
			AccountID:    rec.AccountID,
			InstrumentID: rec.InstrumentID,
			Side:         side,
			Qty:          qty,
			Trader:       rec.Trader,
		})
	}
	return out, nil
}

func parseSecurityType(s string) (types.SecurityType, error) {
	switch t := types.SecurityType(s); t {
	case types.EQUITY, types.BOND, types.SWAP:
		return t, nil
	default:
		return "", fmt.Errorf("unknown security type %q", s)
	}
}

func parseSide(s string) (types.Side, error) {
	switch side := types.Side(s); side {
	case types.BUY, types.SELL:
		return side, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}
