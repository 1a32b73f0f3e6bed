// Package config loads runtime settings from the environment, an optional
// .env file and an optional YAML instrument list.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/Shriprakashbharti/TradePros/internal/model"
)

//go:embed instruments.yaml
var defaultInstruments []byte

var ErrInvalid = errors.New("config: invalid setting")

// Config is the process configuration.
type Config struct {
	Port         string
	DatabaseURL  string
	RedisURL     string
	RedisTTL     time.Duration
	KafkaBrokers []string
	KafkaTopic   string
	TickInterval time.Duration
	FeedEnabled  bool
	BookDepth    int
	LogLevel     slog.Level

	MaxOrderNotional decimal.Decimal
	MaxPositionQty   decimal.Decimal
	StartingBalance  decimal.Decimal

	Instruments []model.Instrument
	// Holdings are opening share positions credited on first boot.
	Holdings []model.Position
}

// Load reads .env (if present) and the environment, then the instrument
// list from INSTRUMENTS_FILE or the built-in list.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Port:        get("PORT", "8080"),
		DatabaseURL: get("DATABASE_URL", ""),
		RedisURL:    get("REDIS_URL", ""),
		KafkaTopic:  get("KAFKA_TOPIC", "trading-events"),
	}

	var err error
	if cfg.RedisTTL, err = time.ParseDuration(get("REDIS_TTL", "30s")); err != nil {
		return nil, fmt.Errorf("%w: REDIS_TTL: %v", ErrInvalid, err)
	}
	for _, b := range strings.Split(get("KAFKA_BROKERS", ""), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}

	ms, err := strconv.Atoi(get("TICK_INTERVAL_MS", "1000"))
	if err != nil {
		return nil, fmt.Errorf("%w: TICK_INTERVAL_MS: %v", ErrInvalid, err)
	}
	cfg.TickInterval = time.Duration(ms) * time.Millisecond

	if cfg.FeedEnabled, err = strconv.ParseBool(get("FEED_ENABLED", "true")); err != nil {
		return nil, fmt.Errorf("%w: FEED_ENABLED: %v", ErrInvalid, err)
	}
	if cfg.BookDepth, err = strconv.Atoi(get("BOOK_DEPTH", "10")); err != nil {
		return nil, fmt.Errorf("%w: BOOK_DEPTH: %v", ErrInvalid, err)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(get("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("%w: LOG_LEVEL: %v", ErrInvalid, err)
	}

	for key, dst := range map[string]*decimal.Decimal{
		"RISK_MAX_ORDER_NOTIONAL": &cfg.MaxOrderNotional,
		"RISK_MAX_POSITION_QTY":   &cfg.MaxPositionQty,
		"STARTING_BALANCE":        &cfg.StartingBalance,
	} {
		v, err := decimal.NewFromString(get(key, "0"))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		*dst = v
	}

	data := defaultInstruments
	if path := get("INSTRUMENTS_FILE", ""); path != "" {
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read instruments: %w", err)
		}
	}
	if cfg.Instruments, err = ParseInstruments(data); err != nil {
		return nil, err
	}

	if path := get("HOLDINGS_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read holdings: %w", err)
		}
		if cfg.Holdings, err = ParseHoldings(data); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type instrumentFile struct {
	Instruments []struct {
		Symbol    string `yaml:"symbol"`
		Name      string `yaml:"name"`
		TickSize  string `yaml:"tick_size"`
		LotSize   string `yaml:"lot_size"`
		Active    *bool  `yaml:"active"`
		LastPrice string `yaml:"last_price"`
	} `yaml:"instruments"`
}

// ParseInstruments decodes a YAML instrument list. Instruments are active
// unless the file says otherwise.
func ParseInstruments(data []byte) ([]model.Instrument, error) {
	var f instrumentFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse instruments: %w", err)
	}

	out := make([]model.Instrument, 0, len(f.Instruments))
	for _, in := range f.Instruments {
		inst := model.Instrument{
			Symbol: strings.ToUpper(strings.TrimSpace(in.Symbol)),
			Name:   in.Name,
			Active: in.Active == nil || *in.Active,
		}
		var err error
		if inst.TickSize, err = decimal.NewFromString(in.TickSize); err != nil {
			return nil, fmt.Errorf("%w: %s tick_size %q", ErrInvalid, inst.Symbol, in.TickSize)
		}
		if inst.LotSize, err = decimal.NewFromString(in.LotSize); err != nil {
			return nil, fmt.Errorf("%w: %s lot_size %q", ErrInvalid, inst.Symbol, in.LotSize)
		}
		if in.LastPrice != "" {
			if inst.LastPrice, err = decimal.NewFromString(in.LastPrice); err != nil {
				return nil, fmt.Errorf("%w: %s last_price %q", ErrInvalid, inst.Symbol, in.LastPrice)
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

type holdingFile struct {
	Holdings []struct {
		UserID   string `yaml:"user_id"`
		Symbol   string `yaml:"symbol"`
		Quantity string `yaml:"quantity"`
		AvgPrice string `yaml:"avg_price"`
	} `yaml:"holdings"`
}

// ParseHoldings decodes a YAML list of opening share positions.
func ParseHoldings(data []byte) ([]model.Position, error) {
	var f holdingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse holdings: %w", err)
	}

	out := make([]model.Position, 0, len(f.Holdings))
	for _, h := range f.Holdings {
		p := model.Position{
			UserID: strings.TrimSpace(h.UserID),
			Symbol: strings.ToUpper(strings.TrimSpace(h.Symbol)),
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%w: holding for %s has no user_id", ErrInvalid, p.Symbol)
		}
		var err error
		if p.Quantity, err = decimal.NewFromString(h.Quantity); err != nil || !p.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: %s/%s quantity %q", ErrInvalid, p.UserID, p.Symbol, h.Quantity)
		}
		if p.AvgPrice, err = decimal.NewFromString(h.AvgPrice); err != nil || p.AvgPrice.IsNegative() {
			return nil, fmt.Errorf("%w: %s/%s avg_price %q", ErrInvalid, p.UserID, p.Symbol, h.AvgPrice)
		}
		out = append(out, p)
	}
	return out, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", ErrInvalid)
	}
	if c.BookDepth <= 0 {
		return fmt.Errorf("%w: book depth must be positive", ErrInvalid)
	}
	if c.StartingBalance.IsNegative() {
		return fmt.Errorf("%w: starting balance must not be negative", ErrInvalid)
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("%w: no instruments", ErrInvalid)
	}
	for _, in := range c.Instruments {
		if !in.TickSize.IsPositive() || !in.LotSize.IsPositive() {
			return fmt.Errorf("%w: %s tick and lot size must be positive", ErrInvalid, in.Symbol)
		}
	}
	return nil
}
