// Package config provides application configuration loaded from environment
// variables.  Use MustLoad() once in main() so misconfiguration is caught at
// boot.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string        // e.g. "8080"
	Env          string        // "development" | "production"
	ReadTimeout  time.Duration // default 10s
	WriteTimeout time.Duration // default 10s
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	DSN             string        // full postgres DSN
	MaxOpenConns    int           // default 25
	MaxIdleConns    int           // default 10
	ConnMaxLifetime time.Duration // default 5m
}

// AuthConfig holds signing settings for admin and session tokens.
type AuthConfig struct {
	JWTSecret string        // must be set in production
	TokenTTL  time.Duration // default 12h
}

// GameConfig fixes the crash round parameters.  MultiplierA/B must stay
// constant for a deployment: revealed rounds are verified against them.
type GameConfig struct {
	BetWindow           time.Duration // T_bet, default 6s
	SettleWindow        time.Duration // T_settle, default 3s
	HouseEdge           float64       // 0 ≤ x ≤ 0.05, default 0.03
	InstantCrashDivisor uint64        // ≥2, default 33
	MaxMultiplier       float64       // default 1000.00
	MultiplierA         float64       // default 1.0024
	MultiplierB         float64       // default 1.0718
	MinBet              string        // decimal token string, default "0.001"
	MaxBet              string        // decimal token string, default "100"
	CashoutSafety       time.Duration // default 50ms
	TickInterval        time.Duration // default 50ms (20 Hz)
	HistorySize         int           // revealed rounds kept for the room, default 25
}

// EdgeBps returns the house edge in basis points.
func (g GameConfig) EdgeBps() uint64 { return uint64(g.HouseEdge*10000 + 0.5) }

// MaxX100 returns the multiplier cap in hundredths.
func (g GameConfig) MaxX100() uint64 { return uint64(g.MaxMultiplier*100 + 0.5) }

// ChainConfig holds deposit indexer settings.
type ChainConfig struct {
	RPCURL          string        // http(s) endpoint; ws optional for hints
	WSURL           string        // "" disables the streaming hint path
	HotWallet       string        // 0x-prefixed deposit address
	Confirmations   uint64        // default 12
	ReorgBuffer     uint64        // default 25
	PollingInterval time.Duration // default 5s
	StartBlock      uint64        // first block to scan on a fresh checkpoint
}

// BusConfig holds event fan-out settings.
type BusConfig struct {
	RingSize int // replay ring per topic, default 1024
}

// SolvencyConfig holds watchdog settings.
type SolvencyConfig struct {
	Interval           time.Duration // default 10s
	LiabilityKillRatio float64       // default 0.95
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object for the entire application.
type Config struct {
	Server   ServerConfig
	DB       DBConfig
	Auth     AuthConfig
	Game     GameConfig
	Chain    ChainConfig
	Bus      BusConfig
	Solvency SolvencyConfig
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks that all required configuration values are present and
// within range.  Returns the first validation errors encountered, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.IsProd() {
		if c.DB.DSN == "" {
			errs = append(errs, errors.New("DATABASE_DSN must be set in production"))
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET must be set in production"))
		}
		if c.Chain.RPCURL == "" {
			errs = append(errs, errors.New("CHAIN_RPC_URL must be set in production"))
		}
	}

	if c.Game.HouseEdge < 0 || c.Game.HouseEdge > 0.05 {
		errs = append(errs, fmt.Errorf("CRASH_HOUSE_EDGE must be in [0, 0.05], got %.4f", c.Game.HouseEdge))
	}
	if c.Game.InstantCrashDivisor < 2 {
		errs = append(errs, fmt.Errorf("CRASH_INSTANT_DIVISOR must be ≥ 2, got %d", c.Game.InstantCrashDivisor))
	}
	if c.Game.MultiplierB <= 1.0 {
		errs = append(errs, fmt.Errorf("CRASH_MULTIPLIER_B must be > 1, got %.4f", c.Game.MultiplierB))
	}
	if c.Game.MaxMultiplier < 1.0 {
		errs = append(errs, fmt.Errorf("CRASH_MAX_MULTIPLIER must be ≥ 1, got %.2f", c.Game.MaxMultiplier))
	}
	if c.Solvency.LiabilityKillRatio <= 0 || c.Solvency.LiabilityKillRatio > 1 {
		errs = append(errs, fmt.Errorf("SOLVENCY_KILL_RATIO must be in (0, 1], got %.2f", c.Solvency.LiabilityKillRatio))
	}
	if c.Chain.HotWallet != "" && (len(c.Chain.HotWallet) != 42 || c.Chain.HotWallet[:2] != "0x") {
		errs = append(errs, fmt.Errorf("CHAIN_HOT_WALLET must be a 0x-prefixed 40-hex address, got %q", c.Chain.HotWallet))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once from environment variables.
func Get() *Config {
	once.Do(func() {
		instance, loadErr = load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration.  Intended for use in main().
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Internal loader
// ──────────────────────────────────────────────────────────────────────────────

func load() (*Config, error) {
	cfg := &Config{}

	cfg.Server = ServerConfig{
		Port:         getEnv("SERVER_PORT", "8080"),
		Env:          getEnv("ENVIRONMENT", "development"),
		ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
	}

	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			getEnv("DB_HOST", "localhost"),
			getEnv("DB_PORT", "5432"),
			getEnv("DB_USER", "postgres"),
			getEnv("DB_PASSWORD", ""),
			getEnv("DB_NAME", "evetabi_crash"),
			getEnv("DB_SSLMODE", "disable"),
		)
	}
	maxOpen, err := getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_IDLE_CONNS: %w", err)
	}
	cfg.DB = DBConfig{
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}

	cfg.Auth = AuthConfig{
		JWTSecret: getEnv("JWT_SECRET", ""),
		TokenTTL:  getDuration("JWT_TOKEN_TTL", 12*time.Hour),
	}

	edge, err := getFloat("CRASH_HOUSE_EDGE", 0.03)
	if err != nil {
		return nil, fmt.Errorf("CRASH_HOUSE_EDGE: %w", err)
	}
	divisor, err := getInt("CRASH_INSTANT_DIVISOR", 33)
	if err != nil {
		return nil, fmt.Errorf("CRASH_INSTANT_DIVISOR: %w", err)
	}
	maxMult, err := getFloat("CRASH_MAX_MULTIPLIER", 1000)
	if err != nil {
		return nil, fmt.Errorf("CRASH_MAX_MULTIPLIER: %w", err)
	}
	multA, err := getFloat("CRASH_MULTIPLIER_A", 1.0024)
	if err != nil {
		return nil, fmt.Errorf("CRASH_MULTIPLIER_A: %w", err)
	}
	multB, err := getFloat("CRASH_MULTIPLIER_B", 1.0718)
	if err != nil {
		return nil, fmt.Errorf("CRASH_MULTIPLIER_B: %w", err)
	}
	histSize, err := getInt("CRASH_HISTORY_SIZE", 25)
	if err != nil {
		return nil, fmt.Errorf("CRASH_HISTORY_SIZE: %w", err)
	}
	cfg.Game = GameConfig{
		BetWindow:           getDuration("CRASH_BET_WINDOW", 6*time.Second),
		SettleWindow:        getDuration("CRASH_SETTLE_WINDOW", 3*time.Second),
		HouseEdge:           edge,
		InstantCrashDivisor: uint64(divisor),
		MaxMultiplier:       maxMult,
		MultiplierA:         multA,
		MultiplierB:         multB,
		MinBet:              getEnv("CRASH_MIN_BET", "0.001"),
		MaxBet:              getEnv("CRASH_MAX_BET", "100"),
		CashoutSafety:       getDuration("CRASH_CASHOUT_SAFETY", 50*time.Millisecond),
		TickInterval:        getDuration("CRASH_TICK_INTERVAL", 50*time.Millisecond),
		HistorySize:         histSize,
	}

	confirmations, err := getInt("CHAIN_CONFIRMATIONS", 12)
	if err != nil {
		return nil, fmt.Errorf("CHAIN_CONFIRMATIONS: %w", err)
	}
	reorgBuffer, err := getInt("CHAIN_REORG_BUFFER", 25)
	if err != nil {
		return nil, fmt.Errorf("CHAIN_REORG_BUFFER: %w", err)
	}
	startBlock, err := getInt("CHAIN_START_BLOCK", 0)
	if err != nil {
		return nil, fmt.Errorf("CHAIN_START_BLOCK: %w", err)
	}
	cfg.Chain = ChainConfig{
		RPCURL:          getEnv("CHAIN_RPC_URL", ""),
		WSURL:           getEnv("CHAIN_WS_URL", ""),
		HotWallet:       getEnv("CHAIN_HOT_WALLET", ""),
		Confirmations:   uint64(confirmations),
		ReorgBuffer:     uint64(reorgBuffer),
		PollingInterval: getDuration("CHAIN_POLLING_INTERVAL", 5*time.Second),
		StartBlock:      uint64(startBlock),
	}

	ringSize, err := getInt("BUS_RING_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("BUS_RING_SIZE: %w", err)
	}
	cfg.Bus = BusConfig{RingSize: ringSize}

	killRatio, err := getFloat("SOLVENCY_KILL_RATIO", 0.95)
	if err != nil {
		return nil, fmt.Errorf("SOLVENCY_KILL_RATIO: %w", err)
	}
	cfg.Solvency = SolvencyConfig{
		Interval:           getDuration("SOLVENCY_INTERVAL", 10*time.Second),
		LiabilityKillRatio: killRatio,
	}

	return cfg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float %q", v)
	}
	return f, nil
}

// getDuration parses an env var as a Go duration string (e.g. "6s", "50ms").
// Falls back to defaultVal if the variable is unset or unparseable.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
