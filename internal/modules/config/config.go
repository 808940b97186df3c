package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"recon_bot/pkg/logger"
)

const (
	configFilePathENV = "CONFIG_FILE"
	tokenTelegramENV  = "TELEGRAM_TOKEN"
	chatIDTelegramENV = "TELEGRAM_CHAT_ID"
	databaseDSN       = "DATABASE_DSN"
	binanceKeyENV     = "BINANCE_API_KEY"
	binanceSecretENV  = "BINANCE_API_SECRET"
)

// Config ...
type Config struct {
	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`
	DB      string `yaml:"db_dsn"`
	Binance struct {
		APIKey    string `yaml:"api_key"`
		APISecret string `yaml:"api_secret"`
		BaseURL   string `yaml:"base_url"`
		WSURL     string `yaml:"ws_url"`
	} `yaml:"binance"`
	Service struct {
		Name       string `yaml:"name"`
		HealthAddr string `yaml:"health_addr"`
	} `yaml:"service"`
	Jaeger struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"jaeger"`

	Monitoring Monitoring `yaml:"monitoring"`

	// Стратегия -> символ: кто "отвечает" за позицию при классификации гостов.
	Strategies map[string]string `yaml:"strategies"`

	AnomalyFile string `yaml:"anomaly_file"`
	LedgerFile  string `yaml:"ledger_file"`
}

// Monitoring — политика сверки позиций и жизненного цикла аномалий.
type Monitoring struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
	// Сколько циклов орфан висит до снятия с учёта.
	OrphanCycles int `yaml:"orphan_cycles"`
	GhostCycles  int `yaml:"ghost_cycles"`
	// Защитные окна от ложных срабатываний.
	StartupProtection  time.Duration `yaml:"startup_protection"`
	TradeCooldown      time.Duration `yaml:"trade_cooldown"`
	RecoveryProtection time.Duration `yaml:"recovery_protection"`
	// Допуск при сравнении количества: max(доля*|expected|, abs-минимум).
	ToleranceFraction float64 `yaml:"position_tolerance"`
	ToleranceMinAbs   float64 `yaml:"position_tolerance_min"`
	// Сколько дней держим закрытые аномалии.
	RetentionDays int `yaml:"anomaly_retention_days"`
}

func NewConfig() (*Config, error) {
	config := Config{
		AnomalyFile: getenvDefault("ANOMALY_STORE_PATH", "data/anomalies.json"),
		LedgerFile:  getenvDefault("LEDGER_STORE_PATH", "data/trades.json"),
		Monitoring: Monitoring{
			ScanInterval:       durationFromEnv("SCAN_INTERVAL", "30s"),
			OrphanCycles:       intFromEnv("ORPHAN_CYCLES", 2),
			GhostCycles:        intFromEnv("GHOST_CYCLES", 20),
			StartupProtection:  durationFromEnv("STARTUP_PROTECTION", "180s"),
			TradeCooldown:      durationFromEnv("TRADE_COOLDOWN", "120s"),
			RecoveryProtection: durationFromEnv("RECOVERY_PROTECTION", "600s"),
			ToleranceFraction:  floatFromEnv("POSITION_TOLERANCE", 0.01),
			ToleranceMinAbs:    floatFromEnv("POSITION_TOLERANCE_MIN", 0.001),
			RetentionDays:      intFromEnv("ANOMALY_RETENTION_DAYS", 7),
		},
	}
	config.Service.Name = getenvDefault("SERVICE_NAME", "recon_bot")
	config.Service.HealthAddr = getenvDefault("HEALTH_ADDR", ":8080")
	config.Binance.BaseURL = "https://fapi.binance.com"
	config.Binance.WSURL = "wss://fstream.binance.com/ws"

	configFileName := os.Getenv(configFilePathENV)
	if configFileName == "" {
		configFileName = "values_local.yaml"
	}
	file, err := os.Open("configs/" + configFileName)
	if err != nil {
		// без файла работаем на дефолтах и ENV
		logger.Info("config file not found, defaults + env only: %v", err)
	} else {
		defer func() {
			_ = file.Close()
		}()
		decoder := yaml.NewDecoder(file)
		if err = decoder.Decode(&config); err != nil {
			return nil, err
		}
	}

	if token := os.Getenv(tokenTelegramENV); token != "" {
		config.Telegram.Token = token
	}
	if v := os.Getenv(chatIDTelegramENV); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Telegram.ChatID = id
		}
	}
	if dsn := os.Getenv(databaseDSN); dsn != "" {
		config.DB = dsn
	}
	if key := os.Getenv(binanceKeyENV); key != "" {
		config.Binance.APIKey = key
	}
	if secret := os.Getenv(binanceSecretENV); secret != "" {
		config.Binance.APISecret = secret
	}

	return &config, nil
}

func intFromEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatFromEnv(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationFromEnv(key, def string) time.Duration {
	val := getenvDefault(key, def)
	d, err := time.ParseDuration(val)
	if err != nil {
		d, _ = time.ParseDuration(def)
	}
	return d
}
