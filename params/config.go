package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type API struct {
	Addr string
	// DepthLevels caps the number of aggregated price levels served by
	// the book snapshot endpoint and the websocket stream.
	DepthLevels int
}

type Storage struct {
	DataDir string
}

type Kafka struct {
	// Enabled gates the bridge; with no brokers configured the process
	// runs on the in-memory bus alone.
	Enabled bool
	Brokers []string
}

type MarkPrice struct {
	Interval time.Duration
}

type Log struct {
	Level string
	Path  string
}

type Config struct {
	API       API
	Storage   Storage
	Kafka     Kafka
	MarkPrice MarkPrice
	Log       Log
}

func Default() Config {
	return Config{
		API: API{
			Addr:        ":8080",
			DepthLevels: 10,
		},
		Storage: Storage{
			DataDir: "data",
		},
		Kafka: Kafka{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
		},
		MarkPrice: MarkPrice{
			Interval: time.Second,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if addr := os.Getenv("API_ADDR"); addr != "" {
		cfg.API.Addr = addr
	}
	if levels := os.Getenv("API_DEPTH_LEVELS"); levels != "" {
		if n, err := strconv.Atoi(levels); err == nil && n > 0 {
			cfg.API.DepthLevels = n
		}
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if enabled := os.Getenv("KAFKA_ENABLED"); enabled != "" {
		cfg.Kafka.Enabled = enabled == "true"
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if interval := os.Getenv("MARK_PRICE_INTERVAL_MS"); interval != "" {
		if ms, err := strconv.Atoi(interval); err == nil && ms > 0 {
			cfg.MarkPrice.Interval = time.Duration(ms) * time.Millisecond
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if path := os.Getenv("LOG_PATH"); path != "" {
		cfg.Log.Path = path
	}

	return cfg
}
