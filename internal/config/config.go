package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	SessionBackendMySQL = "mysql"
	SessionBackendRedis = "redis"

	StorageBackendS3    = "s3"
	StorageBackendMinIO = "minio"
)

// Config aggregates runtime configuration for the API, the bot and supporting services.
type Config struct {
	LogLevel string
	MySQLDSN string

	KIEAPIKey         string
	KIEBaseURL        string
	RequestTimeout    time.Duration
	GenerationTimeout time.Duration
	PollInterval      time.Duration

	StartingFreeCredits  int
	ImagesPerBatch       int
	MaxImagesPerBatch    int
	SessionTTL           time.Duration
	SessionRetention     time.Duration
	SweepInterval        time.Duration
	SweepBatchSize       int
	RefundOnTotalFailure bool
	CatalogPath          string

	APIListenAddr        string
	JWTSecret            string
	ReserveRatePerMinute int
	ReserveBurst         int

	AdminListenAddr string
	AdminUsername   string
	AdminPassword   string

	SessionBackend string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisPoolSize  int
	RedisKeyPrefix string

	StorageBackend  string
	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
	MinIOEndpoint   string
	MinIOUseSSL     bool

	TelegramEnabled              bool
	BotToken                     string
	TelegramPaymentProviderToken string
	PaymentCurrency              string
	PaymentPriceMinorUnits       int
	PaymentCreditsPerPackage     int
	PaymentProvider              string
	YooKassaShopID               string
	YooKassaSecretKey            string
	YooKassaReturnURL            string
	PromoBonusCredits            int
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultKIEBaseURL = "https://api.kie.ai"

	cfg := Config{
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		MySQLDSN:                 os.Getenv("MYSQL_DSN"),
		KIEAPIKey:                os.Getenv("KIE_API_KEY"),
		KIEBaseURL:               normalizeKIEBaseURL(getEnv("KIE_BASE_URL", defaultKIEBaseURL), defaultKIEBaseURL),
		RequestTimeout:           time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),
		GenerationTimeout:        getDuration("GENERATION_TIMEOUT", 2*time.Minute),
		PollInterval:             getDuration("POLL_INTERVAL", 2*time.Second),
		StartingFreeCredits:      getInt("STARTING_FREE_CREDITS", 1),
		ImagesPerBatch:           getInt("IMAGES_PER_BATCH", 4),
		MaxImagesPerBatch:        getInt("MAX_IMAGES_PER_BATCH", 4),
		SessionTTL:               getDuration("SESSION_TTL", 5*time.Minute),
		SessionRetention:         getDuration("SESSION_RETENTION", 24*time.Hour),
		SweepInterval:            getDuration("SWEEP_INTERVAL", time.Minute),
		SweepBatchSize:           getInt("SWEEP_BATCH_SIZE", 100),
		RefundOnTotalFailure:     getBool("REFUND_ON_TOTAL_FAILURE", true),
		CatalogPath:              os.Getenv("CATALOG_PATH"),
		APIListenAddr:            getEnv("API_LISTEN_ADDR", ":8000"),
		JWTSecret:                os.Getenv("JWT_SECRET"),
		ReserveRatePerMinute:     getInt("RESERVE_RATE_PER_MINUTE", 10),
		ReserveBurst:             getInt("RESERVE_BURST", 3),
		AdminListenAddr:          getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		AdminUsername:            getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:            getEnv("ADMIN_PASSWORD", "change-me"),
		SessionBackend:           strings.ToLower(getEnv("SESSION_BACKEND", SessionBackendMySQL)),
		RedisAddr:                getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  getInt("REDIS_DB", 0),
		RedisPoolSize:            getInt("REDIS_POOL_SIZE", 10),
		RedisKeyPrefix:           getEnv("REDIS_KEY_PREFIX", "presetstudio"),
		StorageBackend:           strings.ToLower(getEnv("STORAGE_BACKEND", StorageBackendS3)),
		S3Endpoint:               getEnv("S3_ENDPOINT", ""),
		S3Region:                 os.Getenv("S3_REGION"),
		S3AccessKey:              os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:              os.Getenv("S3_SECRET_KEY"),
		S3Bucket:                 os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:          os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:           getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:                 getEnv("S3_PREFIX", "sources"),
		MinIOEndpoint:            os.Getenv("MINIO_ENDPOINT"),
		MinIOUseSSL:              getBool("MINIO_USE_SSL", false),
		TelegramEnabled:          getBool("TELEGRAM_ENABLED", false),
		BotToken:                 os.Getenv("TELEGRAM_BOT_TOKEN"),
		PaymentCurrency:          getEnv("PAYMENT_CURRENCY", "RUB"),
		PaymentPriceMinorUnits:   getInt("PAYMENT_PRICE_MINOR_UNITS", 29900),
		PaymentCreditsPerPackage: getInt("PAYMENT_CREDITS_PER_PACKAGE", 10),
		PaymentProvider:          strings.ToLower(getEnv("PAYMENT_PROVIDER", "telegram")),
		YooKassaShopID:           getEnv("YOOKASSA_SHOP_ID", ""),
		YooKassaSecretKey:        getEnv("YOOKASSA_SECRET_KEY", ""),
		YooKassaReturnURL:        getEnv("YOOKASSA_RETURN_URL", ""),
		PromoBonusCredits:        getInt("PROMO_BONUS_CREDITS", 3),
	}
	cfg.TelegramPaymentProviderToken = os.Getenv("TELEGRAM_PAYMENT_PROVIDER_TOKEN")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports missing or inconsistent settings.
func (c Config) Validate() error {
	var missing []string
	if c.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if c.KIEAPIKey == "" {
		missing = append(missing, "KIE_API_KEY")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	switch c.SessionBackend {
	case SessionBackendMySQL:
	case SessionBackendRedis:
		if c.RedisAddr == "" {
			missing = append(missing, "REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unsupported SESSION_BACKEND: %s", c.SessionBackend)
	}

	switch c.StorageBackend {
	case StorageBackendS3:
		if c.S3Region == "" {
			missing = append(missing, "S3_REGION")
		}
	case StorageBackendMinIO:
		if c.MinIOEndpoint == "" {
			missing = append(missing, "MINIO_ENDPOINT")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND: %s", c.StorageBackend)
	}
	if c.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if c.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if c.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if c.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}

	if c.TelegramEnabled {
		if c.BotToken == "" {
			missing = append(missing, "TELEGRAM_BOT_TOKEN")
		}
		if c.PaymentProvider == "telegram" && c.TelegramPaymentProviderToken == "" {
			missing = append(missing, "TELEGRAM_PAYMENT_PROVIDER_TOKEN")
		}
	}
	if c.PaymentProvider == "yookassa" {
		if c.YooKassaShopID == "" {
			missing = append(missing, "YOOKASSA_SHOP_ID")
		}
		if c.YooKassaSecretKey == "" {
			missing = append(missing, "YOOKASSA_SECRET_KEY")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}

	if c.ImagesPerBatch <= 0 || c.ImagesPerBatch > c.MaxImagesPerBatch {
		return fmt.Errorf("IMAGES_PER_BATCH must be within 1..%d", c.MaxImagesPerBatch)
	}
	if c.GenerationTimeout >= c.SessionTTL {
		return fmt.Errorf("GENERATION_TIMEOUT (%s) must be shorter than SESSION_TTL (%s)", c.GenerationTimeout, c.SessionTTL)
	}
	return nil
}

// normalizeKIEBaseURL ensures we always hit the documented API host. The root kie.ai
// domain serves HTML instead of JSON.
func normalizeKIEBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}

	return parsed.String()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// loadEnvFile applies the first env file found. A missing file is not an error:
// containers inject the environment directly.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
