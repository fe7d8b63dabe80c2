package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/joho/godotenv/autoload"
	"github.com/kelseyhightower/envconfig"
)

// -----------------------------------------------------------------------------
// Every setting has a default so the agent starts with no environment at
// all. A .env file in the working directory is loaded before processing.
// -----------------------------------------------------------------------------

type Config struct {
	Server   ServerConfig
	Queue    QueueConfig
	Printer  PrinterConfig
	Receipt  ReceiptConfig
	Upstream UpstreamConfig
	Agent    AgentConfig
	CORS     CORSConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port string `envconfig:"SERVER_PORT" default:"12212"`
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	// PublicBaseURL prefixes download URLs; derived from the request when empty
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL"`
	// DataDir holds the registry, queue and previews; resolved when empty
	DataDir string `envconfig:"DATA_DIR"`
}

type QueueConfig struct {
	Dir           string        `envconfig:"QUEUE_DIR"`
	GracePeriod   time.Duration `envconfig:"QUEUE_GRACE_PERIOD" default:"30s"`
	TTL           time.Duration `envconfig:"QUEUE_TTL" default:"24h"`
	SweepInterval time.Duration `envconfig:"QUEUE_SWEEP_INTERVAL" default:"1m"`
}

type PrinterConfig struct {
	RegistryPath    string        `envconfig:"REGISTRY_PATH"`
	VendorIDs       VendorIDs     `envconfig:"PRINTER_VENDOR_IDS"`
	SerialDevice    string        `envconfig:"PRINTER_SERIAL_DEVICE"`
	SerialBaud      int           `envconfig:"PRINTER_SERIAL_BAUD" default:"9600"`
	ScanSerial      bool          `envconfig:"PRINTER_SCAN_SERIAL" default:"false"`
	NetworkAddress  string        `envconfig:"PRINTER_NETWORK_ADDR"`
	Default         string        `envconfig:"PRINTER_DEFAULT"`
	DisableUSB      bool          `envconfig:"DISABLE_USB" default:"false"`
	PrintTimeout    time.Duration `envconfig:"PRINT_TIMEOUT" default:"10s"`
	MonitorInterval time.Duration `envconfig:"PRINTER_MONITOR_INTERVAL" default:"5s"`
	SpoolerCommand  []string      `envconfig:"SPOOLER_COMMAND"`
	SpoolerQueue    string        `envconfig:"SPOOLER_QUEUE"`
	PreviewDir      string        `envconfig:"PREVIEW_DIR"`
	ChromePath      string        `envconfig:"CHROME_PATH"`
	DisablePDF      bool          `envconfig:"DISABLE_PDF" default:"false"`
}

type ReceiptConfig struct {
	StoreName        string `envconfig:"RECEIPT_STORE_NAME"`
	Footer           string `envconfig:"RECEIPT_FOOTER" default:"Thank you!"`
	Columns          int    `envconfig:"RECEIPT_COLUMNS" default:"48"`
	DotWidth         int    `envconfig:"RECEIPT_DOT_WIDTH" default:"576"`
	CurrencySymbol   string `envconfig:"RECEIPT_CURRENCY"`
	DecimalSeparator string `envconfig:"RECEIPT_DECIMAL_SEPARATOR" default:"."`
	LogoPath         string `envconfig:"RECEIPT_LOGO"`
	Barcode          bool   `envconfig:"RECEIPT_BARCODE" default:"true"`
}

type UpstreamConfig struct {
	StatusURL     string        `envconfig:"UPSTREAM_STATUS_URL"`
	APIKey        string        `envconfig:"UPSTREAM_API_KEY"`
	NotifyRetries int           `envconfig:"NOTIFY_RETRIES" default:"3"`
	NotifyTimeout time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"5s"`
}

type AgentConfig struct {
	PollURL      string        `envconfig:"AGENT_POLL_URL"`
	PollInterval time.Duration `envconfig:"AGENT_POLL_INTERVAL" default:"5s"`
	PollTimeout  time.Duration `envconfig:"AGENT_POLL_TIMEOUT" default:"3s"`
	WSURL        string        `envconfig:"AGENT_WS_URL"`
	AgentKey     string        `envconfig:"AGENT_KEY"`
}

type CORSConfig struct {
	AllowOrigins []string      `envconfig:"CORS_ALLOW_ORIGINS" default:"*"`
	AllowMethods []string      `envconfig:"CORS_ALLOW_METHODS" default:"GET,POST,OPTIONS"`
	AllowHeaders []string      `envconfig:"CORS_ALLOW_HEADERS" default:"Origin,Content-Type,Accept,X-Api-Key"`
	MaxAge       time.Duration `envconfig:"CORS_MAX_AGE" default:"12h"`
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"text"`
}

// VendorIDs decodes a comma separated list of hex USB vendor IDs
type VendorIDs []uint16

func (v *VendorIDs) Decode(value string) error {
	var ids VendorIDs
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		part = strings.TrimPrefix(strings.ToLower(part), "0x")
		id, err := strconv.ParseUint(part, 16, 16)
		if err != nil {
			return errors.Wrapf(err, "invalid USB vendor id %q", part)
		}
		ids = append(ids, uint16(id))
	}
	*v = ids
	return nil
}

// LoadConfig reads the environment, applies the --port flag and resolves
// file locations
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to process env config")
	}

	if port := portFlag(os.Args[1:]); port != "" {
		cfg.Server.Port = port
	}

	cfg.resolvePaths()
	return cfg, nil
}

func (c *Config) resolvePaths() {
	if c.Server.DataDir == "" {
		c.Server.DataDir = dataDir()
	}
	if c.Printer.RegistryPath == "" {
		c.Printer.RegistryPath = filepath.Join(c.Server.DataDir, "printer_registry.json")
	}
	if c.Queue.Dir == "" {
		c.Queue.Dir = filepath.Join(c.Server.DataDir, "print-queue")
	}
	if c.Printer.PreviewDir == "" {
		c.Printer.PreviewDir = filepath.Join(c.Server.DataDir, "previews")
	}
}

// ListenAddr is host:port for the HTTP server
func (c Config) ListenAddr() string {
	return c.Server.Host + ":" + c.Server.Port
}

func portFlag(args []string) string {
	for i, arg := range args {
		if arg == "--port" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, "--port="); ok {
			return v
		}
	}
	return ""
}

// dataDir places state next to the executable when that directory is
// writable, otherwise in the user config directory
func dataDir() string {
	if exePath, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exePath)
		if writable(exeDir) {
			return exeDir
		}
	}

	var configDir string
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			configDir = filepath.Join(appData, "order-print-agent")
		} else {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "order-print-agent")
		}
	} else if home := os.Getenv("HOME"); home != "" {
		configDir = filepath.Join(home, ".config", "order-print-agent")
	}

	if configDir != "" {
		if err := os.MkdirAll(configDir, 0o755); err == nil {
			return configDir
		}
	}

	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func writable(dir string) bool {
	f, err := os.CreateTemp(dir, ".order-print-agent-write-test-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

func NewTestConfig(dir string) Config {
	cfg := Config{
		Server: ServerConfig{Port: "0", Host: "127.0.0.1", DataDir: dir},
		Queue: QueueConfig{
			GracePeriod:   30 * time.Second,
			TTL:           24 * time.Hour,
			SweepInterval: time.Minute,
		},
		Printer: PrinterConfig{
			SerialBaud:   9600,
			DisableUSB:   true,
			DisablePDF:   true,
			PrintTimeout: time.Second,
		},
		Receipt: ReceiptConfig{Columns: 48, DotWidth: 576, DecimalSeparator: "."},
		Log:     LogConfig{Level: "error", Format: "text"},
	}
	cfg.resolvePaths()
	return cfg
}
