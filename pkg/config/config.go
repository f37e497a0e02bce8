package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"
)

// Canonical engine names.
const (
	Postgres = "postgres"
	MySQL    = "mysql"
	MongoDB  = "mongodb"
)

// Descriptor identifies how to reach one external database. It is read from the
// connection store and never mutated in place.
type Descriptor struct {
	ID       string `yaml:"id" json:"id"`
	Type     string `yaml:"type" json:"type"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port,omitempty"`
	Database string `yaml:"database" json:"database"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Dataset is a seedable saved query definition.
type Dataset struct {
	ID           string   `yaml:"id" json:"id"`
	ConnectionID string   `yaml:"connection_id" json:"connection_id"`
	Query        string   `yaml:"query" json:"query"`
	DateColumn   string   `yaml:"date_column" json:"date_column,omitempty"`
	Granularity  string   `yaml:"granularity" json:"granularity,omitempty"`
	GroupBy      []string `yaml:"group_by" json:"group_by,omitempty"`
}

type ServerConfig struct {
	Port        int      `yaml:"port" json:"port"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

type GatewayConfig struct {
	DefaultLimit        int `yaml:"default_limit" json:"default_limit"`
	QueryTimeoutSeconds int `yaml:"query_timeout_seconds" json:"query_timeout_seconds"`
	UpsertBatchSize     int `yaml:"upsert_batch_size" json:"upsert_batch_size"`
	IntrospectWorkers   int `yaml:"introspect_workers" json:"introspect_workers"`
}

type LogConfig struct {
	JSON  bool   `yaml:"json" json:"json"`
	Level string `yaml:"level" json:"level"`
}

type AppConfig struct {
	Server      ServerConfig  `yaml:"server" json:"server"`
	Store       StoreConfig   `yaml:"store" json:"store"`
	Gateway     GatewayConfig `yaml:"gateway" json:"gateway"`
	Log         LogConfig     `yaml:"log" json:"log"`
	Connections []Descriptor  `yaml:"connections" json:"connections"`
	Datasets    []Dataset     `yaml:"datasets" json:"datasets"`
}

// Defaults fills zero values with the built-in defaults.
func (g GatewayConfig) Defaults() GatewayConfig {
	if g.DefaultLimit <= 0 {
		g.DefaultLimit = 100
	}
	if g.QueryTimeoutSeconds <= 0 {
		g.QueryTimeoutSeconds = 30
	}
	if g.UpsertBatchSize <= 0 {
		g.UpsertBatchSize = 500
	}
	if g.IntrospectWorkers <= 0 {
		g.IntrospectWorkers = 4
	}
	return g
}

// LoadFile loads YAML config from path.
func LoadFile(path string) (AppConfig, error) {
	var cfg AppConfig
	f, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(f, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// NormalizeEngine maps common aliases to canonical engine names.
func NormalizeEngine(e string) string {
	switch strings.ToLower(strings.TrimSpace(e)) {
	case "postgresql", "pg", "postgres":
		return Postgres
	case "mysql", "mariadb":
		return MySQL
	case "mongodb", "mongo":
		return MongoDB
	default:
		return strings.ToLower(strings.TrimSpace(e))
	}
}

// hostPort joins the descriptor host with its port. A host that already
// carries a port is returned unchanged.
func hostPort(d Descriptor, defaultPort int) string {
	host := d.Host
	if host == "" {
		host = "localhost"
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := d.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// BuildDSN produces the driver name and DSN (or URI) for a descriptor.
func BuildDSN(d Descriptor) (driver string, dsn string, err error) {
	switch NormalizeEngine(d.Type) {
	case Postgres:
		driver = "postgres"
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(d.Username, d.Password),
			Host:     hostPort(d, 5432),
			Path:     "/" + d.Database,
			RawQuery: "sslmode=disable",
		}
		dsn = u.String()
	case MySQL:
		driver = "mysql"
		c := mysql.NewConfig()
		c.User = d.Username
		c.Passwd = d.Password
		c.Net = "tcp"
		c.Addr = hostPort(d, 3306)
		c.DBName = d.Database
		c.ParseTime = true
		dsn = c.FormatDSN()
	case MongoDB:
		driver = "mongodb"
		u := url.URL{
			Scheme: "mongodb",
			Host:   hostPort(d, 27017),
			Path:   "/" + d.Database,
		}
		if d.Username != "" {
			u.User = url.UserPassword(d.Username, d.Password)
			u.RawQuery = "authSource=admin"
		}
		dsn = u.String()
	default:
		err = fmt.Errorf("unsupported database type: %s", d.Type)
	}
	return
}
