package dbq

import (
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/mitchellh/mapstructure"

	"github.com/edgeflare/dbq/pkg/dberr"
)

// ConnectOptions describes how to reach the database: either a full URI,
// or structured fields. Structured form requires at least a password and a
// database name.
type ConnectOptions struct {
	URI             string `mapstructure:"uri"`
	Host            string `mapstructure:"host"`
	Port            uint16 `mapstructure:"port"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	Database        string `mapstructure:"database"`
	Charset         string `mapstructure:"charset"`
	MultiStatements bool   `mapstructure:"multi_statements"`
}

// field aliases accepted in option maps
var connectAliases = map[string]string{
	"hostname": "host",
	"user":     "username",
	"db":       "database",
}

// ParseConnectOptions decodes a loosely-typed option map, as handed over
// by an embedding host, into ConnectOptions.
func ParseConnectOptions(raw map[string]any) (*ConnectOptions, *dberr.Error) {
	normalized := make(map[string]any, len(raw))
	for k, v := range raw {
		if canonical, ok := connectAliases[k]; ok {
			k = canonical
		}
		normalized[k] = v
	}

	var opts ConnectOptions
	if err := mapstructure.WeakDecode(normalized, &opts); err != nil {
		return nil, dberr.Newf("invalid connect options: %v", err)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

func (o *ConnectOptions) validate() *dberr.Error {
	if o.URI != "" {
		return nil
	}
	if o.Password == "" {
		return dberr.New("password is required")
	}
	if o.Database == "" {
		return dberr.New("database name is required")
	}
	return nil
}

// DSN renders the options as a MySQL driver DSN. The URI, when set, wins
// over the structured fields.
func (o *ConnectOptions) DSN() string {
	if o.URI != "" {
		return o.URI
	}

	host := o.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := o.Port
	if port == 0 {
		port = 3306
	}

	cfg := mysql.NewConfig()
	cfg.User = o.Username
	cfg.Passwd = o.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)
	cfg.DBName = o.Database
	cfg.MultiStatements = o.MultiStatements
	if o.Charset != "" {
		cfg.Params = map[string]string{"charset": o.Charset}
	}
	return cfg.FormatDSN()
}

// ParseQueryOpts decodes a loosely-typed query option map ({params, raw})
// into QueryOpts. A nil map yields nil options.
func ParseQueryOpts(raw map[string]any) (*QueryOpts, *dberr.Error) {
	if raw == nil {
		return nil, nil
	}
	var opts QueryOpts
	if err := mapstructure.Decode(raw, &opts); err != nil {
		return nil, dberr.Newf("invalid query options: %v", err)
	}
	return &opts, nil
}
