package dbdaemon

import (
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/kelpforge/poseidon/internal/config"
)

// MasterDSN builds the master connection string from the mysql_* keys
// in spec.md §6 (mysql_server_addr/port, mysql_username/password/
// schema/charset, mysql_use_ssl), the Go rendering of the original's
// ad hoc connection setup inside MySqlThread's connect loop.
func MasterDSN(cfg config.Map) string {
	return buildDSN(cfg, cfg.GetString("mysql_server_addr", "localhost"), cfg.GetInt("mysql_server_port", 3306))
}

// SlaveDSN builds the slave connection string from mysql_slave_addr/
// port. An empty mysql_slave_addr means "reuse master" per spec.md §6;
// callers should treat an empty return as "no distinct slave."
func SlaveDSN(cfg config.Map) string {
	addr := cfg.GetString("mysql_slave_addr", "")
	if addr == "" {
		return ""
	}
	return buildDSN(cfg, addr, cfg.GetInt("mysql_slave_port", 3306))
}

func buildDSN(cfg config.Map, addr string, port int) string {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", addr, port)
	mc.User = cfg.GetString("mysql_username", "root")
	mc.Passwd = cfg.GetString("mysql_password", "")
	mc.DBName = cfg.GetString("mysql_schema", "")
	mc.Collation = cfg.GetString("mysql_charset", "utf8mb4_general_ci")
	mc.ParseTime = true
	if cfg.GetBool("mysql_use_ssl", false) {
		mc.TLSConfig = "preferred"
	}
	return mc.FormatDSN()
}
