package app

import (
	"net/url"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// DatabaseInfo describes a DSN without its password.
type DatabaseInfo struct {
	Type        string
	Host        string
	Port        int
	User        string
	Name        string
	SSLMode     string
	Path        string
	PasswordSet bool
}

// Fields returns log fields for the non-empty parts.
func (d DatabaseInfo) Fields() log.Fields {
	fields := log.Fields{"db_type": d.Type}
	if d.Path != "" {
		fields["db_path"] = d.Path
	}
	if d.Host != "" {
		fields["db_host"] = d.Host
		fields["db_port"] = d.Port
		fields["db_name"] = d.Name
		fields["db_user"] = d.User
	}
	return fields
}

// DescribeDSN parses a SQLite or PostgreSQL DSN. Unparseable input yields
// Type "unknown".
func DescribeDSN(dsn string) DatabaseInfo {
	trimmed := strings.TrimSpace(dsn)
	lowered := strings.ToLower(trimmed)
	if strings.HasPrefix(lowered, "file:") {
		pathPart := trimmed[len("file:"):]
		pathPart, _, _ = strings.Cut(pathPart, "?")
		return DatabaseInfo{Type: "sqlite", Path: strings.TrimSpace(pathPart)}
	}

	u, errParse := url.Parse(trimmed)
	if errParse != nil {
		return DatabaseInfo{Type: "unknown"}
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
	default:
		if strings.HasSuffix(lowered, ".db") || strings.HasSuffix(lowered, ".sqlite") {
			return DatabaseInfo{Type: "sqlite", Path: trimmed}
		}
		return DatabaseInfo{Type: "unknown"}
	}

	port := 5432
	if rawPort := u.Port(); rawPort != "" {
		if parsed, errPort := strconv.Atoi(rawPort); errPort == nil {
			port = parsed
		}
	}
	info := DatabaseInfo{
		Type:    "postgres",
		Host:    u.Hostname(),
		Port:    port,
		Name:    strings.TrimPrefix(u.Path, "/"),
		SSLMode: u.Query().Get("sslmode"),
	}
	if info.SSLMode == "" {
		info.SSLMode = "disable"
	}
	if u.User != nil {
		info.User = u.User.Username()
		_, info.PasswordSet = u.User.Password()
	}
	return info
}
