package database

import (
	"net/url"
	"strconv"

	"github.com/splax/localvercel/internal/domain"
)

// Engine describes how a database engine runs in a container.
type Engine struct {
	Name           string
	Image          string
	DefaultVersion string
	Port           int
	DataDir        string
	Scheme         string
}

var engines = map[string]Engine{
	domain.EnginePostgres: {Name: domain.EnginePostgres, Image: "postgres", DefaultVersion: "16", Port: 5432, DataDir: "/var/lib/postgresql/data", Scheme: "postgres"},
	domain.EngineMySQL:    {Name: domain.EngineMySQL, Image: "mysql", DefaultVersion: "8.4", Port: 3306, DataDir: "/var/lib/mysql", Scheme: "mysql"},
	domain.EngineRedis:    {Name: domain.EngineRedis, Image: "redis", DefaultVersion: "7", Port: 6379, DataDir: "/data", Scheme: "redis"},
}

// LookupEngine returns the engine definition for name.
func LookupEngine(name string) (Engine, bool) {
	e, ok := engines[name]
	return e, ok
}

// ImageRef returns the image for version.
func (e Engine) ImageRef(version string) string {
	if version == "" {
		version = e.DefaultVersion
	}
	return e.Image + ":" + version
}

// Env returns the container environment that initialises credentials.
func (e Engine) Env(db domain.Database, password string) map[string]string {
	switch e.Name {
	case domain.EnginePostgres:
		return map[string]string{
			"POSTGRES_USER":     db.Username,
			"POSTGRES_PASSWORD": password,
			"POSTGRES_DB":       db.DatabaseName,
		}
	case domain.EngineMySQL:
		return map[string]string{
			"MYSQL_USER":          db.Username,
			"MYSQL_PASSWORD":      password,
			"MYSQL_DATABASE":      db.DatabaseName,
			"MYSQL_ROOT_PASSWORD": password,
		}
	}
	return nil
}

// Cmd returns the container command override, if any.
func (e Engine) Cmd(password string) []string {
	if e.Name == domain.EngineRedis {
		return []string{"redis-server", "--requirepass", password, "--save", "60", "1"}
	}
	return nil
}

// ConnectionURL renders a client connection string for host.
func (e Engine) ConnectionURL(db domain.Database, host, password string) string {
	u := url.URL{Scheme: e.Scheme, Host: host + ":" + strconv.Itoa(db.HostPort)}
	switch e.Name {
	case domain.EngineRedis:
		u.User = url.UserPassword("", password)
	default:
		u.User = url.UserPassword(db.Username, password)
		u.Path = "/" + db.DatabaseName
	}
	return u.String()
}
