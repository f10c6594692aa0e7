package backup

import "github.com/splax/localvercel/internal/domain"

// Scripts receive $1 container, $2 user, $3 password, $4 database, $5 file
// and, for restore, $6 compression.
type dumpEngine struct {
	ext     string
	dump    string
	restore string
}

const readBackup = `if [ "$6" = gzip ]; then gunzip -c "$5"; else cat "$5"; fi`

var dumpEngines = map[string]dumpEngine{
	domain.EnginePostgres: {
		ext:     "sql",
		dump:    `docker exec -e PGPASSWORD="$3" "$1" pg_dump --clean --if-exists -U "$2" -d "$4" > "$5"`,
		restore: `set -e; ` + readBackup + ` | docker exec -i -e PGPASSWORD="$3" "$1" psql -q -v ON_ERROR_STOP=1 -U "$2" -d "$4"`,
	},
	domain.EngineMySQL: {
		ext:     "sql",
		dump:    `docker exec -e MYSQL_PWD="$3" "$1" mysqldump --single-transaction -u "$2" "$4" > "$5"`,
		restore: `set -e; ` + readBackup + ` | docker exec -i -e MYSQL_PWD="$3" "$1" mysql -u "$2" "$4"`,
	},
	domain.EngineRedis: {
		ext: "rdb",
		dump: `set -e; docker exec "$1" redis-cli -a "$3" --no-auth-warning --rdb /tmp/peep-dump.rdb >/dev/null; ` +
			`docker cp "$1":/tmp/peep-dump.rdb "$5"; docker exec "$1" rm -f /tmp/peep-dump.rdb`,
		restore: `set -e; tmp="$5.restore"; ` + readBackup + ` > "$tmp"; ` +
			`docker stop -t 10 "$1" >/dev/null; docker cp "$tmp" "$1":/data/dump.rdb; rm -f "$tmp"; docker start "$1" >/dev/null`,
	},
}
