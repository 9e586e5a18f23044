package sqlstore

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		collection  TEXT   NOT NULL,
		id          TEXT   NOT NULL,
		data        TEXT   NOT NULL,
		version     BIGINT NOT NULL,
		create_time TEXT   NOT NULL,
		update_time TEXT   NOT NULL,
		PRIMARY KEY (collection, id)
	)`,
	`CREATE TABLE IF NOT EXISTS store_meta (
		name  TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	)`,
	`INSERT INTO store_meta (name, value) VALUES ('version', 0) ON CONFLICT (name) DO NOTHING`,
}

const (
	columns = `collection, id, data, version, create_time, update_time`

	selectOne        = `SELECT ` + columns + ` FROM documents WHERE collection = ? AND id = ?`
	selectCollection = `SELECT ` + columns + ` FROM documents WHERE collection = ?`
	countDocuments   = `SELECT COUNT(*) FROM documents`

	upsertDocument = `INSERT INTO documents (` + columns + `) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			create_time = excluded.create_time,
			update_time = excluded.update_time`
	deleteDocument = `DELETE FROM documents WHERE collection = ? AND id = ?`

	nextVersion = `UPDATE store_meta SET value = value + 1 WHERE name = 'version' RETURNING value`
)

// row mirrors the documents table.
type row struct {
	Collection string `db:"collection"`
	ID         string `db:"id"`
	Data       string `db:"data"`
	Version    int64  `db:"version"`
	CreateTime string `db:"create_time"`
	UpdateTime string `db:"update_time"`
}
