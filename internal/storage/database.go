package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"flowchat/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Open connects to the configured database for dbType (sqlite3 or mysql).
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, errors.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, errors.New("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite database")
		}
		// one connection: keeps :memory: databases shared and serializes writers
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "enable sqlite foreign keys")
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open mysql database")
		}
	default:
		return nil, errors.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return db, nil
}

// Migrate ensures the required tables are present. Every table carries an
// auto-increment seq column that fixes creation order; id is the opaque key.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS templates (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				system_prompt TEXT NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS rooms (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				template_id TEXT,
				default_model TEXT,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				room_id TEXT NOT NULL,
				parent_id TEXT,
				role TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				provider TEXT,
				model TEXT,
				summary TEXT,
				show_summary BOOLEAN NOT NULL DEFAULT 0,
				memory TEXT,
				embedding TEXT,
				error TEXT,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_id)`,
			`CREATE TABLE IF NOT EXISTS memories (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				content TEXT NOT NULL,
				scope TEXT NOT NULL,
				room_id TEXT,
				tags TEXT NOT NULL DEFAULT '[]',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope, room_id)`,
			`CREATE TABLE IF NOT EXISTS tool_calls (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				message_id TEXT NOT NULL,
				tool_name TEXT NOT NULL,
				parameters TEXT NOT NULL,
				result TEXT,
				position REAL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tool_calls_message ON tool_calls(message_id)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS templates (
				seq BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				id VARCHAR(36) NOT NULL,
				name VARCHAR(255) NOT NULL,
				system_prompt MEDIUMTEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (seq),
				UNIQUE KEY uniq_templates_id (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS rooms (
				seq BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				id VARCHAR(36) NOT NULL,
				name VARCHAR(255) NOT NULL,
				template_id VARCHAR(36),
				default_model VARCHAR(255),
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (seq),
				UNIQUE KEY uniq_rooms_id (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				seq BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				id VARCHAR(36) NOT NULL,
				room_id VARCHAR(36) NOT NULL,
				parent_id VARCHAR(36),
				role VARCHAR(50) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				provider VARCHAR(100),
				model VARCHAR(255),
				summary MEDIUMTEXT,
				show_summary TINYINT(1) NOT NULL DEFAULT 0,
				memory TEXT,
				embedding MEDIUMTEXT,
				error TEXT,
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (seq),
				UNIQUE KEY uniq_messages_id (id),
				INDEX idx_messages_room (room_id),
				INDEX idx_messages_parent (parent_id),
				CONSTRAINT fk_messages_room FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS memories (
				seq BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				id VARCHAR(36) NOT NULL,
				content TEXT NOT NULL,
				scope VARCHAR(20) NOT NULL,
				room_id VARCHAR(36),
				tags TEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (seq),
				UNIQUE KEY uniq_memories_id (id),
				INDEX idx_memories_scope (scope, room_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS tool_calls (
				seq BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				id VARCHAR(36) NOT NULL,
				message_id VARCHAR(36) NOT NULL,
				tool_name VARCHAR(100) NOT NULL,
				parameters MEDIUMTEXT NOT NULL,
				result MEDIUMTEXT,
				position DOUBLE,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (seq),
				UNIQUE KEY uniq_tool_calls_id (id),
				INDEX idx_tool_calls_message (message_id),
				CONSTRAINT fk_tool_calls_message FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return errors.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "migrate (%s)", driver)
		}
	}
	return nil
}
