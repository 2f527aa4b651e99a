package db

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/deemkeen/anancus/domain"
	"github.com/deemkeen/anancus/util"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

var (
	dbInstance *DB
	dbOnce     sync.Once
)

const DatabaseFileName = "anancus.db"

const (
	//Accounts
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts(
                        id uuid NOT NULL PRIMARY KEY,
                        username varchar(100) UNIQUE NOT NULL,
                        display_name text,
                        summary text,
                        web_public_key text,
                        web_private_key text,
                        created_at timestamp default current_timestamp
                        )`
	sqlInsertAccount           = `INSERT INTO accounts(id, username, display_name, summary, web_public_key, web_private_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountByUsername = `SELECT id, username, display_name, summary, web_public_key, web_private_key, created_at FROM accounts WHERE username = ?`
	sqlSelectAllAccounts       = `SELECT id, username, display_name, summary, web_public_key, web_private_key, created_at FROM accounts ORDER BY created_at`
)

// GetDB returns the process-wide database, opening it on first use.
func GetDB() *DB {
	dbOnce.Do(func() {
		dbPath := util.ResolveFilePath(DatabaseFileName)

		instance, err := Open(dbPath)
		if err != nil {
			panic(err)
		}

		log.Printf("Database initialized at %s", dbPath)
		dbInstance = instance
	})

	return dbInstance
}

// Open opens a sqlite database at the given DSN, applies connection pragmas
// and runs the schema migrations. Tests pass ":memory:".
func Open(dsn string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if dsn == ":memory:" {
		// Every pooled connection against :memory: would get its own database
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(25)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	// These need to be set as connection defaults
	sqlDB.Exec("PRAGMA journal_mode = WAL")
	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	db := &DB{db: sqlDB}

	if err := db.RunMigrations(); err != nil {
		return nil, err
	}

	return db, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.db.Close()
}

// EnsureAccount returns the account for username, creating it with a fresh
// 4096-bit keypair when missing. Key generation is slow, so the read path
// runs first.
func (db *DB) EnsureAccount(username string) (error, *domain.Account) {
	err, acc := db.ReadAccByUsername(username)
	if err == nil && acc != nil {
		return nil, acc
	}

	keypair := util.GeneratePemKeypair()
	acc = &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		WebPublicKey:  keypair.Public,
		WebPrivateKey: keypair.Private,
		CreatedAt:     time.Now(),
	}

	err = db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount, acc.Id.String(), acc.Username, acc.DisplayName, acc.Summary, acc.WebPublicKey, acc.WebPrivateKey, acc.CreatedAt)
		return err
	})
	if err != nil {
		log.Println("Creating new account failed: ", err)
		return err, nil
	}
	return nil, acc
}

func (db *DB) ReadAccByUsername(username string) (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectAccountByUsername, username)
	var tempAcc domain.Account
	var id string
	err := row.Scan(&id, &tempAcc.Username, &tempAcc.DisplayName, &tempAcc.Summary, &tempAcc.WebPublicKey, &tempAcc.WebPrivateKey, &tempAcc.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	tempAcc.Id, _ = uuid.Parse(id)
	return nil, &tempAcc
}

func (db *DB) ReadAllAccounts() (error, *[]domain.Account) {
	rows, err := db.db.Query(sqlSelectAllAccounts)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var accounts []domain.Account

	for rows.Next() {
		var acc domain.Account
		var id string
		if err := rows.Scan(&id, &acc.Username, &acc.DisplayName, &acc.Summary, &acc.WebPublicKey, &acc.WebPrivateKey, &acc.CreatedAt); err != nil {
			return err, &accounts
		}
		acc.Id, _ = uuid.Parse(id)
		accounts = append(accounts, acc)
	}
	if err = rows.Err(); err != nil {
		return err, &accounts
	}

	return nil, &accounts
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			log.Printf("error in transaction: %s", err)
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}
