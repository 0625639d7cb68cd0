package store

import "database/sql"

func openLive(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=DELETE`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA locking_mode=NORMAL`); err != nil {
		return nil, err
	}
	return db, nil
}

// openReadOnly opens path using SQLite's immutable/read-only query mode so
// that pinned version stores cannot be written to even if Collection[T]'s
// own readonly? check were somehow bypassed.
func openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
