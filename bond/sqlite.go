package bond

import (
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rigado/blesm"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations run on open. Each is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS bonds (
		address            TEXT NOT NULL,
		address_type       INTEGER NOT NULL,
		ltk                BLOB NOT NULL,
		ediv               INTEGER NOT NULL,
		rand               BLOB NOT NULL,
		csrk               BLOB NOT NULL,
		authenticated      INTEGER NOT NULL DEFAULT 0,
		secure_connections INTEGER NOT NULL DEFAULT 0,
		key_size           INTEGER NOT NULL,
		PRIMARY KEY (address, address_type)
	)`,
	`CREATE TABLE IF NOT EXISTS resolving (
		address      TEXT NOT NULL,
		address_type INTEGER NOT NULL,
		peer_irk     BLOB NOT NULL,
		local_irk    BLOB NOT NULL,
		PRIMARY KEY (address, address_type)
	)`,
}

// SQLiteStore keeps the lists in a SQLite database. Saving a list replaces
// the table contents in one transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "migration")
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) LoadBondedList() ([]blesm.BondedEntry, error) {
	rows, err := s.db.Query(`SELECT address, address_type, ltk, ediv, rand, csrk,
		authenticated, secure_connections, key_size FROM bonds ORDER BY rowid`)
	if err != nil {
		return nil, errors.Wrap(err, "query bonds")
	}
	defer rows.Close()

	var out []blesm.BondedEntry
	for rows.Next() {
		var (
			addr           string
			typ            uint8
			ltk, rnd, csrk []byte
			ediv           uint16
			auth, sc       bool
			keySize        uint8
		)
		if err := rows.Scan(&addr, &typ, &ltk, &ediv, &rnd, &csrk, &auth, &sc, &keySize); err != nil {
			return nil, errors.Wrap(err, "scan bond")
		}

		peer, err := blesm.ParseAddr(addr, blesm.AddrType(typ))
		if err != nil {
			return nil, err
		}
		e := blesm.BondedEntry{
			Peer:              peer,
			EDIV:              blesm.EDIV(ediv),
			Authenticated:     auth,
			SecureConnections: sc,
			KeySize:           keySize,
		}
		if err := copyBlob(e.LTK[:], ltk); err != nil {
			return nil, errors.Wrapf(err, "ltk of %s", peer)
		}
		if err := copyBlob(e.Rand[:], rnd); err != nil {
			return nil, errors.Wrapf(err, "rand of %s", peer)
		}
		if err := copyBlob(e.CSRK[:], csrk); err != nil {
			return nil, errors.Wrapf(err, "csrk of %s", peer)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveBondedList(list []blesm.BondedEntry) error {
	return s.replace("bonds", func(tx *sql.Tx) error {
		for _, e := range list {
			if _, err := tx.Exec(`INSERT INTO bonds (address, address_type, ltk, ediv, rand, csrk,
				authenticated, secure_connections, key_size) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.Peer.String(), uint8(e.Peer.Type), e.LTK[:], uint16(e.EDIV), e.Rand[:], e.CSRK[:],
				e.Authenticated, e.SecureConnections, e.KeySize); err != nil {
				return errors.Wrapf(err, "insert bond %s", e.Peer)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) LoadResolvingList() ([]blesm.ResolvingEntry, error) {
	rows, err := s.db.Query(`SELECT address, address_type, peer_irk, local_irk FROM resolving ORDER BY rowid`)
	if err != nil {
		return nil, errors.Wrap(err, "query resolving list")
	}
	defer rows.Close()

	var out []blesm.ResolvingEntry
	for rows.Next() {
		var (
			addr           string
			typ            uint8
			peerIRK, local []byte
		)
		if err := rows.Scan(&addr, &typ, &peerIRK, &local); err != nil {
			return nil, errors.Wrap(err, "scan identity")
		}

		peer, err := blesm.ParseAddr(addr, blesm.AddrType(typ))
		if err != nil {
			return nil, err
		}
		e := blesm.ResolvingEntry{Peer: peer}
		if err := copyBlob(e.PeerIRK[:], peerIRK); err != nil {
			return nil, errors.Wrapf(err, "irk of %s", peer)
		}
		if err := copyBlob(e.LocalIRK[:], local); err != nil {
			return nil, errors.Wrapf(err, "local irk for %s", peer)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveResolvingList(list []blesm.ResolvingEntry) error {
	return s.replace("resolving", func(tx *sql.Tx) error {
		for _, e := range list {
			if _, err := tx.Exec(`INSERT INTO resolving (address, address_type, peer_irk, local_irk)
				VALUES (?, ?, ?, ?)`,
				e.Peer.String(), uint8(e.Peer.Type), e.PeerIRK[:], e.LocalIRK[:]); err != nil {
				return errors.Wrapf(err, "insert identity %s", e.Peer)
			}
		}
		return nil
	})
}

// replace empties table and refills it with insert, atomically.
func (s *SQLiteStore) replace(table string, insert func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}

	if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "clear %s", table)
	}
	if err := insert(tx); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func copyBlob(dst, src []byte) error {
	if len(src) != len(dst) {
		return errors.Wrapf(blesm.ErrInvalidParameter, "want %d bytes, have %d", len(dst), len(src))
	}
	copy(dst, src)
	return nil
}
