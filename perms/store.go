package perms

import (
	"context"
	"database/sql"

	"github.com/teranos/databroker/db"
	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/internal/util"
)

// Store loads users and their affiliations.
type Store struct {
	db *sql.DB
}

// NewStore creates a user store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// User loads a user with all affiliations.
func (s *Store) User(ctx context.Context, id int64) (*User, error) {
	u := &User{ID: id}
	var admin int
	err := s.db.QueryRowContext(ctx,
		`SELECT name, email, website_admin FROM users WHERE user_id = ?`, id,
	).Scan(&u.Name, &u.Email, &admin)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("user %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load user %d", id)
	}
	u.WebsiteAdmin = admin == 1

	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(cgac_code, ''), COALESCE(frec_code, ''), capabilities
		 FROM user_affiliations WHERE user_id = ? ORDER BY user_affiliation_id`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load affiliations for user %d", id)
	}
	defer rows.Close()

	for rows.Next() {
		var a Affiliation
		var caps string
		if err := rows.Scan(&a.CGACCode, &a.FRECCode, &caps); err != nil {
			return nil, errors.Wrap(err, "scan affiliation")
		}
		if a.Capabilities, err = ParseSet(caps); err != nil {
			return nil, errors.Wrapf(err, "user %d", id)
		}
		u.Affiliations = append(u.Affiliations, a)
	}
	return u, rows.Err()
}

// CreateUser inserts a user with affiliations and returns its id.
func (s *Store) CreateUser(ctx context.Context, u *User) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin create user")
	}
	defer tx.Rollback()

	admin := 0
	if u.WebsiteAdmin {
		admin = 1
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO users (name, email, website_admin) VALUES (?, ?, ?)`,
		u.Name, u.Email, admin)
	if db.IsUniqueViolation(err) {
		return 0, errors.Wrapf(errors.ErrConflict, "user %s already exists", u.Email)
	}
	if err != nil {
		return 0, errors.Wrap(err, "insert user")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "user id")
	}

	for _, a := range u.Affiliations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_affiliations (user_id, cgac_code, frec_code, capabilities) VALUES (?, ?, ?, ?)`,
			id, util.NullString(a.CGACCode), util.NullString(a.FRECCode), a.Capabilities.String()); err != nil {
			return 0, errors.Wrap(err, "insert affiliation")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit create user")
	}
	u.ID = id
	return id, nil
}
