// Package postgres implements the storage repositories on PostgreSQL
// through sqlx and the pgx stdlib driver. Selectors and token amounts
// exceed int64, so they are stored as NUMERIC and read back as text.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vietddude/crosslane/internal/core/domain"
)

const uniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func selectorText(s domain.Selector) string {
	return strconv.FormatUint(uint64(s), 10)
}

func parseSelector(s string) (domain.Selector, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid selector %q: %w", s, err)
	}
	return domain.Selector(v), nil
}

func amountText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// assetColumns splits an optional asset into nullable columns.
func assetColumns(a *domain.TokenAmount) (sql.NullString, sql.NullString) {
	if a == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: a.Token.Hex(), Valid: true},
		sql.NullString{String: amountText(a.Amount), Valid: true}
}

func assetFromColumns(token, amount sql.NullString) (*domain.TokenAmount, error) {
	if !token.Valid {
		return nil, nil
	}
	v, err := parseAmount(amount.String)
	if err != nil {
		return nil, err
	}
	return &domain.TokenAmount{Token: common.HexToAddress(token.String), Amount: v}, nil
}

func hashText(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

func parseHash(s string) common.Hash {
	if s == "" {
		return common.Hash{}
	}
	return common.HexToHash(s)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func timeOrZero(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}
