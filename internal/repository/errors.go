// Package repository holds the MySQL data access for activities, orders and
// items. Missing rows are reported with the apperr sentinels so the cache
// guard and services can classify them with errors.Is.
package repository

import (
	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
)

const (
	mysqlDuplicateEntry  = 1062 // ER_DUP_ENTRY
	mysqlNoReferencedRow = 1452 // ER_NO_REFERENCED_ROW_2
)

// isDuplicateKey reports whether err is a unique-key violation.
func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

func isForeignKeyViolation(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlNoReferencedRow
}

const dbTimeLayout = "2006-01-02 15:04:05.000"

func rollback(tx interface{ Rollback() error }) {
	_ = tx.Rollback()
}
