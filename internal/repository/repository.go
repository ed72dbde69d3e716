// Пакет repository — слой доступа к данным SQLite.
// Все запросы — чистый SQL через database/sql, без ORM.
// Каждое хранилище (каталог, индекс кэша, community) имеет свой
// репозиторий; мутации — одиночные атомарные операции.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrDuplicate — нарушение уникальности (ключ дедупликации, повторная оценка).
	ErrDuplicate = errors.New("запись уже существует")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *sql.DB, так и *sql.Tx, что позволяет использовать
// репозитории как внутри, так и вне транзакций.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// mapConstraintErr переводит нарушение UNIQUE-ограничения SQLite
// в ErrDuplicate. Остальные ошибки возвращаются как есть.
func mapConstraintErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed") {
		return ErrDuplicate
	}
	return err
}

// marshalStrings сериализует срез строк в JSON для хранения в TEXT-колонке.
// nil сериализуется как пустой массив.
func marshalStrings(vals []string) string {
	if len(vals) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// unmarshalStrings разбирает JSON-массив строк из TEXT-колонки.
// Некорректный JSON трактуется как пустой набор.
func unmarshalStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var vals []string
	if err := json.Unmarshal([]byte(raw), &vals); err != nil {
		return nil
	}
	return vals
}
