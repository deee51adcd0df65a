// Package database はアカウントストアの接続とスキーマ管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDirty は前回のマイグレーションが途中で失敗し、スキーマが不整合な状態を表す。
// migrate force で状態を解消するまで新たな適用は行わない。
var ErrDirty = errors.New("accounts schema is in a dirty migration state")

// versioner は*migrate.Migrateのバージョン参照部分。
type versioner interface {
	Version() (version uint, dirty bool, err error)
}

// NewMigrator はaccountsスキーマ用のmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations は未適用のマイグレーションをすべて適用し、適用後のスキーマバージョンを返す。
// dirty状態のスキーマには適用せずErrDirtyを返す。
func RunMigrations(databaseURL string) (uint, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	before, err := checkVersion(m)
	if err != nil {
		return before, err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return before, fmt.Errorf("failed to run migrations: %w", err)
	}

	after, err := checkVersion(m)
	if err != nil {
		return after, err
	}

	slog.Info("accounts schema is up to date",
		slog.Uint64("from_version", uint64(before)),
		slog.Uint64("to_version", uint64(after)),
	)
	return after, nil
}

// checkVersion は適用済みバージョンを返す。未適用のスキーマは0とする。
func checkVersion(m versioner) (uint, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read migration version: %w", err)
	}
	if dirty {
		slog.Error("accounts schema is dirty",
			slog.Uint64("version", uint64(version)),
		)
		return version, fmt.Errorf("%w: version %d", ErrDirty, version)
	}
	return version, nil
}
