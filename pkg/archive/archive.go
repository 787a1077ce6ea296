// Package archive keeps named snapshots of bed meshes in a sqlite
// database so a calibration can be compared with or restored from an
// earlier one.
package archive

import (
	"context"
	"database/sql"
	"embed"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"meshmotion/pkg/errors"
	"meshmotion/pkg/log"
	"meshmotion/pkg/mesh"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is wrapped by lookups that match no snapshot.
var ErrNotFound = stderrors.New("snapshot not found")

// Snapshot is one archived mesh.
type Snapshot struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Note      string    `json:"note,omitempty"`
	Grid      mesh.Grid `json:"grid"`
	Defined   int       `json:"defined"`
	CreatedAt time.Time `json:"created_at"`

	blob []byte
}

// Mesh decodes the snapshot into a fresh mesh.
func (s Snapshot) Mesh() (*mesh.Mesh, error) {
	m, err := mesh.New(s.Grid)
	if err != nil {
		return nil, err
	}
	if err := m.UnmarshalBinary(s.blob); err != nil {
		return nil, err
	}
	return m, nil
}

type Store struct {
	db  *sql.DB
	log *log.Logger
	now func() time.Time
}

type Option func(*Store)

func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock replaces the creation time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the archive at path and brings its schema up to
// date.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.ArchiveError(err, "open")
	}
	// one connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.ArchiveError(err, "open")
	}
	s := &Store{db: db, log: log.Discard(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{log: s.log}
	return m, nil
}

// migrateUp applies pending migrations. The migrate instance is not
// closed because that would close the shared database handle.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return errors.ArchiveError(err, "migrate")
	}
	if err := m.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.ArchiveError(err, "migrate")
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, errors.ArchiveError(err, "version")
	}
	version, dirty, err := m.Version()
	if stderrors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct {
	log *log.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debug("[migrate] " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrateLogger) Verbose() bool { return l.log.Enabled(log.DEBUG) }

const snapshotColumns = `id, name, note, min_x, min_y, max_x, max_y, nx, ny, defined, z_values, created_at`

// Save archives the current heights of m under name.
func (s *Store) Save(ctx context.Context, name string, m *mesh.Mesh) (Snapshot, error) {
	if name == "" {
		return Snapshot{}, errors.MeshInvalid("snapshot name is empty")
	}
	blob, err := m.MarshalBinary()
	if err != nil {
		return Snapshot{}, errors.ArchiveError(err, "save")
	}
	snap := Snapshot{
		ID:        uuid.New(),
		Name:      name,
		Grid:      m.Grid(),
		Defined:   m.DefinedCount(),
		CreatedAt: s.now().UTC(),
		blob:      blob,
	}
	g := snap.Grid
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mesh_snapshots (`+snapshotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID.String(), snap.Name, snap.Note, g.MinX, g.MinY, g.MaxX, g.MaxY, g.NX, g.NY,
		snap.Defined, snap.blob, snap.CreatedAt.UnixNano())
	if err != nil {
		return Snapshot{}, errors.ArchiveError(err, "save")
	}
	s.log.WithFields(log.Fields{"id": snap.ID, "name": name, "defined": snap.Defined}).Info("mesh archived")
	return snap, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r rowScanner) (Snapshot, error) {
	var (
		snap    Snapshot
		id      string
		created int64
	)
	g := &snap.Grid
	if err := r.Scan(&id, &snap.Name, &snap.Note, &g.MinX, &g.MinY, &g.MaxX, &g.MaxY, &g.NX, &g.NY,
		&snap.Defined, &snap.blob, &created); err != nil {
		return Snapshot{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot id %q: %w", id, err)
	}
	snap.ID = parsed
	snap.CreatedAt = time.Unix(0, created).UTC()
	return snap, nil
}

func (s *Store) queryOne(ctx context.Context, op, query string, args ...any) (Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, args...))
	if stderrors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, errors.ArchiveError(ErrNotFound, op)
	}
	if err != nil {
		return Snapshot{}, errors.ArchiveError(err, op)
	}
	return snap, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	return s.queryOne(ctx, "get",
		`SELECT `+snapshotColumns+` FROM mesh_snapshots WHERE id = ?`, id.String())
}

// Latest returns the newest snapshot saved under name.
func (s *Store) Latest(ctx context.Context, name string) (Snapshot, error) {
	return s.queryOne(ctx, "latest",
		`SELECT `+snapshotColumns+` FROM mesh_snapshots WHERE name = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, name)
}

// List returns every snapshot, newest first.
func (s *Store) List(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM mesh_snapshots ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, errors.ArchiveError(err, "list")
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, errors.ArchiveError(err, "list")
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.ArchiveError(err, "list")
	}
	return out, nil
}

// Annotate replaces the free-form note of a snapshot.
func (s *Store) Annotate(ctx context.Context, id uuid.UUID, note string) error {
	return s.exec(ctx, "annotate", `UPDATE mesh_snapshots SET note = ? WHERE id = ?`, note, id.String())
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, "delete", `DELETE FROM mesh_snapshots WHERE id = ?`, id.String())
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.ArchiveError(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.ArchiveError(err, op)
	}
	if n == 0 {
		return errors.ArchiveError(ErrNotFound, op)
	}
	return nil
}

// Restore copies snapshot id into m. The grids must match exactly; m is
// left untouched otherwise.
func (s *Store) Restore(ctx context.Context, id uuid.UUID, m *mesh.Mesh) error {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if snap.Grid != m.Grid() {
		return errors.MeshInvalid(fmt.Sprintf("snapshot grid %dx%d (%g,%g)-(%g,%g) does not match the active mesh",
			snap.Grid.NX, snap.Grid.NY, snap.Grid.MinX, snap.Grid.MinY, snap.Grid.MaxX, snap.Grid.MaxY))
	}
	if err := m.UnmarshalBinary(snap.blob); err != nil {
		return err
	}
	s.log.WithField("id", id).Info("mesh restored")
	return nil
}
