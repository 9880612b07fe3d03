package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	dataDir         = "data"
	transactionsDir = "transactions"
)

var (
	// ErrInvalidServerID is returned for a zero server id.
	ErrInvalidServerID = errors.New("server id must be non-zero")

	// ErrInvalidDatabaseName is returned for an empty name or one containing '/'.
	ErrInvalidDatabaseName = errors.New("invalid database name")

	// ErrOutsideRoot is returned when a key does not belong to the database.
	ErrOutsideRoot = errors.New("path is outside the database root")
)

// RelativePath is a path inside a database's root.
type RelativePath struct {
	parts []string
}

// NewRelativePath builds a path from its parts. Empty parts are dropped.
func NewRelativePath(parts ...string) RelativePath {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			out = append(out, p)
		}
	}
	return RelativePath{parts: out}
}

// Parts returns a copy of the path components.
func (p RelativePath) Parts() []string {
	return append([]string(nil), p.parts...)
}

func (p RelativePath) String() string {
	return strings.Join(p.parts, "/")
}

// Transaction is a catalog transaction file.
type Transaction struct {
	Path RelativePath
}

// Database scopes a Store to one database. Every key lives under
// <server_id>/<db_name>/.
type Database struct {
	store    Store
	serverID uint32
	name     string
	root     string
}

// NewDatabase returns the view of store for one database.
func NewDatabase(store Store, serverID uint32, name string) (*Database, error) {
	if serverID == 0 {
		return nil, ErrInvalidServerID
	}
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDatabaseName, name)
	}
	return &Database{
		store:    store,
		serverID: serverID,
		name:     name,
		root:     strconv.FormatUint(uint64(serverID), 10) + "/" + name + "/",
	}, nil
}

// Name is the database name.
func (d *Database) Name() string { return d.name }

// ServerID is the owning server.
func (d *Database) ServerID() uint32 { return d.serverID }

// RootPath is <server_id>/<db_name>/.
func (d *Database) RootPath() string { return d.root }

// DataPath is where persisted parquet chunks go: <root>data/.
func (d *Database) DataPath() string { return d.root + dataDir + "/" }

// TransactionsPath holds catalog transaction files: <root>transactions/.
func (d *Database) TransactionsPath() string { return d.root + transactionsDir + "/" }

// Join turns a relative path into a full object key.
func (d *Database) Join(rel RelativePath) string {
	return d.root + rel.String()
}

// Relative strips the database root from a full key.
func (d *Database) Relative(full string) (RelativePath, error) {
	rest, ok := strings.CutPrefix(full, d.root)
	if !ok {
		return RelativePath{}, fmt.Errorf("%w: %s", ErrOutsideRoot, full)
	}
	return NewRelativePath(strings.Split(rest, "/")...), nil
}

func (d *Database) Put(ctx context.Context, rel RelativePath, data []byte) error {
	return d.store.Put(ctx, d.Join(rel), data)
}

func (d *Database) Get(ctx context.Context, rel RelativePath) ([]byte, error) {
	return d.store.Get(ctx, d.Join(rel))
}

func (d *Database) Delete(ctx context.Context, rel RelativePath) error {
	return d.store.Delete(ctx, d.Join(rel))
}

// List returns the relative paths of every object under prefix. An empty
// prefix lists the whole database.
func (d *Database) List(ctx context.Context, prefix RelativePath) ([]RelativePath, error) {
	key := d.root
	if len(prefix.parts) > 0 {
		key = d.Join(prefix) + "/"
	}
	objs, err := d.store.List(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]RelativePath, 0, len(objs))
	for _, o := range objs {
		rel, err := d.Relative(o.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}

// CatalogTransactions lists every catalog transaction file of the database.
func (d *Database) CatalogTransactions(ctx context.Context) ([]Transaction, error) {
	paths, err := d.List(ctx, NewRelativePath(transactionsDir))
	if err != nil {
		return nil, err
	}
	out := make([]Transaction, len(paths))
	for i, p := range paths {
		out[i] = Transaction{Path: p}
	}
	return out, nil
}

// TransactionPath is the relative path of a transaction file.
func TransactionPath(name string) RelativePath {
	return NewRelativePath(transactionsDir, name)
}

// ChunkPath is the relative path of a persisted chunk.
func ChunkPath(partition, table string, chunkID uint32) RelativePath {
	return NewRelativePath(dataDir, partition, table, strconv.FormatUint(uint64(chunkID), 10)+".parquet")
}
