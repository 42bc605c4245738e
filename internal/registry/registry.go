// Package registry is the durable record of every instance's identity, state
// and resource assignments. It is the only owner of Instance rows; the
// supervisor mutates them exclusively through registry-mediated transitions,
// each persisted before control returns to the caller.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/zer0touch/stoker/pkg/network"
)

// State is the lifecycle state of an instance. Transitions are driven by the
// supervisor: creating -> booting -> running -> stopping -> stopped, with
// failed reachable from creating, booting and running.
type State string

const (
	StateCreating State = "creating"
	StateBooting  State = "booting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Instance is one microVM as recorded on disk.
type Instance struct {
	ID         string // opaque short identifier, fc_{segment index hex}
	Name       string // user-chosen, unique
	Image      string // name of the image artifact it boots
	State      State
	PID        int // owning process, meaningful only while running/booting
	SocketPath string
	LogPath    string
	RootfsPath string
	Network    network.Assignment
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Registry wraps the sqlite database. Cross-process safety comes from WAL
// mode plus a busy timeout; cross-instance ordering from the supervisor's
// per-instance locks.
type Registry struct {
	db *sql.DB
}

// Open opens (creating if needed) the registry database and applies the
// schema.
func Open(ctx context.Context, path string) (*Registry, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

const instanceColumns = `id, name, image, state, pid, socket_path, log_path, rootfs_path,
	segment_index, segment, tap_device, mac_address, host_ip, guest_ip, created_at, updated_at`

// Upsert inserts a new instance or updates an existing one by id. A new
// instance whose name is already held returns ErrNameConflict.
func (r *Registry) Upsert(ctx context.Context, inst *Instance) error {
	now := time.Now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	query := `
		INSERT INTO instances (` + instanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			image = excluded.image,
			state = excluded.state,
			pid = excluded.pid,
			socket_path = excluded.socket_path,
			log_path = excluded.log_path,
			rootfs_path = excluded.rootfs_path,
			segment_index = excluded.segment_index,
			segment = excluded.segment,
			tap_device = excluded.tap_device,
			mac_address = excluded.mac_address,
			host_ip = excluded.host_ip,
			guest_ip = excluded.guest_ip,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		inst.ID, inst.Name, inst.Image, string(inst.State), inst.PID,
		inst.SocketPath, inst.LogPath, inst.RootfsPath,
		segmentIndexColumn(inst.Network), inst.Network.Segment.String(),
		inst.Network.TapDevice, inst.Network.MACAddress,
		addrColumn(inst.Network.HostIP), addrColumn(inst.Network.GuestIP),
		inst.CreatedAt.Unix(), inst.UpdatedAt.Unix())

	return mapConstraintError(err)
}

// UpdateState persists a lifecycle transition. The pid is written alongside
// because spawn confirmation and the booting transition happen together.
func (r *Registry) UpdateState(ctx context.Context, id string, state State, pid int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE instances SET state = ?, pid = ?, updated_at = ? WHERE id = ?`,
		string(state), pid, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// Get looks an instance up by id or by name.
func (r *Registry) Get(ctx context.Context, idOrName string) (*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE id = ? OR name = ?`
	row := r.db.QueryRowContext(ctx, query, idOrName, idOrName)

	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, idOrName)
	}
	if err != nil {
		return nil, err
	}

	return inst, nil
}

// List returns all instances ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances ORDER BY created_at ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}

	return instances, rows.Err()
}

// Delete removes an instance row. Deleting an absent row is a no-op so
// cleanup can always run to completion.
func (r *Registry) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	return err
}

// ActiveSegmentIndexes feeds the network allocator: segment indexes of every
// instance that still owns network resources.
func (r *Registry) ActiveSegmentIndexes(ctx context.Context) ([]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT segment_index FROM instances WHERE segment_index >= 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indexes []int
	for rows.Next() {
		var i int
		if err := rows.Scan(&i); err != nil {
			return nil, err
		}
		indexes = append(indexes, i)
	}

	return indexes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var inst Instance
	var state, segment, hostIP, guestIP string
	var created, updated int64

	err := row.Scan(&inst.ID, &inst.Name, &inst.Image, &state, &inst.PID,
		&inst.SocketPath, &inst.LogPath, &inst.RootfsPath,
		&inst.Network.Index, &segment, &inst.Network.TapDevice,
		&inst.Network.MACAddress, &hostIP, &guestIP, &created, &updated)
	if err != nil {
		return nil, err
	}

	inst.State = State(state)
	inst.CreatedAt = time.Unix(created, 0)
	inst.UpdatedAt = time.Unix(updated, 0)

	if segment != "" {
		if p, err := netip.ParsePrefix(segment); err == nil {
			inst.Network.Segment = p
		}
	}
	if hostIP != "" {
		if a, err := netip.ParseAddr(hostIP); err == nil {
			inst.Network.HostIP = a
		}
	}
	if guestIP != "" {
		if a, err := netip.ParseAddr(guestIP); err == nil {
			inst.Network.GuestIP = a
		}
	}

	return &inst, nil
}

func segmentIndexColumn(as network.Assignment) int {
	if as.TapDevice == "" && !as.HostIP.IsValid() {
		// No assignment attached yet.
		return -1
	}
	return as.Index
}

func addrColumn(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

func mapConstraintError(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(sqliteErr.Error(), "instances.name") {
		return ErrNameConflict
	}

	return err
}
