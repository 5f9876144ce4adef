// Package directory is the single source of truth for known peers:
// zones, endpoints, their current connections and replication watermarks.
package directory

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/mon-mesh/pkg/logging"
)

var positionsBucket = []byte("log_positions")

// Client is the subset of a peer connection the directory needs:
// enough to close a connection that lost the most-recent-wins race.
type Client interface {
	Disconnect()
}

// Zone is a named group of endpoints sharing trust and replication scope.
type Zone struct {
	name      string
	endpoints map[string]struct{}
}

// Name returns the zone name.
func (z *Zone) Name() string { return z.name }

// HasEndpoint reports whether the named endpoint is a member of this zone.
func (z *Zone) HasEndpoint(name string) bool {
	_, ok := z.endpoints[name]
	return ok
}

// Endpoint is a known peer node. Its name matches the subject of the
// certificate the peer authenticates with.
type Endpoint struct {
	name    string
	zone    *Zone
	address string
	dir     *Directory

	mu                sync.Mutex
	localLogPosition  float64
	remoteLogPosition float64
	client            Client
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string { return e.name }

// Zone returns the zone this endpoint belongs to.
func (e *Endpoint) Zone() *Zone { return e.zone }

// Address returns the dial address, or "" when this node never dials the peer.
func (e *Endpoint) Address() string { return e.address }

// LocalLogPosition returns the latest timestamp this process has durably
// applied from this endpoint.
func (e *Endpoint) LocalLogPosition() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localLogPosition
}

// SetLocalLogPosition advances the local watermark. Calls with a timestamp
// not greater than the current value are silent no-ops. Persistence happens
// under the same mutex so the stored order matches the in-memory order.
func (e *Endpoint) SetLocalLogPosition(ts float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts <= e.localLogPosition {
		return
	}
	e.localLogPosition = ts

	if e.dir != nil {
		if err := e.dir.persistLocalPosition(e.name, ts); err != nil {
			logging.Warnf("[directory] cannot persist log position for endpoint %q: %v", e.name, err)
		}
	}
}

// RemoteLogPosition returns the latest timestamp this process has told the
// peer it has applied. Messages at or below it are stale duplicates.
func (e *Endpoint) RemoteLogPosition() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteLogPosition
}

// SetRemoteLogPosition advances the anti-replay watermark. Calls with a
// timestamp not greater than the current value are silent no-ops.
func (e *Endpoint) SetRemoteLogPosition(ts float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts <= e.remoteLogPosition {
		return
	}
	e.remoteLogPosition = ts
}

// SetClient installs the current connection for this endpoint.
// Most recent wins: a previous connection is disconnected.
func (e *Endpoint) SetClient(c Client) {
	e.mu.Lock()
	old := e.client
	e.client = c
	e.mu.Unlock()

	if old != nil && old != c {
		logging.Infof("[directory] replacing connection for endpoint %q", e.name)
		old.Disconnect()
	}
}

// RemoveClient clears the connection, but only if c is still the current
// one. A connection that was already replaced must not tear down its
// successor on the way out.
func (e *Endpoint) RemoveClient(c Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == c {
		e.client = nil
	}
}

// Client returns the current connection, or nil when the endpoint is not
// connected.
func (e *Endpoint) Client() Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

// Directory holds all known zones and endpoints for the process.
// Log positions are persisted so replay suppression survives restarts.
type Directory struct {
	mu        sync.RWMutex
	zones     map[string]*Zone
	endpoints map[string]*Endpoint
	localZone *Zone

	db *bbolt.DB
}

// Open creates a directory backed by a bbolt database at dbPath.
// An empty dbPath keeps everything in memory (tests, pki client mode).
func Open(dbPath string) (*Directory, error) {
	d := &Directory{
		zones:     make(map[string]*Zone),
		endpoints: make(map[string]*Endpoint),
	}
	if dbPath == "" {
		return d, nil
	}
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open directory database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(positionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	d.db = db
	return d, nil
}

// Close releases the underlying database.
func (d *Directory) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// AddZone registers a zone. Adding the same name twice returns the
// existing zone.
func (d *Directory) AddZone(name string) *Zone {
	d.mu.Lock()
	defer d.mu.Unlock()
	if z, ok := d.zones[name]; ok {
		return z
	}
	z := &Zone{name: name, endpoints: make(map[string]struct{})}
	d.zones[name] = z
	return z
}

// SetLocalZone marks the named zone as the process's own zone.
// Exactly one zone is local per process lifetime.
func (d *Directory) SetLocalZone(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	z, ok := d.zones[name]
	if !ok {
		return fmt.Errorf("local zone %q is not configured", name)
	}
	if d.localZone != nil && d.localZone != z {
		return fmt.Errorf("local zone already set to %q", d.localZone.name)
	}
	d.localZone = z
	return nil
}

// LocalZone returns the process's own zone, or nil before SetLocalZone.
func (d *Directory) LocalZone() *Zone {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localZone
}

// AddEndpoint registers an endpoint in the named zone. The persisted
// local log position, if any, is restored.
func (d *Directory) AddEndpoint(name, zoneName, address string) (*Endpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.endpoints[name]; ok {
		return nil, fmt.Errorf("endpoint %q already configured", name)
	}
	z, ok := d.zones[zoneName]
	if !ok {
		return nil, fmt.Errorf("endpoint %q references unknown zone %q", name, zoneName)
	}
	e := &Endpoint{name: name, zone: z, address: address, dir: d}
	if pos, ok := d.loadLocalPosition(name); ok {
		e.localLogPosition = pos
	}
	z.endpoints[name] = struct{}{}
	d.endpoints[name] = e
	return e, nil
}

// Endpoint returns the named endpoint, or nil when unknown.
func (d *Directory) Endpoint(name string) *Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.endpoints[name]
}

// Zone returns the named zone, or nil when unknown.
func (d *Directory) Zone(name string) *Zone {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.zones[name]
}

// Endpoints returns a snapshot of all known endpoints.
func (d *Directory) Endpoints() []*Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Endpoint, 0, len(d.endpoints))
	for _, e := range d.endpoints {
		out = append(out, e)
	}
	return out
}

func (d *Directory) persistLocalPosition(name string, ts float64) error {
	if d.db == nil {
		return nil
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(ts))
		return tx.Bucket(positionsBucket).Put([]byte(name), buf[:])
	})
}

func (d *Directory) loadLocalPosition(name string) (float64, bool) {
	if d.db == nil {
		return 0, false
	}
	var pos float64
	var found bool
	_ = d.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(positionsBucket).Get([]byte(name))
		if len(v) == 8 {
			pos = math.Float64frombits(binary.BigEndian.Uint64(v))
			found = true
		}
		return nil
	})
	return pos, found
}
