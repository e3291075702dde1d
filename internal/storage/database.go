package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a referenced row does not exist
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS apartments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		position INTEGER DEFAULT 0,
		geofence_id INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		apartment_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		position INTEGER DEFAULT 0,
		FOREIGN KEY (apartment_id) REFERENCES apartments(id) ON DELETE CASCADE,
		UNIQUE(apartment_id, name)
	);

	-- kind is the discriminator for the JSON encoded config column
	CREATE TABLE IF NOT EXISTS receivers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		model TEXT NOT NULL,
		kind TEXT NOT NULL,
		config TEXT NOT NULL,
		position INTEGER DEFAULT 0,
		repetitions INTEGER DEFAULT 1,
		last_activated_button_id INTEGER DEFAULT 0,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE,
		UNIQUE(room_id, name)
	);

	CREATE TABLE IF NOT EXISTS buttons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		receiver_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		signal TEXT,
		position INTEGER DEFAULT 0,
		FOREIGN KEY (receiver_id) REFERENCES receivers(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_buttons_receiver ON buttons(receiver_id);

	CREATE TABLE IF NOT EXISTS gateways (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		model TEXT NOT NULL,
		firmware_version TEXT,
		local_host TEXT,
		local_port INTEGER DEFAULT 0,
		wan_host TEXT,
		wan_port INTEGER DEFAULT 0,
		timeout_ms INTEGER DEFAULT 0,
		active INTEGER DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS gateway_ssids (
		gateway_id INTEGER NOT NULL,
		ssid TEXT NOT NULL,
		FOREIGN KEY (gateway_id) REFERENCES gateways(id) ON DELETE CASCADE,
		UNIQUE(gateway_id, ssid)
	);

	CREATE TABLE IF NOT EXISTS apartment_gateways (
		apartment_id INTEGER NOT NULL,
		gateway_id INTEGER NOT NULL,
		FOREIGN KEY (apartment_id) REFERENCES apartments(id) ON DELETE CASCADE,
		FOREIGN KEY (gateway_id) REFERENCES gateways(id) ON DELETE CASCADE,
		UNIQUE(apartment_id, gateway_id)
	);

	CREATE TABLE IF NOT EXISTS room_gateways (
		room_id INTEGER NOT NULL,
		gateway_id INTEGER NOT NULL,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE,
		FOREIGN KEY (gateway_id) REFERENCES gateways(id) ON DELETE CASCADE,
		UNIQUE(room_id, gateway_id)
	);

	CREATE TABLE IF NOT EXISTS receiver_gateways (
		receiver_id INTEGER NOT NULL,
		gateway_id INTEGER NOT NULL,
		FOREIGN KEY (receiver_id) REFERENCES receivers(id) ON DELETE CASCADE,
		FOREIGN KEY (gateway_id) REFERENCES gateways(id) ON DELETE CASCADE,
		UNIQUE(receiver_id, gateway_id)
	);

	CREATE TABLE IF NOT EXISTS scenes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		apartment_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		FOREIGN KEY (apartment_id) REFERENCES apartments(id) ON DELETE CASCADE,
		UNIQUE(apartment_id, name)
	);

	-- No foreign keys: scene items may outlive their receivers
	CREATE TABLE IF NOT EXISTS scene_items (
		scene_id INTEGER NOT NULL,
		receiver_id INTEGER NOT NULL,
		button_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		FOREIGN KEY (scene_id) REFERENCES scenes(id) ON DELETE CASCADE
	);

	-- Actions reference their targets by ID only
	CREATE TABLE IF NOT EXISTS actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		apartment_id INTEGER DEFAULT 0,
		room_id INTEGER DEFAULT 0,
		receiver_id INTEGER DEFAULT 0,
		button_id INTEGER DEFAULT 0,
		button_name TEXT,
		scene_id INTEGER DEFAULT 0,
		pause_ms INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS geofences (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		apartment_id INTEGER DEFAULT 0,
		name TEXT NOT NULL,
		active INTEGER DEFAULT 1,
		latitude REAL,
		longitude REAL,
		radius REAL,
		state TEXT NOT NULL DEFAULT 'none'
	);

	CREATE TABLE IF NOT EXISTS geofence_actions (
		geofence_id INTEGER NOT NULL,
		event TEXT NOT NULL,
		action_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		FOREIGN KEY (geofence_id) REFERENCES geofences(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS timers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		active INTEGER DEFAULT 1,
		kind TEXT NOT NULL,
		execute_at INTEGER DEFAULT 0,
		day_mask INTEGER DEFAULT 0,
		interval_ms INTEGER DEFAULT 0,
		last_execution DATETIME
	);

	CREATE TABLE IF NOT EXISTS timer_actions (
		timer_id INTEGER NOT NULL,
		action_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		FOREIGN KEY (timer_id) REFERENCES timers(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS alarm_event_actions (
		source TEXT NOT NULL,
		event TEXT NOT NULL,
		action_id INTEGER NOT NULL,
		position INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alarm_event_actions ON alarm_event_actions(source, event);

	CREATE TABLE IF NOT EXISTS call_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		active INTEGER DEFAULT 1,
		direction TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS call_event_numbers (
		call_event_id INTEGER NOT NULL,
		phone_number TEXT NOT NULL,
		FOREIGN KEY (call_event_id) REFERENCES call_events(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS call_event_actions (
		call_event_id INTEGER NOT NULL,
		action_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		FOREIGN KEY (call_event_id) REFERENCES call_events(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time DATETIME NOT NULL,
		text TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_time ON history(time);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func notFound(what string, id interface{}, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return err
}

func durationMS(d time.Duration) int64 {
	return d.Milliseconds()
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// queryIDs runs a query returning a single integer column
func (db *DB) queryIDs(query string, args ...interface{}) ([]int64, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Apartment Operations ---

// InsertApartment inserts a new apartment and returns its ID
func (db *DB) InsertApartment(a *Apartment) (int64, error) {
	result, err := db.conn.Exec("INSERT INTO apartments (name, position, geofence_id) VALUES (?, ?, ?)",
		a.Name, a.Position, a.GeofenceID)
	if err != nil {
		return 0, err
	}
	a.ID, err = result.LastInsertId()
	return a.ID, err
}

// GetApartment retrieves an apartment with its gateways and geofence
func (db *DB) GetApartment(id int64) (*Apartment, error) {
	a := &Apartment{}
	err := db.conn.QueryRow("SELECT id, name, position, geofence_id FROM apartments WHERE id = ?", id).
		Scan(&a.ID, &a.Name, &a.Position, &a.GeofenceID)
	if err != nil {
		return nil, notFound("apartment", id, err)
	}
	return a, db.loadApartment(a)
}

// FindApartmentByName retrieves an apartment by its unique name
func (db *DB) FindApartmentByName(name string) (*Apartment, error) {
	a := &Apartment{}
	err := db.conn.QueryRow("SELECT id, name, position, geofence_id FROM apartments WHERE name = ?", name).
		Scan(&a.ID, &a.Name, &a.Position, &a.GeofenceID)
	if err != nil {
		return nil, notFound("apartment", name, err)
	}
	return a, db.loadApartment(a)
}

func (db *DB) loadApartment(a *Apartment) error {
	gateways, err := db.gatewaysFor("apartment_gateways", "apartment_id", a.ID)
	if err != nil {
		return err
	}
	a.Gateways = gateways

	if a.GeofenceID != 0 {
		g, err := db.GetGeofence(a.GeofenceID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		a.Geofence = g
	}
	return nil
}

// ListApartments retrieves all apartments ordered by position
func (db *DB) ListApartments() ([]*Apartment, error) {
	rows, err := db.conn.Query("SELECT id, name, position, geofence_id FROM apartments ORDER BY position, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apartments []*Apartment
	for rows.Next() {
		a := &Apartment{}
		if err := rows.Scan(&a.ID, &a.Name, &a.Position, &a.GeofenceID); err != nil {
			return nil, err
		}
		apartments = append(apartments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range apartments {
		if err := db.loadApartment(a); err != nil {
			return nil, err
		}
	}
	return apartments, nil
}

// SetApartmentGeofence links a geofence to an apartment
func (db *DB) SetApartmentGeofence(apartmentID, geofenceID int64) error {
	_, err := db.conn.Exec("UPDATE apartments SET geofence_id = ? WHERE id = ?", geofenceID, apartmentID)
	return err
}

// --- Room Operations ---

// InsertRoom inserts a new room and returns its ID
func (db *DB) InsertRoom(r *Room) (int64, error) {
	result, err := db.conn.Exec("INSERT INTO rooms (apartment_id, name, position) VALUES (?, ?, ?)",
		r.ApartmentID, r.Name, r.Position)
	if err != nil {
		return 0, err
	}
	r.ID, err = result.LastInsertId()
	return r.ID, err
}

// GetRoom retrieves a room with its receivers and gateways
func (db *DB) GetRoom(id int64) (*Room, error) {
	r := &Room{}
	err := db.conn.QueryRow("SELECT id, apartment_id, name, position FROM rooms WHERE id = ?", id).
		Scan(&r.ID, &r.ApartmentID, &r.Name, &r.Position)
	if err != nil {
		return nil, notFound("room", id, err)
	}
	return r, db.loadRoom(r)
}

// FindRoomByName retrieves a room of an apartment by name
func (db *DB) FindRoomByName(apartmentID int64, name string) (*Room, error) {
	r := &Room{}
	err := db.conn.QueryRow("SELECT id, apartment_id, name, position FROM rooms WHERE apartment_id = ? AND name = ?",
		apartmentID, name).Scan(&r.ID, &r.ApartmentID, &r.Name, &r.Position)
	if err != nil {
		return nil, notFound("room", name, err)
	}
	return r, db.loadRoom(r)
}

func (db *DB) loadRoom(r *Room) error {
	gateways, err := db.gatewaysFor("room_gateways", "room_id", r.ID)
	if err != nil {
		return err
	}
	r.Gateways = gateways

	ids, err := db.queryIDs("SELECT id FROM receivers WHERE room_id = ? ORDER BY position, id", r.ID)
	if err != nil {
		return err
	}
	r.Receivers = make([]*Receiver, 0, len(ids))
	for _, id := range ids {
		rcv, err := db.GetReceiver(id)
		if err != nil {
			return err
		}
		r.Receivers = append(r.Receivers, rcv)
	}
	return nil
}

// ListRooms retrieves all rooms of an apartment
func (db *DB) ListRooms(apartmentID int64) ([]*Room, error) {
	ids, err := db.queryIDs("SELECT id FROM rooms WHERE apartment_id = ? ORDER BY position, id", apartmentID)
	if err != nil {
		return nil, err
	}

	rooms := make([]*Room, 0, len(ids))
	for _, id := range ids {
		r, err := db.GetRoom(id)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, nil
}

// --- Receiver Operations ---

func encodeReceiverConfig(c ReceiverConfig) (ReceiverKind, string, error) {
	if c == nil {
		return "", "", fmt.Errorf("receiver config is required")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", "", err
	}
	return c.Kind(), string(data), nil
}

// decodeReceiverConfig rebuilds the config variant named by the discriminator
func decodeReceiverConfig(kind ReceiverKind, data string) (ReceiverConfig, error) {
	switch kind {
	case KindDipSwitch:
		var c DipSwitchConfig
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("invalid dip switch config: %w", err)
		}
		return c, nil
	case KindMasterSlave:
		var c MasterSlaveConfig
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("invalid master/slave config: %w", err)
		}
		return c, nil
	case KindAutoPair:
		var c AutoPairConfig
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("invalid auto pair config: %w", err)
		}
		return c, nil
	case KindUniversal:
		return UniversalConfig{}, nil
	default:
		return nil, fmt.Errorf("unknown receiver kind %q", kind)
	}
}

// InsertReceiver inserts a receiver together with its buttons
func (db *DB) InsertReceiver(r *Receiver) (int64, error) {
	kind, config, err := encodeReceiverConfig(r.Config)
	if err != nil {
		return 0, err
	}
	if r.Repetitions < 1 {
		r.Repetitions = 1
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`INSERT INTO receivers (room_id, name, model, kind, config, position, repetitions)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RoomID, r.Name, r.Model, kind, config, r.Position, r.Repetitions)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	for i := range r.Buttons {
		b := &r.Buttons[i]
		res, err := tx.Exec("INSERT INTO buttons (receiver_id, name, signal, position) VALUES (?, ?, ?, ?)",
			id, b.Name, b.Signal, i)
		if err != nil {
			return 0, err
		}
		if b.ID, err = res.LastInsertId(); err != nil {
			return 0, err
		}
		b.ReceiverID = id
		b.Position = i
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	r.ID = id
	r.Kind = kind
	return id, nil
}

// GetReceiver retrieves a receiver with its buttons and gateways
func (db *DB) GetReceiver(id int64) (*Receiver, error) {
	r := &Receiver{}
	var kind, config string
	err := db.conn.QueryRow(`SELECT id, room_id, name, model, kind, config, position, repetitions,
		last_activated_button_id FROM receivers WHERE id = ?`, id).
		Scan(&r.ID, &r.RoomID, &r.Name, &r.Model, &kind, &config, &r.Position, &r.Repetitions,
			&r.LastActivatedButtonID)
	if err != nil {
		return nil, notFound("receiver", id, err)
	}

	r.Kind = ReceiverKind(kind)
	if r.Config, err = decodeReceiverConfig(r.Kind, config); err != nil {
		return nil, fmt.Errorf("receiver %d: %w", id, err)
	}

	if r.Buttons, err = db.buttonsFor(r.ID); err != nil {
		return nil, err
	}
	if r.Gateways, err = db.gatewaysFor("receiver_gateways", "receiver_id", r.ID); err != nil {
		return nil, err
	}
	return r, nil
}

// FindReceiverByName retrieves a receiver of a room by name
func (db *DB) FindReceiverByName(roomID int64, name string) (*Receiver, error) {
	var id int64
	err := db.conn.QueryRow("SELECT id FROM receivers WHERE room_id = ? AND name = ?", roomID, name).Scan(&id)
	if err != nil {
		return nil, notFound("receiver", name, err)
	}
	return db.GetReceiver(id)
}

// DeleteReceiver removes a receiver and its buttons
func (db *DB) DeleteReceiver(id int64) error {
	_, err := db.conn.Exec("DELETE FROM receivers WHERE id = ?", id)
	return err
}

// SetLastActivatedButton records the button a receiver was last switched with
func (db *DB) SetLastActivatedButton(receiverID, buttonID int64) error {
	result, err := db.conn.Exec("UPDATE receivers SET last_activated_button_id = ? WHERE id = ?", buttonID, receiverID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("receiver %d: %w", receiverID, ErrNotFound)
	}
	return nil
}

func (db *DB) buttonsFor(receiverID int64) ([]Button, error) {
	rows, err := db.conn.Query(`SELECT id, receiver_id, name, signal, position FROM buttons
		WHERE receiver_id = ? ORDER BY position, id`, receiverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buttons []Button
	for rows.Next() {
		var b Button
		var signal sql.NullString
		if err := rows.Scan(&b.ID, &b.ReceiverID, &b.Name, &signal, &b.Position); err != nil {
			return nil, err
		}
		b.Signal = signal.String
		buttons = append(buttons, b)
	}
	return buttons, rows.Err()
}

// --- Gateway Operations ---

// InsertGateway inserts a new gateway and its SSID allow-list
func (db *DB) InsertGateway(g *Gateway) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`INSERT INTO gateways (name, model, firmware_version, local_host, local_port,
		wan_host, wan_port, timeout_ms, active) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.Name, g.Model, g.FirmwareVersion, g.LocalHost, g.LocalPort, g.WANHost, g.WANPort,
		durationMS(g.Timeout), g.Active)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, ssid := range g.SSIDs {
		if _, err := tx.Exec("INSERT OR IGNORE INTO gateway_ssids (gateway_id, ssid) VALUES (?, ?)", id, ssid); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	g.ID = id
	return id, nil
}

const gatewayColumns = `g.id, g.name, g.model, g.firmware_version, g.local_host, g.local_port,
	g.wan_host, g.wan_port, g.timeout_ms, g.active`

func scanGateway(row interface{ Scan(...interface{}) error }) (*Gateway, error) {
	g := &Gateway{}
	var fw, local, wan sql.NullString
	var timeoutMS int64
	if err := row.Scan(&g.ID, &g.Name, &g.Model, &fw, &local, &g.LocalPort, &wan, &g.WANPort,
		&timeoutMS, &g.Active); err != nil {
		return nil, err
	}
	g.FirmwareVersion = fw.String
	g.LocalHost = local.String
	g.WANHost = wan.String
	g.Timeout = msDuration(timeoutMS)
	return g, nil
}

// GetGateway retrieves a gateway by ID
func (db *DB) GetGateway(id int64) (*Gateway, error) {
	g, err := scanGateway(db.conn.QueryRow("SELECT "+gatewayColumns+" FROM gateways g WHERE g.id = ?", id))
	if err != nil {
		return nil, notFound("gateway", id, err)
	}
	if g.SSIDs, err = db.ssidsFor(g.ID); err != nil {
		return nil, err
	}
	return g, nil
}

// FindGatewayByHost retrieves a gateway by its local address
func (db *DB) FindGatewayByHost(host string) (*Gateway, error) {
	g, err := scanGateway(db.conn.QueryRow("SELECT "+gatewayColumns+" FROM gateways g WHERE g.local_host = ?", host))
	if err != nil {
		return nil, notFound("gateway", host, err)
	}
	if g.SSIDs, err = db.ssidsFor(g.ID); err != nil {
		return nil, err
	}
	return g, nil
}

// ListGateways retrieves all gateways
func (db *DB) ListGateways() ([]*Gateway, error) {
	return db.queryGateways("SELECT " + gatewayColumns + " FROM gateways g ORDER BY g.id")
}

// SetGatewayActive enables or disables a gateway
func (db *DB) SetGatewayActive(id int64, active bool) error {
	_, err := db.conn.Exec("UPDATE gateways SET active = ? WHERE id = ?", active, id)
	return err
}

// gatewaysFor loads the gateways associated through one of the join tables
func (db *DB) gatewaysFor(table, column string, id int64) ([]*Gateway, error) {
	query := fmt.Sprintf(`SELECT %s FROM gateways g JOIN %s j ON j.gateway_id = g.id
		WHERE j.%s = ? ORDER BY g.id`, gatewayColumns, table, column)
	return db.queryGateways(query, id)
}

func (db *DB) queryGateways(query string, args ...interface{}) ([]*Gateway, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}

	var gateways []*Gateway
	for rows.Next() {
		g, err := scanGateway(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		gateways = append(gateways, g)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, g := range gateways {
		if g.SSIDs, err = db.ssidsFor(g.ID); err != nil {
			return nil, err
		}
	}
	return gateways, nil
}

func (db *DB) ssidsFor(gatewayID int64) ([]string, error) {
	rows, err := db.conn.Query("SELECT ssid FROM gateway_ssids WHERE gateway_id = ? ORDER BY ssid", gatewayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ssids []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		ssids = append(ssids, s)
	}
	return ssids, rows.Err()
}

// AddApartmentGateway associates a gateway with an apartment
func (db *DB) AddApartmentGateway(apartmentID, gatewayID int64) error {
	_, err := db.conn.Exec("INSERT OR IGNORE INTO apartment_gateways (apartment_id, gateway_id) VALUES (?, ?)",
		apartmentID, gatewayID)
	return err
}

// AddRoomGateway associates a gateway with a room
func (db *DB) AddRoomGateway(roomID, gatewayID int64) error {
	_, err := db.conn.Exec("INSERT OR IGNORE INTO room_gateways (room_id, gateway_id) VALUES (?, ?)",
		roomID, gatewayID)
	return err
}

// AddReceiverGateway associates a gateway with a receiver
func (db *DB) AddReceiverGateway(receiverID, gatewayID int64) error {
	_, err := db.conn.Exec("INSERT OR IGNORE INTO receiver_gateways (receiver_id, gateway_id) VALUES (?, ?)",
		receiverID, gatewayID)
	return err
}

// --- Scene Operations ---

// InsertScene inserts a scene and its ordered items
func (db *DB) InsertScene(s *Scene) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec("INSERT INTO scenes (apartment_id, name) VALUES (?, ?)", s.ApartmentID, s.Name)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	for i, item := range s.Items {
		if _, err := tx.Exec("INSERT INTO scene_items (scene_id, receiver_id, button_id, position) VALUES (?, ?, ?, ?)",
			id, item.ReceiverID, item.ButtonID, i); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.ID = id
	return id, nil
}

// GetScene retrieves a scene with its items
func (db *DB) GetScene(id int64) (*Scene, error) {
	s := &Scene{}
	err := db.conn.QueryRow("SELECT id, apartment_id, name FROM scenes WHERE id = ?", id).
		Scan(&s.ID, &s.ApartmentID, &s.Name)
	if err != nil {
		return nil, notFound("scene", id, err)
	}
	return s, db.loadSceneItems(s)
}

// FindSceneByName retrieves a scene of an apartment by name
func (db *DB) FindSceneByName(apartmentID int64, name string) (*Scene, error) {
	s := &Scene{}
	err := db.conn.QueryRow("SELECT id, apartment_id, name FROM scenes WHERE apartment_id = ? AND name = ?",
		apartmentID, name).Scan(&s.ID, &s.ApartmentID, &s.Name)
	if err != nil {
		return nil, notFound("scene", name, err)
	}
	return s, db.loadSceneItems(s)
}

// ListScenes retrieves all scenes of an apartment
func (db *DB) ListScenes(apartmentID int64) ([]*Scene, error) {
	ids, err := db.queryIDs("SELECT id FROM scenes WHERE apartment_id = ? ORDER BY id", apartmentID)
	if err != nil {
		return nil, err
	}
	scenes := make([]*Scene, 0, len(ids))
	for _, id := range ids {
		s, err := db.GetScene(id)
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, s)
	}
	return scenes, nil
}

func (db *DB) loadSceneItems(s *Scene) error {
	rows, err := db.conn.Query("SELECT receiver_id, button_id FROM scene_items WHERE scene_id = ? ORDER BY position", s.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	s.Items = nil
	for rows.Next() {
		var item SceneItem
		if err := rows.Scan(&item.ReceiverID, &item.ButtonID); err != nil {
			return err
		}
		s.Items = append(s.Items, item)
	}
	return rows.Err()
}

// --- Action Operations ---

// InsertAction inserts a new action and returns its ID
func (db *DB) InsertAction(a *Action) (int64, error) {
	switch a.Kind {
	case ActionReceiver, ActionRoom, ActionScene, ActionPause:
	default:
		return 0, fmt.Errorf("unknown action kind %q", a.Kind)
	}

	result, err := db.conn.Exec(`INSERT INTO actions (kind, apartment_id, room_id, receiver_id, button_id,
		button_name, scene_id, pause_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Kind, a.ApartmentID, a.RoomID, a.ReceiverID, a.ButtonID, a.ButtonName, a.SceneID, durationMS(a.Pause))
	if err != nil {
		return 0, err
	}
	a.ID, err = result.LastInsertId()
	return a.ID, err
}

// GetAction retrieves an action by ID
func (db *DB) GetAction(id int64) (*Action, error) {
	a := &Action{}
	var kind string
	var buttonName sql.NullString
	var pauseMS int64
	err := db.conn.QueryRow(`SELECT id, kind, apartment_id, room_id, receiver_id, button_id, button_name,
		scene_id, pause_ms FROM actions WHERE id = ?`, id).
		Scan(&a.ID, &kind, &a.ApartmentID, &a.RoomID, &a.ReceiverID, &a.ButtonID, &buttonName, &a.SceneID, &pauseMS)
	if err != nil {
		return nil, notFound("action", id, err)
	}
	a.Kind = ActionKind(kind)
	a.ButtonName = buttonName.String
	a.Pause = msDuration(pauseMS)
	return a, nil
}

// --- Geofence Operations ---

// InsertGeofence inserts a geofence with its enter and exit actions
func (db *DB) InsertGeofence(g *Geofence) (int64, error) {
	if g.State == "" {
		g.State = GeofenceNone
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`INSERT INTO geofences (apartment_id, name, active, latitude, longitude, radius, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ApartmentID, g.Name, g.Active, g.Latitude, g.Longitude, g.Radius, g.State)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	bind := func(event string, ids []int64) error {
		for i, actionID := range ids {
			if _, err := tx.Exec("INSERT INTO geofence_actions (geofence_id, event, action_id, position) VALUES (?, ?, ?, ?)",
				id, event, actionID, i); err != nil {
				return err
			}
		}
		return nil
	}
	if err := bind("enter", g.EnterActionIDs); err != nil {
		return 0, err
	}
	if err := bind("exit", g.ExitActionIDs); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	g.ID = id
	return id, nil
}

// GetGeofence retrieves a geofence with its action lists
func (db *DB) GetGeofence(id int64) (*Geofence, error) {
	g := &Geofence{}
	var state string
	err := db.conn.QueryRow(`SELECT id, apartment_id, name, active, latitude, longitude, radius, state
		FROM geofences WHERE id = ?`, id).
		Scan(&g.ID, &g.ApartmentID, &g.Name, &g.Active, &g.Latitude, &g.Longitude, &g.Radius, &state)
	if err != nil {
		return nil, notFound("geofence", id, err)
	}
	g.State = GeofenceState(state)

	const q = "SELECT action_id FROM geofence_actions WHERE geofence_id = ? AND event = ? ORDER BY position"
	if g.EnterActionIDs, err = db.queryIDs(q, id, "enter"); err != nil {
		return nil, err
	}
	if g.ExitActionIDs, err = db.queryIDs(q, id, "exit"); err != nil {
		return nil, err
	}
	return g, nil
}

// UpdateGeofenceState stores the last known geofence state
func (db *DB) UpdateGeofenceState(id int64, state GeofenceState) error {
	_, err := db.conn.Exec("UPDATE geofences SET state = ? WHERE id = ?", state, id)
	return err
}

// --- Timer Operations ---

// InsertTimer inserts a timer with its actions
func (db *DB) InsertTimer(t *Timer) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var last sql.NullTime
	if !t.LastExecution.IsZero() {
		last = sql.NullTime{Time: t.LastExecution.UTC(), Valid: true}
	}

	result, err := tx.Exec(`INSERT INTO timers (name, active, kind, execute_at, day_mask, interval_ms, last_execution)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.Active, t.Kind, t.ExecuteAt, t.DayMask, durationMS(t.Interval), last)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	for i, actionID := range t.ActionIDs {
		if _, err := tx.Exec("INSERT INTO timer_actions (timer_id, action_id, position) VALUES (?, ?, ?)",
			id, actionID, i); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

// GetTimer retrieves a timer with its actions
func (db *DB) GetTimer(id int64) (*Timer, error) {
	t := &Timer{}
	var kind string
	var intervalMS int64
	var last sql.NullTime
	err := db.conn.QueryRow(`SELECT id, name, active, kind, execute_at, day_mask, interval_ms, last_execution
		FROM timers WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.Active, &kind, &t.ExecuteAt, &t.DayMask, &intervalMS, &last)
	if err != nil {
		return nil, notFound("timer", id, err)
	}
	t.Kind = TimerKind(kind)
	t.Interval = msDuration(intervalMS)
	if last.Valid {
		t.LastExecution = last.Time
	}

	t.ActionIDs, err = db.queryIDs("SELECT action_id FROM timer_actions WHERE timer_id = ? ORDER BY position", id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTimers retrieves all timers, optionally only active ones
func (db *DB) ListTimers(activeOnly bool) ([]*Timer, error) {
	query := "SELECT id FROM timers ORDER BY id"
	if activeOnly {
		query = "SELECT id FROM timers WHERE active = 1 ORDER BY id"
	}
	ids, err := db.queryIDs(query)
	if err != nil {
		return nil, err
	}

	timers := make([]*Timer, 0, len(ids))
	for _, id := range ids {
		t, err := db.GetTimer(id)
		if err != nil {
			return nil, err
		}
		timers = append(timers, t)
	}
	return timers, nil
}

// MarkTimerExecuted stores the time a timer last fired
func (db *DB) MarkTimerExecuted(id int64, at time.Time) error {
	_, err := db.conn.Exec("UPDATE timers SET last_execution = ? WHERE id = ?", at.UTC(), id)
	return err
}

// --- Alarm and Call Event Operations ---

// BindAlarmEvent replaces the actions executed for an alarm event
func (db *DB) BindAlarmEvent(source, event string, actionIDs []int64) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM alarm_event_actions WHERE source = ? AND event = ?", source, event); err != nil {
		return err
	}
	for i, id := range actionIDs {
		if _, err := tx.Exec("INSERT INTO alarm_event_actions (source, event, action_id, position) VALUES (?, ?, ?, ?)",
			source, event, id, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ActionIDsForAlarmEvent retrieves the ordered actions bound to an alarm event
func (db *DB) ActionIDsForAlarmEvent(source, event string) ([]int64, error) {
	return db.queryIDs("SELECT action_id FROM alarm_event_actions WHERE source = ? AND event = ? ORDER BY position",
		source, event)
}

// InsertCallEvent inserts a call event with its numbers and actions
func (db *DB) InsertCallEvent(c *CallEvent) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec("INSERT INTO call_events (name, active, direction) VALUES (?, ?, ?)",
		c.Name, c.Active, c.Direction)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, n := range c.PhoneNumbers {
		if _, err := tx.Exec("INSERT INTO call_event_numbers (call_event_id, phone_number) VALUES (?, ?)", id, n); err != nil {
			return 0, err
		}
	}
	for i, actionID := range c.ActionIDs {
		if _, err := tx.Exec("INSERT INTO call_event_actions (call_event_id, action_id, position) VALUES (?, ?, ?)",
			id, actionID, i); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	c.ID = id
	return id, nil
}

// ListCallEvents retrieves all active call events
func (db *DB) ListCallEvents() ([]*CallEvent, error) {
	rows, err := db.conn.Query("SELECT id, name, active, direction FROM call_events WHERE active = 1 ORDER BY id")
	if err != nil {
		return nil, err
	}

	var events []*CallEvent
	for rows.Next() {
		c := &CallEvent{}
		if err := rows.Scan(&c.ID, &c.Name, &c.Active, &c.Direction); err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, c)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, c := range events {
		numbers, err := db.conn.Query("SELECT phone_number FROM call_event_numbers WHERE call_event_id = ?", c.ID)
		if err != nil {
			return nil, err
		}
		for numbers.Next() {
			var n string
			if err := numbers.Scan(&n); err != nil {
				numbers.Close()
				return nil, err
			}
			c.PhoneNumbers = append(c.PhoneNumbers, n)
		}
		numbers.Close()

		c.ActionIDs, err = db.queryIDs("SELECT action_id FROM call_event_actions WHERE call_event_id = ? ORDER BY position", c.ID)
		if err != nil {
			return nil, err
		}
	}
	return events, nil
}

// --- History Operations ---

// InsertHistory appends an entry to the history log
func (db *DB) InsertHistory(h *HistoryItem) (int64, error) {
	if h.Time.IsZero() {
		h.Time = time.Now()
	}
	result, err := db.conn.Exec("INSERT INTO history (time, text) VALUES (?, ?)", h.Time.UTC(), h.Text)
	if err != nil {
		return 0, err
	}
	h.ID, err = result.LastInsertId()
	return h.ID, err
}

// ListHistory retrieves the newest history entries first
func (db *DB) ListHistory(limit int) ([]*HistoryItem, error) {
	rows, err := db.conn.Query("SELECT id, time, text FROM history ORDER BY time DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*HistoryItem
	for rows.Next() {
		h := &HistoryItem{}
		if err := rows.Scan(&h.ID, &h.Time, &h.Text); err != nil {
			return nil, err
		}
		items = append(items, h)
	}
	return items, rows.Err()
}

// PruneHistory deletes entries older than the given time
func (db *DB) PruneHistory(before time.Time) (int64, error) {
	result, err := db.conn.Exec("DELETE FROM history WHERE time < ?", before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Settings ---

// GetSetting retrieves a stored preference
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		return "", notFound("setting", key, err)
	}
	return value, nil
}

// SetSetting stores a preference
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// Stats returns row counts of the main tables
func (db *DB) Stats() (map[string]int64, error) {
	tables := []string{"apartments", "rooms", "receivers", "gateways", "scenes", "actions",
		"timers", "geofences", "call_events", "history"}

	stats := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		if err := db.conn.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		stats[table] = n
	}
	return stats, nil
}
