package storage

import (
	"errors"
	"os"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "rfswitch-test-*.db")
	if err != nil {
		t.Fatalf("Failed to create temp db: %v", err)
	}
	tmpFile.Close()

	db, err := Open(tmpFile.Name())
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("Failed to open database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
		os.Remove(tmpFile.Name())
		os.Remove(tmpFile.Name() + "-wal")
		os.Remove(tmpFile.Name() + "-shm")
	})
	return db
}

func seedRoom(t *testing.T, db *DB) (*Apartment, *Room) {
	t.Helper()

	apt := &Apartment{Name: "Home"}
	if _, err := db.InsertApartment(apt); err != nil {
		t.Fatalf("InsertApartment failed: %v", err)
	}
	room := &Room{ApartmentID: apt.ID, Name: "Kitchen"}
	if _, err := db.InsertRoom(room); err != nil {
		t.Fatalf("InsertRoom failed: %v", err)
	}
	return apt, room
}

func TestReceiverConfigRoundTrip(t *testing.T) {
	db := openTestDB(t)
	_, room := seedRoom(t, db)

	tests := []struct {
		name   string
		config ReceiverConfig
	}{
		{"dip", DipSwitchConfig{Dips: []bool{true, false, true, true, false, false, true, false, false, true}}},
		{"master_slave", MasterSlaveConfig{Master: "C", Slave: 7}},
		{"auto_pair", AutoPairConfig{Seed: 123456789, Unit: 3}},
		{"universal", UniversalConfig{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Receiver{
				RoomID:  room.ID,
				Name:    "Receiver " + tt.name,
				Model:   "test",
				Config:  tt.config,
				Buttons: []Button{{Name: "ON"}, {Name: "OFF"}},
			}
			id, err := db.InsertReceiver(r)
			if err != nil {
				t.Fatalf("InsertReceiver failed: %v", err)
			}

			got, err := db.GetReceiver(id)
			if err != nil {
				t.Fatalf("GetReceiver failed: %v", err)
			}
			if got.Kind != tt.config.Kind() {
				t.Errorf("Kind = %q, want %q", got.Kind, tt.config.Kind())
			}
			if got.Config.Kind() != tt.config.Kind() {
				t.Errorf("Config kind = %q, want %q", got.Config.Kind(), tt.config.Kind())
			}
			if got.Repetitions != 1 {
				t.Errorf("Repetitions = %d, want default 1", got.Repetitions)
			}
			if len(got.Buttons) != 2 || got.Buttons[0].Name != "ON" || got.Buttons[1].Name != "OFF" {
				t.Errorf("Buttons = %+v, want ON, OFF", got.Buttons)
			}
			if got.Buttons[0].ID != r.Buttons[0].ID {
				t.Errorf("Button ID = %d, want %d", got.Buttons[0].ID, r.Buttons[0].ID)
			}
		})
	}

	// Spot check a decoded payload
	r, err := db.FindReceiverByName(room.ID, "Receiver master_slave")
	if err != nil {
		t.Fatalf("FindReceiverByName failed: %v", err)
	}
	ms, ok := r.Config.(MasterSlaveConfig)
	if !ok || ms.Master != "C" || ms.Slave != 7 {
		t.Errorf("Config = %#v, want master C slave 7", r.Config)
	}
}

func TestUnknownReceiverKind(t *testing.T) {
	if _, err := decodeReceiverConfig("laser", "{}"); err == nil {
		t.Error("Expected error for unknown receiver kind")
	}
	if _, err := decodeReceiverConfig(KindDipSwitch, "not json"); err == nil {
		t.Error("Expected error for malformed config")
	}
}

func TestInsertReceiverRequiresConfig(t *testing.T) {
	db := openTestDB(t)
	_, room := seedRoom(t, db)

	if _, err := db.InsertReceiver(&Receiver{RoomID: room.ID, Name: "Lamp"}); err == nil {
		t.Error("Expected error for receiver without config")
	}
}

func TestGatewayAssociations(t *testing.T) {
	db := openTestDB(t)
	apt, room := seedRoom(t, db)

	gw := &Gateway{
		Name:      "Hall",
		Model:     "ConnAir",
		LocalHost: "192.168.1.10",
		LocalPort: 49880,
		Timeout:   200 * time.Millisecond,
		Active:    true,
		SSIDs:     []string{"home-net", "home-5g"},
	}
	if _, err := db.InsertGateway(gw); err != nil {
		t.Fatalf("InsertGateway failed: %v", err)
	}

	r := &Receiver{RoomID: room.ID, Name: "Lamp", Model: "Universal", Config: UniversalConfig{},
		Buttons: []Button{{Name: "ON", Signal: "AAA"}}}
	if _, err := db.InsertReceiver(r); err != nil {
		t.Fatalf("InsertReceiver failed: %v", err)
	}

	if err := db.AddApartmentGateway(apt.ID, gw.ID); err != nil {
		t.Fatalf("AddApartmentGateway failed: %v", err)
	}
	// Adding twice is a no-op
	if err := db.AddApartmentGateway(apt.ID, gw.ID); err != nil {
		t.Fatalf("AddApartmentGateway failed: %v", err)
	}
	if err := db.AddReceiverGateway(r.ID, gw.ID); err != nil {
		t.Fatalf("AddReceiverGateway failed: %v", err)
	}

	gotApt, err := db.GetApartment(apt.ID)
	if err != nil {
		t.Fatalf("GetApartment failed: %v", err)
	}
	if len(gotApt.Gateways) != 1 {
		t.Fatalf("Apartment gateways = %d, want 1", len(gotApt.Gateways))
	}
	g := gotApt.Gateways[0]
	if g.Timeout != 200*time.Millisecond {
		t.Errorf("Timeout = %v, want 200ms", g.Timeout)
	}
	if !g.Active {
		t.Error("Gateway should be active")
	}
	if len(g.SSIDs) != 2 {
		t.Errorf("SSIDs = %v, want 2 entries", g.SSIDs)
	}

	gotRoom, err := db.GetRoom(room.ID)
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	if len(gotRoom.Gateways) != 0 {
		t.Errorf("Room gateways = %d, want 0", len(gotRoom.Gateways))
	}
	if len(gotRoom.Receivers) != 1 || len(gotRoom.Receivers[0].Gateways) != 1 {
		t.Errorf("Receiver gateways not loaded: %+v", gotRoom.Receivers)
	}
	if gotRoom.Receivers[0].Buttons[0].Signal != "AAA" {
		t.Errorf("Signal = %q, want AAA", gotRoom.Receivers[0].Buttons[0].Signal)
	}

	if err := db.SetGatewayActive(gw.ID, false); err != nil {
		t.Fatalf("SetGatewayActive failed: %v", err)
	}
	byHost, err := db.FindGatewayByHost("192.168.1.10")
	if err != nil {
		t.Fatalf("FindGatewayByHost failed: %v", err)
	}
	if byHost.Active {
		t.Error("Gateway should be inactive")
	}
}

func TestNotFound(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.GetReceiver(42); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetReceiver err = %v, want ErrNotFound", err)
	}
	if _, err := db.GetScene(42); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetScene err = %v, want ErrNotFound", err)
	}
	if _, err := db.FindApartmentByName("nowhere"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindApartmentByName err = %v, want ErrNotFound", err)
	}
	if _, err := db.GetSetting("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSetting err = %v, want ErrNotFound", err)
	}
	if err := db.SetLastActivatedButton(42, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetLastActivatedButton err = %v, want ErrNotFound", err)
	}
}

func TestSetLastActivatedButton(t *testing.T) {
	db := openTestDB(t)
	_, room := seedRoom(t, db)

	r := &Receiver{RoomID: room.ID, Name: "Lamp", Model: "Intertechno ITR-1500",
		Config: AutoPairConfig{Seed: 1, Unit: 0}, Buttons: []Button{{Name: "ON"}, {Name: "OFF"}}}
	if _, err := db.InsertReceiver(r); err != nil {
		t.Fatalf("InsertReceiver failed: %v", err)
	}

	if err := db.SetLastActivatedButton(r.ID, r.Buttons[1].ID); err != nil {
		t.Fatalf("SetLastActivatedButton failed: %v", err)
	}
	got, err := db.GetReceiver(r.ID)
	if err != nil {
		t.Fatalf("GetReceiver failed: %v", err)
	}
	if got.LastActivatedButtonID != r.Buttons[1].ID {
		t.Errorf("LastActivatedButtonID = %d, want %d", got.LastActivatedButtonID, r.Buttons[1].ID)
	}
}

func TestSceneItemsKeepOrder(t *testing.T) {
	db := openTestDB(t)
	apt, _ := seedRoom(t, db)

	s := &Scene{ApartmentID: apt.ID, Name: "Evening", Items: []SceneItem{
		{ReceiverID: 3, ButtonID: 30},
		{ReceiverID: 1, ButtonID: 10},
		{ReceiverID: 2, ButtonID: 20},
	}}
	if _, err := db.InsertScene(s); err != nil {
		t.Fatalf("InsertScene failed: %v", err)
	}

	got, err := db.FindSceneByName(apt.ID, "Evening")
	if err != nil {
		t.Fatalf("FindSceneByName failed: %v", err)
	}
	if len(got.Items) != 3 {
		t.Fatalf("Items = %d, want 3", len(got.Items))
	}
	for i, want := range []int64{3, 1, 2} {
		if got.Items[i].ReceiverID != want {
			t.Errorf("Items[%d].ReceiverID = %d, want %d", i, got.Items[i].ReceiverID, want)
		}
	}
}

func TestActionsAndBindings(t *testing.T) {
	db := openTestDB(t)

	pause := &Action{Kind: ActionPause, Pause: 1500 * time.Millisecond}
	if _, err := db.InsertAction(pause); err != nil {
		t.Fatalf("InsertAction failed: %v", err)
	}
	room := &Action{Kind: ActionRoom, ApartmentID: 1, RoomID: 2, ButtonName: "OFF"}
	if _, err := db.InsertAction(room); err != nil {
		t.Fatalf("InsertAction failed: %v", err)
	}
	if _, err := db.InsertAction(&Action{Kind: "teleport"}); err == nil {
		t.Error("Expected error for unknown action kind")
	}

	got, err := db.GetAction(pause.ID)
	if err != nil {
		t.Fatalf("GetAction failed: %v", err)
	}
	if got.Kind != ActionPause || got.Pause != 1500*time.Millisecond {
		t.Errorf("Action = %+v, want pause of 1.5s", got)
	}

	if err := db.BindAlarmEvent(SourceAlarmClock, "alarm_triggered", []int64{room.ID, pause.ID}); err != nil {
		t.Fatalf("BindAlarmEvent failed: %v", err)
	}
	ids, err := db.ActionIDsForAlarmEvent(SourceAlarmClock, "alarm_triggered")
	if err != nil {
		t.Fatalf("ActionIDsForAlarmEvent failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != room.ID || ids[1] != pause.ID {
		t.Errorf("ids = %v, want [%d %d]", ids, room.ID, pause.ID)
	}

	// Rebinding replaces the list
	if err := db.BindAlarmEvent(SourceAlarmClock, "alarm_triggered", []int64{pause.ID}); err != nil {
		t.Fatalf("BindAlarmEvent failed: %v", err)
	}
	ids, _ = db.ActionIDsForAlarmEvent(SourceAlarmClock, "alarm_triggered")
	if len(ids) != 1 {
		t.Errorf("ids = %v, want one entry", ids)
	}

	call := &CallEvent{Name: "Mom", Active: true, Direction: CallIncoming,
		PhoneNumbers: []string{"+4912345"}, ActionIDs: []int64{room.ID}}
	if _, err := db.InsertCallEvent(call); err != nil {
		t.Fatalf("InsertCallEvent failed: %v", err)
	}
	if _, err := db.InsertCallEvent(&CallEvent{Name: "Off", Active: false, Direction: CallOutgoing}); err != nil {
		t.Fatalf("InsertCallEvent failed: %v", err)
	}
	events, err := db.ListCallEvents()
	if err != nil {
		t.Fatalf("ListCallEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].PhoneNumbers[0] != "+4912345" || events[0].ActionIDs[0] != room.ID {
		t.Errorf("events = %+v, want only the active call event", events)
	}
}

func TestGeofenceAndTimer(t *testing.T) {
	db := openTestDB(t)

	g := &Geofence{Name: "Home", Active: true, Latitude: 52.5, Longitude: 13.4, Radius: 150,
		EnterActionIDs: []int64{4, 5}, ExitActionIDs: []int64{6}}
	if _, err := db.InsertGeofence(g); err != nil {
		t.Fatalf("InsertGeofence failed: %v", err)
	}
	if err := db.UpdateGeofenceState(g.ID, GeofenceInside); err != nil {
		t.Fatalf("UpdateGeofenceState failed: %v", err)
	}
	got, err := db.GetGeofence(g.ID)
	if err != nil {
		t.Fatalf("GetGeofence failed: %v", err)
	}
	if got.State != GeofenceInside {
		t.Errorf("State = %q, want inside", got.State)
	}
	if len(got.EnterActionIDs) != 2 || len(got.ExitActionIDs) != 1 {
		t.Errorf("actions = %v / %v", got.EnterActionIDs, got.ExitActionIDs)
	}

	tm := &Timer{Name: "Morning", Active: true, Kind: TimerWeekday, ExecuteAt: 7 * 60, DayMask: 0x3E,
		ActionIDs: []int64{1, 2}}
	if _, err := db.InsertTimer(tm); err != nil {
		t.Fatalf("InsertTimer failed: %v", err)
	}
	gotTimer, err := db.GetTimer(tm.ID)
	if err != nil {
		t.Fatalf("GetTimer failed: %v", err)
	}
	if !gotTimer.LastExecution.IsZero() {
		t.Errorf("LastExecution = %v, want zero", gotTimer.LastExecution)
	}

	at := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	if err := db.MarkTimerExecuted(tm.ID, at); err != nil {
		t.Fatalf("MarkTimerExecuted failed: %v", err)
	}
	gotTimer, _ = db.GetTimer(tm.ID)
	if !gotTimer.LastExecution.Equal(at) {
		t.Errorf("LastExecution = %v, want %v", gotTimer.LastExecution, at)
	}

	active, err := db.ListTimers(true)
	if err != nil {
		t.Fatalf("ListTimers failed: %v", err)
	}
	if len(active) != 1 || len(active[0].ActionIDs) != 2 {
		t.Errorf("active timers = %+v", active)
	}
}

func TestHistoryPrune(t *testing.T) {
	db := openTestDB(t)

	now := time.Now()
	for i, age := range []time.Duration{72 * time.Hour, 48 * time.Hour, time.Hour} {
		h := &HistoryItem{Time: now.Add(-age), Text: string(rune('A' + i))}
		if _, err := db.InsertHistory(h); err != nil {
			t.Fatalf("InsertHistory failed: %v", err)
		}
	}

	n, err := db.PruneHistory(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneHistory failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Pruned %d, want 2", n)
	}

	items, err := db.ListHistory(10)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(items) != 1 || items[0].Text != "C" {
		t.Errorf("History = %+v, want only C", items)
	}
}

func TestSettings(t *testing.T) {
	db := openTestDB(t)

	if err := db.SetSetting("active_apartment", "1"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := db.SetSetting("active_apartment", "2"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	v, err := db.GetSetting("active_apartment")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if v != "2" {
		t.Errorf("Setting = %q, want 2", v)
	}

	stats, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["apartments"] != 0 {
		t.Errorf("apartments = %d, want 0", stats["apartments"])
	}
}
