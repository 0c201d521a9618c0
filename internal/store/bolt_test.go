package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"greenhouse-broker/internal/history"
	"greenhouse-broker/internal/state"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fptr(v float64) *float64 { return &v }

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &state.Device{
		DeviceID:     "esp32_greenhouse_1",
		DeviceName:   "Main Greenhouse",
		DeviceType:   "esp32",
		AutoMode:     true,
		Thresholds:   state.DefaultThresholds(),
		RegisteredAt: time.Now().Truncate(time.Millisecond),
		LastSeen:     time.Now().Truncate(time.Millisecond),
		Sensors: state.Sensors{
			AirTemperature: fptr(26.5),
			SoilMoisture:   fptr(41.0),
		},
		Controllers: state.Controllers{Fan: true, FanSpeed: 100, ServoAngle: 90},
	}

	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.DeviceID)
	if err != nil {
		t.Fatal(err)
	}

	if got.DeviceID != dev.DeviceID {
		t.Errorf("device_id = %q, want %q", got.DeviceID, dev.DeviceID)
	}
	if got.DeviceName != dev.DeviceName {
		t.Errorf("device_name = %q, want %q", got.DeviceName, dev.DeviceName)
	}
	if !got.AutoMode {
		t.Error("auto_mode = false, want true")
	}
	if got.Sensors.AirTemperature == nil || *got.Sensors.AirTemperature != 26.5 {
		t.Errorf("air_temperature = %v, want 26.5", got.Sensors.AirTemperature)
	}
	if got.Sensors.AirHumidity != nil {
		t.Errorf("air_humidity = %v, want nil", got.Sensors.AirHumidity)
	}
	if !got.Controllers.Fan || got.Controllers.FanSpeed != 100 {
		t.Errorf("fan = %v/%d, want on/100", got.Controllers.Fan, got.Controllers.FanSpeed)
	}
	if got.Thresholds.TempMax != dev.Thresholds.TempMax {
		t.Errorf("temp_max = %v, want %v", got.Thresholds.TempMax, dev.Thresholds.TempMax)
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &state.Device{DeviceID: "esp32_greenhouse_1"}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDevice(dev.DeviceID); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetDevice(dev.DeviceID)
	if err == nil {
		t.Fatal("expected error after delete, got nil")
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)

	devs := []*state.Device{
		{DeviceID: "gh-1"},
		{DeviceID: "gh-2"},
		{DeviceID: "gh-3"},
	}
	for _, d := range devs {
		if err := s.SaveDevice(d); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}

	found := make(map[string]bool)
	for _, d := range list {
		found[d.DeviceID] = true
	}
	for _, d := range devs {
		if !found[d.DeviceID] {
			t.Errorf("device %s not in list", d.DeviceID)
		}
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDevice("no_such_device")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveAndLoadHistory(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	pts := []history.Point{
		{Timestamp: base, Sensors: state.Sensors{AirTemperature: fptr(25.0)}},
		{Timestamp: base.Add(5 * time.Second), Sensors: state.Sensors{AirTemperature: fptr(25.5)}},
	}

	if err := s.SaveHistory("gh-1", pts); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveHistory("gh-2", pts[:1]); err != nil {
		t.Fatal(err)
	}

	series, err := s.LoadHistory()
	if err != nil {
		t.Fatal(err)
	}
	if len(series) != 2 {
		t.Fatalf("series count = %d, want 2", len(series))
	}
	if len(series["gh-1"]) != 2 {
		t.Fatalf("gh-1 points = %d, want 2", len(series["gh-1"]))
	}
	got := series["gh-1"][1]
	if !got.Timestamp.Equal(pts[1].Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, pts[1].Timestamp)
	}
	if got.Sensors.AirTemperature == nil || *got.Sensors.AirTemperature != 25.5 {
		t.Errorf("air_temperature = %v, want 25.5", got.Sensors.AirTemperature)
	}
}

func TestSaveHistoryReplacesSeries(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().Truncate(time.Millisecond)
	if err := s.SaveHistory("gh-1", []history.Point{
		{Timestamp: base, Sensors: state.Sensors{SoilMoisture: fptr(40)}},
		{Timestamp: base.Add(5 * time.Second), Sensors: state.Sensors{SoilMoisture: fptr(41)}},
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.SaveHistory("gh-1", []history.Point{
		{Timestamp: base.Add(10 * time.Second), Sensors: state.Sensors{SoilMoisture: fptr(42)}},
	}); err != nil {
		t.Fatal(err)
	}

	series, err := s.LoadHistory()
	if err != nil {
		t.Fatal(err)
	}
	if len(series["gh-1"]) != 1 {
		t.Fatalf("points = %d, want 1", len(series["gh-1"]))
	}
}

func TestDeleteHistory(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveHistory("gh-1", []history.Point{{Timestamp: time.Now()}}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteHistory("gh-1"); err != nil {
		t.Fatal(err)
	}

	series, err := s.LoadHistory()
	if err != nil {
		t.Fatal(err)
	}
	if len(series) != 0 {
		t.Fatalf("series count = %d, want 0", len(series))
	}
}
