package driver

import (
	"errors"
	"testing"
	"time"

	"github.com/jduanen/CritterDetector/internal/model"
)

func TestNewFactory(t *testing.T) {
	testCases := []struct {
		name    string
		kind    Kind
		want    string
		wantErr bool
	}{
		{name: "default is sim", kind: "", want: "sim"},
		{name: "sim", kind: KindSim, want: "sim"},
		{name: "ydlidar", kind: KindYDLidar, want: "ydlidar"},
		{name: "unknown", kind: "rplidar", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			factory, err := NewFactory(tc.kind)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error for unknown driver kind")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			d, err := factory(model.DefaultDeviceConfig())
			if err != nil {
				t.Fatalf("factory failed: %v", err)
			}
			if d.Name() != tc.want {
				t.Errorf("expected name '%s', got '%s'", tc.want, d.Name())
			}
		})
	}
}

func TestSimDriver_Lifecycle(t *testing.T) {
	d := NewSimDriver(SimOptions{Seed: 1})

	if err := d.TurnOn(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected before Initialize, got %v", err)
	}

	if err := d.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if _, err := d.PollFrame(); !errors.Is(err, ErrNotScanning) {
		t.Errorf("expected ErrNotScanning with laser off, got %v", err)
	}

	if err := d.TurnOn(); err != nil {
		t.Fatalf("TurnOn failed: %v", err)
	}
	if !d.LaserOn() {
		t.Error("laser should be on")
	}

	points, err := d.PollFrame()
	if err != nil {
		t.Fatalf("PollFrame failed: %v", err)
	}
	// 4 kHz at 10 Hz
	if len(points) != 400 {
		t.Errorf("expected 400 points, got %d", len(points))
	}

	if err := d.TurnOff(); err != nil {
		t.Fatalf("TurnOff failed: %v", err)
	}
	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if _, err := d.PollFrame(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after Disconnect, got %v", err)
	}

	want := []string{"turnOn", "initialize", "pollFrame", "turnOn", "pollFrame", "turnOff", "disconnect", "pollFrame"}
	got := d.Calls()
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d: expected '%s', got '%s'", i, want[i], got[i])
		}
	}
}

func TestSimDriver_Windows(t *testing.T) {
	d := NewSimDriver(SimOptions{Seed: 7, RoomSize: 3})
	d.Initialize()
	d.TurnOn()

	d.SetOption(model.ParamMinAngle, -90)
	d.SetOption(model.ParamMaxAngle, 90)
	d.SetOption(model.ParamMinRange, 0.5)
	d.SetOption(model.ParamMaxRange, 3.5)

	points, err := d.PollFrame()
	if err != nil {
		t.Fatalf("PollFrame failed: %v", err)
	}
	if len(points) == 0 {
		t.Fatal("expected points inside the angle window")
	}

	zeros := 0
	for _, p := range points {
		if p.Angle < -90 || p.Angle > 90 {
			t.Fatalf("point outside angle window: %+v", p)
		}
		if p.Distance == 0 {
			zeros++
			continue
		}
		if p.Distance < 0.5 || p.Distance > 3.5 {
			t.Fatalf("point outside range window: %+v", p)
		}
	}
	// Corners of a 3 m room are at ~4.2 m and fall outside maxRange.
	if zeros == 0 {
		t.Error("expected out of range points to be zeroed")
	}
}

func TestSimDriver_Faults(t *testing.T) {
	d := NewSimDriver(SimOptions{
		Seed:          3,
		RejectOptions: map[model.Param]bool{model.ParamScanFreq: true},
		EmptyPolls:    2,
	})
	d.Initialize()
	d.TurnOn()

	if err := d.SetOption(model.ParamScanFreq, 8); err == nil {
		t.Error("expected rejected option")
	}
	if v, _ := d.GetOption(model.ParamScanFreq); v != model.DefaultScanFreq {
		t.Errorf("rejected option should keep %g, got %g", model.DefaultScanFreq, v)
	}

	for i := 0; i < 2; i++ {
		if _, err := d.PollFrame(); !errors.Is(err, ErrEmptyFrame) {
			t.Errorf("poll %d: expected ErrEmptyFrame, got %v", i, err)
		}
	}
	if _, err := d.PollFrame(); err != nil {
		t.Errorf("expected poll to recover, got %v", err)
	}

	d.Configure(func(o *SimOptions) { o.DeviceFault = true })
	if d.IsDeviceOK() {
		t.Error("expected device fault to be reported")
	}

	if n := d.CallCount("pollFrame"); n != 3 {
		t.Errorf("expected 3 polls, got %d", n)
	}
}

func TestSimDriver_PollDelay(t *testing.T) {
	d := NewSimDriver(SimOptions{Seed: 1, PollDelay: 20 * time.Millisecond})
	d.Initialize()
	d.TurnOn()

	start := time.Now()
	if _, err := d.PollFrame(); err != nil {
		t.Fatalf("PollFrame failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("expected poll to take at least 20ms, took %v", elapsed)
	}
}
