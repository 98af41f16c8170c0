package ble

import (
	"errors"
	"reflect"
	"testing"
)

func TestResolvePreferredPair(t *testing.T) {
	cmd := newMockChar(CommandUUID, Capabilities{Write: true})
	other := newMockChar("0000aaaa-0000-1000-8000-00805f9b34fb", Capabilities{Write: true})
	sess := &mockSession{services: []*mockService{newMockService(ServiceUUID, other, cmd)}}

	res, err := DefaultResolver().Resolve(sess)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Characteristic != Characteristic(cmd) {
		t.Errorf("characteristic = %s, want %s", res.Characteristic.UUID(), CommandUUID)
	}
	if res.Path != PathPreferred {
		t.Errorf("path = %q, want %q", res.Path, PathPreferred)
	}
}

func TestResolveCommonService(t *testing.T) {
	rx := newMockChar("6e400003-b5a3-f393-e0a9-e50e24dcca9e", Capabilities{Notify: true})
	tx := newMockChar("6e400002-b5a3-f393-e0a9-e50e24dcca9e", Capabilities{WriteNoResponse: true})
	sess := &mockSession{services: []*mockService{
		newMockService(NordicUARTServiceUUID, rx, tx),
	}}

	res, err := DefaultResolver().Resolve(sess)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Characteristic != Characteristic(tx) {
		t.Errorf("characteristic = %s, want %s", res.Characteristic.UUID(), tx.UUID())
	}
	if res.Path != PathCommon {
		t.Errorf("path = %q, want %q", res.Path, PathCommon)
	}
}

func TestResolveSkipsDeniedCharacteristics(t *testing.T) {
	name := newMockChar("2a00", Capabilities{Write: true})
	appearance := newMockChar("00002A01-0000-1000-8000-00805F9B34FB", Capabilities{Write: true})
	wrong := newMockChar(WrongFirmwareCommandUUID, Capabilities{Write: true})
	custom := newMockChar("12345678-1234-1234-1234-123456789abd", Capabilities{Write: true})
	sess := &mockSession{services: []*mockService{
		newMockService(GenericAccessUUID, name, appearance),
		newMockService("12345678-1234-1234-1234-123456789abc", wrong, custom),
	}}

	res, err := DefaultResolver().Resolve(sess)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Characteristic != Characteristic(custom) {
		t.Errorf("characteristic = %s, want %s", res.Characteristic.UUID(), custom.UUID())
	}
	if res.Path != PathEnumerated {
		t.Errorf("path = %q, want %q", res.Path, PathEnumerated)
	}
}

func TestResolveZeroServices(t *testing.T) {
	r := DefaultResolver()
	_, err := r.Resolve(&mockSession{})

	var nw *NoWritableChannelError
	if !errors.As(err, &nw) {
		t.Fatalf("Resolve() error = %v, want *NoWritableChannelError", err)
	}
	if !nw.NoServices {
		t.Error("NoServices = false, want true")
	}
	want := []string{ServiceUUID, HM10ServiceUUID, VendorServiceUUID, NordicUARTServiceUUID, GenericAccessUUID, GenericAttributeUUID}
	if !reflect.DeepEqual(nw.Attempted, want) {
		t.Errorf("Attempted = %v, want %v", nw.Attempted, want)
	}
	if nw.Hint() == "" {
		t.Error("Hint() is empty")
	}
}

func TestResolveEnumerationError(t *testing.T) {
	_, err := DefaultResolver().Resolve(&mockSession{servicesErr: errors.New("gatt busy")})
	var nw *NoWritableChannelError
	if !errors.As(err, &nw) || !nw.NoServices {
		t.Fatalf("Resolve() error = %v, want NoWritableChannelError with NoServices", err)
	}
}

func TestResolveNothingWritable(t *testing.T) {
	custom := "0000abcd-0000-1000-8000-00805f9b34fb"
	sess := &mockSession{services: []*mockService{
		newMockService(custom, newMockChar("0000abce-0000-1000-8000-00805f9b34fb", Capabilities{Notify: true})),
	}}

	_, err := DefaultResolver().Resolve(sess)
	var nw *NoWritableChannelError
	if !errors.As(err, &nw) {
		t.Fatalf("Resolve() error = %v, want *NoWritableChannelError", err)
	}
	if nw.NoServices {
		t.Error("NoServices = true, want false")
	}
	if last := nw.Attempted[len(nw.Attempted)-1]; last != custom {
		t.Errorf("last attempted = %s, want %s", last, custom)
	}
}

func TestResolveDeterministic(t *testing.T) {
	a := newMockChar("0000aaa1-0000-1000-8000-00805f9b34fb", Capabilities{Write: true})
	b := newMockChar("0000aaa2-0000-1000-8000-00805f9b34fb", Capabilities{Write: true})
	sess := &mockSession{services: []*mockService{
		newMockService("0000aaa0-0000-1000-8000-00805f9b34fb", a, b),
	}}

	r := DefaultResolver()
	for i := 0; i < 5; i++ {
		res, err := r.Resolve(sess)
		if err != nil {
			t.Fatalf("Resolve() run %d error = %v", i, err)
		}
		if res.Characteristic != Characteristic(a) {
			t.Fatalf("run %d chose %s, want %s", i, res.Characteristic.UUID(), a.UUID())
		}
	}
}

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"2a00", "00002a00-0000-1000-8000-00805f9b34fb"},
		{"0x2A00", "00002a00-0000-1000-8000-00805f9b34fb"},
		{"0000FFE0", "0000ffe0-0000-1000-8000-00805f9b34fb"},
		{"6E400001-B5A3-F393-E0A9-E50E24DCCA9E", NordicUARTServiceUUID},
	}
	for _, tt := range tests {
		if got := NormalizeUUID(tt.in); got != tt.want {
			t.Errorf("NormalizeUUID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
