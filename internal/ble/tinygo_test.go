package ble

import (
	"reflect"
	"testing"
)

func TestSelectCandidate(t *testing.T) {
	cands := []candidate{
		{id: "11:11:11:11:11:11", name: "Headphones", rssi: -40},
		{id: "22:22:22:22:22:22", name: "ESP32-dev", rssi: -70},
		{id: "33:33:33:33:33:33", name: "", rssi: -60, hasService: true},
		{id: "44:44:44:44:44:44", name: "Lumi-02", rssi: -80},
	}

	tests := []struct {
		name   string
		filter Filter
		want   string
		wantOK bool
	}{
		{"service beats name prefix", DefaultFilter(), "33:33:33:33:33:33", true},
		{"address wins", func() Filter {
			f := DefaultFilter()
			f.Address = "11:11:11:11:11:11"
			return f
		}(), "11:11:11:11:11:11", true},
		{"unknown address finds nothing", Filter{Address: "aa:bb:cc:dd:ee:ff"}, "", false},
		{"remembered name beats service", func() Filter {
			f := DefaultFilter()
			f.PreferName = "Lumi-02"
			return f
		}(), "44:44:44:44:44:44", true},
		{"accept all falls back to signal strength", Filter{AcceptAll: true}, "11:11:11:11:11:11", true},
		{"strict filter rejects strangers", Filter{NamePrefixes: []string{"Nano"}}, "", false},
		{"strict filter by prefix", Filter{NamePrefixes: []string{"esp32"}}, "22:22:22:22:22:22", true},
		{"service flag needs a service filter", Filter{NamePrefixes: []string{"Lumi"}}, "44:44:44:44:44:44", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := selectCandidate(cands, tt.filter)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got.id != tt.want {
				t.Errorf("selected %s (%q), want %s", got.id, got.name, tt.want)
			}
		})
	}
}

func TestSelectCandidateAddressCase(t *testing.T) {
	cands := []candidate{{id: "AA:BB:CC:DD:EE:FF", rssi: -90}, {id: "00:00:00:00:00:01", rssi: -30}}
	got, ok := selectCandidate(cands, Filter{AcceptAll: true, Address: "aa:bb:cc:dd:ee:ff"})
	if !ok || got.id != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("selected %v, %v; want AA:BB:CC:DD:EE:FF", got.id, ok)
	}
}

func TestSelectCandidateEmpty(t *testing.T) {
	if _, ok := selectCandidate(nil, DefaultFilter()); ok {
		t.Error("selectCandidate(nil) ok = true")
	}
}

func TestReadOnlyCharacteristicsNormalized(t *testing.T) {
	for uuid := range readOnlyCharacteristics {
		if NormalizeUUID(uuid) != uuid {
			t.Errorf("%s is not normalized", uuid)
		}
	}
}

func TestInferCapabilities(t *testing.T) {
	tests := []struct {
		uuid         string
		withResponse bool
		want         Capabilities
	}{
		{CommandUUID, true, Capabilities{Write: true, WriteNoResponse: true}},
		{CommandUUID, false, Capabilities{WriteNoResponse: true}},
		{"2a19", true, Capabilities{}},
		{"00002AA6-0000-1000-8000-00805F9B34FB", false, Capabilities{}},
		{"2b2a", true, Capabilities{}},
	}
	for _, tt := range tests {
		if got := inferCapabilities(tt.uuid, tt.withResponse); got != tt.want {
			t.Errorf("inferCapabilities(%s, %v) = %+v, want %+v", tt.uuid, tt.withResponse, got, tt.want)
		}
	}
}

func TestCapabilitiesFromProperties(t *testing.T) {
	tests := []struct {
		name  string
		props uint32
		want  Capabilities
	}{
		{"read only", 0x02, Capabilities{}},
		{"write", 0x08, Capabilities{Write: true}},
		{"write without response and notify", 0x04 | 0x10, Capabilities{WriteNoResponse: true, Notify: true}},
		{"indicate", 0x02 | 0x20, Capabilities{Notify: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := capabilitiesFromProperties(tt.props)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("capabilitiesFromProperties(%#x) = %+v, want %+v", tt.props, got, tt.want)
			}
		})
	}
}
