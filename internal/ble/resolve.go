package ble

import (
	"log/slog"
)

// Resolution path labels, reported for diagnostics.
const (
	PathPreferred  = "preferred"
	PathCommon     = "common"
	PathEnumerated = "enumerated"
)

// Resolver finds a writable command characteristic without assuming a fixed
// GATT layout. The zero value probes nothing; use DefaultResolver.
type Resolver struct {
	PreferredService        string
	PreferredCharacteristic string
	// CommonServices are probed one by one, in order, because some platforms
	// only grant access to services requested explicitly.
	CommonServices []string
	// Denied characteristics are skipped during scans.
	Denied []string
}

// DefaultResolver targets the Lumi firmware and the common UART-style layouts.
func DefaultResolver() Resolver {
	return Resolver{
		PreferredService:        ServiceUUID,
		PreferredCharacteristic: CommandUUID,
		CommonServices:          append([]string(nil), CommonServiceUUIDs...),
		Denied:                  append([]string(nil), DeniedCharacteristicUUIDs...),
	}
}

// Resolution is a resolved command characteristic and its parent service.
type Resolution struct {
	Service        Service
	Characteristic Characteristic
	Path           string
}

// Resolve runs the three-stage search: the preferred pair, each common
// service individually, then every service the peripheral exposes. The result
// depends only on the peripheral's layout and discovery order.
func (r Resolver) Resolve(sess Session) (*Resolution, error) {
	if res := r.preferred(sess); res != nil {
		return res, nil
	}

	for _, id := range r.CommonServices {
		svc, err := sess.Service(id)
		if err != nil {
			slog.Debug("[BLE] service not available", "uuid", id, "error", err)
			continue
		}
		if c := r.pickWritable(svc); c != nil {
			return &Resolution{Service: svc, Characteristic: c, Path: PathCommon}, nil
		}
	}

	attempted := r.attempted()
	svcs, err := sess.Services()
	if err != nil {
		return nil, &NoWritableChannelError{Attempted: attempted, NoServices: true, Err: err}
	}
	if len(svcs) == 0 {
		return nil, &NoWritableChannelError{Attempted: attempted, NoServices: true}
	}
	for _, svc := range svcs {
		if c := r.pickWritable(svc); c != nil {
			return &Resolution{Service: svc, Characteristic: c, Path: PathEnumerated}, nil
		}
		if !containsUUID(attempted, svc.UUID()) {
			attempted = append(attempted, NormalizeUUID(svc.UUID()))
		}
	}
	return nil, &NoWritableChannelError{Attempted: attempted}
}

func (r Resolver) preferred(sess Session) *Resolution {
	if r.PreferredService == "" || r.PreferredCharacteristic == "" {
		return nil
	}
	svc, err := sess.Service(r.PreferredService)
	if err != nil {
		slog.Debug("[BLE] preferred service not found", "uuid", r.PreferredService, "error", err)
		return nil
	}
	chars, err := svc.Characteristics()
	if err != nil {
		slog.Debug("[BLE] preferred service characteristics unavailable", "error", err)
		return nil
	}
	for _, c := range chars {
		if sameUUID(c.UUID(), r.PreferredCharacteristic) && c.Capabilities().Writable() {
			return &Resolution{Service: svc, Characteristic: c, Path: PathPreferred}
		}
	}
	return nil
}

// pickWritable returns the first writable, non-denied characteristic of svc.
func (r Resolver) pickWritable(svc Service) Characteristic {
	chars, err := svc.Characteristics()
	if err != nil {
		slog.Debug("[BLE] could not read characteristics", "service", svc.UUID(), "error", err)
		return nil
	}
	for _, c := range chars {
		if containsUUID(r.Denied, c.UUID()) {
			slog.Debug("[BLE] skipping denied characteristic", "uuid", c.UUID())
			continue
		}
		if c.Capabilities().Writable() {
			return c
		}
	}
	return nil
}

// attempted lists the preferred and common service UUIDs without duplicates.
func (r Resolver) attempted() []string {
	var out []string
	add := func(u string) {
		if u != "" && !containsUUID(out, u) {
			out = append(out, NormalizeUUID(u))
		}
	}
	add(r.PreferredService)
	for _, u := range r.CommonServices {
		add(u)
	}
	return out
}
