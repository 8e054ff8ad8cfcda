// Package traits implements device capabilities as data plus free
// functions instead of the mixin-inheritance hierarchy the reference
// Python client uses (V1TraitMixin, StatusTrait(Status, V1TraitMixin), …):
// a Status record, a declarative dp-code table, and a single ApplyDPS
// function that walks it. A device holds a struct of trait handles rather
// than inheriting behavior.
package traits

import (
	"context"
	"fmt"
	"reflect"

	"github.com/user/roborock-go/roborock"
)

// Status is the device status trait's data: battery level, cleaning
// state, last error, and the current clean session's area/duration.
type Status struct {
	Battery        int
	State          int
	ErrorCode      int
	CleanArea      int
	CleanTimeSec   int
	InCleaning     bool
	DockingStation int
}

// DPEntry declares how one dp code maps onto a field of Status: Set
// receives the already-JSON-decoded value for that dp code and assigns
// it, returning an error if the value is not of a kind Set accepts. Type
// records the JSON-decoded type the entry expects; ApplyDPS and the Set
// functions do not consult it.
type DPEntry struct {
	Code int
	Type reflect.Type
	Set  func(status *Status, value any) error
}

var intType = reflect.TypeOf(0.0) // JSON numbers decode as float64

func setInt(dst *int) func(*Status, any) error {
	return func(_ *Status, value any) error {
		f, ok := value.(float64)
		if !ok {
			return fmt.Errorf("traits: expected numeric value, got %T", value)
		}
		*dst = int(f)
		return nil
	}
}

func setBool(dst *bool) func(*Status, any) error {
	return func(_ *Status, value any) error {
		switch v := value.(type) {
		case bool:
			*dst = v
		case float64:
			*dst = v != 0
		default:
			return fmt.Errorf("traits: expected bool-like value, got %T", value)
		}
		return nil
	}
}

// StatusTable is the dp-code table for the status trait, grounded in the
// reference client's dps mapping for the vacuum status dataclass.
var StatusTable = []DPEntry{
	{Code: 100, Type: intType, Set: func(s *Status, v any) error { return setInt(&s.Battery)(s, v) }},
	{Code: 120, Type: intType, Set: func(s *Status, v any) error { return setInt(&s.State)(s, v) }},
	{Code: 121, Type: intType, Set: func(s *Status, v any) error { return setInt(&s.ErrorCode)(s, v) }},
	{Code: 122, Type: intType, Set: func(s *Status, v any) error { return setBool(&s.InCleaning)(s, v) }},
	{Code: 123, Type: intType, Set: func(s *Status, v any) error { return setInt(&s.CleanArea)(s, v) }},
	{Code: 124, Type: intType, Set: func(s *Status, v any) error { return setInt(&s.CleanTimeSec)(s, v) }},
	{Code: 125, Type: intType, Set: func(s *Status, v any) error { return setInt(&s.DockingStation)(s, v) }},
}

// ApplyDPS walks table, applying every dp code present in decoded
// (typically the "dps" map of a GENERAL_RESPONSE payload, keyed by
// integer code as a decimal string) onto status. Unknown codes in
// decoded are ignored; entries in table absent from decoded are left
// unchanged.
func ApplyDPS(status *Status, table []DPEntry, decoded map[string]any) error {
	for _, entry := range table {
		key := fmt.Sprintf("%d", entry.Code)
		value, ok := decoded[key]
		if !ok {
			continue
		}
		if err := entry.Set(status, value); err != nil {
			return fmt.Errorf("traits: dp %d: %w", entry.Code, err)
		}
	}
	return nil
}

// RefreshStatus issues the status-query command over rpcChannel and
// decodes the result into a fresh Status using StatusTable. productID is
// accepted (rather than hardcoding the table) so a future per-product
// override table can be selected without changing this function's
// signature.
func RefreshStatus(ctx context.Context, rpcChannel roborock.Commander, productID string) (*Status, error) {
	var decoded map[string]any
	if err := rpcChannel.SendCommand(ctx, "get_status", nil, &decoded); err != nil {
		return nil, fmt.Errorf("traits: get_status: %w", err)
	}

	status := &Status{}
	if err := ApplyDPS(status, StatusTable, decoded); err != nil {
		return nil, err
	}
	return status, nil
}
