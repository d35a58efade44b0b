package pagedkv

import "fmt"

// AddressError reports a block id or slot index outside a store's bounds.
type AddressError struct {
	What  string // "source block", "destination block", "slot", ...
	Layer int    // layer index for multi-layer operations, -1 otherwise
	Index int
	Limit int
}

func (e *AddressError) Error() string {
	if e.Layer >= 0 {
		return fmt.Sprintf("%s %d out of range [0, %d) in layer %d", e.What, e.Index, e.Limit, e.Layer)
	}
	return fmt.Sprintf("%s %d out of range [0, %d)", e.What, e.Index, e.Limit)
}

// ShapeMismatchError reports a geometry disagreement between paired
// tensors or stores, or between source and destination in a transfer.
type ShapeMismatchError struct {
	What string
	Want any
	Got  any
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s mismatch: want %v, got %v", e.What, e.Want, e.Got)
}

// UnsupportedDtypeError reports an unrecognized kv-cache dtype mode, or
// a mode the destination store cannot hold.
type UnsupportedDtypeError struct {
	Mode string
}

func (e *UnsupportedDtypeError) Error() string {
	return fmt.Sprintf("unsupported kv cache dtype %q", e.Mode)
}
