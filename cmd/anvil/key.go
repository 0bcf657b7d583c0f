package main

import (
	"strconv"

	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/nathansgreen/anvil/internal/dtype"
)

// parseKeyArg builds a dtype.Key of kind from a single CLI argument.
// Blob keys are taken as raw UTF-8 bytes of the argument; there is no
// CLI support for arbitrary binary keys.
func parseKeyArg(kind dtype.KeyType, raw string) (dtype.Key, error) {
	switch kind {
	case dtype.U32:
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return dtype.Key{}, anverr.Wrap("cmd/anvil.parseKeyArg", anverr.InvalidArgument, err)
		}
		return dtype.U32Key(uint32(v)), nil
	case dtype.F64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return dtype.Key{}, anverr.Wrap("cmd/anvil.parseKeyArg", anverr.InvalidArgument, err)
		}
		return dtype.F64Key(v), nil
	case dtype.String:
		return dtype.StringKey(raw), nil
	case dtype.BlobKey:
		return dtype.BlobKeyOf(dtype.NewBlob([]byte(raw))), nil
	default:
		return dtype.Key{}, anverr.Newf("cmd/anvil.parseKeyArg", anverr.InvalidArgument, "unrecognized key type %v", kind)
	}
}
