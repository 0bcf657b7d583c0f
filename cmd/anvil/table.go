package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/params"
)

// tableParamsFileName holds the class(dt) and config a table was built
// (or will be built) with, mirroring ctable's own "rows"/"rows_config"
// wrapping convention: "table" names the dtable.Factories class and
// "table_config" carries that class's config sub-tree.
const tableParamsFileName = "table.params"

func tableDir(dir, name string) string {
	return filepath.Join(dir, name)
}

// defaultTableParams is what a fresh table gets when no table.params
// file is present yet: a managed_dtable (digest/combine lifecycle) over
// a plain simple_dtable base.
func defaultTableParams() *params.Tree {
	const src = `config [
  "table" class(dt) managed_dtable
  "table_config" config [
    "base" class(dt) simple_dtable
  ]
]`
	tree, err := params.Parse(src)
	if err != nil {
		// Built from a fixed literal above; a parse failure here means
		// the grammar changed out from under this file.
		panic("cmd/anvil: built-in default table.params failed to parse: " + err.Error())
	}
	return tree
}

func loadTableParams(path string) (*params.Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultTableParams(), nil
		}
		return nil, anverr.Wrap("cmd/anvil.loadTableParams", anverr.IO, err)
	}
	tree, err := params.Parse(string(data))
	if err != nil {
		return nil, anverr.Wrap("cmd/anvil.loadTableParams", anverr.InvalidArgument, err)
	}
	return tree, nil
}

func writeTableParams(path string, tree *params.Tree) error {
	if err := os.WriteFile(path, []byte(tree.Render()), 0o644); err != nil {
		return anverr.Wrap("cmd/anvil.writeTableParams", anverr.IO, err)
	}
	return nil
}

func parseKeyTypeFlag(name string) (dtype.KeyType, error) {
	switch name {
	case "u32":
		return dtype.U32, nil
	case "f64":
		return dtype.F64, nil
	case "string":
		return dtype.String, nil
	case "blob":
		return dtype.BlobKey, nil
	default:
		return 0, anverr.Newf("cmd/anvil.parseKeyTypeFlag", anverr.InvalidArgument, "unrecognized key type %q", name)
	}
}

// openTable resolves --dir/--table to a dtable.Interface, creating the
// table directory (and its table.params descriptor) on first use and
// reattaching to it on every subsequent call, the same existing-vs-fresh
// decision cmd/bd makes by os.Stat-ing its sqlite file before opening.
func openTable(ctx context.Context) (dtable.Interface, error) {
	dir := tableDir(envDir, tableName)
	paramsPath := filepath.Join(dir, tableParamsFileName)

	tree, err := loadTableParams(paramsPath)
	if err != nil {
		return nil, err
	}
	className, err := tree.GetClass("table")
	if err != nil {
		return nil, anverr.Wrap("cmd/anvil.openTable", anverr.InvalidArgument, err)
	}
	factory, err := dtable.Factories.MustLookup("cmd/anvil.openTable", className)
	if err != nil {
		return nil, err
	}
	tableConfig, cerr := tree.GetConfig("table_config")
	if cerr != nil {
		tableConfig = params.NewTree()
	}

	if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
		return factory.Open(ctx, dir, tableConfig)
	}

	keyType, err := parseKeyTypeFlag(keyTypeFl)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, anverr.Wrap("cmd/anvil.openTable", anverr.IO, err)
	}
	if err := writeTableParams(paramsPath, tree); err != nil {
		return nil, err
	}
	return factory.Create(ctx, dir, keyType, "", tableConfig, nil, nil)
}

// unsupportedMaintenance reports that the table's class doesn't
// implement the maintenance operation named by op (only managed_dtable
// currently does).
func unsupportedMaintenance(op string) error {
	return anverr.Newf("cmd/anvil."+op, anverr.InvalidArgument, "table class does not support %s", op)
}

// asWritable type-asserts iface to dtable.Writable, the way rwatx and
// manageddtable themselves require a Writable base rather than widening
// Interface itself.
func asWritable(iface dtable.Interface) (dtable.Writable, error) {
	w, ok := iface.(dtable.Writable)
	if !ok {
		return nil, anverr.New("cmd/anvil.asWritable", anverr.InvalidArgument)
	}
	return w, nil
}
