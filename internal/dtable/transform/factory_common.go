// Package transform implements the transforming dtable family from
// spec.md §4.7: wrappers that decode a base dtable's stored values on
// read (smallint, deltaint) or reroute keys across sub-dtables (exist,
// keydiv), each built at create time by driving one or more reverse
// encoders over a single source iterator.
package transform

import (
	"path/filepath"

	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/params"
)

// resolveFactory fetches a required class(dt) field and its sub-config,
// resolving the factory through the shared dtable registry.
func resolveFactory(config *params.Tree, classField, configField string) (dtable.Factory, *params.Tree, error) {
	className, err := config.GetClass(classField)
	if err != nil {
		return nil, nil, err
	}
	factory, err := dtable.Factories.MustLookup("transform.resolveFactory", className)
	if err != nil {
		return nil, nil, err
	}
	subConfig, cerr := config.GetConfig(configField)
	if cerr != nil {
		subConfig = params.NewTree()
	}
	return factory, subConfig, nil
}

// resolveOptionalFactory is resolveFactory for a sub-table that may be
// entirely absent from config (smallint's exception side-table, for
// instance): ok is false when classField was never set.
func resolveOptionalFactory(config *params.Tree, classField, configField string) (factory dtable.Factory, subConfig *params.Tree, ok bool, err error) {
	if _, present := config.Get(classField); !present {
		return nil, nil, false, nil
	}
	factory, subConfig, err = resolveFactory(config, classField, configField)
	return factory, subConfig, err == nil, err
}

func subdir(dir, name string) string {
	return filepath.Join(dir, name)
}
