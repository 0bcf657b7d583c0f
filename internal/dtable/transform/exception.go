package transform

import (
	"context"

	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/params"
)

// exceptionFactory registers "exception_dtable", the class spec.md's
// reject protocol configs name for a reverse wrapper's out-of-line
// exception side-table. It carries no format of its own — an exception
// table is just an ordinary leaf dtable (whatever "store" class.id the
// config nests under it) holding full, unpacked values keyed the same
// way as the table it backs.
type exceptionFactory struct{}

func (exceptionFactory) ClassName() string { return "exception_dtable" }

func (exceptionFactory) Create(ctx context.Context, dir string, keyType dtype.KeyType, cmpName string, config *params.Tree, source, shadow dtable.Iterator) (dtable.Interface, error) {
	storeFactory, storeConfig, err := resolveFactory(config, "store", "store_config")
	if err != nil {
		return nil, err
	}
	return storeFactory.Create(ctx, subdir(dir, "store"), keyType, cmpName, storeConfig, source, shadow)
}

func (exceptionFactory) Open(ctx context.Context, dir string, config *params.Tree) (dtable.Interface, error) {
	storeFactory, storeConfig, err := resolveFactory(config, "store", "store_config")
	if err != nil {
		return nil, err
	}
	return storeFactory.Open(ctx, subdir(dir, "store"), storeConfig)
}

func init() {
	dtable.Factories.Register("exception_dtable", exceptionFactory{})
}

var _ dtable.Factory = exceptionFactory{}
