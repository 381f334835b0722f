package storage

import (
	"github.com/hearthlink/hearthlink/pkg/types"
)

// Store is the persistent credential and inventory store the runtime calls
// into: the refresh credential is loaded at startup and re-persisted when
// the provider rotates it, and the discovered device inventory is kept so a
// restart can address appliances before discovery completes.
type Store interface {
	// Refresh credential (stage 1)
	LoadRefreshCredential() (*types.RefreshCredential, error)
	SaveRefreshCredential(cred *types.RefreshCredential) error
	DeleteRefreshCredential() error

	// Device inventory
	SaveDevices(devices []types.Device) error
	LoadDevices() ([]types.Device, error)

	// Utility
	Close() error
}
