package tools

import (
	"pkt.systems/taskd/internal/dispatch"
	"pkt.systems/taskd/internal/pagination"
)

// Register wires the full tool set into the registry. active pages the
// store root; full additionally pages the archive.
func Register(reg *dispatch.Registry, store *Store, active, full *pagination.Engine) error {
	toolset := []dispatch.Tool{
		&OpenChange{Store: store},
		&ArchiveChange{Store: store},
		&ReadChange{Store: store},
		&ActiveChanges{Engine: active},
		&ListChanges{Active: active, Full: full},
	}
	for _, t := range toolset {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
