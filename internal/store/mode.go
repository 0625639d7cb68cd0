package store

// mode is the sum type StoreMode = Live | Pinned(snapshotFile) from
// DESIGN.md's re-expression of the source's readonly-by-method-override
// pattern: a record handle checks the mode before any write.
type mode struct {
	pinnedPath string // empty when live
}

func (m mode) readOnly() bool { return m.pinnedPath != "" }

var modeLive = mode{}

func modePinned(path string) mode { return mode{pinnedPath: path} }
