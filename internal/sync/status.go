package sync

// CopyMode selects which files a sync pass acts on.
type CopyMode int

const (
	// ModeNewFilesOnly copies files absent from the destination and verifies
	// cached completions. Anything else is deferred to a later pass.
	ModeNewFilesOnly CopyMode = iota

	// ModeAllFiles copies or resumes every file not already done.
	ModeAllFiles
)

func (m CopyMode) String() string {
	switch m {
	case ModeNewFilesOnly:
		return "new-files-only"
	case ModeAllFiles:
		return "all-files"
	default:
		return "unknown"
	}
}

// FileStatus is the classification of a source/destination pair before copying.
type FileStatus int

const (
	// StatusNew means the destination does not exist.
	StatusNew FileStatus = iota

	// StatusCached means the ledger record matches the current source mtime
	// and the destination exists. The file is done without touching its bytes.
	StatusCached

	// StatusPartial means the destination exists but is not verified complete.
	// Under ModeNewFilesOnly this also covers files deferred to the next pass.
	StatusPartial

	// StatusDone means the destination is verified complete without copying:
	// its mtime equals the recorded completion, or a content probe found the
	// files already equal.
	StatusDone
)

func (s FileStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusCached:
		return "cached"
	case StatusPartial:
		return "partial"
	case StatusDone:
		return "done"
	default:
		return "unknown"
	}
}
