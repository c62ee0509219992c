package session

import (
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// Kind tags a session view as local or remote. Local sessions have an
// unpacked package directory on this replica's disk; remote sessions are
// metadata mirrored from the consensus store.
type Kind int

const (
	KindLocal Kind = iota
	KindRemote
)

// String returns the view tag name
func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	default:
		return "invalid"
	}
}

// View pairs session metadata with its view tag. Local views carry the
// package directory path; remote views leave it empty. Operations dispatch
// on the tag, not on distinct types.
type View struct {
	Kind        Kind
	Meta        *types.Session
	PackagePath string
}

// Local builds a local view over the given metadata and package directory
func Local(meta *types.Session, packagePath string) *View {
	return &View{Kind: KindLocal, Meta: meta, PackagePath: packagePath}
}

// Remote builds a remote view over mirrored metadata
func Remote(meta *types.Session) *View {
	return &View{Kind: KindRemote, Meta: meta}
}

// Broken reports whether the view's metadata could not be fully read back
func (v *View) Broken() bool {
	return v.Meta == nil || v.Meta.Status == types.StatusUnknown
}

// Age returns the session's age at the given instant. Broken sessions have
// no reliable create time; callers must use the discovery time instead.
func (v *View) Age(now time.Time) time.Duration {
	if v.Meta == nil || v.Meta.CreateTime.IsZero() {
		return 0
	}
	return now.Sub(v.Meta.CreateTime)
}
