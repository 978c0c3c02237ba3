package cmn

import "github.com/golang/glog"

// Thin re-export so the rest of the tree writes `cmn.Infof` the way the
// teacher writes `glog.Infof` — kept in cmn so call sites don't need to
// import glog directly, matching the single-point-of-truth the teacher
// gives its vendored 3rdparty/glog.
var (
	Infof    = glog.Infof
	Warningf = glog.Warningf
	Errorf   = glog.Errorf
	Fatalf   = glog.Fatalf
	Infoln   = glog.Infoln
	Errorln  = glog.Errorln
)

// V reports whether verbose logging at the given level is enabled, the
// stdlib-glog equivalent of the teacher's glog.FastV(n, module) gate
// (the module-scoped variant is a vendored-only extension we don't carry).
func V(level int32) bool {
	return bool(glog.V(glog.Level(level)))
}
