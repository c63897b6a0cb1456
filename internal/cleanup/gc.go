package cleanup

import "runtime"

func defaultGCHint() {
	runtime.GC()
}
