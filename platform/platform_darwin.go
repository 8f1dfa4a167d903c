//go:build darwin

// File: platform/platform_darwin.go
//
// Darwin timing comes from mach_absolute_time, a raw tick counter scaled by
// a mach_timebase_info numer/denom pair (spec §4.1, "on one supported OS").
// Grounded on the teacher's cgo pattern for platform primitives
// (affinity/affinity_linux.go's pthread_setaffinity_np wrapper).

package platform

/*
#include <mach/mach_time.h>

static uint64_t strobe_mach_absolute_time(void) {
	return mach_absolute_time();
}

static int strobe_mach_timebase_info(uint32_t *numer, uint32_t *denom) {
	mach_timebase_info_data_t info;
	kern_return_t kr = mach_timebase_info(&info);
	if (kr != 0) {
		return -1;
	}
	*numer = info.numer;
	*denom = info.denom;
	return 0;
}
*/
import "C"

type darwinAdapter struct{}

func newAdapterImpl() (adapterImpl, error) {
	return &darwinAdapter{}, nil
}

func (darwinAdapter) timestampTicks() uint64 {
	return uint64(C.strobe_mach_absolute_time())
}

func (darwinAdapter) ticksToNanosRatio() (float64, error) {
	var numer, denom C.uint32_t
	if rc := C.strobe_mach_timebase_info(&numer, &denom); rc != 0 {
		return 1.0, ErrSymbolNotFound
	}
	if denom == 0 {
		return 1.0, ErrSymbolNotFound
	}
	return float64(numer) / float64(denom), nil
}

func (darwinAdapter) writeSyscallAvailable() bool {
	return true
}
