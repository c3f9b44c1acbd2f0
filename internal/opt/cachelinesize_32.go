//go:build skinny_cachelinesize_32

package opt

// CacheLineSize_ forced to 32 bytes via build tag.
const CacheLineSize_ = 32
