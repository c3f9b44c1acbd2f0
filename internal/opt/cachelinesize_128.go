//go:build skinny_cachelinesize_128

package opt

// CacheLineSize_ forced to 128 bytes via build tag.
const CacheLineSize_ = 128
