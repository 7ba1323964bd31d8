package ddb

// OpenOption configures ImageContainer.Open, the same functional-options
// shape the teacher uses for Superblock construction.
type OpenOption func(*openConfig)

type openConfig struct {
	expectBlockSize int64
	expectTotalSize int64
	zeroFillDefault bool
}

// ExpectBlockSize fails Open with Invalid unless the on-disk block size
// matches exactly.
func ExpectBlockSize(n int64) OpenOption {
	return func(c *openConfig) { c.expectBlockSize = n }
}

// ExpectTotalSize fails Open with Invalid unless the on-disk total size
// matches exactly.
func ExpectTotalSize(n int64) OpenOption {
	return func(c *openConfig) { c.expectTotalSize = n }
}

// WithZeroFillDefault makes every Read behave as though ZeroFill were
// passed, without the caller repeating the flag on every call.
func WithZeroFillDefault() OpenOption {
	return func(c *openConfig) { c.zeroFillDefault = true }
}
